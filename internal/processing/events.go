package processing

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/ztaylor54/kopf/internal/primitives"
	"github.com/ztaylor54/kopf/internal/types"
)

const (
	eventComponent = "kopf-controller"
	// Cluster-scoped objects get their events in the default namespace, as kubectl does.
	clusterEventNamespace = metav1.NamespaceDefault
)

// EventPoster attaches a Kubernetes Event to every object it is given,
// recording which change the operator has seen. Deletions are skipped: the
// object is gone and nobody would see the event.
type EventPoster struct {
	logger *zap.Logger
	client kubernetes.Interface
}

// NewEventPoster creates an EventPoster.
func NewEventPoster(logger *zap.Logger, client kubernetes.Interface) *EventPoster {
	return &EventPoster{
		logger: logger.Named("event-poster"),
		client: client,
	}
}

// Process implements queueing.Processor.
func (p *EventPoster) Process(ctx context.Context, event types.RawEvent, _ *primitives.Flag) error {
	if event.Type == watch.Deleted {
		return nil
	}

	ev := BuildEvent(event)
	_, err := p.client.CoreV1().Events(ev.Namespace).Create(ctx, ev, metav1.CreateOptions{})
	switch {
	case err == nil:
		eventsPostedTotal.WithLabelValues("success").Inc()
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case apierrors.IsForbidden(err):
		eventsPostedTotal.WithLabelValues("forbidden").Inc()
		p.logger.Warn("Not allowed to post events", zap.String("namespace", ev.Namespace), zap.Error(err))
		return nil
	default:
		eventsPostedTotal.WithLabelValues("error").Inc()
		p.logger.Error("Failed to post event",
			zap.String("namespace", ev.Namespace),
			zap.String("name", event.Name()),
			zap.Error(err))
		return nil
	}
}

// BuildEvent creates the corev1.Event describing one delivered object event.
func BuildEvent(event types.RawEvent) *corev1.Event {
	now := metav1.Now()

	namespace := event.Namespace()
	if namespace == "" {
		namespace = clusterEventNamespace
	}

	reason, message := describe(event)
	return &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{
			// Same naming scheme as client-go's event recorder.
			Name:      fmt.Sprintf("%v.%x", event.Name(), now.UnixNano()),
			Namespace: namespace,
		},
		InvolvedObject: corev1.ObjectReference{
			APIVersion:      event.APIVersion(),
			Kind:            event.Kind(),
			Name:            event.Name(),
			Namespace:       event.Namespace(),
			UID:             k8stypes.UID(event.UID()),
			ResourceVersion: event.ResourceVersion(),
		},
		Reason:              reason,
		Message:             message,
		Type:                corev1.EventTypeNormal,
		Source:              corev1.EventSource{Component: eventComponent},
		FirstTimestamp:      now,
		LastTimestamp:       now,
		Count:               1,
		ReportingController: "kopf.dev/controller",
		ReportingInstance:   eventComponent,
	}
}

func describe(event types.RawEvent) (reason, message string) {
	switch event.Type {
	case watch.Added:
		reason = "ObjectAdded"
	case watch.Modified:
		reason = "ObjectModified"
	case "":
		reason = "ObjectListed"
	default:
		reason = "ObjectChanged"
	}
	message = fmt.Sprintf("%s %s observed at resource version %s",
		event.Kind(), event.Name(), event.ResourceVersion())
	return reason, message
}
