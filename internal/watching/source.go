package watching

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"

	"github.com/ztaylor54/kopf/internal/config"
	"github.com/ztaylor54/kopf/internal/primitives"
	"github.com/ztaylor54/kopf/internal/types"
)

// Source is an endless list-then-watch stream of raw events of one resource
// kind. Next must be called from one goroutine only; Stop may be called from
// any goroutine.
type Source struct {
	logger    *zap.Logger
	client    dynamic.Interface
	resource  schema.GroupVersionResource
	namespace string
	settings  config.WatchingSettings
	freeze    *primitives.Toggle
	limiter   *rate.Limiter
	stopped   *primitives.Flag

	listed          []types.RawEvent
	needList        bool
	resourceVersion string
	watcher         watch.Interface
}

// NewSource creates a Source. An empty namespace watches cluster-wide. A nil
// freeze toggle disables freezing.
func NewSource(
	logger *zap.Logger,
	client dynamic.Interface,
	resource schema.GroupVersionResource,
	namespace string,
	settings config.WatchingSettings,
	freeze *primitives.Toggle,
) *Source {
	limit := rate.Inf
	if backoff := settings.ReconnectBackoff.Duration; backoff > 0 {
		limit = rate.Every(backoff)
	}
	if freeze == nil {
		freeze = primitives.NewToggle(false)
	}
	return &Source{
		logger: logger.Named("watch-source").With(
			zap.String("resource", resource.String()),
			zap.String("namespace", namespace)),
		client:    client,
		resource:  resource,
		namespace: namespace,
		settings:  settings,
		freeze:    freeze,
		limiter:   rate.NewLimiter(limit, 1),
		stopped:   primitives.NewFlag(),
		needList:  true,
	}
}

// Stop ends the stream: the current and all later Next calls return io.EOF.
func (s *Source) Stop() {
	s.stopped.Set()
}

// Next returns the next event. Objects of the initial listing come first, with
// an empty event type; then the watch events follow. Connection losses are
// retried transparently; an expired resource version triggers a relisting.
//
// Next returns io.EOF after Stop, ctx.Err() when ctx is done, and the API
// error when the resource kind cannot be watched at all (forbidden, not found,
// watching not supported).
func (s *Source) Next(ctx context.Context) (types.RawEvent, error) {
	for {
		if s.stopped.IsSet() {
			s.closeWatch()
			return types.RawEvent{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			s.closeWatch()
			return types.RawEvent{}, err
		}

		if s.freeze.IsOn() {
			if err := s.waitUnfrozen(ctx); err != nil {
				return types.RawEvent{}, err
			}
			continue
		}

		if len(s.listed) > 0 {
			event := s.listed[0]
			s.listed[0] = types.RawEvent{}
			s.listed = s.listed[1:]
			return event, nil
		}

		if s.needList {
			if err := s.list(ctx); err != nil {
				if fatal := s.retryable(ctx, "list", err); fatal != nil {
					return types.RawEvent{}, fatal
				}
			}
			continue
		}

		if s.watcher == nil {
			if err := s.openWatch(ctx); err != nil {
				if fatal := s.retryable(ctx, "watch", err); fatal != nil {
					return types.RawEvent{}, fatal
				}
				continue
			}
		}

		event, ok, err := s.receive(ctx)
		if err != nil {
			if fatal := s.retryable(ctx, "stream", err); fatal != nil {
				return types.RawEvent{}, fatal
			}
			continue
		}
		if ok {
			return event, nil
		}
	}
}

// receive waits for one watch event. ok is false when the loop in Next must
// re-evaluate its state (bookmark, closed connection, freeze, stop).
func (s *Source) receive(ctx context.Context) (event types.RawEvent, ok bool, err error) {
	frozen := s.freeze.Changed()
	if s.freeze.IsOn() {
		return event, false, nil
	}
	select {
	case <-ctx.Done():
		return event, false, nil
	case <-s.stopped.C():
		return event, false, nil
	case <-frozen:
		return event, false, nil
	case raw, open := <-s.watcher.ResultChan():
		if !open {
			s.logger.Debug("Watch connection closed, reconnecting")
			watchReconnectsTotal.WithLabelValues(s.resource.String(), "closed").Inc()
			s.closeWatch()
			return event, false, nil
		}
		return s.handle(raw)
	}
}

func (s *Source) handle(raw watch.Event) (types.RawEvent, bool, error) {
	switch raw.Type {
	case watch.Bookmark:
		if rv := resourceVersionOf(raw.Object); rv != "" {
			s.resourceVersion = rv
		}
		return types.RawEvent{}, false, nil

	case watch.Error:
		s.closeWatch()
		return types.RawEvent{}, false, apierrors.FromObject(raw.Object)

	case watch.Added, watch.Modified, watch.Deleted:
		obj, ok := raw.Object.(runtime.Unstructured)
		if !ok {
			return types.RawEvent{}, false, fmt.Errorf("unexpected watch object %T", raw.Object)
		}
		content := obj.UnstructuredContent()
		event := types.RawEvent{Type: raw.Type, Object: content}
		if rv := event.ResourceVersion(); rv != "" {
			s.resourceVersion = rv
		}
		watchEventsTotal.WithLabelValues(s.resource.String(), string(raw.Type)).Inc()
		return event, true, nil

	default:
		s.logger.Debug("Ignoring unknown watch event type", zap.String("type", string(raw.Type)))
		return types.RawEvent{}, false, nil
	}
}

// list fetches all objects page by page and queues them for Next.
func (s *Source) list(ctx context.Context) error {
	if err := s.pace(ctx); err != nil {
		return err
	}

	opts := metav1.ListOptions{Limit: s.settings.ListPageSize}
	var listed []types.RawEvent
	pages := 0
	for {
		page, err := s.resourceClient().List(ctx, opts)
		if err != nil {
			return fmt.Errorf("listing %s: %w", s.resource, err)
		}
		pages++
		for i := range page.Items {
			listed = append(listed, types.RawEvent{Object: page.Items[i].Object})
		}
		if page.GetContinue() == "" {
			s.resourceVersion = page.GetResourceVersion()
			break
		}
		opts.Continue = page.GetContinue()
	}

	s.logger.Debug("Listed objects",
		zap.Int("objects", len(listed)),
		zap.Int("pages", pages),
		zap.String("resource_version", s.resourceVersion))
	listsTotal.WithLabelValues(s.resource.String()).Inc()
	s.listed = listed
	s.needList = false
	return nil
}

func (s *Source) openWatch(ctx context.Context) error {
	if err := s.pace(ctx); err != nil {
		return err
	}

	opts := metav1.ListOptions{
		ResourceVersion:     s.resourceVersion,
		AllowWatchBookmarks: true,
	}
	if timeout := s.settings.ServerTimeout.Duration; timeout > 0 {
		seconds := int64(timeout.Seconds())
		opts.TimeoutSeconds = &seconds
	}

	watcher, err := s.resourceClient().Watch(ctx, opts)
	if err != nil {
		return fmt.Errorf("watching %s: %w", s.resource, err)
	}
	s.watcher = watcher
	return nil
}

func (s *Source) closeWatch() {
	if s.watcher != nil {
		s.watcher.Stop()
		s.watcher = nil
	}
}

// retryable classifies a list/watch error. It returns nil when Next should
// retry (after adjusting the state), or the error to end the stream with.
func (s *Source) retryable(ctx context.Context, stage string, err error) error {
	if ctx.Err() != nil {
		s.closeWatch()
		return ctx.Err()
	}
	switch {
	case isPermanent(err):
		s.logger.Error("Resource kind cannot be watched", zap.String("stage", stage), zap.Error(err))
		s.closeWatch()
		return err
	case isExpired(err):
		s.logger.Debug("Resource version expired, relisting",
			zap.String("resource_version", s.resourceVersion), zap.Error(err))
		watchReconnectsTotal.WithLabelValues(s.resource.String(), "expired").Inc()
		s.closeWatch()
		s.resourceVersion = ""
		s.needList = true
		return nil
	default:
		s.logger.Warn("Watch failed, retrying", zap.String("stage", stage), zap.Error(err))
		watchReconnectsTotal.WithLabelValues(s.resource.String(), "error").Inc()
		s.closeWatch()
		return nil
	}
}

// pace delays (re)connection attempts to at most one per ReconnectBackoff.
func (s *Source) pace(ctx context.Context) error {
	delay := s.limiter.Reserve().Delay()
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-s.stopped.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitUnfrozen closes the watch while frozen; events missed meanwhile are
// recovered by relisting.
func (s *Source) waitUnfrozen(ctx context.Context) error {
	s.logger.Info("Freezing the watch stream")
	s.closeWatch()
	s.listed = nil
	s.needList = true

	for {
		changed := s.freeze.Changed()
		if !s.freeze.IsOn() {
			s.logger.Info("Resuming the watch stream")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopped.C():
			return nil
		case <-changed:
		}
	}
}

func (s *Source) resourceClient() dynamic.ResourceInterface {
	if s.namespace != "" {
		return s.client.Resource(s.resource).Namespace(s.namespace)
	}
	return s.client.Resource(s.resource)
}

func isPermanent(err error) bool {
	return apierrors.IsForbidden(err) ||
		apierrors.IsUnauthorized(err) ||
		apierrors.IsNotFound(err) ||
		apierrors.IsMethodNotSupported(err)
}

func isExpired(err error) bool {
	return apierrors.IsResourceExpired(err) || apierrors.IsGone(err)
}

func resourceVersionOf(obj runtime.Object) string {
	accessor, ok := obj.(metav1.Object)
	if !ok {
		return ""
	}
	return accessor.GetResourceVersion()
}
