package processing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"

	"github.com/ztaylor54/kopf/internal/primitives"
	"github.com/ztaylor54/kopf/internal/types"
)

func TestBuildEvent(t *testing.T) {
	event := testEvent("uid-1", "team-alpha")
	ev := BuildEvent(event)

	assert.Equal(t, "team-alpha", ev.Namespace)
	assert.Contains(t, ev.Name, "obj-uid-1.")
	assert.Equal(t, "ObjectModified", ev.Reason)
	assert.Equal(t, corev1.EventTypeNormal, ev.Type)
	assert.Equal(t, "ConfigMap obj-uid-1 observed at resource version 42", ev.Message)
	assert.Equal(t, "v1", ev.InvolvedObject.APIVersion)
	assert.Equal(t, "ConfigMap", ev.InvolvedObject.Kind)
	assert.Equal(t, "obj-uid-1", ev.InvolvedObject.Name)
	assert.Equal(t, "uid-1", string(ev.InvolvedObject.UID))
	assert.Equal(t, eventComponent, ev.Source.Component)
	assert.Equal(t, int32(1), ev.Count)
}

func TestBuildEvent_Reasons(t *testing.T) {
	tests := []struct {
		eventType watch.EventType
		want      string
	}{
		{eventType: watch.Added, want: "ObjectAdded"},
		{eventType: watch.Modified, want: "ObjectModified"},
		{eventType: "", want: "ObjectListed"},
		{eventType: watch.Bookmark, want: "ObjectChanged"},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			event := testEvent("a", "ns")
			event.Type = tt.eventType
			assert.Equal(t, tt.want, BuildEvent(event).Reason)
		})
	}
}

func TestBuildEvent_ClusterScoped(t *testing.T) {
	event := testEvent("a", "")
	ev := BuildEvent(event)
	assert.Equal(t, metav1.NamespaceDefault, ev.Namespace)
	assert.Empty(t, ev.InvolvedObject.Namespace)
}

func TestEventPoster_PostsEvents(t *testing.T) {
	client := fake.NewSimpleClientset()
	p := NewEventPoster(zap.NewNop(), client)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, testEvent("a", "team-alpha"), primitives.NewFlag()))
	added := testEvent("b", "team-alpha")
	added.Type = watch.Added
	require.NoError(t, p.Process(ctx, added, primitives.NewFlag()))

	events, err := client.CoreV1().Events("team-alpha").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, events.Items, 2)

	reasons := []string{events.Items[0].Reason, events.Items[1].Reason}
	assert.ElementsMatch(t, []string{"ObjectModified", "ObjectAdded"}, reasons)
}

func TestEventPoster_SkipsDeletions(t *testing.T) {
	client := fake.NewSimpleClientset()
	p := NewEventPoster(zap.NewNop(), client)

	deleted := testEvent("a", "team-alpha")
	deleted.Type = watch.Deleted
	require.NoError(t, p.Process(context.Background(), deleted, primitives.NewFlag()))
	assert.Empty(t, client.Actions())
}

func TestEventPoster_FailuresAreLogged(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{
			name:    "forbidden",
			err:     apierrors.NewForbidden(schema.GroupResource{Resource: "events"}, "", errors.New("rbac")),
			message: "Not allowed to post events",
		},
		{
			name:    "server error",
			err:     apierrors.NewInternalError(errors.New("etcd down")),
			message: "Failed to post event",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := fake.NewSimpleClientset()
			client.PrependReactor("create", "events", func(clienttesting.Action) (bool, runtime.Object, error) {
				return true, nil, tt.err
			})
			core, logs := observer.New(zapcore.WarnLevel)
			p := NewEventPoster(zap.New(core), client)

			err := p.Process(context.Background(), testEvent("a", "ns"), primitives.NewFlag())
			require.NoError(t, err)
			assert.Equal(t, 1, logs.FilterMessage(tt.message).Len())
		})
	}
}

func TestEventPoster_ContextCancelled(t *testing.T) {
	client := fake.NewSimpleClientset()
	ctx, cancel := context.WithCancel(context.Background())
	client.PrependReactor("create", "events", func(clienttesting.Action) (bool, runtime.Object, error) {
		cancel()
		return true, nil, context.Canceled
	})
	p := NewEventPoster(zap.NewNop(), client)

	err := p.Process(ctx, types.RawEvent{Type: watch.Added, Object: testEvent("a", "ns").Object}, primitives.NewFlag())
	assert.ErrorIs(t, err, context.Canceled)
}
