package identity

import (
	"strings"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/ztaylor54/kopf/internal/types"
	"github.com/ztaylor54/kopf/internal/util"
)

const (
	separator   = "//"
	placeholder = "-"
)

// ObjectRef identifies one object of one resource kind. It is comparable and
// used directly as a map key.
type ObjectRef struct {
	Resource schema.GroupVersionResource
	UID      string
}

// String renders the ref for logs.
func (r ObjectRef) String() string {
	return r.Resource.String() + " uid=" + r.UID
}

// Of returns the routing key of the event within the given resource kind.
func Of(resource schema.GroupVersionResource, event types.RawEvent) ObjectRef {
	return ObjectRef{Resource: resource, UID: UID(event)}
}

// UID retrieves or synthesizes an identifier of the event's object.
func UID(event types.RawEvent) string {
	metadata, _ := event.Object["metadata"].(map[string]interface{})
	if raw, found := metadata["uid"]; found {
		if uid, ok := raw.(string); ok {
			return uid
		}
	}

	ids := []string{
		util.SafeStringFromMap(event.Object, "kind"),
		util.SafeStringFromMap(event.Object, "apiVersion"),
		util.SafeStringFromMap(metadata, "name"),
		util.SafeStringFromMap(metadata, "namespace"),
		util.SafeStringFromMap(metadata, "creationTimestamp"),
	}
	for i, id := range ids {
		if id == "" {
			ids[i] = placeholder
		}
	}
	return strings.Join(ids, separator)
}
