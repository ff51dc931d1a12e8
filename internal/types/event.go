package types

import (
	"k8s.io/apimachinery/pkg/watch"

	"github.com/ztaylor54/kopf/internal/util"
)

// RawEvent is a single low-level watch event as received from the API server.
//
// Objects delivered by the initial listing have an empty Type; objects
// delivered by the watch carry ADDED, MODIFIED or DELETED. The queueing core
// never inspects the body beyond the identity fields; it is handed to the
// processor as an indivisible unit.
type RawEvent struct {
	Type   watch.EventType        `json:"type"`
	Object map[string]interface{} `json:"object"`
}

// Metadata returns the object's metadata map, or nil if it is absent.
func (e RawEvent) Metadata() map[string]interface{} {
	return util.SafeNestedMap(e.Object, "metadata")
}

// Name returns metadata.name, or "" if absent.
func (e RawEvent) Name() string {
	return util.SafeNestedString(e.Object, "metadata", "name")
}

// Namespace returns metadata.namespace, or "" for cluster-scoped objects.
func (e RawEvent) Namespace() string {
	return util.SafeNestedString(e.Object, "metadata", "namespace")
}

// Kind returns the object's kind, or "" if absent.
func (e RawEvent) Kind() string {
	return util.SafeStringFromMap(e.Object, "kind")
}

// ResourceVersion returns metadata.resourceVersion, or "" if absent.
func (e RawEvent) ResourceVersion() string {
	return util.SafeNestedString(e.Object, "metadata", "resourceVersion")
}

// UID returns metadata.uid, or "" if absent or not a string.
func (e RawEvent) UID() string {
	return util.SafeNestedString(e.Object, "metadata", "uid")
}

// APIVersion returns the object's apiVersion, or "" if absent.
func (e RawEvent) APIVersion() string {
	return util.SafeStringFromMap(e.Object, "apiVersion")
}
