// Package testutil provides shared test helpers for the kopf project.
// Import this in test files to avoid duplicating object and event builders.
package testutil

import (
	"k8s.io/apimachinery/pkg/watch"

	"github.com/ztaylor54/kopf/internal/types"
)

// MakeObject creates a minimal namespaced ConfigMap-like object body.
// An empty uid leaves metadata.uid unset.
func MakeObject(uid, namespace, name, resourceVersion string) map[string]interface{} {
	metadata := map[string]interface{}{
		"name":      name,
		"namespace": namespace,
	}
	if uid != "" {
		metadata["uid"] = uid
	}
	if resourceVersion != "" {
		metadata["resourceVersion"] = resourceVersion
	}
	return map[string]interface{}{
		"apiVersion": "v1",
		"kind":       "ConfigMap",
		"metadata":   metadata,
	}
}

// MakeRawEvent creates a MODIFIED event of the object with the given uid.
// The seq value is stored in data.seq so tests can tell events apart.
func MakeRawEvent(uid string, seq int) types.RawEvent {
	obj := MakeObject(uid, "default", "obj-"+uid, "")
	obj["data"] = map[string]interface{}{"seq": int64(seq)}
	return types.RawEvent{Type: watch.Modified, Object: obj}
}

// Seq returns the data.seq value stored by MakeRawEvent, or -1.
func Seq(event types.RawEvent) int {
	data, ok := event.Object["data"].(map[string]interface{})
	if !ok {
		return -1
	}
	seq, ok := data["seq"].(int64)
	if !ok {
		return -1
	}
	return int(seq)
}
