// Package identity derives the per-object routing key for raw watch events.
//
// # Contract
//
// Every event of one resource kind is routed by an ObjectRef: the resource
// plus a string that is unique for the object within one process run.
//
//	UID(event types.RawEvent) string
//	  - metadata.uid when present (as a string).
//	  - Otherwise kind, apiVersion, metadata.name, metadata.namespace and
//	    metadata.creationTimestamp joined with "//", with "-" substituted
//	    for every missing or empty field.
//
//	Of(resource schema.GroupVersionResource, event types.RawEvent) ObjectRef
//
// Both functions are total: malformed bodies yield a (weak) key, never an error.
//
// # Collisions
//
// The fallback key is best-effort. Two distinct objects without uids that share
// kind, apiVersion, name and namespace and have no creationTimestamp (e.g.
// v1/ComponentStatus) map to the same key, and their events are then handled
// by one sequential worker. Callers must not assume global uniqueness.
//
// The keys are never persisted and may change between versions.
package identity
