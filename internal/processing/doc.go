// Package processing provides the event processors the operator can plug into
// the per-object dispatcher: a structured log line per event, an HTTP webhook,
// and Kubernetes Events attached to the changed objects. Chain runs several
// of them in order.
//
// Processors in this package never escalate delivery problems: failures are
// logged and counted, and the next event of the object is processed as usual.
// Only context cancellation is returned, so that a terminated worker stops
// promptly.
package processing
