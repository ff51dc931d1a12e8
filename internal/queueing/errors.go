package queueing

import (
	"fmt"

	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/ztaylor54/kopf/internal/identity"
)

// WorkerError is the failure of one per-object worker.
type WorkerError struct {
	Ref identity.ObjectRef
	Err error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("processing %s: %v", e.Ref, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }

// UnrecoverableError ends a watch session because a worker failed. Unlike a
// plain context cancellation it means the operator should stop handling
// this resource kind: the failure is a bug, not a shutdown request.
type UnrecoverableError struct {
	Resource schema.GroupVersionResource
	Err      error
}

func (e *UnrecoverableError) Error() string {
	return fmt.Sprintf("event processing of %s has failed with an unrecoverable error: %v", e.Resource, e.Err)
}

func (e *UnrecoverableError) Unwrap() error { return e.Err }

// workerFailure is the cancellation cause the pool attaches to the
// dispatcher's context. Its presence distinguishes escalation from an
// external shutdown request.
type workerFailure struct {
	err error
}

func (f *workerFailure) Error() string { return "worker failed: " + f.err.Error() }

func (f *workerFailure) Unwrap() error { return f.err }
