package queueing

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/ztaylor54/kopf/internal/config"
	"github.com/ztaylor54/kopf/internal/identity"
	"github.com/ztaylor54/kopf/internal/primitives"
	"github.com/ztaylor54/kopf/internal/types"
)

// EventStream is a source of raw watch events for one resource kind.
type EventStream interface {
	// Next blocks until the next event is available. It returns io.EOF when
	// the stream has ended, or ctx.Err() (possibly wrapped) when ctx is done.
	Next(ctx context.Context) (types.RawEvent, error)
}

// Processor handles one object's events. Calls for the same object never
// overlap and arrive in order. The replenished flag is set as soon as a newer
// event of the same object is queued; long-running processors may watch it
// to abandon stale work early.
//
// A returned error is unrecoverable: it stops the whole watch session of the
// resource kind. Processors are expected to handle their own transient errors.
type Processor interface {
	Process(ctx context.Context, event types.RawEvent, replenished *primitives.Flag) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, event types.RawEvent, replenished *primitives.Flag) error

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, event types.RawEvent, replenished *primitives.Flag) error {
	return f(ctx, event, replenished)
}

// Dispatcher routes the events of one resource kind to per-object workers.
//
// All objects are handled in parallel (up to the worker limit), while each
// single object is handled sequentially: concurrent handling of several
// events of one object could damage it.
type Dispatcher struct {
	logger    *zap.Logger
	resource  schema.GroupVersionResource
	processor Processor
	settings  config.BatchingSettings
}

// NewDispatcher creates a Dispatcher for one resource kind.
func NewDispatcher(
	logger *zap.Logger,
	resource schema.GroupVersionResource,
	processor Processor,
	settings config.BatchingSettings,
) *Dispatcher {
	return &Dispatcher{
		logger:    logger.Named("dispatcher").With(zap.String("resource", resource.String())),
		resource:  resource,
		processor: processor,
		settings:  settings,
	}
}

// Run consumes events until the stream ends, fails, or ctx is cancelled.
//
// It returns nil when the stream ends, the stream's error unchanged when it
// fails, and ctx.Err() on an external cancellation. If a worker failed, even
// while the remaining streams were draining, the session is cancelled and Run
// returns an *UnrecoverableError wrapping the first worker error.
//
// Before returning, Run lets live workers drain for up to ExitTimeout and
// then terminates the remaining ones.
func (d *Dispatcher) Run(ctx context.Context, events EventStream) (err error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	changes := &primitives.Signal{}
	streams := newRegistry(changes)
	pool := NewPool(ctx, d.logger, PoolOptions{
		Limit:        d.settings.WorkerLimit,
		CloseTimeout: d.settings.CloseTimeout.Duration,
		Changes:      changes,
		OnFailure: func(err error) {
			cancel(&workerFailure{err: err})
		},
	})

	d.logger.Debug("Starting dispatcher", zap.Int("worker_limit", d.settings.WorkerLimit))
	defer func() {
		d.deplete(streams, pool, changes)
		pool.Close()
		err = d.escalate(err, pool.Failure())
		d.logger.Debug("Dispatcher stopped", zap.Error(err))
	}()

	resource := d.resource.String()
	for {
		event, err := events.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return d.stopped(ctx)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		key := identity.Of(d.resource, event)
		stream, created := streams.deliver(key, event)
		eventsDispatchedTotal.WithLabelValues(resource).Inc()
		if !created {
			continue
		}

		w := &worker{
			logger:    d.logger.Named("worker"),
			key:       key,
			stream:    stream,
			registry:  streams,
			processor: d.processor,
			settings:  d.settings,
			resource:  resource,
		}
		if err := pool.Admit(ctx, w.run); err != nil {
			// The worker never started; its stream must not outlive it.
			streams.remove(key, stream)
			streams.notify()
			if ctx.Err() != nil {
				return d.stopped(ctx)
			}
			return err
		}
		workersSpawnedTotal.WithLabelValues(resource).Inc()
	}
}

// escalate turns a worker failure that happened after the stream ended, for
// example while draining, into the session's result. An external
// cancellation is reported as such.
func (d *Dispatcher) escalate(err, failure error) error {
	if failure == nil {
		return err
	}
	var unrecoverable *UnrecoverableError
	if errors.As(err, &unrecoverable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if err != nil {
		d.logger.Warn("Stream error superseded by a worker failure", zap.Error(err))
	}
	return &UnrecoverableError{Resource: d.resource, Err: failure}
}

// stopped decides whether the cancellation was a shutdown request or an
// escalated worker failure.
func (d *Dispatcher) stopped(ctx context.Context) error {
	var failure *workerFailure
	if errors.As(context.Cause(ctx), &failure) {
		return &UnrecoverableError{Resource: d.resource, Err: failure.err}
	}
	return ctx.Err()
}
