// Package queueing multiplexes the watch events of one resource kind into
// per-object streams, each consumed by its own short-lived worker.
//
// # Contract
//
// The Dispatcher:
//  1. Reads raw events from an EventStream until it ends, fails or ctx is done
//  2. Routes each event by identity.Of to the object's Stream, creating the
//     Stream and admitting a worker on the first event of an unseen object
//  3. Blocks on admission while WorkerLimit workers are live (backpressure)
//  4. On exit, ends all streams, waits up to ExitTimeout for them to drain,
//     reports leftovers and closes the pool
//
// Each worker:
//  1. Waits up to IdleTimeout for an event; on timeout with an empty queue it
//     removes its stream from the registry and exits
//  2. Compacts a burst: keeps fetching while items arrive within BatchWindow
//     and keeps only the latest event
//  3. Clears the stream's replenished flag and calls the Processor
//  4. Exits after an end marker; events queued after it are discarded
//
// Events of one object reach the Processor in order and never concurrently.
// There is no ordering across objects.
//
// # Failures
//
// A Processor error (or panic) is logged by its worker with the object's
// identity. The first one cancels the session and Run returns an
// *UnrecoverableError wrapping it; later ones are only logged. An external
// cancellation makes Run return ctx.Err().
//
// # Types
//
//	func NewDispatcher(logger *zap.Logger, resource schema.GroupVersionResource, processor Processor, settings config.BatchingSettings) *Dispatcher
//	func (d *Dispatcher) Run(ctx context.Context, events EventStream) error
//
//	type Processor interface {
//	    Process(ctx context.Context, event types.RawEvent, replenished *primitives.Flag) error
//	}
package queueing
