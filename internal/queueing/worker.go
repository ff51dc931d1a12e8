package queueing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ztaylor54/kopf/internal/config"
	"github.com/ztaylor54/kopf/internal/identity"
	"github.com/ztaylor54/kopf/internal/types"
)

// worker consumes one object's stream and invokes the processor, strictly
// sequentially. It exits when the object has been idle for IdleTimeout, when
// an end marker arrives, or on error; the dispatcher spawns a new one if
// events for the object arrive later.
type worker struct {
	logger    *zap.Logger
	key       identity.ObjectRef
	stream    *Stream
	registry  *registry
	processor Processor
	settings  config.BatchingSettings
	resource  string
}

func (w *worker) run(ctx context.Context) (err error) {
	reason := "error"
	live := workersLive.WithLabelValues(w.resource)
	live.Inc()
	defer func() {
		// Whatever the reason, the stream must not stay registered without a
		// worker. Removal strictly precedes the notification.
		w.registry.remove(w.key, w.stream)
		w.registry.notify()
		live.Dec()
		workerExitsTotal.WithLabelValues(w.resource, reason).Inc()
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			// Several workers may fail at once but only the first failure is
			// escalated, so each one is logged here.
			w.logger.Error("Event processing has failed with an unrecoverable error",
				zap.String("uid", w.key.UID),
				zap.Error(err))
			err = &WorkerError{Ref: w.key, Err: err}
		}
	}()

	for {
		first, err := w.stream.events.get(ctx, w.settings.IdleTimeout.Duration)
		if errors.Is(err, errTimeout) {
			if w.registry.removeIfIdle(w.key, w.stream) {
				reason = "idle"
				return nil
			}
			continue
		}
		if err != nil {
			reason = "terminated"
			return nil
		}

		event, stop, err := w.collect(ctx, first)
		if err != nil {
			reason = "terminated"
			return nil
		}
		if event == nil {
			reason = "end"
			return nil
		}

		if err := w.process(ctx, *event); err != nil {
			if ctx.Err() != nil {
				reason = "terminated"
				return nil
			}
			return err
		}

		if stop {
			reason = "end"
			return nil
		}
	}
}

// collect compacts a burst of events: it keeps fetching while items arrive
// within BatchWindow and returns only the latest real event. An end marker
// stops the batch; nothing after it is taken. A nil event means the batch
// held only the end marker.
func (w *worker) collect(ctx context.Context, first queueItem) (event *types.RawEvent, stop bool, err error) {
	switch item := first.(type) {
	case endMarker:
		return nil, true, nil
	case eventItem:
		event = &item.event
	}

	for {
		next, err := w.stream.events.get(ctx, w.settings.BatchWindow.Duration)
		if errors.Is(err, errTimeout) {
			return event, false, nil
		}
		if err != nil {
			return nil, false, err
		}

		switch item := next.(type) {
		case endMarker:
			return event, true, nil
		case eventItem:
			eventsCompactedTotal.WithLabelValues(w.resource).Inc()
			event = &item.event
		}
	}
}

func (w *worker) process(ctx context.Context, event types.RawEvent) error {
	w.stream.replenished.Clear()

	start := time.Now()
	err := w.processor.Process(ctx, event, w.stream.replenished)
	processingDuration.WithLabelValues(w.resource).Observe(time.Since(start).Seconds())

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	eventsProcessedTotal.WithLabelValues(w.resource, outcome).Inc()
	return err
}
