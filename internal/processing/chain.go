package processing

import (
	"context"

	"github.com/ztaylor54/kopf/internal/primitives"
	"github.com/ztaylor54/kopf/internal/queueing"
	"github.com/ztaylor54/kopf/internal/types"
)

// Chain runs processors in order and stops at the first error.
type Chain []queueing.Processor

// Process implements queueing.Processor.
func (c Chain) Process(ctx context.Context, event types.RawEvent, replenished *primitives.Flag) error {
	for _, p := range c {
		if err := p.Process(ctx, event, replenished); err != nil {
			return err
		}
	}
	return nil
}
