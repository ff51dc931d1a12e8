package processing

import (
	"context"

	"go.uber.org/zap"

	"github.com/ztaylor54/kopf/internal/primitives"
	"github.com/ztaylor54/kopf/internal/types"
)

// LogProcessor logs every delivered event.
type LogProcessor struct {
	logger *zap.Logger
}

// NewLogProcessor creates a LogProcessor.
func NewLogProcessor(logger *zap.Logger) *LogProcessor {
	return &LogProcessor{logger: logger.Named("log-processor")}
}

// Process implements queueing.Processor.
func (p *LogProcessor) Process(_ context.Context, event types.RawEvent, replenished *primitives.Flag) error {
	eventType := string(event.Type)
	if eventType == "" {
		eventType = "LISTED"
	}
	p.logger.Info("Object event",
		zap.String("type", eventType),
		zap.String("kind", event.Kind()),
		zap.String("namespace", event.Namespace()),
		zap.String("name", event.Name()),
		zap.String("uid", event.UID()),
		zap.String("resource_version", event.ResourceVersion()),
		zap.Bool("replenished", replenished != nil && replenished.IsSet()),
	)
	return nil
}
