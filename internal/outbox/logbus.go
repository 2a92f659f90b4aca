package outbox

import (
	"context"

	"go.uber.org/zap"
)

// LogBus writes events to the log. It backs local runs without a broker.
type LogBus struct {
	log *zap.Logger
}

func NewLogBus(log *zap.Logger) *LogBus {
	return &LogBus{log: log.Named("bus")}
}

func (b *LogBus) Publish(_ context.Context, msg Message) error {
	b.log.Info("event",
		zap.String("id", msg.ID),
		zap.String("type", string(msg.Type)),
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.ByteString("payload", msg.Payload),
	)
	return nil
}

func (b *LogBus) Close() error { return nil }
