package messaging

import (
	"context"
	"log/slog"

	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/idempotency"
)

// LoggingPublisher writes each event to the log instead of a broker.
type LoggingPublisher struct {
	log *slog.Logger
}

func NewLoggingPublisher(log *slog.Logger) *LoggingPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &LoggingPublisher{log: log.With("module", "messaging", "broker", "log")}
}

func (p *LoggingPublisher) Publish(ctx context.Context, ev domain.StatusChangedEvent) error {
	p.log.InfoContext(ctx, "event published",
		"operation", "publish",
		"message_id", idempotency.MessageID(ev).String(),
		"communication_id", ev.CommunicationID,
		"status", ev.NewStatus,
		"event_type", ev.EventType,
		"timestamp", ev.TimestampUTC,
	)
	return nil
}

func (p *LoggingPublisher) Close() error { return nil }
