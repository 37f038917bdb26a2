// Package subscriber is the consuming side of status events: it drops
// duplicate deliveries and hands the rest to a sink.
package subscriber

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"example.com/commlifecycle/internal/dedup"
	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/idempotency"
	"example.com/commlifecycle/internal/messaging"
)

// Sink receives each event once per dedup window.
type Sink func(ctx context.Context, ev domain.StatusChangedEvent) error

type Subscriber struct {
	guard dedup.Guard
	sink  Sink
	log   *slog.Logger

	handled *prometheus.CounterVec
}

func New(guard dedup.Guard, sink Sink, log *slog.Logger, reg prometheus.Registerer) *Subscriber {
	if log == nil {
		log = slog.Default()
	}
	s := &Subscriber{
		guard: guard,
		sink:  sink,
		log:   log.With("module", "subscriber"),
		handled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "commlifecycle",
			Name:      "events_consumed_total",
			Help:      "Consumed status events by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(s.handled)
	}
	return s
}

// LogSink logs every event it receives.
func LogSink(log *slog.Logger) Sink {
	return func(ctx context.Context, ev domain.StatusChangedEvent) error {
		log.InfoContext(ctx, "status event received",
			"communication_id", ev.CommunicationID,
			"status", ev.NewStatus,
			"event_type", ev.EventType,
			"timestamp", ev.TimestampUTC,
			"notes", ev.Notes,
		)
		return nil
	}
}

// Handle is a messaging.Handler. A failed sink releases the key so a
// later copy is not dropped as a duplicate.
func (s *Subscriber) Handle(ctx context.Context, d messaging.Delivery) error {
	key, src := idempotency.DeriveKey(d.MessageID, d.Event)
	first, err := s.guard.FirstSeen(ctx, key)
	if err != nil {
		s.handled.WithLabelValues("guard_error").Inc()
		return fmt.Errorf("dedup check: %w", err)
	}
	if !first {
		s.handled.WithLabelValues("duplicate").Inc()
		s.log.DebugContext(ctx, "duplicate event dropped",
			"operation", "handle",
			"outcome", "duplicate",
			"key", key,
			"key_source", src,
			"communication_id", d.Event.CommunicationID,
			"redelivered", d.Redelivered,
		)
		return nil
	}
	if err := s.sink(ctx, d.Event); err != nil {
		s.handled.WithLabelValues("failed").Inc()
		if ferr := s.guard.Forget(ctx, key); ferr != nil {
			s.log.WarnContext(ctx, "dedup release failed", "key", key, "error", ferr)
		}
		return err
	}
	s.handled.WithLabelValues("handled").Inc()
	return nil
}
