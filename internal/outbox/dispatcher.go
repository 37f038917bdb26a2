// Package outbox drains events written with status changes to the broker.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/storage"
)

type Publisher interface {
	Publish(ctx context.Context, ev domain.StatusChangedEvent) error
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// FinalDrainTimeout bounds the last pass after shutdown is requested.
	FinalDrainTimeout time.Duration
}

// Dispatcher polls the outbox on a timer and whenever Notify is called.
// Delivery is at least once: a row published but not marked is sent again.
type Dispatcher struct {
	store     storage.Outbox
	publisher Publisher
	cfg       Config
	wake      chan struct{}
	log       *slog.Logger
	now       func() time.Time

	published prometheus.Counter
	failed    prometheus.Counter
}

func NewDispatcher(store storage.Outbox, publisher Publisher, cfg Config, log *slog.Logger, reg prometheus.Registerer) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FinalDrainTimeout <= 0 {
		cfg.FinalDrainTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
		log:       log.With("module", "outbox", "layer", "worker"),
		now:       time.Now,
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commlifecycle", Subsystem: "outbox", Name: "published_total",
			Help: "Outbox rows published.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "commlifecycle", Subsystem: "outbox", Name: "failed_total",
			Help: "Outbox publish attempts that failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(d.published, d.failed)
	}
	return d
}

// Notify asks for an early drain. It never blocks; a pending wake-up
// already covers the new row.
func (d *Dispatcher) Notify() bool {
	select {
	case d.wake <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run drains until ctx is done, then makes one last bounded pass.
func (d *Dispatcher) Run(ctx context.Context) error {
	t := time.NewTimer(d.cfg.PollInterval)
	defer t.Stop()

	resetTimer := func() {
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(d.cfg.PollInterval)
	}

	flush := func(ctx context.Context) {
		// Keep going while whole batches publish so a backlog clears
		// without waiting a poll interval per batch.
		for {
			n, err := d.DrainOnce(ctx)
			if err != nil {
				d.log.ErrorContext(ctx, "outbox iteration failed", "operation", "drain", "outcome", "failure", "error", err)
				break
			}
			if n < d.cfg.BatchSize || ctx.Err() != nil {
				break
			}
		}
		resetTimer()
	}

	d.log.InfoContext(ctx, "outbox dispatcher started", "poll_interval", d.cfg.PollInterval, "batch_size", d.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.FinalDrainTimeout)
			flush(final)
			cancel()
			d.log.Info("outbox dispatcher stopped")
			return nil
		case <-d.wake:
			flush(ctx)
		case <-t.C:
			flush(ctx)
		}
	}
}

// DrainOnce publishes one batch and returns how many rows it published. After
// a failure the remaining rows of the same communication are left for the
// next pass so its events stay in order.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	records, err := d.store.FetchPendingOutbox(ctx, d.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	blocked := make(map[int64]bool)
	ok, failed := 0, 0
	for _, rec := range records {
		id := rec.Event.CommunicationID
		if blocked[id] {
			continue
		}
		if err := d.publisher.Publish(ctx, rec.Event); err != nil {
			blocked[id] = true
			failed++
			d.failed.Inc()
			if markErr := d.store.MarkOutboxFailed(ctx, rec.ID, err.Error(), d.now().UTC()); markErr != nil {
				d.log.ErrorContext(ctx, "mark outbox failed", "outbox_id", rec.ID, "error", markErr)
			}
			d.log.WarnContext(ctx, "outbox publish failed",
				"operation", "publish",
				"outcome", "retry_later",
				"outbox_id", rec.ID,
				"communication_id", id,
				"retry_count", rec.RetryCount+1,
				"error", err,
			)
			continue
		}
		ok++
		d.published.Inc()
		if err := d.store.MarkOutboxPublished(ctx, rec.ID, d.now().UTC()); err != nil {
			d.log.ErrorContext(ctx, "mark outbox published", "outbox_id", rec.ID, "error", err)
		}
	}
	if len(records) > 0 {
		d.log.DebugContext(ctx, "outbox batch done", "operation", "drain", "fetched", len(records), "published", ok, "failed", failed)
	}
	return ok, nil
}
