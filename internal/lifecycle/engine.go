// Package lifecycle validates, persists and announces status changes of
// communications.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/storage"
)

// DeliveryMode selects how events leave the engine.
type DeliveryMode string

const (
	// DeliveryDirect publishes right after the store commit. A broker
	// failure is returned to the caller and the event is not retried.
	DeliveryDirect DeliveryMode = "direct"
	// DeliveryOutbox writes the event in the store transaction and leaves
	// publishing to the outbox dispatcher.
	DeliveryOutbox DeliveryMode = "outbox"
)

const createdNote = "Communication created"

// Store is the part of the Lifecycle Store the engine writes through.
type Store interface {
	Create(ctx context.Context, c domain.Communication, outbox *storage.OutboxEntry) (domain.Communication, error)
	GetByID(ctx context.Context, id int64) (domain.Communication, error)
	ApplyStatusChange(ctx context.Context, ch storage.StatusChange) (domain.Communication, error)
}

// Publisher sends one event to the broker.
type Publisher interface {
	Publish(ctx context.Context, ev domain.StatusChangedEvent) error
}

// Config selects the delivery mode and bounds a direct publish.
type Config struct {
	Delivery       DeliveryMode
	PublishTimeout time.Duration
}

// Engine validates, persists and announces communication changes.
type Engine struct {
	store     Store
	validator *Validator
	publisher Publisher
	cfg       Config
	metrics   *Metrics
	log       *slog.Logger
	notify    func() bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMetrics records transitions and publishes in m.
func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// WithOutboxNotifier is called after each commit that wrote an outbox row.
func WithOutboxNotifier(fn func() bool) Option { return func(e *Engine) { e.notify = fn } }

// NewEngine defaults to direct delivery.
func NewEngine(store Store, validator *Validator, publisher Publisher, cfg Config, opts ...Option) *Engine {
	if cfg.Delivery == "" {
		cfg.Delivery = DeliveryDirect
	}
	e := &Engine{
		store:     store,
		validator: validator,
		publisher: publisher,
		cfg:       cfg,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With("module", "lifecycle")
	return e
}

// Delivery reports the configured delivery mode.
func (e *Engine) Delivery() DeliveryMode { return e.cfg.Delivery }

// CreateInput is a request for a new communication.
type CreateInput struct {
	Title         string
	TypeCode      string
	Status        domain.Status
	Description   string
	SourceFileURL string
}

// Create registers a communication in its initial status and announces it
// as CommunicationCreated. Publish failures follow ChangeStatus.
func (e *Engine) Create(ctx context.Context, in CreateInput) (domain.Communication, error) {
	const op = "create"
	c := domain.Communication{
		Title:         in.Title,
		TypeCode:      in.TypeCode,
		CurrentStatus: in.Status,
		Description:   strings.TrimSpace(in.Description),
		SourceFileURL: strings.TrimSpace(in.SourceFileURL),
	}
	if errs := domain.ValidateNewCommunication(&c); len(errs) > 0 {
		e.metrics.transition(op, "invalid_input")
		return domain.Communication{}, &domain.ValidationError{Fields: errs}
	}
	if err := e.validator.ValidateCreate(c.TypeCode, c.CurrentStatus); err != nil {
		e.metrics.transition(op, "invalid_transition")
		e.log.DebugContext(ctx, "create rejected", "operation", op, "type_code", c.TypeCode, "status", c.CurrentStatus, "error", err)
		return domain.Communication{}, err
	}

	entry := &storage.OutboxEntry{EventType: domain.EventTypeCommunicationCreated, Notes: createdNote}
	created, err := e.store.Create(ctx, c, e.outboxEntry(entry))
	if err != nil {
		e.metrics.transition(op, "store_failure")
		e.log.ErrorContext(ctx, "create failed",
			"operation", op,
			"outcome", "store_failure",
			"type_code", c.TypeCode,
			"status", c.CurrentStatus,
			"timestamp", time.Now().UTC(),
			"error", err,
		)
		return domain.Communication{}, fmt.Errorf("create communication: %w", err)
	}

	if err := e.announce(ctx, op, created, *entry); err != nil {
		return created, err
	}
	e.metrics.transition(op, "success")
	e.log.InfoContext(ctx, "communication created",
		"operation", op,
		"outcome", "success",
		"communication_id", created.ID,
		"type_code", created.TypeCode,
		"status", created.CurrentStatus,
	)
	return created, nil
}

// ChangeStatus moves a communication to status. The history row gets note,
// or "Status changed from <old> to <new>" when note is empty; the event
// carries note unchanged. An empty eventType means StatusChanged.
//
// A missing communication is reported before any field is checked. The
// store commit always happens before the publish. In direct delivery a
// publish failure returns the updated communication together with an error
// matching domain.ErrPublishFailed; the change is not rolled back.
func (e *Engine) ChangeStatus(ctx context.Context, id int64, status domain.Status, note, eventType string) (domain.Communication, error) {
	const op = "change_status"
	status = status.Normalize()
	note = strings.TrimSpace(note)
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		eventType = domain.EventTypeStatusChanged
	}

	current, err := e.store.GetByID(ctx, id)
	if err != nil {
		return domain.Communication{}, e.storeReadErr(ctx, op, id, status, err)
	}
	if errs := domain.ValidateStatusChange(status, note); len(errs) > 0 {
		e.metrics.transition(op, "invalid_input")
		return domain.Communication{}, &domain.ValidationError{Fields: errs}
	}
	if err := e.validator.ValidateUpdate(current.TypeCode, status); err != nil {
		e.metrics.transition(op, "invalid_transition")
		e.log.DebugContext(ctx, "status change rejected",
			"operation", op,
			"communication_id", id,
			"type_code", current.TypeCode,
			"status", status,
			"error", err,
		)
		return domain.Communication{}, err
	}

	historyNote := note
	if historyNote == "" {
		historyNote = fmt.Sprintf("Status changed from %s to %s", current.CurrentStatus, status)
	}
	entry := &storage.OutboxEntry{EventType: eventType, Notes: note}
	updated, err := e.store.ApplyStatusChange(ctx, storage.StatusChange{
		CommunicationID: id,
		Status:          status,
		Note:            historyNote,
		Outbox:          e.outboxEntry(entry),
	})
	if err != nil {
		return domain.Communication{}, e.storeReadErr(ctx, op, id, status, err)
	}

	if err := e.announce(ctx, op, updated, *entry); err != nil {
		return updated, err
	}
	e.metrics.transition(op, "success")
	e.log.InfoContext(ctx, "status changed",
		"operation", op,
		"outcome", "success",
		"communication_id", id,
		"type_code", updated.TypeCode,
		"from", current.CurrentStatus,
		"status", updated.CurrentStatus,
		"event_type", eventType,
	)
	return updated, nil
}

func (e *Engine) outboxEntry(entry *storage.OutboxEntry) *storage.OutboxEntry {
	if e.cfg.Delivery == DeliveryOutbox {
		return entry
	}
	return nil
}

// announce publishes once in direct mode. Outbox mode already wrote the
// event with the state change.
func (e *Engine) announce(ctx context.Context, op string, c domain.Communication, entry storage.OutboxEntry) error {
	if e.cfg.Delivery == DeliveryOutbox {
		if e.notify != nil {
			e.notify()
		}
		return nil
	}
	ev := domain.StatusChangedEvent{
		CommunicationID: c.ID,
		NewStatus:       c.CurrentStatus,
		TimestampUTC:    c.LastUpdatedUTC,
		Notes:           entry.Notes,
		EventType:       entry.EventType,
	}
	pctx := ctx
	if e.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, e.cfg.PublishTimeout)
		defer cancel()
	}
	start := time.Now()
	err := e.publisher.Publish(pctx, ev)
	e.metrics.published(err == nil, time.Since(start))
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrPublishFailed) {
		err = fmt.Errorf("%w: %w", domain.ErrPublishFailed, err)
	}
	e.metrics.transition(op, "publish_failed")
	e.log.ErrorContext(ctx, "event publish failed after commit",
		"operation", op,
		"outcome", "publish_failed",
		"communication_id", c.ID,
		"type_code", c.TypeCode,
		"status", c.CurrentStatus,
		"event_type", entry.EventType,
		"timestamp", c.LastUpdatedUTC,
		"error", err,
	)
	return fmt.Errorf("communication %d: %w", c.ID, err)
}

func (e *Engine) storeReadErr(ctx context.Context, op string, id int64, status domain.Status, err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		e.metrics.transition(op, "not_found")
		e.log.DebugContext(ctx, "communication not found", "operation", op, "communication_id", id)
		return err
	}
	e.metrics.transition(op, "store_failure")
	e.log.ErrorContext(ctx, "store operation failed",
		"operation", op,
		"outcome", "store_failure",
		"communication_id", id,
		"status", status,
		"timestamp", time.Now().UTC(),
		"error", err,
	)
	return fmt.Errorf("communication %d: %w", id, err)
}

// AvailableEvent is a status the communication could move to next, with
// the event label a simulator would send for it.
type AvailableEvent struct {
	Status      domain.Status `json:"status"`
	EventType   string        `json:"eventType"`
	Description string        `json:"description"`
}

// AvailableEvents lists every valid status of the communication's type
// except the current one, in display order.
func (e *Engine) AvailableEvents(ctx context.Context, id int64) (domain.Communication, []AvailableEvent, error) {
	c, err := e.store.GetByID(ctx, id)
	if err != nil {
		return domain.Communication{}, nil, err
	}
	statuses, err := e.validator.src.Current().ValidStatuses(c.TypeCode)
	if err != nil {
		return c, []AvailableEvent{}, nil
	}
	out := make([]AvailableEvent, 0, len(statuses))
	for _, s := range statuses {
		if s == c.CurrentStatus {
			continue
		}
		out = append(out, AvailableEvent{
			Status:      s,
			EventType:   domain.EventTypeFor(c.TypeCode, s),
			Description: fmt.Sprintf("%s status changed to %s", c.TypeCode, s),
		})
	}
	return c, out, nil
}

// CommonEventTypes returns a copy of the well-known event labels.
func CommonEventTypes() []string {
	return append([]string(nil), domain.CommonEventTypes...)
}
