package lifecycle

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"example.com/commlifecycle/internal/catalog"
	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/storage"
	"example.com/commlifecycle/internal/storage/memory"
)

const typeLetter = "LETTER"

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.StatusChangedEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev domain.StatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) published() []domain.StatusChangedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.StatusChangedEvent(nil), p.events...)
}

type blockingPublisher struct{}

func (blockingPublisher) Publish(ctx context.Context, _ domain.StatusChangedEvent) error {
	<-ctx.Done()
	return ctx.Err()
}

// failingStore fails every status change after reading succeeds.
type failingStore struct {
	*memory.Store
}

func (failingStore) ApplyStatusChange(context.Context, storage.StatusChange) (domain.Communication, error) {
	return domain.Communication{}, errors.Join(domain.ErrStoreFailure, errors.New("disk full"))
}

func testCatalog() []domain.CommunicationType {
	idCard := domain.CommunicationType{TypeCode: domain.TypeIDCard, DisplayName: "Member ID Card", Active: true}
	for i, s := range []domain.Status{
		domain.StatusReadyForRelease, domain.StatusPrinted, domain.StatusShipped,
		domain.StatusDelivered, domain.StatusFailed,
	} {
		idCard.Statuses = append(idCard.Statuses, domain.TypeStatus{StatusCode: s, DisplayOrder: i + 1})
	}
	letter := domain.CommunicationType{TypeCode: typeLetter, DisplayName: "Letter", Active: true,
		Statuses: []domain.TypeStatus{
			{StatusCode: domain.StatusReadyForRelease, DisplayOrder: 1},
			{StatusCode: domain.StatusPrinted, DisplayOrder: 2},
		},
	}
	retired := domain.CommunicationType{TypeCode: "RETIRED", DisplayName: "Retired", Active: false,
		Statuses: []domain.TypeStatus{{StatusCode: domain.StatusReadyForRelease, DisplayOrder: 1}},
	}
	return []domain.CommunicationType{idCard, letter, retired}
}

type harness struct {
	engine *Engine
	store  *memory.Store
	pub    *recordingPublisher
	reg    *catalog.Registry
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	store := memory.New()
	ctx := context.Background()
	for _, ct := range testCatalog() {
		if _, err := store.CreateType(ctx, ct); err != nil {
			t.Fatalf("seed type: %v", err)
		}
	}
	reg := catalog.NewRegistry(store)
	if err := reg.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	pub := &recordingPublisher{}
	return &harness{
		engine: NewEngine(store, NewValidator(reg), pub, cfg, opts...),
		store:  store,
		pub:    pub,
		reg:    reg,
	}
}

func (h *harness) create(t *testing.T, typeCode string, status domain.Status) domain.Communication {
	t.Helper()
	c, err := h.engine.Create(context.Background(), CreateInput{Title: "Card for member 42", TypeCode: typeCode, Status: status})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return c
}

func TestIDCardPrintedScenario(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	c := h.create(t, domain.TypeIDCard, domain.StatusReadyForRelease)
	got, _ := h.store.GetByIDWithHistory(ctx, c.ID)
	if len(got.StatusHistory) != 1 || got.StatusHistory[0].StatusCode != domain.StatusReadyForRelease {
		t.Fatalf("expected [ReadyForRelease], got %+v", got.StatusHistory)
	}

	updated, err := h.engine.ChangeStatus(ctx, c.ID, "Printed", "queued batch 7", "IdCardPrinted")
	if err != nil {
		t.Fatalf("change status: %v", err)
	}
	if updated.CurrentStatus != domain.StatusPrinted {
		t.Fatalf("expected Printed, got %s", updated.CurrentStatus)
	}
	got, _ = h.store.GetByIDWithHistory(ctx, c.ID)
	if len(got.StatusHistory) != 2 ||
		got.StatusHistory[0].StatusCode != domain.StatusPrinted ||
		got.StatusHistory[1].StatusCode != domain.StatusReadyForRelease {
		t.Fatalf("expected [Printed, ReadyForRelease] newest first, got %+v", got.StatusHistory)
	}
	if got.StatusHistory[0].Notes != "queued batch 7" {
		t.Fatalf("history note = %q", got.StatusHistory[0].Notes)
	}

	events := h.pub.published()
	if len(events) != 2 {
		t.Fatalf("expected created + changed events, got %d", len(events))
	}
	if events[0].EventType != domain.EventTypeCommunicationCreated || events[0].Notes != "Communication created" {
		t.Fatalf("unexpected create event: %+v", events[0])
	}
	ev := events[1]
	if ev.CommunicationID != c.ID || ev.NewStatus != domain.StatusPrinted || ev.EventType != "IdCardPrinted" || ev.Notes != "queued batch 7" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if !ev.TimestampUTC.Equal(updated.LastUpdatedUTC) {
		t.Fatalf("event time %v != last updated %v", ev.TimestampUTC, updated.LastUpdatedUTC)
	}
}

func TestStatusOutsideTypeIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	c := h.create(t, typeLetter, domain.StatusReadyForRelease)
	before := len(h.pub.published())

	_, err := h.engine.ChangeStatus(ctx, c.ID, domain.StatusDelivered, "", "")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ := h.store.GetByIDWithHistory(ctx, c.ID)
	if got.CurrentStatus != domain.StatusReadyForRelease || len(got.StatusHistory) != 1 || !got.LastUpdatedUTC.Equal(c.LastUpdatedUTC) {
		t.Fatalf("communication changed: %+v", got)
	}
	if len(h.pub.published()) != before {
		t.Fatalf("no event expected")
	}
}

func TestChangeStatusMissingIDNeverPublishes(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.engine.ChangeStatus(context.Background(), 404, domain.StatusPrinted, "", "")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n := len(h.pub.published()); n != 0 {
		t.Fatalf("publisher called %d times", n)
	}
}

func TestChangeStatusMissingIDWinsOverFieldErrors(t *testing.T) {
	cases := []struct {
		name   string
		status domain.Status
		note   string
	}{
		{"empty status", "", ""},
		{"blank status", "   ", ""},
		{"status too long", domain.Status(strings.Repeat("S", domain.MaxCodeLen+1)), ""},
		{"note too long", domain.StatusPrinted, strings.Repeat("n", 600)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			_, err := h.engine.ChangeStatus(context.Background(), 9999, tc.status, tc.note, "")
			if !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if n := len(h.pub.published()); n != 0 {
				t.Fatalf("publisher called %d times", n)
			}
		})
	}
}

func TestChangeStatusFieldErrorsOnExistingID(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.create(t, domain.TypeIDCard, domain.StatusReadyForRelease)
	_, err := h.engine.ChangeStatus(context.Background(), c.ID, domain.StatusPrinted, strings.Repeat("n", 600), "")
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, ok := ve.FieldMap()["notes"]; !ok {
		t.Fatalf("missing notes error: %v", ve.FieldMap())
	}
	if n := len(h.pub.published()); n != 1 {
		t.Fatalf("only the create should publish, got %d", n)
	}
}

func TestPublishFailureKeepsCommittedChange(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	c := h.create(t, domain.TypeIDCard, domain.StatusReadyForRelease)
	h.pub.err = errors.New("connection refused")

	updated, err := h.engine.ChangeStatus(ctx, c.ID, domain.StatusShipped, "", "")
	if !errors.Is(err, domain.ErrPublishFailed) {
		t.Fatalf("expected ErrPublishFailed, got %v", err)
	}
	if updated.CurrentStatus != domain.StatusShipped {
		t.Fatalf("updated communication should still be returned, got %+v", updated)
	}
	got, _ := h.store.GetByIDWithHistory(ctx, c.ID)
	if got.CurrentStatus != domain.StatusShipped || len(got.StatusHistory) != 2 {
		t.Fatalf("change not persisted: %+v", got)
	}
	if n := len(h.pub.published()); n != 2 {
		t.Fatalf("expected exactly one publish attempt for the change, got %d total", n)
	}
}

func TestStoreFailureSkipsPublish(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.create(t, domain.TypeIDCard, domain.StatusReadyForRelease)
	engine := NewEngine(failingStore{h.store}, NewValidator(h.reg), h.pub, Config{})
	before := len(h.pub.published())

	_, err := engine.ChangeStatus(context.Background(), c.ID, domain.StatusPrinted, "", "")
	if !errors.Is(err, domain.ErrStoreFailure) {
		t.Fatalf("expected ErrStoreFailure, got %v", err)
	}
	if len(h.pub.published()) != before {
		t.Fatalf("publisher must not run after a store failure")
	}
}

func TestPublishTimeoutSurfacesPublishFailed(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.create(t, domain.TypeIDCard, domain.StatusReadyForRelease)
	engine := NewEngine(h.store, NewValidator(h.reg), blockingPublisher{}, Config{PublishTimeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := engine.ChangeStatus(context.Background(), c.ID, domain.StatusPrinted, "", "")
	if !errors.Is(err, domain.ErrPublishFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected ErrPublishFailed wrapping deadline, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("publish timeout not applied")
	}
}

func TestDefaultNoteAndEventType(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	c := h.create(t, domain.TypeIDCard, domain.StatusReadyForRelease)

	if _, err := h.engine.ChangeStatus(ctx, c.ID, " Printed ", "  ", ""); err != nil {
		t.Fatalf("change: %v", err)
	}
	got, _ := h.store.GetByIDWithHistory(ctx, c.ID)
	if want := "Status changed from ReadyForRelease to Printed"; got.StatusHistory[0].Notes != want {
		t.Fatalf("history note = %q, want %q", got.StatusHistory[0].Notes, want)
	}
	ev := h.pub.published()[1]
	if ev.EventType != domain.EventTypeStatusChanged || ev.Notes != "" {
		t.Fatalf("unexpected event defaults: %+v", ev)
	}
}

func TestAnyToAnyTransitionsAllowed(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	c := h.create(t, domain.TypeIDCard, domain.StatusReadyForRelease)
	for _, s := range []domain.Status{domain.StatusDelivered, domain.StatusReadyForRelease, domain.StatusReadyForRelease} {
		if _, err := h.engine.ChangeStatus(ctx, c.ID, s, "", ""); err != nil {
			t.Fatalf("change to %s: %v", s, err)
		}
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t, Config{})
	cases := []struct {
		name string
		in   CreateInput
		want error
	}{
		{"unknown type", CreateInput{Title: "x", TypeCode: "NOPE", Status: domain.StatusPrinted}, domain.ErrInvalidTransition},
		{"inactive type", CreateInput{Title: "x", TypeCode: "RETIRED", Status: domain.StatusReadyForRelease}, domain.ErrInvalidTransition},
		{"status not in type", CreateInput{Title: "x", TypeCode: typeLetter, Status: domain.StatusDelivered}, domain.ErrInvalidTransition},
		{"missing title", CreateInput{TypeCode: typeLetter, Status: domain.StatusPrinted}, domain.ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.Create(context.Background(), tc.in)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if n, _ := h.store.Count(context.Background()); n != 0 {
		t.Fatalf("rejected creates must not persist, count = %d", n)
	}
	if len(h.pub.published()) != 0 {
		t.Fatalf("rejected creates must not publish")
	}
}

func TestInactiveTypeStillAcceptsUpdates(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	c := h.create(t, typeLetter, domain.StatusReadyForRelease)

	svc := catalog.NewService(h.store, h.reg, nil)
	if _, err := svc.SetActive(ctx, typeLetter, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := h.engine.ChangeStatus(ctx, c.ID, domain.StatusPrinted, "", ""); err != nil {
		t.Fatalf("update on inactive type: %v", err)
	}
	if _, err := h.engine.Create(ctx, CreateInput{Title: "y", TypeCode: typeLetter, Status: domain.StatusPrinted}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("create on inactive type: expected ErrInvalidTransition, got %v", err)
	}
}

func TestOutboxDeliveryWritesEventInsteadOfPublishing(t *testing.T) {
	h := newHarness(t, Config{Delivery: DeliveryOutbox})
	ctx := context.Background()
	c := h.create(t, domain.TypeIDCard, domain.StatusReadyForRelease)
	h.pub.err = errors.New("broker down")

	updated, err := h.engine.ChangeStatus(ctx, c.ID, domain.StatusPrinted, "queued batch 7", "IdCardPrinted")
	if err != nil {
		t.Fatalf("outbox mode must not surface broker errors: %v", err)
	}
	if len(h.pub.published()) != 0 {
		t.Fatalf("outbox mode must not publish inline")
	}
	pending, _ := h.store.FetchPendingOutbox(ctx, 10)
	if len(pending) != 2 {
		t.Fatalf("expected 2 outbox rows, got %d", len(pending))
	}
	ev := pending[1].Event
	if ev.EventType != "IdCardPrinted" || ev.NewStatus != domain.StatusPrinted || !ev.TimestampUTC.Equal(updated.LastUpdatedUTC) {
		t.Fatalf("unexpected outbox event: %+v", ev)
	}
}

func TestAvailableEvents(t *testing.T) {
	h := newHarness(t, Config{})
	c := h.create(t, domain.TypeIDCard, domain.StatusPrinted)

	_, events, err := h.engine.AvailableEvents(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("available events: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %+v", events)
	}
	for _, ev := range events {
		if ev.Status == domain.StatusPrinted {
			t.Fatalf("current status must be excluded")
		}
	}
	if events[1].Status != domain.StatusShipped || events[1].EventType != "IdCardShipped" ||
		events[1].Description != "ID_CARD status changed to Shipped" {
		t.Fatalf("unexpected entry: %+v", events[1])
	}
	if events[3].EventType != "ID_CARDProcessingFailed" {
		t.Fatalf("unexpected failed label: %s", events[3].EventType)
	}

	if _, _, err := h.engine.AvailableEvents(context.Background(), 999); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMetricsRecordOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := newHarness(t, Config{}, WithMetrics(m))
	ctx := context.Background()
	c := h.create(t, domain.TypeIDCard, domain.StatusReadyForRelease)
	_, _ = h.engine.ChangeStatus(ctx, c.ID, domain.StatusPrinted, "", "")
	_, _ = h.engine.ChangeStatus(ctx, c.ID, "Bogus", "", "")
	_, _ = h.engine.ChangeStatus(ctx, 999, domain.StatusPrinted, "", "")

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("change_status", "success")); got != 1 {
		t.Fatalf("success = %v", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("change_status", "invalid_transition")); got != 1 {
		t.Fatalf("invalid_transition = %v", got)
	}
	if got := testutil.ToFloat64(m.transitions.WithLabelValues("change_status", "not_found")); got != 1 {
		t.Fatalf("not_found = %v", got)
	}
	if got := testutil.ToFloat64(m.publishes.WithLabelValues("success")); got != 2 {
		t.Fatalf("publishes = %v", got)
	}
}

func TestCommonEventTypesIsACopy(t *testing.T) {
	a := CommonEventTypes()
	a[0] = "Mutated"
	if CommonEventTypes()[0] == "Mutated" {
		t.Fatalf("caller mutation leaked")
	}
}
