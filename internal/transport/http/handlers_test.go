package transporthttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"example.com/commlifecycle/internal/catalog"
	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/lifecycle"
	"example.com/commlifecycle/internal/storage/memory"
)

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

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type testServer struct {
	h     http.Handler
	store *memory.Store
	pub   *recordingPublisher
	ready error
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := memory.New()
	reg := catalog.NewRegistry(store)
	svc := catalog.NewService(store, reg, log)
	types, err := catalog.LoadSeed("")
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	if _, err := svc.Seed(ctx, types); err != nil {
		t.Fatalf("seed: %v", err)
	}
	pub := &recordingPublisher{}
	engine := lifecycle.NewEngine(store, lifecycle.NewValidator(reg), pub, lifecycle.Config{}, lifecycle.WithLogger(log))

	ts := &testServer{store: store, pub: pub}
	deps := &ServerDeps{
		Engine:       engine,
		Store:        store,
		Catalog:      svc,
		Ready:        func(context.Context) error { return ts.ready },
		MaxBodyBytes: 1 << 20,
		Log:          log,
	}
	ts.h = deps.Router()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	ts.h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func (ts *testServer) createIDCard(t *testing.T) domain.Communication {
	t.Helper()
	rr := ts.do(t, http.MethodPost, "/api/communications", map[string]any{
		"title":         "Card for member 42",
		"typeCode":      "ID_CARD",
		"currentStatus": "ReadyForRelease",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	return decode[domain.Communication](t, rr)
}

func TestHealthAndReadiness(t *testing.T) {
	ts := newTestServer(t)
	if rr := ts.do(t, http.MethodGet, "/healthz", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
	if rr := ts.do(t, http.MethodGet, "/readyz", nil); rr.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rr.Code)
	}
	ts.ready = errors.New("db down")
	if rr := ts.do(t, http.MethodGet, "/readyz", nil); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz when down: %d", rr.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	rr := httptest.NewRecorder()
	ts.h.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-Id"); got != "abc-123" {
		t.Fatalf("expected echoed request id, got %q", got)
	}
	rr = ts.do(t, http.MethodGet, "/healthz", nil)
	if rr.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected generated request id")
	}
}

func TestCreateAndUpdateStatus(t *testing.T) {
	ts := newTestServer(t)
	c := ts.createIDCard(t)
	if c.ID == 0 || c.CurrentStatus != domain.StatusReadyForRelease {
		t.Fatalf("unexpected created communication: %+v", c)
	}

	rr := ts.do(t, http.MethodPut, "/api/communications/"+strconv.FormatInt(c.ID, 10)+"/status", map[string]any{
		"newStatus": "Printed",
		"eventType": "IdCardPrinted",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if got := decode[domain.Communication](t, rr); got.CurrentStatus != domain.StatusPrinted {
		t.Fatalf("expected Printed, got %s", got.CurrentStatus)
	}

	rr = ts.do(t, http.MethodGet, "/api/communications/"+strconv.FormatInt(c.ID, 10)+"/with-history", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("with-history: %d", rr.Code)
	}
	withHistory := decode[domain.Communication](t, rr)
	if len(withHistory.StatusHistory) != 2 || withHistory.StatusHistory[0].StatusCode != domain.StatusPrinted {
		t.Fatalf("expected newest-first history of 2, got %+v", withHistory.StatusHistory)
	}
	if ts.pub.count() != 2 {
		t.Fatalf("expected 2 published events, got %d", ts.pub.count())
	}
}

func TestUpdateStatusErrors(t *testing.T) {
	ts := newTestServer(t)
	c := ts.createIDCard(t)
	path := "/api/communications/" + strconv.FormatInt(c.ID, 10) + "/status"

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"status not valid for type", path, map[string]any{"newStatus": "Inserted"}, http.StatusBadRequest},
		{"missing status", path, map[string]any{"notes": "x"}, http.StatusBadRequest},
		{"unknown field", path, map[string]any{"newStatus": "Printed", "extra": 1}, http.StatusBadRequest},
		{"unknown id", "/api/communications/9999/status", map[string]any{"newStatus": "Printed"}, http.StatusNotFound},
		{"unknown id with missing status", "/api/communications/9999/status", map[string]any{"notes": "x"}, http.StatusNotFound},
		{"bad id", "/api/communications/abc/status", map[string]any{"newStatus": "Printed"}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodPut, tc.path, tc.body)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, rr.Code, rr.Body.String())
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Fatalf("expected problem response, got %q", ct)
			}
		})
	}
	if ts.pub.count() != 1 {
		t.Fatalf("rejected changes must not publish, got %d events", ts.pub.count())
	}
}

func TestPublishFailureReturnsSavedCommunication(t *testing.T) {
	ts := newTestServer(t)
	c := ts.createIDCard(t)
	ts.pub.err = errors.New("broker down")

	rr := ts.do(t, http.MethodPut, "/api/communications/"+strconv.FormatInt(c.ID, 10)+"/status", map[string]any{"newStatus": "Printed"})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	p := decode[Problem](t, rr)
	if p.Meta["communication"] == nil {
		t.Fatalf("expected saved communication in meta, got %+v", p)
	}
	got, err := ts.store.GetByID(context.Background(), c.ID)
	if err != nil || got.CurrentStatus != domain.StatusPrinted {
		t.Fatalf("change should stay committed: %+v %v", got, err)
	}
}

func TestCreateValidation(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/api/communications", map[string]any{"title": ""})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if p := decode[Problem](t, rr); len(p.Errors["title"]) == 0 {
		t.Fatalf("expected title field error, got %+v", p)
	}

	rr = ts.do(t, http.MethodPost, "/api/communications", map[string]any{
		"title": "x", "typeCode": "NOPE", "currentStatus": "Printed",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown type: expected 400, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/communications", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rec.Code)
	}
}

func TestListCommunications(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		ts.createIDCard(t)
	}
	rr := ts.do(t, http.MethodPost, "/api/communications", map[string]any{
		"title": "Statement", "typeCode": "EOB", "currentStatus": "Printed",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create eob: %d", rr.Code)
	}

	rr = ts.do(t, http.MethodGet, "/api/communications?page=1&pageSize=2", nil)
	all := decode[listResponse](t, rr)
	if len(all.Communications) != 2 || all.TotalCount != 4 || all.TotalPages != 2 {
		t.Fatalf("unexpected page: %+v", all)
	}

	rr = ts.do(t, http.MethodGet, "/api/communications?typeCode=ID_CARD", nil)
	byType := decode[listResponse](t, rr)
	if len(byType.Communications) != 3 || byType.TotalCount != 3 {
		t.Fatalf("unexpected type filter: %+v", byType)
	}

	rr = ts.do(t, http.MethodGet, "/api/communications?status=Printed", nil)
	byStatus := decode[listResponse](t, rr)
	if len(byStatus.Communications) != 1 || byStatus.Communications[0].TypeCode != "EOB" {
		t.Fatalf("unexpected status filter: %+v", byStatus)
	}

	if rr := ts.do(t, http.MethodGet, "/api/communications?page=x", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad page, got %d", rr.Code)
	}
}

func TestDeleteCommunication(t *testing.T) {
	ts := newTestServer(t)
	c := ts.createIDCard(t)
	path := "/api/communications/" + strconv.FormatInt(c.ID, 10)
	if rr := ts.do(t, http.MethodDelete, path, nil); rr.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rr.Code)
	}
	if rr := ts.do(t, http.MethodGet, path, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", rr.Code)
	}
	if rr := ts.do(t, http.MethodDelete, path, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: expected 404, got %d", rr.Code)
	}
}

func TestTypeCatalogEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodGet, "/api/communication-types", nil)
	if types := decode[[]domain.CommunicationType](t, rr); len(types) != 6 {
		t.Fatalf("expected 6 seeded types, got %d", len(types))
	}

	rr = ts.do(t, http.MethodPost, "/api/communication-types", map[string]any{
		"typeCode":     "NOTICE",
		"displayName":  "Notice",
		"typeStatuses": []map[string]any{{"statusCode": "Drafted"}, {"statusCode": "Sent"}},
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create type: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr := ts.do(t, http.MethodPost, "/api/communication-types", map[string]any{
		"typeCode": "NOTICE", "displayName": "Again", "typeStatuses": []map[string]any{{"statusCode": "Sent"}},
	}); rr.Code != http.StatusConflict {
		t.Fatalf("duplicate type: expected 409, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodGet, "/api/communication-types/NOTICE/statuses", nil)
	if statuses := decode[[]domain.Status](t, rr); len(statuses) != 2 || statuses[0] != "Drafted" {
		t.Fatalf("unexpected statuses: %v", statuses)
	}

	// The new type is usable immediately.
	rr = ts.do(t, http.MethodPost, "/api/communications", map[string]any{"title": "n", "typeCode": "NOTICE", "currentStatus": "Drafted"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create on new type: %d %s", rr.Code, rr.Body.String())
	}

	rr = ts.do(t, http.MethodPut, "/api/communication-types/NOTICE", map[string]any{"displayName": "Notice v2", "isActive": false})
	if rr.Code != http.StatusOK {
		t.Fatalf("update type: %d %s", rr.Code, rr.Body.String())
	}
	updated := decode[domain.CommunicationType](t, rr)
	if updated.Active || updated.DisplayName != "Notice v2" || len(updated.Statuses) != 2 {
		t.Fatalf("update should keep statuses and deactivate: %+v", updated)
	}

	rr = ts.do(t, http.MethodGet, "/api/communication-types?activeOnly=true", nil)
	if types := decode[[]domain.CommunicationType](t, rr); len(types) != 6 {
		t.Fatalf("expected inactive type hidden, got %d types", len(types))
	}

	if rr := ts.do(t, http.MethodDelete, "/api/communication-types/NOTICE", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("delete type: %d", rr.Code)
	}
	if rr := ts.do(t, http.MethodGet, "/api/communication-types/NOTICE", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("get deleted type: %d", rr.Code)
	}

	rr = ts.do(t, http.MethodGet, "/api/communication-types/available-statuses", nil)
	avail := decode[map[string][]statusInfo](t, rr)
	if len(avail["statuses"]) != 14 {
		t.Fatalf("expected 14 distinct seeded statuses, got %d", len(avail["statuses"]))
	}
}

func TestTypeRequiresStatusesWhileActive(t *testing.T) {
	ts := newTestServer(t)

	rr := ts.do(t, http.MethodPost, "/api/communication-types", map[string]any{"typeCode": "NOTICE", "displayName": "Notice"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("create without statuses: expected 400, got %d", rr.Code)
	}
	if p := decode[Problem](t, rr); len(p.Errors["typeStatuses"]) == 0 {
		t.Fatalf("missing typeStatuses error: %+v", p.Errors)
	}

	rr = ts.do(t, http.MethodPut, "/api/communication-types/"+domain.TypeIDCard, map[string]any{
		"displayName": "Member ID Card", "typeStatuses": []map[string]any{},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("clear statuses on active type: expected 400, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodPut, "/api/communication-types/"+domain.TypeIDCard, map[string]any{
		"displayName": "Member ID Card", "isActive": false, "typeStatuses": []map[string]any{},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("clear statuses on inactive type: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rr = ts.do(t, http.MethodPut, "/api/communication-types/"+domain.TypeIDCard, map[string]any{"displayName": "Member ID Card"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("activate type without statuses: expected 400, got %d", rr.Code)
	}
}

func TestEventSimulator(t *testing.T) {
	ts := newTestServer(t)
	c := ts.createIDCard(t)
	id := strconv.FormatInt(c.ID, 10)

	rr := ts.do(t, http.MethodGet, "/api/event-simulator/communications", nil)
	if list := decode[[]communicationSummary](t, rr); len(list) != 1 || list[0].ID != c.ID {
		t.Fatalf("unexpected simulator list: %+v", list)
	}

	rr = ts.do(t, http.MethodGet, "/api/event-simulator/communications/"+id+"/available-events", nil)
	avail := decode[availableEventsResponse](t, rr)
	if len(avail.AvailableEvents) != 12 {
		t.Fatalf("expected 12 available events, got %d", len(avail.AvailableEvents))
	}
	for _, ev := range avail.AvailableEvents {
		if ev.Status == domain.StatusReadyForRelease {
			t.Fatalf("current status must not be offered")
		}
		if ev.Status == domain.StatusPrinted && ev.EventType != "IdCardPrinted" {
			t.Fatalf("unexpected event type for Printed: %s", ev.EventType)
		}
	}

	rr = ts.do(t, http.MethodGet, "/api/event-simulator/event-types", nil)
	if types := decode[[]string](t, rr); len(types) != 11 {
		t.Fatalf("expected 11 common event types, got %d", len(types))
	}

	rr = ts.do(t, http.MethodPost, "/api/event-simulator/publish-event", map[string]any{
		"communicationId": c.ID,
		"eventType":       "IdCardShipped",
		"newStatus":       "Shipped",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("publish-event: %d %s", rr.Code, rr.Body.String())
	}
	resp := decode[simulateEventResponse](t, rr)
	if !resp.Success || resp.OldStatus != domain.StatusReadyForRelease || resp.NewStatus != domain.StatusShipped {
		t.Fatalf("unexpected simulate response: %+v", resp)
	}
	got, _ := ts.store.GetByIDWithHistory(context.Background(), c.ID)
	if got.StatusHistory[0].Notes != "Event simulated via Event Simulator: IdCardShipped" {
		t.Fatalf("unexpected history note: %q", got.StatusHistory[0].Notes)
	}

	rr = ts.do(t, http.MethodPost, "/api/event-simulator/publish-event", map[string]any{"newStatus": "Shipped"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", rr.Code)
	}
	if p := decode[Problem](t, rr); len(p.Errors) != 2 {
		t.Fatalf("expected two field errors, got %+v", p.Errors)
	}
}
