// Package storagetest holds the behavioural contract every storage.Store
// implementation is tested against.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/storage"
)

// Factory returns a fresh, empty store. The contract closes it.
type Factory func(t *testing.T) storage.Store

// Run executes the full contract as subtests.
func Run(t *testing.T, newStore Factory) {
	cases := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"CreateSeedsInitialHistory", testCreateSeedsInitialHistory},
		{"MissingIDsAreNotFound", testMissingIDsAreNotFound},
		{"StatusChangeAppendsHistory", testStatusChangeAppendsHistory},
		{"ListsOrderedByLastUpdate", testListsOrderedByLastUpdate},
		{"PagingAndCounts", testPagingAndCounts},
		{"DeleteCascadesHistory", testDeleteCascadesHistory},
		{"TypeCatalogCRUD", testTypeCatalogCRUD},
		{"OutboxWrittenWithChange", testOutboxWrittenWithChange},
		{"ConcurrentChangesKeepHistory", testConcurrentChangesKeepHistory},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

// IDCardType is the catalog entry used throughout the contract.
func IDCardType() domain.CommunicationType {
	return domain.CommunicationType{
		TypeCode:    domain.TypeIDCard,
		DisplayName: "Member ID Card",
		Description: "Member identification cards",
		Active:      true,
		Statuses: []domain.TypeStatus{
			{StatusCode: domain.StatusReadyForRelease, DisplayOrder: 1},
			{StatusCode: domain.StatusPrinted, DisplayOrder: 2},
			{StatusCode: domain.StatusShipped, DisplayOrder: 3},
			{StatusCode: domain.StatusDelivered, DisplayOrder: 4},
		},
	}
}

func newComm(title, typeCode string, status domain.Status) domain.Communication {
	return domain.Communication{Title: title, TypeCode: typeCode, CurrentStatus: status}
}

// tick keeps consecutive writes on distinct timestamps for backends with
// coarse clocks.
func tick() { time.Sleep(3 * time.Millisecond) }

func testCreateSeedsInitialHistory(t *testing.T, s storage.Store) {
	ctx := context.Background()
	in := newComm("Card for member 42", domain.TypeIDCard, domain.StatusReadyForRelease)
	in.Description = "replacement card"
	in.SourceFileURL = "s3://cards/42.pdf"

	c, err := s.Create(ctx, in, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.ID == 0 {
		t.Fatalf("expected generated id")
	}
	if c.CreatedUTC.IsZero() || !c.CreatedUTC.Equal(c.LastUpdatedUTC) {
		t.Fatalf("expected created == last updated, got %v / %v", c.CreatedUTC, c.LastUpdatedUTC)
	}
	if c.CreatedUTC.Location() != time.UTC {
		t.Fatalf("expected UTC timestamps, got %v", c.CreatedUTC.Location())
	}

	got, err := s.GetByIDWithHistory(ctx, c.ID)
	if err != nil {
		t.Fatalf("get with history: %v", err)
	}
	if got.Title != in.Title || got.Description != in.Description || got.SourceFileURL != in.SourceFileURL {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.StatusHistory) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(got.StatusHistory))
	}
	h := got.StatusHistory[0]
	if h.StatusCode != domain.StatusReadyForRelease || h.Notes != domain.InitialStatusNote || h.CommunicationID != c.ID {
		t.Fatalf("unexpected initial entry: %+v", h)
	}
	if !h.OccurredUTC.Equal(c.CreatedUTC) {
		t.Fatalf("initial entry time %v != created %v", h.OccurredUTC, c.CreatedUTC)
	}

	plain, err := s.GetByID(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(plain.StatusHistory) != 0 {
		t.Fatalf("GetByID must not load history")
	}
}

func testMissingIDsAreNotFound(t *testing.T, s storage.Store) {
	ctx := context.Background()
	checks := map[string]error{}
	_, checks["GetByID"] = s.GetByID(ctx, 999)
	_, checks["GetByIDWithHistory"] = s.GetByIDWithHistory(ctx, 999)
	_, checks["ApplyStatusChange"] = s.ApplyStatusChange(ctx, storage.StatusChange{CommunicationID: 999, Status: domain.StatusPrinted})
	checks["Delete"] = s.Delete(ctx, 999)
	_, checks["GetType"] = s.GetType(ctx, "NOPE")
	_, checks["UpdateType"] = s.UpdateType(ctx, domain.CommunicationType{TypeCode: "NOPE", DisplayName: "x"}, false)
	checks["DeleteType"] = s.DeleteType(ctx, "NOPE")
	for op, err := range checks {
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", op, err)
		}
	}
}

func testStatusChangeAppendsHistory(t *testing.T, s storage.Store) {
	ctx := context.Background()
	c, err := s.Create(ctx, newComm("card", domain.TypeIDCard, domain.StatusReadyForRelease), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	steps := []domain.Status{domain.StatusPrinted, domain.StatusShipped, domain.StatusDelivered, domain.StatusReadyForRelease}
	var last domain.Communication
	for i, st := range steps {
		tick()
		last, err = s.ApplyStatusChange(ctx, storage.StatusChange{
			CommunicationID: c.ID,
			Status:          st,
			Note:            fmt.Sprintf("step %d", i),
		})
		if err != nil {
			t.Fatalf("apply %s: %v", st, err)
		}
		if last.CurrentStatus != st {
			t.Fatalf("expected current %s, got %s", st, last.CurrentStatus)
		}
	}
	if !last.LastUpdatedUTC.After(c.CreatedUTC) || !last.CreatedUTC.Equal(c.CreatedUTC) {
		t.Fatalf("timestamps not maintained: created %v updated %v", last.CreatedUTC, last.LastUpdatedUTC)
	}

	got, err := s.GetByIDWithHistory(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.StatusHistory) != 1+len(steps) {
		t.Fatalf("expected %d entries, got %d", 1+len(steps), len(got.StatusHistory))
	}
	newest := got.StatusHistory[0]
	if newest.StatusCode != got.CurrentStatus || newest.Notes != "step 3" {
		t.Fatalf("newest entry %+v does not match current %s", newest, got.CurrentStatus)
	}
	if !newest.OccurredUTC.Equal(got.LastUpdatedUTC) {
		t.Fatalf("history time %v != last updated %v", newest.OccurredUTC, got.LastUpdatedUTC)
	}
	for i := 1; i < len(got.StatusHistory); i++ {
		if got.StatusHistory[i].OccurredUTC.After(got.StatusHistory[i-1].OccurredUTC) {
			t.Fatalf("history not newest first at %d", i)
		}
	}
	if oldest := got.StatusHistory[len(got.StatusHistory)-1]; oldest.Notes != domain.InitialStatusNote {
		t.Fatalf("oldest entry should be the initial one, got %+v", oldest)
	}
}

func testListsOrderedByLastUpdate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	a, _ := s.Create(ctx, newComm("a", domain.TypeIDCard, domain.StatusReadyForRelease), nil)
	tick()
	b, _ := s.Create(ctx, newComm("b", domain.TypeEOB, domain.StatusReadyForRelease), nil)
	tick()
	c, _ := s.Create(ctx, newComm("c", domain.TypeIDCard, domain.StatusPrinted), nil)
	tick()
	if _, err := s.ApplyStatusChange(ctx, storage.StatusChange{CommunicationID: a.ID, Status: domain.StatusPrinted, Note: "n"}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	byType, err := s.ListByType(ctx, domain.TypeIDCard)
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	assertIDs(t, "by type", byType, a.ID, c.ID)

	byStatus, err := s.ListByStatus(ctx, domain.StatusReadyForRelease)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	assertIDs(t, "by status", byStatus, b.ID)

	both, err := s.ListByTypeAndStatus(ctx, domain.TypeIDCard, domain.StatusPrinted)
	if err != nil {
		t.Fatalf("list by type and status: %v", err)
	}
	assertIDs(t, "by type and status", both, a.ID, c.ID)

	none, err := s.ListByType(ctx, "UNKNOWN")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected empty list, got %v %v", none, err)
	}
}

func testPagingAndCounts(t *testing.T, s storage.Store) {
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 5; i++ {
		typeCode := domain.TypeIDCard
		if i%2 == 1 {
			typeCode = domain.TypeEOB
		}
		c, err := s.Create(ctx, newComm(fmt.Sprintf("c%d", i), typeCode, domain.StatusReadyForRelease), nil)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, c.ID)
		tick()
	}
	page1, err := s.ListPaged(ctx, 1, 2)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	assertIDs(t, "page 1", page1, ids[4], ids[3])
	page3, err := s.ListPaged(ctx, 3, 2)
	if err != nil {
		t.Fatalf("page 3: %v", err)
	}
	assertIDs(t, "page 3", page3, ids[0])
	page9, err := s.ListPaged(ctx, 9, 2)
	if err != nil || len(page9) != 0 {
		t.Fatalf("expected empty page, got %v %v", page9, err)
	}

	total, err := s.Count(ctx)
	if err != nil || total != 5 {
		t.Fatalf("count = %d, %v", total, err)
	}
	eob, err := s.CountByType(ctx, domain.TypeEOB)
	if err != nil || eob != 2 {
		t.Fatalf("count by type = %d, %v", eob, err)
	}
}

func testDeleteCascadesHistory(t *testing.T, s storage.Store) {
	ctx := context.Background()
	c, _ := s.Create(ctx, newComm("gone", domain.TypeIDCard, domain.StatusReadyForRelease), nil)
	if _, err := s.ApplyStatusChange(ctx, storage.StatusChange{CommunicationID: c.ID, Status: domain.StatusPrinted}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.Delete(ctx, c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetByIDWithHistory(ctx, c.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := s.Delete(ctx, c.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete: expected not found, got %v", err)
	}
	// A new communication never inherits the deleted history.
	d, _ := s.Create(ctx, newComm("fresh", domain.TypeIDCard, domain.StatusReadyForRelease), nil)
	got, _ := s.GetByIDWithHistory(ctx, d.ID)
	if len(got.StatusHistory) != 1 {
		t.Fatalf("expected 1 entry for fresh communication, got %d", len(got.StatusHistory))
	}
}

func testTypeCatalogCRUD(t *testing.T, s storage.Store) {
	ctx := context.Background()
	idCard := IDCardType()
	// Insert out of display order to check ordering on read.
	idCard.Statuses[0], idCard.Statuses[3] = idCard.Statuses[3], idCard.Statuses[0]
	if _, err := s.CreateType(ctx, idCard); err != nil {
		t.Fatalf("create type: %v", err)
	}
	if _, err := s.CreateType(ctx, idCard); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("duplicate create: expected ErrConflict, got %v", err)
	}
	eob := domain.CommunicationType{
		TypeCode: domain.TypeEOB, DisplayName: "Explanation of Benefits", Active: false,
		Statuses: []domain.TypeStatus{{StatusCode: domain.StatusReleased, DisplayOrder: 1, Description: "EOB Released status"}},
	}
	if _, err := s.CreateType(ctx, eob); err != nil {
		t.Fatalf("create eob: %v", err)
	}

	got, err := s.GetType(ctx, domain.TypeIDCard)
	if err != nil {
		t.Fatalf("get type: %v", err)
	}
	want := []domain.Status{domain.StatusReadyForRelease, domain.StatusPrinted, domain.StatusShipped, domain.StatusDelivered}
	codes := got.StatusCodes()
	if len(codes) != len(want) {
		t.Fatalf("statuses = %v", codes)
	}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("statuses out of display order: %v", codes)
		}
	}

	list, err := s.ListTypes(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("list types: %v %v", list, err)
	}
	if list[0].TypeCode != domain.TypeEOB || list[1].TypeCode != domain.TypeIDCard {
		t.Fatalf("types not ordered by display name: %s, %s", list[0].TypeCode, list[1].TypeCode)
	}
	if list[0].Active || len(list[0].Statuses) != 1 || list[0].Statuses[0].Description != "EOB Released status" {
		t.Fatalf("eob round trip mismatch: %+v", list[0])
	}

	upd := got
	upd.Active = false
	upd.DisplayName = "ID Card"
	upd.Statuses = nil
	after, err := s.UpdateType(ctx, upd, false)
	if err != nil {
		t.Fatalf("update type: %v", err)
	}
	if after.Active || after.DisplayName != "ID Card" || len(after.Statuses) != 4 {
		t.Fatalf("update without status replace: %+v", after)
	}

	upd.Statuses = []domain.TypeStatus{{StatusCode: domain.StatusExpired, DisplayOrder: 1}}
	after, err = s.UpdateType(ctx, upd, true)
	if err != nil {
		t.Fatalf("update type with statuses: %v", err)
	}
	if len(after.Statuses) != 1 || after.Statuses[0].StatusCode != domain.StatusExpired {
		t.Fatalf("status list not replaced: %+v", after.Statuses)
	}

	if err := s.DeleteType(ctx, domain.TypeIDCard); err != nil {
		t.Fatalf("delete type: %v", err)
	}
	if _, err := s.GetType(ctx, domain.TypeIDCard); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	// Recreating proves the status rows went with the type.
	if _, err := s.CreateType(ctx, IDCardType()); err != nil {
		t.Fatalf("recreate after delete: %v", err)
	}
}

func testOutboxWrittenWithChange(t *testing.T, s storage.Store) {
	ctx := context.Background()
	c, err := s.Create(ctx, newComm("card", domain.TypeIDCard, domain.StatusReadyForRelease),
		&storage.OutboxEntry{EventType: domain.EventTypeCommunicationCreated, Notes: "Communication created"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tick()
	updated, err := s.ApplyStatusChange(ctx, storage.StatusChange{
		CommunicationID: c.ID,
		Status:          domain.StatusPrinted,
		Note:            "queued batch 7",
		Outbox:          &storage.OutboxEntry{EventType: "IdCardPrinted", Notes: "queued batch 7"},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	// Without an outbox entry nothing is enqueued.
	if _, err := s.ApplyStatusChange(ctx, storage.StatusChange{CommunicationID: c.ID, Status: domain.StatusShipped}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	pending, err := s.FetchPendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}
	first, second := pending[0], pending[1]
	if first.Event.EventType != domain.EventTypeCommunicationCreated || first.Event.NewStatus != domain.StatusReadyForRelease {
		t.Fatalf("unexpected first event: %+v", first.Event)
	}
	ev := second.Event
	if ev.CommunicationID != c.ID || ev.NewStatus != domain.StatusPrinted || ev.EventType != "IdCardPrinted" || ev.Notes != "queued batch 7" {
		t.Fatalf("unexpected second event: %+v", ev)
	}
	if !ev.TimestampUTC.Equal(updated.LastUpdatedUTC) {
		t.Fatalf("event time %v != update time %v", ev.TimestampUTC, updated.LastUpdatedUTC)
	}

	now := time.Now().UTC()
	if err := s.MarkOutboxFailed(ctx, second.ID, "broker down", now); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := s.MarkOutboxPublished(ctx, first.ID, now); err != nil {
		t.Fatalf("mark published: %v", err)
	}
	pending, err = s.FetchPendingOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("expected only the failed record pending, got %+v", pending)
	}
	if pending[0].RetryCount != 1 || pending[0].LastError != "broker down" {
		t.Fatalf("failure not recorded: %+v", pending[0])
	}
	limited, err := s.FetchPendingOutbox(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limit not honoured: %v %v", limited, err)
	}
}

func testConcurrentChangesKeepHistory(t *testing.T, s storage.Store) {
	ctx := context.Background()
	c, err := s.Create(ctx, newComm("card", domain.TypeIDCard, domain.StatusReadyForRelease), nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	const n = 8
	statuses := []domain.Status{domain.StatusPrinted, domain.StatusShipped}
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ApplyStatusChange(ctx, storage.StatusChange{
				CommunicationID: c.ID,
				Status:          statuses[i%2],
				Note:            fmt.Sprintf("writer %d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent apply: %v", err)
		}
	}
	got, err := s.GetByIDWithHistory(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.StatusHistory) != 1+n {
		t.Fatalf("expected %d history rows, got %d", 1+n, len(got.StatusHistory))
	}
	if got.StatusHistory[0].StatusCode != got.CurrentStatus {
		t.Fatalf("newest history %s != current %s", got.StatusHistory[0].StatusCode, got.CurrentStatus)
	}
}

func assertIDs(t *testing.T, label string, got []domain.Communication, want ...int64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: expected %d items, got %d", label, len(want), len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			ids := make([]int64, len(got))
			for j := range got {
				ids[j] = got[j].ID
			}
			t.Fatalf("%s: expected ids %v, got %v", label, want, ids)
		}
	}
}
