// Package memory is the reference Lifecycle Store: every operation runs
// under one mutex, which makes each write trivially atomic.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/storage"
)

type Store struct {
	mu sync.Mutex

	now func() time.Time

	nextCommID    int64
	nextHistoryID int64

	comms   map[int64]domain.Communication
	history map[int64][]domain.StatusHistoryEntry
	types   map[string]domain.CommunicationType
	outbox  []storage.OutboxRecord
}

var _ storage.Store = (*Store)(nil)

type Option func(*Store)

// WithClock overrides the time source. Values are converted to UTC.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		comms:   make(map[int64]domain.Communication),
		history: make(map[int64][]domain.StatusHistoryEntry),
		types:   make(map[string]domain.CommunicationType),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close() error               { return nil }

func (s *Store) Create(_ context.Context, c domain.Communication, outbox *storage.OutboxEntry) (domain.Communication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	s.nextCommID++
	c.ID = s.nextCommID
	c.CreatedUTC = now
	c.LastUpdatedUTC = now
	c.StatusHistory = nil
	s.comms[c.ID] = c
	s.appendHistoryLocked(c.ID, c.CurrentStatus, now, domain.InitialStatusNote)
	if outbox != nil {
		s.outbox = append(s.outbox, storage.NewOutboxRecord(c, *outbox))
	}
	return c, nil
}

func (s *Store) GetByID(_ context.Context, id int64) (domain.Communication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comms[id]
	if !ok {
		return domain.Communication{}, notFound(id)
	}
	return c, nil
}

func (s *Store) GetByIDWithHistory(_ context.Context, id int64) (domain.Communication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comms[id]
	if !ok {
		return domain.Communication{}, notFound(id)
	}
	h := append([]domain.StatusHistoryEntry(nil), s.history[id]...)
	sort.Slice(h, func(i, j int) bool {
		if !h[i].OccurredUTC.Equal(h[j].OccurredUTC) {
			return h[i].OccurredUTC.After(h[j].OccurredUTC)
		}
		return h[i].ID > h[j].ID
	})
	c.StatusHistory = h
	return c, nil
}

func (s *Store) ListByType(_ context.Context, typeCode string) ([]domain.Communication, error) {
	return s.filter(func(c domain.Communication) bool { return c.TypeCode == typeCode }), nil
}

func (s *Store) ListByStatus(_ context.Context, status domain.Status) ([]domain.Communication, error) {
	return s.filter(func(c domain.Communication) bool { return c.CurrentStatus == status }), nil
}

func (s *Store) ListByTypeAndStatus(_ context.Context, typeCode string, status domain.Status) ([]domain.Communication, error) {
	return s.filter(func(c domain.Communication) bool {
		return c.TypeCode == typeCode && c.CurrentStatus == status
	}), nil
}

func (s *Store) ListPaged(_ context.Context, page, pageSize int) ([]domain.Communication, error) {
	page, pageSize = storage.NormalizePage(page, pageSize)
	all := s.filter(func(domain.Communication) bool { return true })
	start := (page - 1) * pageSize
	if start >= len(all) {
		return []domain.Communication{}, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], nil
}

func (s *Store) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.comms), nil
}

func (s *Store) CountByType(_ context.Context, typeCode string) (int, error) {
	return len(s.filter(func(c domain.Communication) bool { return c.TypeCode == typeCode })), nil
}

func (s *Store) ApplyStatusChange(_ context.Context, ch storage.StatusChange) (domain.Communication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.comms[ch.CommunicationID]
	if !ok {
		return domain.Communication{}, notFound(ch.CommunicationID)
	}
	now := s.now().UTC()
	c.CurrentStatus = ch.Status
	c.LastUpdatedUTC = now
	s.comms[c.ID] = c
	s.appendHistoryLocked(c.ID, ch.Status, now, ch.Note)
	if ch.Outbox != nil {
		s.outbox = append(s.outbox, storage.NewOutboxRecord(c, *ch.Outbox))
	}
	return c, nil
}

func (s *Store) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.comms[id]; !ok {
		return notFound(id)
	}
	delete(s.comms, id)
	delete(s.history, id)
	return nil
}

func (s *Store) ListTypes(context.Context) ([]domain.CommunicationType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.CommunicationType, 0, len(s.types))
	for _, t := range s.types {
		out = append(out, cloneType(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].TypeCode < out[j].TypeCode
	})
	return out, nil
}

func (s *Store) GetType(_ context.Context, typeCode string) (domain.CommunicationType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.types[typeCode]
	if !ok {
		return domain.CommunicationType{}, fmt.Errorf("communication type %q: %w", typeCode, domain.ErrNotFound)
	}
	return cloneType(t), nil
}

func (s *Store) CreateType(_ context.Context, t domain.CommunicationType) (domain.CommunicationType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.types[t.TypeCode]; exists {
		return domain.CommunicationType{}, fmt.Errorf("communication type %q already exists: %w", t.TypeCode, domain.ErrConflict)
	}
	t = cloneType(t)
	sortStatuses(t.Statuses)
	s.types[t.TypeCode] = t
	return cloneType(t), nil
}

func (s *Store) UpdateType(_ context.Context, t domain.CommunicationType, replaceStatuses bool) (domain.CommunicationType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.types[t.TypeCode]
	if !ok {
		return domain.CommunicationType{}, fmt.Errorf("communication type %q: %w", t.TypeCode, domain.ErrNotFound)
	}
	cur.DisplayName = t.DisplayName
	cur.Description = t.Description
	cur.Active = t.Active
	if replaceStatuses {
		cur.Statuses = append([]domain.TypeStatus(nil), t.Statuses...)
		sortStatuses(cur.Statuses)
	}
	s.types[t.TypeCode] = cur
	return cloneType(cur), nil
}

func (s *Store) DeleteType(_ context.Context, typeCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.types[typeCode]; !ok {
		return fmt.Errorf("communication type %q: %w", typeCode, domain.ErrNotFound)
	}
	delete(s.types, typeCode)
	return nil
}

func (s *Store) FetchPendingOutbox(_ context.Context, limit int) ([]storage.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.OutboxRecord
	for _, rec := range s.outbox {
		if rec.PublishedAt != nil {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkOutboxPublished(_ context.Context, id uuid.UUID, at time.Time) error {
	return s.updateOutbox(id, func(rec *storage.OutboxRecord) {
		t := at.UTC()
		rec.PublishedAt = &t
	})
}

func (s *Store) MarkOutboxFailed(_ context.Context, id uuid.UUID, errMsg string, _ time.Time) error {
	return s.updateOutbox(id, func(rec *storage.OutboxRecord) {
		rec.RetryCount++
		rec.LastError = errMsg
	})
}

func (s *Store) updateOutbox(id uuid.UUID, fn func(*storage.OutboxRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			fn(&s.outbox[i])
			return nil
		}
	}
	return fmt.Errorf("outbox record %s: %w", id, domain.ErrNotFound)
}

func (s *Store) appendHistoryLocked(id int64, status domain.Status, at time.Time, note string) {
	s.nextHistoryID++
	s.history[id] = append(s.history[id], domain.StatusHistoryEntry{
		ID:              s.nextHistoryID,
		CommunicationID: id,
		StatusCode:      status,
		OccurredUTC:     at,
		Notes:           note,
	})
}

// filter returns matches ordered by last update, newest first.
func (s *Store) filter(keep func(domain.Communication) bool) []domain.Communication {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Communication, 0)
	for _, c := range s.comms {
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUpdatedUTC.Equal(out[j].LastUpdatedUTC) {
			return out[i].LastUpdatedUTC.After(out[j].LastUpdatedUTC)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func notFound(id int64) error {
	return fmt.Errorf("communication %d: %w", id, domain.ErrNotFound)
}

func cloneType(t domain.CommunicationType) domain.CommunicationType {
	t.Statuses = append([]domain.TypeStatus(nil), t.Statuses...)
	return t
}

func sortStatuses(ss []domain.TypeStatus) {
	sort.SliceStable(ss, func(i, j int) bool { return ss[i].DisplayOrder < ss[j].DisplayOrder })
}
