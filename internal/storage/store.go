// Package storage defines the persistence boundary of the lifecycle core:
// communications with their append-only history, the type catalog, and the
// event outbox. Implementations live in the memory, sqlite and postgres
// subpackages.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"example.com/commlifecycle/internal/domain"
)

// OutboxEntry asks the store to record the event for a write in the same
// transaction as the write itself. The store fills in the communication id,
// status and timestamp.
type OutboxEntry struct {
	EventType string
	Notes     string
}

// StatusChange is one requested transition. Note is the history note;
// callers supply the default text when the requester gave none.
type StatusChange struct {
	CommunicationID int64
	Status          domain.Status
	Note            string
	Outbox          *OutboxEntry
}

// OutboxRecord is a pending or delivered event row.
type OutboxRecord struct {
	ID          uuid.UUID
	Event       domain.StatusChangedEvent
	CreatedAt   time.Time
	RetryCount  int
	PublishedAt *time.Time
	LastError   string
}

// Communications is the lifecycle store proper.
type Communications interface {
	Create(ctx context.Context, c domain.Communication, outbox *OutboxEntry) (domain.Communication, error)
	GetByID(ctx context.Context, id int64) (domain.Communication, error)
	GetByIDWithHistory(ctx context.Context, id int64) (domain.Communication, error)
	ListByType(ctx context.Context, typeCode string) ([]domain.Communication, error)
	ListByStatus(ctx context.Context, status domain.Status) ([]domain.Communication, error)
	ListByTypeAndStatus(ctx context.Context, typeCode string, status domain.Status) ([]domain.Communication, error)
	ListPaged(ctx context.Context, page, pageSize int) ([]domain.Communication, error)
	Count(ctx context.Context) (int, error)
	CountByType(ctx context.Context, typeCode string) (int, error)
	ApplyStatusChange(ctx context.Context, change StatusChange) (domain.Communication, error)
	Delete(ctx context.Context, id int64) error
}

// Types persists the communication type catalog.
type Types interface {
	ListTypes(ctx context.Context) ([]domain.CommunicationType, error)
	GetType(ctx context.Context, typeCode string) (domain.CommunicationType, error)
	CreateType(ctx context.Context, t domain.CommunicationType) (domain.CommunicationType, error)
	// UpdateType replaces the type's attributes. When replaceStatuses is
	// set, the status list is replaced as well.
	UpdateType(ctx context.Context, t domain.CommunicationType, replaceStatuses bool) (domain.CommunicationType, error)
	DeleteType(ctx context.Context, typeCode string) error
}

// Outbox is drained by the outbox dispatcher.
type Outbox interface {
	FetchPendingOutbox(ctx context.Context, limit int) ([]OutboxRecord, error)
	MarkOutboxPublished(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkOutboxFailed(ctx context.Context, id uuid.UUID, errMsg string, at time.Time) error
}

// Store is the full persistence contract.
type Store interface {
	Communications
	Types
	Outbox
	Ping(ctx context.Context) error
	Close() error
}

// NormalizePage clamps paging input the way list endpoints expect.
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 500 {
		pageSize = 500
	}
	return page, pageSize
}

// NewOutboxRecord builds the outbox row for a committed write.
func NewOutboxRecord(c domain.Communication, entry OutboxEntry) OutboxRecord {
	return OutboxRecord{
		ID: uuid.New(),
		Event: domain.StatusChangedEvent{
			CommunicationID: c.ID,
			NewStatus:       c.CurrentStatus,
			TimestampUTC:    c.LastUpdatedUTC,
			Notes:           entry.Notes,
			EventType:       entry.EventType,
		},
		CreatedAt: c.LastUpdatedUTC,
	}
}
