package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/storage"
)

// Store is the PostgreSQL Lifecycle Store. Writes run in a single
// transaction each; timestamps come from the database clock so concurrent
// writers on one row stay ordered.
type Store struct {
	db *DB
}

var _ storage.Store = (*Store)(nil)

func NewStore(db *DB) *Store { return &Store{db: db} }

func (s *Store) Ping(ctx context.Context) error { return s.db.Ready(ctx) }

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

const commColumns = `id, title, type_code, current_status, created_utc, last_updated_utc,
	COALESCE(description, ''), COALESCE(source_file_url, '')`

type scanner interface {
	Scan(dest ...any) error
}

func scanComm(row scanner) (domain.Communication, error) {
	var c domain.Communication
	var status string
	if err := row.Scan(&c.ID, &c.Title, &c.TypeCode, &status, &c.CreatedUTC, &c.LastUpdatedUTC, &c.Description, &c.SourceFileURL); err != nil {
		return domain.Communication{}, err
	}
	c.CurrentStatus = domain.Status(status)
	c.CreatedUTC = c.CreatedUTC.UTC()
	c.LastUpdatedUTC = c.LastUpdatedUTC.UTC()
	return c, nil
}

func (s *Store) Create(ctx context.Context, c domain.Communication, outbox *storage.OutboxEntry) (domain.Communication, error) {
	var out domain.Communication
	err := pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
INSERT INTO communications (title, type_code, current_status, created_utc, last_updated_utc, description, source_file_url)
VALUES ($1, $2, $3, now(), now(), NULLIF($4, ''), NULLIF($5, ''))
RETURNING `+commColumns,
			c.Title, c.TypeCode, string(c.CurrentStatus), c.Description, c.SourceFileURL)
		var err error
		if out, err = scanComm(row); err != nil {
			return fmt.Errorf("insert communication: %w", err)
		}
		if err := insertHistory(ctx, tx, out, domain.InitialStatusNote); err != nil {
			return err
		}
		if outbox != nil {
			return insertOutbox(ctx, tx, storage.NewOutboxRecord(out, *outbox))
		}
		return nil
	})
	if err != nil {
		return domain.Communication{}, storeErr("create communication", err)
	}
	return out, nil
}

func (s *Store) GetByID(ctx context.Context, id int64) (domain.Communication, error) {
	c, err := scanComm(s.db.Pool.QueryRow(ctx, `SELECT `+commColumns+` FROM communications WHERE id = $1`, id))
	if err != nil {
		if isNoRows(err) {
			return domain.Communication{}, fmt.Errorf("communication %d: %w", id, domain.ErrNotFound)
		}
		return domain.Communication{}, storeErr("get communication", err)
	}
	return c, nil
}

func (s *Store) GetByIDWithHistory(ctx context.Context, id int64) (domain.Communication, error) {
	c, err := s.GetByID(ctx, id)
	if err != nil {
		return domain.Communication{}, err
	}
	rows, err := s.db.Pool.Query(ctx, `
SELECT id, communication_id, status_code, occurred_utc, COALESCE(notes, '')
FROM communication_status_history
WHERE communication_id = $1
ORDER BY occurred_utc DESC, id DESC`, id)
	if err != nil {
		return domain.Communication{}, storeErr("query history", err)
	}
	defer rows.Close()

	c.StatusHistory = []domain.StatusHistoryEntry{}
	for rows.Next() {
		var h domain.StatusHistoryEntry
		var status string
		if err := rows.Scan(&h.ID, &h.CommunicationID, &status, &h.OccurredUTC, &h.Notes); err != nil {
			return domain.Communication{}, storeErr("scan history", err)
		}
		h.StatusCode = domain.Status(status)
		h.OccurredUTC = h.OccurredUTC.UTC()
		c.StatusHistory = append(c.StatusHistory, h)
	}
	if err := rows.Err(); err != nil {
		return domain.Communication{}, storeErr("iterate history", err)
	}
	return c, nil
}

func (s *Store) ListByType(ctx context.Context, typeCode string) ([]domain.Communication, error) {
	return s.list(ctx, listFilter{typeCode: &typeCode}, 0, 0)
}

func (s *Store) ListByStatus(ctx context.Context, status domain.Status) ([]domain.Communication, error) {
	st := string(status)
	return s.list(ctx, listFilter{status: &st}, 0, 0)
}

func (s *Store) ListByTypeAndStatus(ctx context.Context, typeCode string, status domain.Status) ([]domain.Communication, error) {
	st := string(status)
	return s.list(ctx, listFilter{typeCode: &typeCode, status: &st}, 0, 0)
}

func (s *Store) ListPaged(ctx context.Context, page, pageSize int) ([]domain.Communication, error) {
	page, pageSize = storage.NormalizePage(page, pageSize)
	return s.list(ctx, listFilter{}, pageSize, (page-1)*pageSize)
}

func (s *Store) list(ctx context.Context, f listFilter, limit, offset int) ([]domain.Communication, error) {
	cond, args := f.where()
	sql := `SELECT ` + commColumns + ` FROM communications ` + cond + ` ORDER BY last_updated_utc DESC, id DESC`
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		args = append(args, limit, offset)
	}
	rows, err := s.db.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, storeErr("list communications", err)
	}
	defer rows.Close()

	out := []domain.Communication{}
	for rows.Next() {
		c, err := scanComm(rows)
		if err != nil {
			return nil, storeErr("scan communication", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate communications", err)
	}
	return out, nil
}

func (s *Store) ApplyStatusChange(ctx context.Context, ch storage.StatusChange) (domain.Communication, error) {
	var out domain.Communication
	found := true
	err := pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		// The row lock taken by UPDATE orders concurrent writers; GREATEST
		// keeps last_updated_utc monotonic under clock skew between them.
		row := tx.QueryRow(ctx, `
UPDATE communications
SET current_status = $2,
    last_updated_utc = GREATEST(clock_timestamp(), last_updated_utc)
WHERE id = $1
RETURNING `+commColumns, ch.CommunicationID, string(ch.Status))
		var err error
		out, err = scanComm(row)
		if err != nil {
			if isNoRows(err) {
				found = false
			}
			return err
		}
		if err := insertHistory(ctx, tx, out, ch.Note); err != nil {
			return err
		}
		if ch.Outbox != nil {
			return insertOutbox(ctx, tx, storage.NewOutboxRecord(out, *ch.Outbox))
		}
		return nil
	})
	if !found {
		return domain.Communication{}, fmt.Errorf("communication %d: %w", ch.CommunicationID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Communication{}, storeErr("apply status change", err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM communications WHERE id = $1`, id)
	if err != nil {
		return storeErr("delete communication", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("communication %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, c domain.Communication, note string) error {
	_, err := tx.Exec(ctx, `
INSERT INTO communication_status_history (communication_id, status_code, occurred_utc, notes)
VALUES ($1, $2, $3, NULLIF($4, ''))`,
		c.ID, string(c.CurrentStatus), c.LastUpdatedUTC, note)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, rec storage.OutboxRecord) error {
	payload, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	_, err = tx.Exec(ctx, `
INSERT INTO communication_outbox (outbox_id, communication_id, event_type, payload, created_at)
VALUES ($1, $2, $3, $4::jsonb, $5)`,
		rec.ID, rec.Event.CommunicationID, rec.Event.EventType, string(payload), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
