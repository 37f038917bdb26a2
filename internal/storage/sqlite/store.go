// Package sqlite is a single-file Lifecycle Store for local runs and tests.
// It keeps one open connection, so transactions are serialized.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/storage"
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ storage.Store = (*Store)(nil)

// Open creates the database file and schema if needed.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "commlifecycle.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *Store) Close() error                   { return s.db.Close() }

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreFailure, err)
}

func notFound(id int64) error {
	return fmt.Errorf("communication %d: %w", id, domain.ErrNotFound)
}

func toNanos(t time.Time) int64    { return t.UTC().UnixNano() }
func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

// withTx runs fn in a transaction and rolls back on any error.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const commColumns = `id, title, type_code, current_status, created_utc, last_updated_utc, description, source_file_url`

type scanner interface {
	Scan(dest ...any) error
}

func scanComm(row scanner) (domain.Communication, error) {
	var c domain.Communication
	var status string
	var created, updated int64
	if err := row.Scan(&c.ID, &c.Title, &c.TypeCode, &status, &created, &updated, &c.Description, &c.SourceFileURL); err != nil {
		return domain.Communication{}, err
	}
	c.CurrentStatus = domain.Status(status)
	c.CreatedUTC = fromNanos(created)
	c.LastUpdatedUTC = fromNanos(updated)
	return c, nil
}

func (s *Store) Create(ctx context.Context, c domain.Communication, outbox *storage.OutboxEntry) (domain.Communication, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := toNanos(s.now())
		res, err := tx.ExecContext(ctx, `
INSERT INTO communications (title, type_code, current_status, created_utc, last_updated_utc, description, source_file_url)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.Title, c.TypeCode, string(c.CurrentStatus), now, now, c.Description, c.SourceFileURL)
		if err != nil {
			return fmt.Errorf("insert communication: %w", err)
		}
		if c.ID, err = res.LastInsertId(); err != nil {
			return err
		}
		c.CreatedUTC = fromNanos(now)
		c.LastUpdatedUTC = c.CreatedUTC
		c.StatusHistory = nil
		if err := insertHistory(ctx, tx, c, domain.InitialStatusNote); err != nil {
			return err
		}
		if outbox != nil {
			return insertOutbox(ctx, tx, storage.NewOutboxRecord(c, *outbox))
		}
		return nil
	})
	if err != nil {
		return domain.Communication{}, storeErr("create communication", err)
	}
	return c, nil
}

func (s *Store) GetByID(ctx context.Context, id int64) (domain.Communication, error) {
	c, err := scanComm(s.db.QueryRowContext(ctx, `SELECT `+commColumns+` FROM communications WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Communication{}, notFound(id)
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
	rows, err := s.db.QueryContext(ctx, `
SELECT id, communication_id, status_code, occurred_utc, notes
FROM communication_status_history
WHERE communication_id = ?
ORDER BY occurred_utc DESC, id DESC`, id)
	if err != nil {
		return domain.Communication{}, storeErr("query history", err)
	}
	defer func() { _ = rows.Close() }()

	c.StatusHistory = []domain.StatusHistoryEntry{}
	for rows.Next() {
		var h domain.StatusHistoryEntry
		var status string
		var occurred int64
		if err := rows.Scan(&h.ID, &h.CommunicationID, &status, &occurred, &h.Notes); err != nil {
			return domain.Communication{}, storeErr("scan history", err)
		}
		h.StatusCode = domain.Status(status)
		h.OccurredUTC = fromNanos(occurred)
		c.StatusHistory = append(c.StatusHistory, h)
	}
	if err := rows.Err(); err != nil {
		return domain.Communication{}, storeErr("iterate history", err)
	}
	return c, nil
}

func (s *Store) ListByType(ctx context.Context, typeCode string) ([]domain.Communication, error) {
	return s.list(ctx, `WHERE type_code = ?`, []any{typeCode}, 0, 0)
}

func (s *Store) ListByStatus(ctx context.Context, status domain.Status) ([]domain.Communication, error) {
	return s.list(ctx, `WHERE current_status = ?`, []any{string(status)}, 0, 0)
}

func (s *Store) ListByTypeAndStatus(ctx context.Context, typeCode string, status domain.Status) ([]domain.Communication, error) {
	return s.list(ctx, `WHERE type_code = ? AND current_status = ?`, []any{typeCode, string(status)}, 0, 0)
}

func (s *Store) ListPaged(ctx context.Context, page, pageSize int) ([]domain.Communication, error) {
	page, pageSize = storage.NormalizePage(page, pageSize)
	return s.list(ctx, "", nil, pageSize, (page-1)*pageSize)
}

func (s *Store) list(ctx context.Context, where string, args []any, limit, offset int) ([]domain.Communication, error) {
	q := `SELECT ` + commColumns + ` FROM communications ` + where + ` ORDER BY last_updated_utc DESC, id DESC`
	if limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list communications", err)
	}
	defer func() { _ = rows.Close() }()

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

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM communications`).Scan(&n); err != nil {
		return 0, storeErr("count communications", err)
	}
	return n, nil
}

func (s *Store) CountByType(ctx context.Context, typeCode string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM communications WHERE type_code = ?`, typeCode).Scan(&n); err != nil {
		return 0, storeErr("count communications", err)
	}
	return n, nil
}

func (s *Store) ApplyStatusChange(ctx context.Context, ch storage.StatusChange) (domain.Communication, error) {
	var out domain.Communication
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := scanComm(tx.QueryRowContext(ctx, `SELECT `+commColumns+` FROM communications WHERE id = ?`, ch.CommunicationID))
		if err != nil {
			return err
		}
		now := toNanos(s.now())
		if prev := toNanos(c.LastUpdatedUTC); now < prev {
			now = prev
		}
		if _, err := tx.ExecContext(ctx, `UPDATE communications SET current_status = ?, last_updated_utc = ? WHERE id = ?`,
			string(ch.Status), now, c.ID); err != nil {
			return fmt.Errorf("update communication: %w", err)
		}
		c.CurrentStatus = ch.Status
		c.LastUpdatedUTC = fromNanos(now)
		if err := insertHistory(ctx, tx, c, ch.Note); err != nil {
			return err
		}
		if ch.Outbox != nil {
			if err := insertOutbox(ctx, tx, storage.NewOutboxRecord(c, *ch.Outbox)); err != nil {
				return err
			}
		}
		out = c
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Communication{}, notFound(ch.CommunicationID)
	}
	if err != nil {
		return domain.Communication{}, storeErr("apply status change", err)
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM communications WHERE id = ?`, id)
	if err != nil {
		return storeErr("delete communication", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(id)
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, c domain.Communication, note string) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO communication_status_history (communication_id, status_code, occurred_utc, notes)
VALUES (?, ?, ?, ?)`,
		c.ID, string(c.CurrentStatus), toNanos(c.LastUpdatedUTC), note)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

func insertOutbox(ctx context.Context, tx *sql.Tx, rec storage.OutboxRecord) error {
	payload, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO communication_outbox (outbox_id, communication_id, event_type, payload, created_at, seq)
VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM communication_outbox))`,
		rec.ID.String(), rec.Event.CommunicationID, rec.Event.EventType, string(payload), toNanos(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func (s *Store) FetchPendingOutbox(ctx context.Context, limit int) ([]storage.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT outbox_id, payload, created_at, retry_count, last_error
FROM communication_outbox
WHERE published_at IS NULL
ORDER BY seq
LIMIT ?`, limit)
	if err != nil {
		return nil, storeErr("fetch outbox", err)
	}
	defer func() { _ = rows.Close() }()

	var out []storage.OutboxRecord
	for rows.Next() {
		var rec storage.OutboxRecord
		var id, payload string
		var created int64
		if err := rows.Scan(&id, &payload, &created, &rec.RetryCount, &rec.LastError); err != nil {
			return nil, storeErr("scan outbox", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, storeErr("parse outbox id", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Event); err != nil {
			return nil, storeErr("decode outbox payload", err)
		}
		rec.CreatedAt = fromNanos(created)
		rec.Event.TimestampUTC = rec.Event.TimestampUTC.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate outbox", err)
	}
	return out, nil
}

func (s *Store) MarkOutboxPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.updateOutbox(ctx, id, `UPDATE communication_outbox SET published_at = ? WHERE outbox_id = ?`, toNanos(at), id.String())
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id uuid.UUID, errMsg string, at time.Time) error {
	return s.updateOutbox(ctx, id, `
UPDATE communication_outbox
SET retry_count = retry_count + 1, last_error = ?, last_error_at = ?
WHERE outbox_id = ?`, errMsg, toNanos(at), id.String())
}

func (s *Store) updateOutbox(ctx context.Context, id uuid.UUID, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return storeErr("update outbox", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox record %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
