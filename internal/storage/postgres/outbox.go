package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/storage"
)

// FetchPendingOutbox returns unpublished rows oldest first. Two dispatchers
// may read the same row; consumers dedupe on the event key.
func (s *Store) FetchPendingOutbox(ctx context.Context, limit int) ([]storage.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Pool.Query(ctx, `
SELECT outbox_id, payload::text, created_at, retry_count, COALESCE(last_error, '')
FROM communication_outbox
WHERE published_at IS NULL
ORDER BY created_at ASC, outbox_id
LIMIT $1`, limit)
	if err != nil {
		return nil, storeErr("fetch outbox", err)
	}
	defer rows.Close()

	var out []storage.OutboxRecord
	for rows.Next() {
		var rec storage.OutboxRecord
		var payload string
		if err := rows.Scan(&rec.ID, &payload, &rec.CreatedAt, &rec.RetryCount, &rec.LastError); err != nil {
			return nil, storeErr("scan outbox", err)
		}
		if err := json.Unmarshal([]byte(payload), &rec.Event); err != nil {
			return nil, storeErr("decode outbox payload", err)
		}
		rec.CreatedAt = rec.CreatedAt.UTC()
		rec.Event.TimestampUTC = rec.Event.TimestampUTC.UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate outbox", err)
	}
	return out, nil
}

func (s *Store) MarkOutboxPublished(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Pool.Exec(ctx, `
UPDATE communication_outbox SET published_at = $2 WHERE outbox_id = $1`, id, at.UTC())
	if err != nil {
		return storeErr("mark outbox published", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox record %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id uuid.UUID, errMsg string, at time.Time) error {
	tag, err := s.db.Pool.Exec(ctx, `
UPDATE communication_outbox
SET retry_count = retry_count + 1, last_error = $2, last_error_at = $3
WHERE outbox_id = $1`, id, errMsg, at.UTC())
	if err != nil {
		return storeErr("mark outbox failed", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox record %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
