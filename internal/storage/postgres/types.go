package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"example.com/commlifecycle/internal/domain"
)

func (s *Store) ListTypes(ctx context.Context) ([]domain.CommunicationType, error) {
	rows, err := s.db.Pool.Query(ctx, `
SELECT type_code, display_name, COALESCE(description, ''), is_active
FROM communication_types
ORDER BY display_name, type_code`)
	if err != nil {
		return nil, storeErr("list types", err)
	}
	var out []domain.CommunicationType
	for rows.Next() {
		var t domain.CommunicationType
		if err := rows.Scan(&t.TypeCode, &t.DisplayName, &t.Description, &t.Active); err != nil {
			rows.Close()
			return nil, storeErr("scan type", err)
		}
		out = append(out, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate types", err)
	}

	byCode, err := s.loadStatuses(ctx, s.db.Pool, "")
	if err != nil {
		return nil, err
	}
	result := make([]domain.CommunicationType, 0, len(out))
	for _, t := range out {
		t.Statuses = byCode[t.TypeCode]
		if t.Statuses == nil {
			t.Statuses = []domain.TypeStatus{}
		}
		result = append(result, t)
	}
	return result, nil
}

func (s *Store) GetType(ctx context.Context, typeCode string) (domain.CommunicationType, error) {
	return s.getType(ctx, s.db.Pool, typeCode)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) getType(ctx context.Context, q querier, typeCode string) (domain.CommunicationType, error) {
	var t domain.CommunicationType
	err := q.QueryRow(ctx, `
SELECT type_code, display_name, COALESCE(description, ''), is_active
FROM communication_types WHERE type_code = $1`, typeCode).
		Scan(&t.TypeCode, &t.DisplayName, &t.Description, &t.Active)
	if err != nil {
		if isNoRows(err) {
			return domain.CommunicationType{}, fmt.Errorf("communication type %q: %w", typeCode, domain.ErrNotFound)
		}
		return domain.CommunicationType{}, storeErr("get type", err)
	}
	byCode, err := s.loadStatuses(ctx, q, typeCode)
	if err != nil {
		return domain.CommunicationType{}, err
	}
	t.Statuses = byCode[typeCode]
	if t.Statuses == nil {
		t.Statuses = []domain.TypeStatus{}
	}
	return t, nil
}

// loadStatuses returns status rows grouped by type in display order. An
// empty typeCode loads every type.
func (s *Store) loadStatuses(ctx context.Context, q querier, typeCode string) (map[string][]domain.TypeStatus, error) {
	sql := `SELECT type_code, status_code, COALESCE(description, ''), display_order FROM communication_type_statuses`
	args := []any{}
	if typeCode != "" {
		sql += ` WHERE type_code = $1`
		args = append(args, typeCode)
	}
	sql += ` ORDER BY type_code, display_order, status_code`

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, storeErr("query type statuses", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.TypeStatus)
	for rows.Next() {
		var code, status string
		var ts domain.TypeStatus
		if err := rows.Scan(&code, &status, &ts.Description, &ts.DisplayOrder); err != nil {
			return nil, storeErr("scan type status", err)
		}
		ts.StatusCode = domain.Status(status)
		out[code] = append(out[code], ts)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate type statuses", err)
	}
	return out, nil
}

func (s *Store) CreateType(ctx context.Context, t domain.CommunicationType) (domain.CommunicationType, error) {
	var out domain.CommunicationType
	err := pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO communication_types (type_code, display_name, description, is_active)
VALUES ($1, $2, NULLIF($3, ''), $4)`,
			t.TypeCode, t.DisplayName, t.Description, t.Active)
		if err != nil {
			return err
		}
		if err := insertStatuses(ctx, tx, t.TypeCode, t.Statuses); err != nil {
			return err
		}
		out, err = s.getType(ctx, tx, t.TypeCode)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return domain.CommunicationType{}, fmt.Errorf("communication type %q already exists: %w", t.TypeCode, domain.ErrConflict)
		}
		return domain.CommunicationType{}, storeErr("create type", err)
	}
	return out, nil
}

func (s *Store) UpdateType(ctx context.Context, t domain.CommunicationType, replaceStatuses bool) (domain.CommunicationType, error) {
	var out domain.CommunicationType
	found := true
	err := pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE communication_types
SET display_name = $2, description = NULLIF($3, ''), is_active = $4
WHERE type_code = $1`,
			t.TypeCode, t.DisplayName, t.Description, t.Active)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			found = false
			return pgx.ErrNoRows
		}
		if replaceStatuses {
			if _, err := tx.Exec(ctx, `DELETE FROM communication_type_statuses WHERE type_code = $1`, t.TypeCode); err != nil {
				return err
			}
			if err := insertStatuses(ctx, tx, t.TypeCode, t.Statuses); err != nil {
				return err
			}
		}
		out, err = s.getType(ctx, tx, t.TypeCode)
		return err
	})
	if !found {
		return domain.CommunicationType{}, fmt.Errorf("communication type %q: %w", t.TypeCode, domain.ErrNotFound)
	}
	if err != nil {
		return domain.CommunicationType{}, storeErr("update type", err)
	}
	return out, nil
}

func (s *Store) DeleteType(ctx context.Context, typeCode string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM communication_types WHERE type_code = $1`, typeCode)
	if err != nil {
		return storeErr("delete type", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("communication type %q: %w", typeCode, domain.ErrNotFound)
	}
	return nil
}

func insertStatuses(ctx context.Context, tx pgx.Tx, typeCode string, statuses []domain.TypeStatus) error {
	if len(statuses) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, st := range statuses {
		batch.Queue(`
INSERT INTO communication_type_statuses (type_code, status_code, description, display_order)
VALUES ($1, $2, NULLIF($3, ''), $4)`,
			typeCode, string(st.StatusCode), st.Description, st.DisplayOrder)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert type statuses: %w", err)
	}
	return nil
}
