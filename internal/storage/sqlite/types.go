package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"example.com/commlifecycle/internal/domain"
)

func typeNotFound(typeCode string) error {
	return fmt.Errorf("communication type %q: %w", typeCode, domain.ErrNotFound)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) ListTypes(ctx context.Context) ([]domain.CommunicationType, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT type_code, display_name, description, is_active
FROM communication_types
ORDER BY display_name, type_code`)
	if err != nil {
		return nil, storeErr("list types", err)
	}
	var types []domain.CommunicationType
	for rows.Next() {
		var t domain.CommunicationType
		if err := rows.Scan(&t.TypeCode, &t.DisplayName, &t.Description, &t.Active); err != nil {
			_ = rows.Close()
			return nil, storeErr("scan type", err)
		}
		types = append(types, t)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate types", err)
	}

	// The single connection must be free before the next query.
	for i := range types {
		if types[i].Statuses, err = loadStatuses(ctx, s.db, types[i].TypeCode); err != nil {
			return nil, err
		}
	}
	if types == nil {
		types = []domain.CommunicationType{}
	}
	return types, nil
}

func (s *Store) GetType(ctx context.Context, typeCode string) (domain.CommunicationType, error) {
	return getType(ctx, s.db, typeCode)
}

func getType(ctx context.Context, q queryer, typeCode string) (domain.CommunicationType, error) {
	var t domain.CommunicationType
	err := q.QueryRowContext(ctx, `
SELECT type_code, display_name, description, is_active
FROM communication_types WHERE type_code = ?`, typeCode).
		Scan(&t.TypeCode, &t.DisplayName, &t.Description, &t.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CommunicationType{}, typeNotFound(typeCode)
		}
		return domain.CommunicationType{}, storeErr("get type", err)
	}
	if t.Statuses, err = loadStatuses(ctx, q, typeCode); err != nil {
		return domain.CommunicationType{}, err
	}
	return t, nil
}

func loadStatuses(ctx context.Context, q queryer, typeCode string) ([]domain.TypeStatus, error) {
	rows, err := q.QueryContext(ctx, `
SELECT status_code, description, display_order
FROM communication_type_statuses
WHERE type_code = ?
ORDER BY display_order, status_code`, typeCode)
	if err != nil {
		return nil, storeErr("query type statuses", err)
	}
	defer func() { _ = rows.Close() }()

	out := []domain.TypeStatus{}
	for rows.Next() {
		var ts domain.TypeStatus
		var status string
		if err := rows.Scan(&status, &ts.Description, &ts.DisplayOrder); err != nil {
			return nil, storeErr("scan type status", err)
		}
		ts.StatusCode = domain.Status(status)
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate type statuses", err)
	}
	return out, nil
}

func (s *Store) CreateType(ctx context.Context, t domain.CommunicationType) (domain.CommunicationType, error) {
	var out domain.CommunicationType
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM communication_types WHERE type_code = ?`, t.TypeCode).Scan(&exists)
		if err == nil {
			return fmt.Errorf("communication type %q already exists: %w", t.TypeCode, domain.ErrConflict)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO communication_types (type_code, display_name, description, is_active)
VALUES (?, ?, ?, ?)`, t.TypeCode, t.DisplayName, t.Description, t.Active); err != nil {
			return fmt.Errorf("insert type: %w", err)
		}
		if err := insertStatuses(ctx, tx, t.TypeCode, t.Statuses); err != nil {
			return err
		}
		out, err = getType(ctx, tx, t.TypeCode)
		return err
	})
	if errors.Is(err, domain.ErrConflict) {
		return domain.CommunicationType{}, err
	}
	if err != nil {
		return domain.CommunicationType{}, storeErr("create type", err)
	}
	return out, nil
}

func (s *Store) UpdateType(ctx context.Context, t domain.CommunicationType, replaceStatuses bool) (domain.CommunicationType, error) {
	var out domain.CommunicationType
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE communication_types SET display_name = ?, description = ?, is_active = ?
WHERE type_code = ?`, t.DisplayName, t.Description, t.Active, t.TypeCode)
		if err != nil {
			return fmt.Errorf("update type: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return typeNotFound(t.TypeCode)
		}
		if replaceStatuses {
			if _, err := tx.ExecContext(ctx, `DELETE FROM communication_type_statuses WHERE type_code = ?`, t.TypeCode); err != nil {
				return fmt.Errorf("clear type statuses: %w", err)
			}
			if err := insertStatuses(ctx, tx, t.TypeCode, t.Statuses); err != nil {
				return err
			}
		}
		out, err = getType(ctx, tx, t.TypeCode)
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		return domain.CommunicationType{}, err
	}
	if err != nil {
		return domain.CommunicationType{}, storeErr("update type", err)
	}
	return out, nil
}

func (s *Store) DeleteType(ctx context.Context, typeCode string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM communication_types WHERE type_code = ?`, typeCode)
	if err != nil {
		return storeErr("delete type", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return typeNotFound(typeCode)
	}
	return nil
}

func insertStatuses(ctx context.Context, tx *sql.Tx, typeCode string, statuses []domain.TypeStatus) error {
	for _, st := range statuses {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO communication_type_statuses (type_code, status_code, description, display_order)
VALUES (?, ?, ?, ?)`, typeCode, string(st.StatusCode), st.Description, st.DisplayOrder); err != nil {
			return fmt.Errorf("insert type status %s: %w", st.StatusCode, err)
		}
	}
	return nil
}
