package postgres

import (
	"context"
	"fmt"
)

// listFilter narrows communication queries. Nil or empty fields mean "no filter".
type listFilter struct {
	typeCode *string
	status   *string
}

func (f listFilter) where() (string, []any) {
	cond := "WHERE TRUE"
	args := []any{}
	idx := 1

	if f.typeCode != nil && *f.typeCode != "" {
		cond += fmt.Sprintf(" AND type_code=$%d", idx)
		args = append(args, *f.typeCode)
		idx++
	}
	if f.status != nil && *f.status != "" {
		cond += fmt.Sprintf(" AND current_status=$%d", idx)
		args = append(args, *f.status)
	}
	return cond, args
}

func (s *Store) Count(ctx context.Context) (int, error) {
	return s.count(ctx, listFilter{})
}

func (s *Store) CountByType(ctx context.Context, typeCode string) (int, error) {
	return s.count(ctx, listFilter{typeCode: &typeCode})
}

func (s *Store) count(ctx context.Context, f listFilter) (int, error) {
	cond, args := f.where()
	var n int64
	if err := s.db.Pool.QueryRow(ctx, "SELECT COUNT(*)::bigint FROM communications "+cond, args...).Scan(&n); err != nil {
		return 0, storeErr("count communications", fmt.Errorf("scan count: %w", err))
	}
	return int(n), nil
}
