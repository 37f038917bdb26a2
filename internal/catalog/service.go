package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/storage"
)

// Service is the admin surface of the catalog. Every successful write
// reloads the registry so the next read sees it.
type Service struct {
	store    storage.Types
	registry *Registry
	log      *slog.Logger
}

func NewService(store storage.Types, registry *Registry, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, registry: registry, log: log.With("module", "catalog")}
}

func (s *Service) ListTypes(_ context.Context, activeOnly bool) []domain.CommunicationType {
	return s.registry.Current().Types(activeOnly)
}

func (s *Service) GetType(_ context.Context, typeCode string) (domain.CommunicationType, error) {
	return s.registry.Current().Lookup(typeCode)
}

func (s *Service) CreateType(ctx context.Context, t domain.CommunicationType) (domain.CommunicationType, error) {
	if errs := domain.ValidateType(&t, true); len(errs) > 0 {
		return domain.CommunicationType{}, &domain.ValidationError{Fields: errs}
	}
	out, err := s.store.CreateType(ctx, t)
	if err != nil {
		return domain.CommunicationType{}, err
	}
	s.reload(ctx, "create_type", t.TypeCode)
	return out, nil
}

// UpdateType changes the display fields and active flag. The status list is
// replaced only when replaceStatuses is set, and an active type cannot be
// left without statuses.
func (s *Service) UpdateType(ctx context.Context, t domain.CommunicationType, replaceStatuses bool) (domain.CommunicationType, error) {
	if !replaceStatuses {
		t.Statuses = nil
	}
	if errs := domain.ValidateType(&t, replaceStatuses && t.Active); len(errs) > 0 {
		return domain.CommunicationType{}, &domain.ValidationError{Fields: errs}
	}
	if t.Active && !replaceStatuses {
		cur, err := s.store.GetType(ctx, t.TypeCode)
		if err == nil && len(cur.Statuses) == 0 {
			return domain.CommunicationType{}, &domain.ValidationError{Fields: []domain.FieldError{
				{Field: "isActive", Msg: "a type without statuses cannot be active"},
			}}
		}
	}
	out, err := s.store.UpdateType(ctx, t, replaceStatuses)
	if err != nil {
		return domain.CommunicationType{}, err
	}
	s.reload(ctx, "update_type", t.TypeCode)
	return out, nil
}

func (s *Service) SetActive(ctx context.Context, typeCode string, active bool) (domain.CommunicationType, error) {
	cur, err := s.store.GetType(ctx, typeCode)
	if err != nil {
		return domain.CommunicationType{}, err
	}
	cur.Active = active
	return s.UpdateType(ctx, cur, false)
}

func (s *Service) DeleteType(ctx context.Context, typeCode string) error {
	if err := s.store.DeleteType(ctx, typeCode); err != nil {
		return err
	}
	s.reload(ctx, "delete_type", typeCode)
	return nil
}

// Reload refreshes the snapshot from the store.
func (s *Service) Reload(ctx context.Context) error {
	if err := s.registry.Reload(ctx); err != nil {
		return err
	}
	s.log.Info("catalog loaded", "operation", "reload", "types", s.registry.Current().Len())
	return nil
}

// reload keeps serving the previous snapshot if the store read fails; the
// write itself already succeeded.
func (s *Service) reload(ctx context.Context, op, typeCode string) {
	if err := s.registry.Reload(ctx); err != nil {
		s.log.Error("catalog reload failed", "operation", op, "type_code", typeCode, "outcome", "stale", "error", err)
		return
	}
	s.log.Info("catalog updated", "operation", op, "type_code", typeCode, "outcome", "success")
}

// Seed inserts the given types when the store has none. It reports how many
// types were written.
func (s *Service) Seed(ctx context.Context, types []domain.CommunicationType) (int, error) {
	existing, err := s.store.ListTypes(ctx)
	if err != nil {
		return 0, fmt.Errorf("seed catalog: %w", err)
	}
	if len(existing) > 0 {
		s.log.Debug("catalog already seeded", "operation", "seed", "types", len(existing))
		return 0, s.Reload(ctx)
	}
	for _, t := range types {
		if errs := domain.ValidateType(&t, true); len(errs) > 0 {
			return 0, fmt.Errorf("seed type %s: %w", t.TypeCode, &domain.ValidationError{Fields: errs})
		}
		if _, err := s.store.CreateType(ctx, t); err != nil {
			return 0, fmt.Errorf("seed type %s: %w", t.TypeCode, err)
		}
	}
	s.log.Info("catalog seeded", "operation", "seed", "types", len(types), "outcome", "success")
	return len(types), s.Reload(ctx)
}
