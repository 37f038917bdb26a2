package catalog

import (
	"context"
	"fmt"
	"sync/atomic"

	"example.com/commlifecycle/internal/domain"
)

// TypeLister is the store slice the registry loads from.
type TypeLister interface {
	ListTypes(ctx context.Context) ([]domain.CommunicationType, error)
}

// Registry publishes the current snapshot. Readers never block writers.
type Registry struct {
	src     TypeLister
	current atomic.Pointer[Catalog]
}

func NewRegistry(src TypeLister) *Registry {
	r := &Registry{src: src}
	r.current.Store(New(nil))
	return r
}

// Current returns the latest snapshot; it is never nil.
func (r *Registry) Current() *Catalog { return r.current.Load() }

// Reload reads every type from the store and swaps the snapshot.
func (r *Registry) Reload(ctx context.Context) error {
	types, err := r.src.ListTypes(ctx)
	if err != nil {
		return fmt.Errorf("reload catalog: %w", err)
	}
	r.current.Store(New(types))
	return nil
}
