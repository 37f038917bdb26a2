// Package catalog holds the communication type catalog: an immutable
// snapshot for lock-free reads, a registry that swaps snapshots, and the
// admin service that writes through to the store.
package catalog

import (
	"fmt"
	"sort"

	"example.com/commlifecycle/internal/domain"
)

// Catalog is a read-only view of the types at one point in time.
type Catalog struct {
	types map[string]domain.CommunicationType
	order []string
}

// New builds a snapshot. Statuses are sorted by display order and the input
// slices are copied.
func New(types []domain.CommunicationType) *Catalog {
	c := &Catalog{types: make(map[string]domain.CommunicationType, len(types))}
	for _, t := range types {
		t.Statuses = append([]domain.TypeStatus(nil), t.Statuses...)
		sort.SliceStable(t.Statuses, func(i, j int) bool {
			return t.Statuses[i].DisplayOrder < t.Statuses[j].DisplayOrder
		})
		if _, dup := c.types[t.TypeCode]; !dup {
			c.order = append(c.order, t.TypeCode)
		}
		c.types[t.TypeCode] = t
	}
	sort.SliceStable(c.order, func(i, j int) bool {
		a, b := c.types[c.order[i]], c.types[c.order[j]]
		if a.DisplayName != b.DisplayName {
			return a.DisplayName < b.DisplayName
		}
		return a.TypeCode < b.TypeCode
	})
	return c
}

func (c *Catalog) Lookup(typeCode string) (domain.CommunicationType, error) {
	t, ok := c.types[typeCode]
	if !ok {
		return domain.CommunicationType{}, fmt.Errorf("communication type %q: %w", typeCode, domain.ErrNotFound)
	}
	t.Statuses = append([]domain.TypeStatus(nil), t.Statuses...)
	return t, nil
}

// ValidStatuses returns the type's statuses in display order.
func (c *Catalog) ValidStatuses(typeCode string) ([]domain.Status, error) {
	t, ok := c.types[typeCode]
	if !ok {
		return nil, fmt.Errorf("communication type %q: %w", typeCode, domain.ErrNotFound)
	}
	return t.StatusCodes(), nil
}

// Types lists the snapshot ordered by display name.
func (c *Catalog) Types(activeOnly bool) []domain.CommunicationType {
	out := make([]domain.CommunicationType, 0, len(c.order))
	for _, code := range c.order {
		t := c.types[code]
		if activeOnly && !t.Active {
			continue
		}
		t.Statuses = append([]domain.TypeStatus(nil), t.Statuses...)
		out = append(out, t)
	}
	return out
}

func (c *Catalog) Len() int { return len(c.types) }
