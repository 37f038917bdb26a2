package lifecycle

import (
	"fmt"

	"example.com/commlifecycle/internal/catalog"
	"example.com/commlifecycle/internal/domain"
)

// CatalogSource yields the catalog snapshot to validate against.
type CatalogSource interface {
	Current() *catalog.Catalog
}

// Validator decides whether a status is legal for a type. Any member of the
// type's status list is reachable from any other; there is no transition
// graph and no terminal status.
type Validator struct {
	src CatalogSource
}

func NewValidator(src CatalogSource) *Validator { return &Validator{src: src} }

// ValidateCreate also requires the type to be active.
func (v *Validator) ValidateCreate(typeCode string, status domain.Status) error {
	t, err := v.lookup(typeCode)
	if err != nil {
		return err
	}
	if !t.Active {
		return fmt.Errorf("communication type %q is inactive: %w", typeCode, domain.ErrInvalidTransition)
	}
	return member(t, status)
}

// ValidateUpdate accepts inactive types so existing communications can still
// move through their lifecycle.
func (v *Validator) ValidateUpdate(typeCode string, status domain.Status) error {
	t, err := v.lookup(typeCode)
	if err != nil {
		return err
	}
	return member(t, status)
}

func (v *Validator) lookup(typeCode string) (domain.CommunicationType, error) {
	t, err := v.src.Current().Lookup(typeCode)
	if err != nil {
		return domain.CommunicationType{}, fmt.Errorf("unknown communication type %q: %w", typeCode, domain.ErrInvalidTransition)
	}
	return t, nil
}

func member(t domain.CommunicationType, status domain.Status) error {
	if !t.Allows(status) {
		return fmt.Errorf("status %q is not valid for type %q: %w", status, t.TypeCode, domain.ErrInvalidTransition)
	}
	return nil
}
