package catalog

import (
	"context"
	"errors"
	"testing"

	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/storage/memory"
)

func TestDefaultSeedMatchesCatalog(t *testing.T) {
	types, err := LoadSeed("")
	if err != nil {
		t.Fatalf("load default seed: %v", err)
	}
	want := map[string]int{
		domain.TypeEOB:               13,
		domain.TypeEOP:               13,
		domain.TypeIDCard:            13,
		domain.TypeWelcomePacket:     8,
		domain.TypeClaimStatement:    8,
		domain.TypeProviderStatement: 8,
	}
	if len(types) != len(want) {
		t.Fatalf("expected %d types, got %d", len(want), len(types))
	}
	for _, ct := range types {
		n, ok := want[ct.TypeCode]
		if !ok {
			t.Fatalf("unexpected type %s", ct.TypeCode)
		}
		if len(ct.Statuses) != n {
			t.Fatalf("%s: expected %d statuses, got %d", ct.TypeCode, n, len(ct.Statuses))
		}
		if !ct.Active {
			t.Fatalf("%s should default to active", ct.TypeCode)
		}
		if ct.Statuses[0].StatusCode != domain.StatusReadyForRelease || ct.Statuses[0].DisplayOrder != 1 {
			t.Fatalf("%s: unexpected first status %+v", ct.TypeCode, ct.Statuses[0])
		}
	}
}

func TestParseSeedDefaultsDescription(t *testing.T) {
	types, err := ParseSeed([]byte(`
types:
  - type_code: EOB
    display_name: Explanation of Benefits
    active: false
    statuses:
      - code: Printed
      - code: Shipped
        description: mailed out
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	eob := types[0]
	if eob.Active {
		t.Fatalf("expected inactive type")
	}
	if eob.Statuses[0].Description != "EOB Printed status" || eob.Statuses[1].Description != "mailed out" {
		t.Fatalf("unexpected descriptions: %+v", eob.Statuses)
	}
	if eob.Statuses[1].DisplayOrder != 2 {
		t.Fatalf("display order should follow list order, got %d", eob.Statuses[1].DisplayOrder)
	}
}

func TestParseSeedRejectsBadYAML(t *testing.T) {
	if _, err := ParseSeed([]byte("types: [")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestCatalogLookupAndOrdering(t *testing.T) {
	c := New([]domain.CommunicationType{
		{TypeCode: "B", DisplayName: "Zeta", Active: true, Statuses: []domain.TypeStatus{
			{StatusCode: "Second", DisplayOrder: 2}, {StatusCode: "First", DisplayOrder: 1},
		}},
		{TypeCode: "A", DisplayName: "Alpha", Active: false},
	})

	got, err := c.ValidStatuses("B")
	if err != nil {
		t.Fatalf("valid statuses: %v", err)
	}
	if len(got) != 2 || got[0] != "First" || got[1] != "Second" {
		t.Fatalf("expected display order, got %v", got)
	}
	if _, err := c.Lookup("C"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.ValidStatuses("C"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	all := c.Types(false)
	if len(all) != 2 || all[0].TypeCode != "A" {
		t.Fatalf("expected display-name order, got %+v", all)
	}
	if active := c.Types(true); len(active) != 1 || active[0].TypeCode != "B" {
		t.Fatalf("expected only active types, got %+v", active)
	}
}

func TestSnapshotIsolatedFromCallers(t *testing.T) {
	in := []domain.CommunicationType{{TypeCode: "A", DisplayName: "A", Statuses: []domain.TypeStatus{{StatusCode: "X", DisplayOrder: 1}}}}
	c := New(in)
	in[0].Statuses[0].StatusCode = "Changed"
	got, _ := c.Lookup("A")
	if got.Statuses[0].StatusCode != "X" {
		t.Fatalf("snapshot shares memory with input")
	}
	got.Statuses[0].StatusCode = "Changed"
	again, _ := c.Lookup("A")
	if again.Statuses[0].StatusCode != "X" {
		t.Fatalf("snapshot shares memory with lookup result")
	}
}

func TestServiceWritesReloadRegistry(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	reg := NewRegistry(store)
	svc := NewService(store, reg, nil)

	before := reg.Current()
	created, err := svc.CreateType(ctx, domain.CommunicationType{
		TypeCode: " ID_CARD ", DisplayName: "Member ID Card", Active: true,
		Statuses: []domain.TypeStatus{{StatusCode: domain.StatusPrinted, DisplayOrder: 1}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.TypeCode != domain.TypeIDCard {
		t.Fatalf("type code not trimmed: %q", created.TypeCode)
	}
	if _, err := before.Lookup(domain.TypeIDCard); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("old snapshot must not change")
	}
	if _, err := reg.Current().Lookup(domain.TypeIDCard); err != nil {
		t.Fatalf("new snapshot missing type: %v", err)
	}

	off, err := svc.SetActive(ctx, domain.TypeIDCard, false)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if off.Active || len(off.Statuses) != 1 {
		t.Fatalf("deactivate should keep statuses: %+v", off)
	}
	if got := svc.ListTypes(ctx, true); len(got) != 0 {
		t.Fatalf("inactive type listed as active: %+v", got)
	}

	if err := svc.DeleteType(ctx, domain.TypeIDCard); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetType(ctx, domain.TypeIDCard); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestServiceRejectsInvalidType(t *testing.T) {
	store := memory.New()
	svc := NewService(store, NewRegistry(store), nil)
	_, err := svc.CreateType(context.Background(), domain.CommunicationType{
		TypeCode: "X", DisplayName: "",
		Statuses: []domain.TypeStatus{{StatusCode: "A"}, {StatusCode: " A"}},
	})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected validation error, got %v", err)
	}
	fields := ve.FieldMap()
	if _, ok := fields["displayName"]; !ok {
		t.Fatalf("missing displayName error: %v", fields)
	}
	if _, ok := fields["typeStatuses[1].statusCode"]; !ok {
		t.Fatalf("missing duplicate status error: %v", fields)
	}
}

func TestSeedOnlyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	reg := NewRegistry(store)
	svc := NewService(store, reg, nil)
	types, _ := LoadSeed("")

	n, err := svc.Seed(ctx, types)
	if err != nil || n != 6 {
		t.Fatalf("first seed: %d %v", n, err)
	}
	if reg.Current().Len() != 6 {
		t.Fatalf("registry not reloaded after seed")
	}
	n, err = svc.Seed(ctx, types)
	if err != nil || n != 0 {
		t.Fatalf("second seed should be a no-op: %d %v", n, err)
	}
}
