package catalog

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"example.com/commlifecycle/internal/domain"
)

//go:embed seed/default_catalog.yaml
var defaultCatalog []byte

type seedFile struct {
	Types []seedType `yaml:"types"`
}

type seedType struct {
	TypeCode    string       `yaml:"type_code"`
	DisplayName string       `yaml:"display_name"`
	Description string       `yaml:"description"`
	Active      *bool        `yaml:"active"`
	Statuses    []seedStatus `yaml:"statuses"`
}

type seedStatus struct {
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
}

// LoadSeed reads a catalog seed file. An empty path yields the built-in
// catalog.
func LoadSeed(path string) ([]domain.CommunicationType, error) {
	raw := defaultCatalog
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog seed: %w", err)
		}
		raw = b
	}
	return ParseSeed(raw)
}

// ParseSeed decodes seed YAML. Status display order follows list order,
// starting at 1; a missing status description becomes "<TYPE> <Status> status".
func ParseSeed(raw []byte) ([]domain.CommunicationType, error) {
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse catalog seed: %w", err)
	}
	out := make([]domain.CommunicationType, 0, len(f.Types))
	for _, st := range f.Types {
		t := domain.CommunicationType{
			TypeCode:    st.TypeCode,
			DisplayName: st.DisplayName,
			Description: st.Description,
			Active:      st.Active == nil || *st.Active,
		}
		for i, s := range st.Statuses {
			desc := s.Description
			if desc == "" {
				desc = fmt.Sprintf("%s %s status", st.TypeCode, s.Code)
			}
			t.Statuses = append(t.Statuses, domain.TypeStatus{
				StatusCode:   domain.Status(s.Code),
				Description:  desc,
				DisplayOrder: i + 1,
			})
		}
		out = append(out, t)
	}
	return out, nil
}
