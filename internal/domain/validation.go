package domain

import (
	"fmt"
	"strings"
)

// Column limits of the persisted layout.
const (
	MaxTitleLen         = 200
	MaxCodeLen          = 50
	MaxDescriptionLen   = 500
	MaxSourceFileURLLen = 200
	MaxNotesLen         = 500
	MaxDisplayNameLen   = 100
)

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// ValidateNewCommunication checks the caller-supplied fields of a
// communication before it reaches the catalog or the store.
func ValidateNewCommunication(c *Communication) []FieldError {
	var errs []FieldError

	c.Title = strings.TrimSpace(c.Title)
	c.TypeCode = strings.TrimSpace(c.TypeCode)
	c.CurrentStatus = c.CurrentStatus.Normalize()

	if c.Title == "" {
		errs = append(errs, FieldError{"title", "required"})
	} else if len(c.Title) > MaxTitleLen {
		errs = append(errs, FieldError{"title", fmt.Sprintf("max length %d", MaxTitleLen)})
	}
	errs = append(errs, requiredCode("typeCode", c.TypeCode)...)
	errs = append(errs, requiredCode("currentStatus", string(c.CurrentStatus))...)

	if len(c.Description) > MaxDescriptionLen {
		errs = append(errs, FieldError{"description", fmt.Sprintf("max length %d", MaxDescriptionLen)})
	}
	if len(c.SourceFileURL) > MaxSourceFileURLLen {
		errs = append(errs, FieldError{"sourceFileUrl", fmt.Sprintf("max length %d", MaxSourceFileURLLen)})
	}
	return errs
}

// ValidateStatusChange checks a requested status and its free-text note.
func ValidateStatusChange(status Status, notes string) []FieldError {
	errs := requiredCode("newStatus", string(status.Normalize()))
	if len(notes) > MaxNotesLen {
		errs = append(errs, FieldError{"notes", fmt.Sprintf("max length %d", MaxNotesLen)})
	}
	return errs
}

// ValidateType checks a catalog entry. Status codes must be unique within
// the type. With requireStatuses set an empty status list is rejected.
func ValidateType(t *CommunicationType, requireStatuses bool) []FieldError {
	var errs []FieldError

	t.TypeCode = strings.TrimSpace(t.TypeCode)
	t.DisplayName = strings.TrimSpace(t.DisplayName)

	errs = append(errs, requiredCode("typeCode", t.TypeCode)...)
	if t.DisplayName == "" {
		errs = append(errs, FieldError{"displayName", "required"})
	} else if len(t.DisplayName) > MaxDisplayNameLen {
		errs = append(errs, FieldError{"displayName", fmt.Sprintf("max length %d", MaxDisplayNameLen)})
	}
	if len(t.Description) > MaxDescriptionLen {
		errs = append(errs, FieldError{"description", fmt.Sprintf("max length %d", MaxDescriptionLen)})
	}

	if requireStatuses && len(t.Statuses) == 0 {
		errs = append(errs, FieldError{"typeStatuses", "at least one status required"})
	}

	seen := make(map[Status]struct{}, len(t.Statuses))
	for i := range t.Statuses {
		field := fmt.Sprintf("typeStatuses[%d]", i)
		t.Statuses[i].StatusCode = t.Statuses[i].StatusCode.Normalize()
		code := t.Statuses[i].StatusCode
		if fe := requiredCode(field+".statusCode", string(code)); len(fe) > 0 {
			errs = append(errs, fe...)
			continue
		}
		if _, dup := seen[code]; dup {
			errs = append(errs, FieldError{field + ".statusCode", "duplicate status " + string(code)})
		}
		seen[code] = struct{}{}
		if len(t.Statuses[i].Description) > MaxDescriptionLen {
			errs = append(errs, FieldError{field + ".description", fmt.Sprintf("max length %d", MaxDescriptionLen)})
		}
	}
	return errs
}

func requiredCode(field, v string) []FieldError {
	if v == "" {
		return []FieldError{{field, "required"}}
	}
	if len(v) > MaxCodeLen {
		return []FieldError{{field, fmt.Sprintf("max length %d", MaxCodeLen)}}
	}
	return nil
}
