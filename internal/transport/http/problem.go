package transporthttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"example.com/commlifecycle/internal/domain"
)

type Problem struct {
	Type     string              `json:"type,omitempty"`
	Title    string              `json:"title,omitempty"`
	Status   int                 `json:"status,omitempty"`
	Detail   string              `json:"detail,omitempty"`
	Instance string              `json:"instance,omitempty"`
	Errors   map[string][]string `json:"errors,omitempty"`
	Meta     map[string]any      `json:"meta,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, title, detail string, errs map[string][]string) {
	writeProblem(w, Problem{Title: title, Status: status, Detail: detail, Errors: errs})
}

func writeProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// problemFor maps a domain error onto a problem response.
func problemFor(err error) Problem {
	var ve *domain.ValidationError
	switch {
	case errors.As(err, &ve):
		return Problem{Status: http.StatusBadRequest, Title: "validation failed", Detail: "one or more fields are invalid", Errors: ve.FieldMap()}
	case errors.Is(err, domain.ErrNotFound):
		return Problem{Status: http.StatusNotFound, Title: "not found", Detail: err.Error()}
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrInvalidInput):
		return Problem{Status: http.StatusBadRequest, Title: "invalid transition", Detail: err.Error()}
	case errors.Is(err, domain.ErrConflict):
		return Problem{Status: http.StatusConflict, Title: "conflict", Detail: err.Error()}
	case errors.Is(err, domain.ErrPublishFailed):
		return Problem{Status: http.StatusInternalServerError, Title: "event publish failed", Detail: "the change was saved but its event could not be published"}
	default:
		return Problem{Status: http.StatusInternalServerError, Title: "internal error", Detail: "internal server error"}
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeProblem(w, problemFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
