package transporthttp

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"example.com/commlifecycle/internal/domain"
)

func (d *ServerDeps) HandleListTypes(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("activeOnly"))
	writeJSON(w, http.StatusOK, d.Catalog.ListTypes(r.Context(), activeOnly))
}

func (d *ServerDeps) HandleGetType(w http.ResponseWriter, r *http.Request) {
	t, err := d.Catalog.GetType(r.Context(), chi.URLParam(r, "typeCode"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (d *ServerDeps) HandleTypeStatuses(w http.ResponseWriter, r *http.Request) {
	t, err := d.Catalog.GetType(r.Context(), chi.URLParam(r, "typeCode"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t.StatusCodes())
}

type statusInfo struct {
	Code        domain.Status `json:"code"`
	Description string        `json:"description"`
}

// HandleAvailableStatuses lists every status used by any catalog type.
func (d *ServerDeps) HandleAvailableStatuses(w http.ResponseWriter, r *http.Request) {
	seen := map[domain.Status]struct{}{}
	out := []statusInfo{}
	for _, t := range d.Catalog.ListTypes(r.Context(), false) {
		for _, s := range t.Statuses {
			if _, ok := seen[s.StatusCode]; ok {
				continue
			}
			seen[s.StatusCode] = struct{}{}
			out = append(out, statusInfo{Code: s.StatusCode, Description: string(s.StatusCode)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	writeJSON(w, http.StatusOK, map[string]any{"statuses": out})
}

type typeReq struct {
	TypeCode    string              `json:"typeCode"`
	DisplayName string              `json:"displayName"`
	Description string              `json:"description"`
	Active      *bool               `json:"isActive"`
	Statuses    []domain.TypeStatus `json:"typeStatuses"`
}

func (req typeReq) toType() domain.CommunicationType {
	t := domain.CommunicationType{
		TypeCode:    req.TypeCode,
		DisplayName: req.DisplayName,
		Description: req.Description,
		Active:      true,
		Statuses:    req.Statuses,
	}
	if req.Active != nil {
		t.Active = *req.Active
	}
	for i := range t.Statuses {
		if t.Statuses[i].DisplayOrder == 0 {
			t.Statuses[i].DisplayOrder = i + 1
		}
	}
	return t
}

func (d *ServerDeps) HandleCreateType(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var req typeReq
	if err := decodeJSONStrict(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	t, err := d.Catalog.CreateType(r.Context(), req.toType())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/communication-types/"+t.TypeCode)
	writeJSON(w, http.StatusCreated, t)
}

// HandleUpdateType replaces the status list only when typeStatuses is sent.
func (d *ServerDeps) HandleUpdateType(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var req typeReq
	if err := decodeJSONStrict(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	req.TypeCode = chi.URLParam(r, "typeCode")
	t, err := d.Catalog.UpdateType(r.Context(), req.toType(), req.Statuses != nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (d *ServerDeps) HandleDeleteType(w http.ResponseWriter, r *http.Request) {
	if err := d.Catalog.DeleteType(r.Context(), chi.URLParam(r, "typeCode")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
