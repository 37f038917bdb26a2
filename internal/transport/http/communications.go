package transporthttp

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/lifecycle"
	"example.com/commlifecycle/internal/storage"
)

type listResponse struct {
	Communications []domain.Communication `json:"communications"`
	Page           int                    `json:"page"`
	PageSize       int                    `json:"pageSize"`
	TotalCount     int                    `json:"totalCount"`
	TotalPages     int                    `json:"totalPages"`
}

// HandleListCommunications serves newest-first pages. Filtered queries are
// paged over the filtered set.
func (d *ServerDeps) HandleListCommunications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, pageSize, err := pagingParams(q.Get("page"), q.Get("pageSize"))
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid parameters", err.Error(), nil)
		return
	}
	typeCode := strings.TrimSpace(q.Get("typeCode"))
	status := domain.Status(q.Get("status")).Normalize()

	ctx := r.Context()
	var (
		items []domain.Communication
		total int
	)
	switch {
	case typeCode != "" && status != "":
		items, err = d.Store.ListByTypeAndStatus(ctx, typeCode, status)
		total = len(items)
	case typeCode != "":
		items, err = d.Store.ListByType(ctx, typeCode)
		if err == nil {
			total, err = d.Store.CountByType(ctx, typeCode)
		}
	case status != "":
		items, err = d.Store.ListByStatus(ctx, status)
		total = len(items)
	default:
		items, err = d.Store.ListPaged(ctx, page, pageSize)
		if err == nil {
			total, err = d.Store.Count(ctx)
		}
	}
	if err != nil {
		d.logger().ErrorContext(ctx, "list communications failed", "type_code", typeCode, "status", status, "error", err)
		writeError(w, err)
		return
	}
	if typeCode != "" || status != "" {
		items = pageOf(items, page, pageSize)
	}
	writeJSON(w, http.StatusOK, listResponse{
		Communications: items,
		Page:           page,
		PageSize:       pageSize,
		TotalCount:     total,
		TotalPages:     (total + pageSize - 1) / pageSize,
	})
}

func pagingParams(pageStr, sizeStr string) (int, int, error) {
	page, pageSize := 0, 0
	var err error
	if pageStr != "" {
		if page, err = strconv.Atoi(pageStr); err != nil {
			return 0, 0, errors.New("page must be an integer")
		}
	}
	if sizeStr != "" {
		if pageSize, err = strconv.Atoi(sizeStr); err != nil {
			return 0, 0, errors.New("pageSize must be an integer")
		}
	}
	page, pageSize = storage.NormalizePage(page, pageSize)
	return page, pageSize, nil
}

func pageOf(items []domain.Communication, page, pageSize int) []domain.Communication {
	start := (page - 1) * pageSize
	if start >= len(items) {
		return []domain.Communication{}
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (d *ServerDeps) HandleGetCommunication(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid parameters", err.Error(), nil)
		return
	}
	c, err := d.Store.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (d *ServerDeps) HandleGetCommunicationWithHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid parameters", err.Error(), nil)
		return
	}
	c, err := d.Store.GetByIDWithHistory(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if c.StatusHistory == nil {
		c.StatusHistory = []domain.StatusHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, c)
}

type createCommunicationReq struct {
	Title         string `json:"title"`
	TypeCode      string `json:"typeCode"`
	CurrentStatus string `json:"currentStatus"`
	Description   string `json:"description"`
	SourceFileURL string `json:"sourceFileUrl"`
}

func (d *ServerDeps) HandleCreateCommunication(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var req createCommunicationReq
	if err := decodeJSONStrict(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	c, err := d.Engine.Create(r.Context(), lifecycle.CreateInput{
		Title:         req.Title,
		TypeCode:      req.TypeCode,
		Status:        domain.Status(req.CurrentStatus),
		Description:   req.Description,
		SourceFileURL: req.SourceFileURL,
	})
	if err != nil {
		writeChangeError(w, c, err)
		return
	}
	w.Header().Set("Location", "/api/communications/"+strconv.FormatInt(c.ID, 10))
	writeJSON(w, http.StatusCreated, c)
}

type updateStatusReq struct {
	NewStatus string `json:"newStatus"`
	Notes     string `json:"notes"`
	EventType string `json:"eventType"`
}

func (d *ServerDeps) HandleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	id, err := pathID(r)
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid parameters", err.Error(), nil)
		return
	}
	var req updateStatusReq
	if err := decodeJSONStrict(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	c, err := d.Engine.ChangeStatus(r.Context(), id, domain.Status(req.NewStatus), req.Notes, req.EventType)
	if err != nil {
		writeChangeError(w, c, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// writeChangeError attaches the saved communication when only the publish
// step failed.
func writeChangeError(w http.ResponseWriter, c domain.Communication, err error) {
	p := problemFor(err)
	if errors.Is(err, domain.ErrPublishFailed) && c.ID != 0 {
		p.Meta = map[string]any{"communication": c}
	}
	writeProblem(w, p)
}

func (d *ServerDeps) HandleDeleteCommunication(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid parameters", err.Error(), nil)
		return
	}
	if err := d.Store.Delete(r.Context(), id); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			d.logger().ErrorContext(r.Context(), "delete communication failed", "communication_id", id, "error", err)
		}
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
