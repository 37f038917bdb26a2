package transporthttp

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/lifecycle"
)

// simulatorListLimit caps the communications offered to the simulator.
const simulatorListLimit = 500

type communicationSummary struct {
	ID             int64         `json:"id"`
	Title          string        `json:"title"`
	TypeCode       string        `json:"typeCode"`
	CurrentStatus  domain.Status `json:"currentStatus"`
	LastUpdatedUTC time.Time     `json:"lastUpdatedUtc"`
}

func (d *ServerDeps) HandleSimulatorCommunications(w http.ResponseWriter, r *http.Request) {
	items, err := d.Store.ListPaged(r.Context(), 1, simulatorListLimit)
	if err != nil {
		d.logger().ErrorContext(r.Context(), "list communications for simulator failed", "error", err)
		writeError(w, err)
		return
	}
	out := make([]communicationSummary, 0, len(items))
	for _, c := range items {
		out = append(out, communicationSummary{
			ID:             c.ID,
			Title:          c.Title,
			TypeCode:       c.TypeCode,
			CurrentStatus:  c.CurrentStatus,
			LastUpdatedUTC: c.LastUpdatedUTC,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type availableEventsResponse struct {
	CommunicationID int64                      `json:"communicationId"`
	CurrentStatus   domain.Status              `json:"currentStatus"`
	AvailableEvents []lifecycle.AvailableEvent `json:"availableEvents"`
}

func (d *ServerDeps) HandleAvailableEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid parameters", err.Error(), nil)
		return
	}
	c, events, err := d.Engine.AvailableEvents(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, availableEventsResponse{
		CommunicationID: c.ID,
		CurrentStatus:   c.CurrentStatus,
		AvailableEvents: events,
	})
}

func (d *ServerDeps) HandleEventTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, lifecycle.CommonEventTypes())
}

type simulateEventReq struct {
	CommunicationID int64  `json:"communicationId"`
	EventType       string `json:"eventType"`
	NewStatus       string `json:"newStatus"`
	Notes           string `json:"notes"`
}

type simulateEventResponse struct {
	Success      bool          `json:"success"`
	Message      string        `json:"message"`
	OldStatus    domain.Status `json:"oldStatus"`
	NewStatus    domain.Status `json:"newStatus"`
	TimestampUTC time.Time     `json:"timestampUtc"`
}

// HandlePublishEvent drives a transition as an external system would. It
// goes through the engine, so the change is committed before the event is
// published.
func (d *ServerDeps) HandlePublishEvent(w http.ResponseWriter, r *http.Request) {
	defer DrainBody(r)
	var req simulateEventReq
	if err := decodeJSONStrict(r, &req); err != nil {
		WriteProblem(w, http.StatusBadRequest, "invalid json", err.Error(), nil)
		return
	}
	req.EventType = strings.TrimSpace(req.EventType)
	fields := map[string][]string{}
	if req.CommunicationID <= 0 {
		fields["communicationId"] = append(fields["communicationId"], "required")
	}
	if req.EventType == "" {
		fields["eventType"] = append(fields["eventType"], "required")
	}
	if len(fields) > 0 {
		WriteProblem(w, http.StatusBadRequest, "validation failed", "one or more fields are invalid", fields)
		return
	}
	ctx := r.Context()
	before, err := d.Store.GetByID(ctx, req.CommunicationID)
	if err != nil {
		writeError(w, err)
		return
	}
	note := strings.TrimSpace(req.Notes)
	if note == "" {
		note = "Event simulated via Event Simulator: " + req.EventType
	}
	after, err := d.Engine.ChangeStatus(ctx, req.CommunicationID, domain.Status(req.NewStatus), note, req.EventType)
	if err != nil {
		writeChangeError(w, after, err)
		return
	}
	d.logger().InfoContext(ctx, "simulated event applied",
		"operation", "simulate_event",
		"communication_id", after.ID,
		"event_type", req.EventType,
		"from", before.CurrentStatus,
		"status", after.CurrentStatus,
	)
	writeJSON(w, http.StatusOK, simulateEventResponse{
		Success:      true,
		Message:      fmt.Sprintf("Event '%s' published successfully for Communication %d", req.EventType, after.ID),
		OldStatus:    before.CurrentStatus,
		NewStatus:    after.CurrentStatus,
		TimestampUTC: after.LastUpdatedUTC,
	})
}
