package transporthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"example.com/commlifecycle/internal/domain"
	"example.com/commlifecycle/internal/lifecycle"
	"example.com/commlifecycle/internal/storage"
)

// Engine is the lifecycle write path.
type Engine interface {
	Create(ctx context.Context, in lifecycle.CreateInput) (domain.Communication, error)
	ChangeStatus(ctx context.Context, id int64, status domain.Status, note, eventType string) (domain.Communication, error)
	AvailableEvents(ctx context.Context, id int64) (domain.Communication, []lifecycle.AvailableEvent, error)
}

// Catalog is the type catalog admin surface.
type Catalog interface {
	ListTypes(ctx context.Context, activeOnly bool) []domain.CommunicationType
	GetType(ctx context.Context, typeCode string) (domain.CommunicationType, error)
	CreateType(ctx context.Context, t domain.CommunicationType) (domain.CommunicationType, error)
	UpdateType(ctx context.Context, t domain.CommunicationType, replaceStatuses bool) (domain.CommunicationType, error)
	DeleteType(ctx context.Context, typeCode string) error
}

type ServerDeps struct {
	Engine       Engine
	Store        storage.Communications
	Catalog      Catalog
	Ready        func(ctx context.Context) error
	Metrics      http.Handler
	MaxBodyBytes int64
	Log          *slog.Logger
}

func decodeJSONStrict(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("id must be a positive integer")
	}
	return id, nil
}

func (d *ServerDeps) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

// --- Health ---

func (d *ServerDeps) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *ServerDeps) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if d.Ready != nil {
		if err := d.Ready(r.Context()); err != nil {
			d.logger().WarnContext(r.Context(), "readiness check failed", "error", err)
			WriteProblem(w, http.StatusServiceUnavailable, "not ready", "store not reachable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Router ---

func (d *ServerDeps) Router() http.Handler {
	log := d.logger().With("module", "http")

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Recover(log))
	r.Use(AccessLog(log))

	r.Get("/healthz", d.HandleHealthz)
	r.Get("/readyz", d.HandleReadyz)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(BodyLimit(d.MaxBodyBytes))
		r.Use(RequireJSON)

		r.Route("/communications", func(r chi.Router) {
			r.Get("/", d.HandleListCommunications)
			r.Post("/", d.HandleCreateCommunication)
			r.Get("/{id}", d.HandleGetCommunication)
			r.Get("/{id}/with-history", d.HandleGetCommunicationWithHistory)
			r.Put("/{id}/status", d.HandleUpdateStatus)
			r.Delete("/{id}", d.HandleDeleteCommunication)
		})

		r.Route("/communication-types", func(r chi.Router) {
			r.Get("/", d.HandleListTypes)
			r.Post("/", d.HandleCreateType)
			r.Get("/available-statuses", d.HandleAvailableStatuses)
			r.Get("/{typeCode}", d.HandleGetType)
			r.Get("/{typeCode}/statuses", d.HandleTypeStatuses)
			r.Put("/{typeCode}", d.HandleUpdateType)
			r.Delete("/{typeCode}", d.HandleDeleteType)
		})

		r.Route("/event-simulator", func(r chi.Router) {
			r.Get("/communications", d.HandleSimulatorCommunications)
			r.Get("/communications/{id}/available-events", d.HandleAvailableEvents)
			r.Get("/event-types", d.HandleEventTypes)
			r.Post("/publish-event", d.HandlePublishEvent)
		})
	})
	return r
}
