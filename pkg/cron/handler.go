package cron

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/reactorhub/reactorhub/internal/audit"
	"github.com/reactorhub/reactorhub/internal/httpserver"
)

// Handler mounts the `/scripts/{id}/schedule` admin sub-resource. It is
// mounted alongside pkg/subscription's script CRUD routes, not in place
// of them: the scheduler owns installation/fencing, the subscription
// store owns the script record itself.
type Handler struct {
	scheduler *Scheduler
	audit     *audit.Writer
	logger    *slog.Logger
}

// NewHandler creates a cron Handler.
func NewHandler(scheduler *Scheduler, auditWriter *audit.Writer, logger *slog.Logger) *Handler {
	return &Handler{scheduler: scheduler, audit: auditWriter, logger: logger}
}

// Routes returns a chi.Router to be mounted at `/scripts/{id}/schedule`.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Put("/", h.handleSchedule)
	r.Delete("/", h.handleUnschedule)
	r.Post("/pause", h.handlePause)
	r.Post("/resume", h.handleResume)
	r.Post("/trigger", h.handleTriggerNow)
	return r
}

// ListRoutes returns a chi.Router listing every persisted schedule,
// mounted under the cluster introspection surface.
func (h *Handler) ListRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.handleList)
	return r
}

type scheduleRequest struct {
	CronExpression string `json:"cron_expression"`
	Payload        bson.M `json:"payload,omitempty"`
}

func scriptID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

func (h *Handler) handleSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := scriptID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid script id")
		return
	}

	var req scheduleRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := h.scheduler.Schedule(r.Context(), id, req.CronExpression, req.Payload); err != nil {
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(req)
		h.audit.LogFromRequest(r, "schedule", "script", id.String(), detail)
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"cron_expression": req.CronExpression})
}

func (h *Handler) handleUnschedule(w http.ResponseWriter, r *http.Request) {
	id, err := scriptID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid script id")
		return
	}

	if err := h.scheduler.Unschedule(r.Context(), id); err != nil {
		h.logger.Error("unscheduling script", "error", err, "script_id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to unschedule")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "unschedule", "script", id.String(), nil)
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	id, err := scriptID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid script id")
		return
	}

	if err := h.scheduler.Pause(r.Context(), id); err != nil {
		h.logger.Error("pausing schedule", "error", err, "script_id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to pause")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "pause", "schedule", id.String(), nil)
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"state": "installed-paused"})
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	id, err := scriptID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid script id")
		return
	}

	if err := h.scheduler.Resume(r.Context(), id); err != nil {
		h.logger.Error("resuming schedule", "error", err, "script_id", id)
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "resume", "schedule", id.String(), nil)
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"state": "installed-running"})
}

func (h *Handler) handleTriggerNow(w http.ResponseWriter, r *http.Request) {
	id, err := scriptID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid script id")
		return
	}

	if err := h.scheduler.TriggerNow(r.Context(), id); err != nil {
		h.logger.Error("manually triggering script", "error", err, "script_id", id)
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "trigger", "script", id.String(), nil)
	}

	httpserver.Respond(w, http.StatusAccepted, map[string]string{"triggered_at": time.Now().UTC().Format(time.RFC3339)})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	views, err := h.scheduler.List(r.Context())
	if err != nil {
		h.logger.Error("listing schedules", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list schedules")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"schedules": views, "count": len(views)})
}
