package subscription

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/reactorhub/reactorhub/internal/audit"
	"github.com/reactorhub/reactorhub/internal/httpserver"
)

// CronValidator reports whether a cron expression parses. It is injected
// rather than imported directly so this package does not depend on
// pkg/cron: the store that owns the data does not need to own the
// scheduler.
type CronValidator func(string) bool

// Handler provides the admin CRUD surface for webhook and script
// subscriptions (`/webhooks`, `/scripts`).
type Handler struct {
	store     *Store
	audit     *audit.Writer
	cronValid CronValidator
	logger    *slog.Logger

	// scheduleRoutes, if set, is mounted at `/scripts/{id}/schedule`. It's
	// set after construction (via MountSchedule) rather than passed to
	// NewHandler because the scheduler that owns it (pkg/cron) itself
	// depends on this package's Store — passing it in would be circular.
	scheduleRoutes http.Handler
}

// NewHandler creates a subscription Handler.
func NewHandler(store *Store, auditWriter *audit.Writer, cronValid CronValidator, logger *slog.Logger) *Handler {
	return &Handler{store: store, audit: auditWriter, cronValid: cronValid, logger: logger}
}

// MountSchedule wires the cron scheduler's `/{id}/schedule` sub-resource
// (pkg/cron's Handler) onto this handler's script routes.
func (h *Handler) MountSchedule(routes http.Handler) {
	h.scheduleRoutes = routes
}

// WebhookRoutes returns the chi.Router mounted at /webhooks.
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreateWebhook)
	r.Get("/", h.handleListWebhooks)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGetWebhook)
		r.Put("/", h.handleUpdateWebhook)
		r.Delete("/", h.handleDeleteWebhook)
		r.Post("/pause", h.handlePauseWebhook)
		r.Post("/resume", h.handleResumeWebhook)
	})
	return r
}

// ScriptRoutes returns the chi.Router mounted at /scripts. Schedule
// sub-routes are mounted separately by pkg/cron's Handler onto the same
// `/{id}/schedule` path, since only the scheduler can install/uninstall
// cron entries.
func (h *Handler) ScriptRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreateScript)
	r.Get("/", h.handleListScripts)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.handleGetScript)
		r.Put("/", h.handleUpdateScript)
		r.Delete("/", h.handleDeleteScript)
		if h.scheduleRoutes != nil {
			r.Mount("/schedule", h.scheduleRoutes)
		}
	})
	return r
}

func parseID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "id"))
}

// --- Webhooks ---

func (h *Handler) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var sub WebhookSubscription
	if err := httpserver.Decode(r, &sub); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := h.store.CreateWebhook(r.Context(), &sub); err != nil {
		h.logger.Error("creating webhook subscription", "error", err)
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"target_url": sub.TargetURL})
		h.audit.LogFromRequest(r, "create", "webhook", sub.ID.String(), detail)
	}

	httpserver.Respond(w, http.StatusCreated, sub)
}

func (h *Handler) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListWebhooks(r.Context())
	if err != nil {
		h.logger.Error("listing webhook subscriptions", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list webhooks")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"webhooks": subs, "count": len(subs)})
}

func (h *Handler) handleGetWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid webhook id")
		return
	}

	sub, err := h.store.GetWebhook(r.Context(), id)
	if err != nil {
		h.logger.Error("getting webhook subscription", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get webhook")
		return
	}
	if sub == nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "webhook not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, sub)
}

func (h *Handler) handleUpdateWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid webhook id")
		return
	}

	var sub WebhookSubscription
	if err := httpserver.Decode(r, &sub); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	sub.ID = id

	if err := h.store.UpdateWebhook(r.Context(), &sub); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "webhook not found")
			return
		}
		h.logger.Error("updating webhook subscription", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "update", "webhook", id.String(), nil)
	}

	httpserver.Respond(w, http.StatusOK, sub)
}

func (h *Handler) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid webhook id")
		return
	}

	if err := h.store.DeleteWebhook(r.Context(), id); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "webhook not found")
			return
		}
		h.logger.Error("deleting webhook subscription", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete webhook")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "delete", "webhook", id.String(), nil)
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handlePauseWebhook(w http.ResponseWriter, r *http.Request) {
	h.setWebhookEnabled(w, r, false, "pause")
}

func (h *Handler) handleResumeWebhook(w http.ResponseWriter, r *http.Request) {
	h.setWebhookEnabled(w, r, true, "resume")
}

func (h *Handler) setWebhookEnabled(w http.ResponseWriter, r *http.Request, enabled bool, action string) {
	id, err := parseID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid webhook id")
		return
	}

	if err := h.store.SetWebhookEnabled(r.Context(), id, enabled); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "webhook not found")
			return
		}
		h.logger.Error("setting webhook enabled", "error", err, "id", id, "enabled", enabled)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to "+action+" webhook")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, action, "webhook", id.String(), nil)
	}

	httpserver.Respond(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

// --- Scripts ---

func (h *Handler) handleCreateScript(w http.ResponseWriter, r *http.Request) {
	var sub ScriptSubscription
	if err := httpserver.Decode(r, &sub); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if err := h.store.CreateScript(r.Context(), &sub, h.cronValid); err != nil {
		h.logger.Error("creating script subscription", "error", err)
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	if h.audit != nil {
		detail, _ := json.Marshal(map[string]string{"name": sub.Name})
		h.audit.LogFromRequest(r, "create", "script", sub.ID.String(), detail)
	}

	httpserver.Respond(w, http.StatusCreated, sub)
}

func (h *Handler) handleListScripts(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListScripts(r.Context())
	if err != nil {
		h.logger.Error("listing script subscriptions", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list scripts")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"scripts": subs, "count": len(subs)})
}

func (h *Handler) handleGetScript(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid script id")
		return
	}

	sub, err := h.store.GetScript(r.Context(), id)
	if err != nil {
		h.logger.Error("getting script subscription", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get script")
		return
	}
	if sub == nil {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "script not found")
		return
	}
	httpserver.Respond(w, http.StatusOK, sub)
}

func (h *Handler) handleUpdateScript(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid script id")
		return
	}

	var sub ScriptSubscription
	if err := httpserver.Decode(r, &sub); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	sub.ID = id

	if err := h.store.UpdateScript(r.Context(), &sub, h.cronValid); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "script not found")
			return
		}
		h.logger.Error("updating script subscription", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "update", "script", id.String(), nil)
	}

	httpserver.Respond(w, http.StatusOK, sub)
}

func (h *Handler) handleDeleteScript(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid script id")
		return
	}

	if err := h.store.DeleteScript(r.Context(), id); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "script not found")
			return
		}
		h.logger.Error("deleting script subscription", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete script")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "delete", "script", id.String(), nil)
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}
