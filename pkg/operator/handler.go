package operator

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/reactorhub/reactorhub/internal/httpserver"
	"github.com/reactorhub/reactorhub/pkg/coordination"
	"github.com/reactorhub/reactorhub/pkg/dispatcher"
	"github.com/reactorhub/reactorhub/pkg/election"
	"github.com/reactorhub/reactorhub/pkg/lock"
	"github.com/reactorhub/reactorhub/pkg/sandbox"
	"github.com/reactorhub/reactorhub/pkg/webhook"
)

// Handler mounts the cluster-wide introspection views: leadership, lock
// ownership, and queue depth/failure history. It composes read-only
// views over the other components rather than owning any state itself;
// the dispatcher/delivery/sandbox packages have no idea this package
// exists.
type Handler struct {
	logger     *slog.Logger
	locker     *lock.Locker
	coord      *coordination.Client
	cronLeader *election.Election
	webhooks   *webhook.Pipeline
	reactions  *sandbox.ReactionRunner
	dispatch   *dispatcher.Dispatcher
}

// NewHandler creates an operator Handler. cronLeader may be nil when
// cluster.cron_leader_election is disabled.
func NewHandler(logger *slog.Logger, locker *lock.Locker, coord *coordination.Client, cronLeader *election.Election, webhooks *webhook.Pipeline, reactions *sandbox.ReactionRunner, disp *dispatcher.Dispatcher) *Handler {
	return &Handler{
		logger:     logger,
		locker:     locker,
		coord:      coord,
		cronLeader: cronLeader,
		webhooks:   webhooks,
		reactions:  reactions,
		dispatch:   disp,
	}
}

// Routes returns the chi.Router to be mounted at `/cluster`. `/cluster/status`
// is already served by internal/httpserver.Server; this adds leadership,
// locks, queue introspection, and webhook failure history.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/leadership", h.handleLeadership)
	r.Get("/locks", h.handleLocks)
	r.Get("/queues", h.handleQueues)
	r.Get("/webhooks/{id}/failures", h.handleWebhookFailures)
	r.Post("/pause", h.handlePause)
	r.Post("/resume", h.handleResume)
	r.Post("/dispatch", h.handleDispatch)
	return r
}

// dispatchRequest is a manually injected mutation, the same shape the CRUD
// layer feeds the dispatcher on every document change. Used by operators to
// exercise subscriptions without touching real data.
type dispatchRequest struct {
	Collection       string         `json:"collection" validate:"required"`
	Event            string         `json:"event" validate:"required,oneof=create update delete"`
	Document         map[string]any `json:"document"`
	PreviousDocument map[string]any `json:"previous_document"`
}

func (h *Handler) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	m := dispatcher.Mutation{
		Collection: req.Collection,
		Event:      req.Event,
		New:        bson.M(req.Document),
		Old:        bson.M(req.PreviousDocument),
	}
	if err := h.dispatch.Dispatch(r.Context(), m); err != nil {
		h.logger.Error("manual dispatch failed", "error", err, "collection", req.Collection, "event", req.Event)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "dispatch failed")
		return
	}

	httpserver.Respond(w, http.StatusAccepted, map[string]string{"status": "dispatched"})
}

// handlePause stops webhook and script dispatching on this instance.
// Queued work accumulates (webhooks in the durable cross-instance queue,
// scripts in the local retry queue) until resume.
func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.webhooks.SetPaused(true)
	h.reactions.SetPaused(true)
	h.logger.Info("operator paused dispatching")
	httpserver.Respond(w, http.StatusOK, map[string]bool{"paused": true})
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.webhooks.SetPaused(false)
	h.reactions.SetPaused(false)
	h.logger.Info("operator resumed dispatching")
	httpserver.Respond(w, http.StatusOK, map[string]bool{"paused": false})
}

type leadershipView struct {
	Service    string `json:"service"`
	IsLeader   bool   `json:"is_leader"`
	Configured bool   `json:"configured"`
}

func (h *Handler) handleLeadership(w http.ResponseWriter, r *http.Request) {
	if h.cronLeader == nil {
		httpserver.Respond(w, http.StatusOK, leadershipView{Service: "cron", Configured: false})
		return
	}
	httpserver.Respond(w, http.StatusOK, leadershipView{
		Service:    h.cronLeader.Service(),
		IsLeader:   h.cronLeader.IsLeader(),
		Configured: true,
	})
}

type lockView struct {
	Key   string `json:"key"`
	Owner string `json:"owner"`
	TTL   string `json:"ttl"`
	Mine  bool   `json:"mine"`
}

func (h *Handler) handleLocks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	keys, err := h.coord.Scan(ctx, "lock:*")
	if err != nil {
		h.logger.Error("listing locks", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list locks")
		return
	}

	views := make([]lockView, 0, len(keys))
	for _, key := range keys {
		name := strings.TrimPrefix(key, "lock:")
		info, err := h.locker.Inspect(ctx, name)
		if err != nil {
			h.logger.Warn("inspecting lock", "lock", name, "error", err)
			continue
		}
		if info == nil {
			continue
		}
		views = append(views, lockView{Key: name, Owner: info.Owner, TTL: info.TTL.String(), Mine: info.Mine})
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"locks": views, "count": len(views)})
}

type queueView struct {
	WebhookQueueDepth int64 `json:"webhook_queue_depth"`
	ScriptRetryDepth  int   `json:"script_retry_queue_depth"`
	Paused            bool  `json:"paused"`
}

func (h *Handler) handleQueues(w http.ResponseWriter, r *http.Request) {
	depth, err := h.webhooks.QueueDepth(r.Context())
	if err != nil {
		h.logger.Error("reading webhook queue depth", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read queue depth")
		return
	}

	httpserver.Respond(w, http.StatusOK, queueView{
		WebhookQueueDepth: depth,
		ScriptRetryDepth:  h.reactions.QueueDepth(),
		Paused:            h.webhooks.Paused(),
	})
}

func (h *Handler) handleWebhookFailures(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid webhook id")
		return
	}

	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}

	failures, err := h.webhooks.RecentFailures(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("reading webhook failures", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to read failures")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"failures": failures, "count": len(failures)})
}
