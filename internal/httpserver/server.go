package httpserver

import (
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/reactorhub/reactorhub/internal/config"
)

// Server holds the HTTP server dependencies. There is no per-request
// authentication or tenant middleware — the operator surface is meant to
// sit behind a cluster-internal network boundary, not be exposed directly.
type Server struct {
	Router    *chi.Mux
	APIRouter chi.Router // /cluster operator sub-router; domain handlers mount here
	Logger    *slog.Logger
	Docs      *mongo.Database
	Coord     *redis.Client
	Metrics   *prometheus.Registry
	startedAt time.Time
}

// NewServer creates an HTTP server with middleware and health/metrics endpoints.
// Domain handlers should be mounted on APIRouter after calling NewServer.
func NewServer(cfg *config.Config, logger *slog.Logger, docs *mongo.Database, coord *redis.Client, metricsReg *prometheus.Registry) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Docs:      docs,
		Coord:     coord,
		Metrics:   metricsReg,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	s.Router.Get("/cluster/status", s.HandleStatus)

	s.Router.Route("/cluster", func(r chi.Router) {
		s.APIRouter = r
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := s.Coord.Ping(ctx).Err(); err != nil {
		s.Logger.Error("readiness check: coordination store ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "coordination store not ready")
		return
	}

	if err := s.Docs.Client().Ping(ctx, nil); err != nil {
		s.Logger.Error("readiness check: document store ping failed", "error", err)
		RespondError(w, http.StatusServiceUnavailable, "unavailable", "document store not ready")
		return
	}

	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse is the JSON shape returned by HandleStatus.
type statusResponse struct {
	Status               string  `json:"status"`
	UptimeSeconds        int64   `json:"uptime_seconds"`
	DocumentStore        string  `json:"document_store"`
	DocumentStoreLatency float64 `json:"document_store_latency_ms"`
	CoordinationStore    string  `json:"coordination_store"`
	CoordinationLatency  float64 `json:"coordination_store_latency_ms"`
}

// HandleStatus reports cluster health: document/coordination store
// connectivity and process uptime. See pkg/operator for the richer
// leadership/queue-depth status surface mounted under /cluster.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uptime := time.Since(s.startedAt)

	resp := statusResponse{
		UptimeSeconds: int64(uptime.Seconds()),
	}

	coordStart := time.Now()
	if err := s.Coord.Ping(ctx).Err(); err != nil {
		s.Logger.Error("status check: coordination store ping failed", "error", err)
		resp.CoordinationStore = "error"
	} else {
		resp.CoordinationStore = "ok"
	}
	resp.CoordinationLatency = roundMillis(time.Since(coordStart))

	docStart := time.Now()
	if err := s.Docs.Client().Ping(ctx, nil); err != nil {
		s.Logger.Error("status check: document store ping failed", "error", err)
		resp.DocumentStore = "error"
	} else {
		resp.DocumentStore = "ok"
	}
	resp.DocumentStoreLatency = roundMillis(time.Since(docStart))

	if resp.CoordinationStore == "ok" && resp.DocumentStore == "ok" {
		resp.Status = "ok"
	} else {
		resp.Status = "degraded"
	}

	Respond(w, http.StatusOK, resp)
}

func roundMillis(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}
