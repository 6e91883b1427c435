// Package app wires together every component of the coordination and
// reaction backplane and runs the HTTP server.
// A reactorhub instance is not split into separate api/worker processes;
// every instance behind the load balancer runs the full backplane and
// competes for cron leadership.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/reactorhub/reactorhub/internal/audit"
	"github.com/reactorhub/reactorhub/internal/config"
	"github.com/reactorhub/reactorhub/internal/httpserver"
	"github.com/reactorhub/reactorhub/internal/platform"
	"github.com/reactorhub/reactorhub/internal/telemetry"
	"github.com/reactorhub/reactorhub/pkg/coordination"
	"github.com/reactorhub/reactorhub/pkg/cron"
	"github.com/reactorhub/reactorhub/pkg/dispatcher"
	"github.com/reactorhub/reactorhub/pkg/election"
	"github.com/reactorhub/reactorhub/pkg/lock"
	"github.com/reactorhub/reactorhub/pkg/operator"
	"github.com/reactorhub/reactorhub/pkg/ratelimit"
	"github.com/reactorhub/reactorhub/pkg/retryqueue"
	"github.com/reactorhub/reactorhub/pkg/sandbox"
	"github.com/reactorhub/reactorhub/pkg/subscription"
	"github.com/reactorhub/reactorhub/pkg/webhook"
)

// scriptDefaultMaxRPM bounds in-process script invocation admission when a
// script subscription doesn't override it. There is no dedicated config
// key for it (only webhook.rate_limit.default_max_rpm); it shares that
// default's order of magnitude rather than inventing a second knob.
const scriptDefaultMaxRPM = 60

// cronLeaderServiceName is the election service name cron leadership is
// acquired under, matching the `leader:{service}` key shape pkg/election uses.
const cronLeaderServiceName = "cron"

// failureAlertThreshold is how many recent failures a webhook subscription
// accumulates before the optional Slack notifier is told about it.
const failureAlertThreshold = 3

// Run is the main application entry point: it reads config, connects to
// the coordination and document stores, wires every component,
// and serves HTTP until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting reactorhub",
		"instance_id", cfg.InstanceID,
		"listen", cfg.ListenAddr(),
		"cron_leader_election", cfg.CronLeaderElection,
	)

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	mongoClient, docs, err := platform.NewMongoClient(ctx, cfg.DocumentStoreURL, cfg.DocumentStoreDB)
	if err != nil {
		return fmt.Errorf("connecting to document store: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mongoClient.Disconnect(shutdownCtx); err != nil {
			logger.Error("disconnecting document store", "error", err)
		}
	}()

	rdb, err := platform.NewRedisClient(ctx, cfg.CoordinationStoreURL)
	if err != nil {
		return fmt.Errorf("connecting to coordination store: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing coordination store client", "error", err)
		}
	}()

	return serve(ctx, cfg, logger, docs, rdb, metricsReg)
}

// serve wires every component against already-connected stores and blocks until ctx
// is cancelled or the HTTP server fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, docs *mongo.Database, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	coord := coordination.New(rdb)
	locker := lock.New(coord, cfg.InstanceID, logger)
	go locker.RunStaleReaper(ctx, cfg.LockCleanupInterval)

	subs := subscription.NewStore(docs)

	auditWriter := audit.NewWriter(docs, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	notifier := operator.NewNotifier(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)

	// --- cron leadership election (optional per cluster.cron_leader_election) ---
	// The election loop itself starts only after the cron scheduler has
	// subscribed below, so its first Acquired event cannot be missed.
	var cronLeader *election.Election
	if cfg.CronLeaderElection {
		cronLeader = election.New(locker, coord, cronLeaderServiceName, cfg.LockTTL, cfg.LeadershipRenewalInterval, logger)
		go watchLeadership(ctx, cronLeader.Subscribe(), cfg.InstanceID, notifier, logger)
	}

	// --- webhook delivery pipeline ---
	webhookLimiter := ratelimit.NewDistributed(coord, cfg.WebhookRateLimitWindow)
	webhookPipeline := webhook.NewPipeline(locker, webhookLimiter, coord, webhook.Config{
		MaxRetries:        cfg.WebhookMaxRetries,
		RetryDelay:        cfg.WebhookRetryDelay,
		MaxRetryDelay:     cfg.WebhookMaxRetryDelay,
		Timeout:           cfg.WebhookTimeout,
		BackoffMultiplier: cfg.WebhookBackoffMultiplier,
		DefaultMaxRPM:     cfg.WebhookDefaultMaxRPM,
		RateLimitWindow:   cfg.WebhookRateLimitWindow,
		Concurrency:       cfg.WebhookProcessingConcurrency,
	}, cfg.InstanceID, logger)
	webhookPipeline.SetTerminalFailureHook(func(ctx context.Context, sub subscription.WebhookSubscription, attempts int, cause error) {
		failures, err := webhookPipeline.RecentFailures(ctx, sub.ID, int64(failureAlertThreshold))
		if err != nil {
			return
		}
		notifier.NotifySubscriptionFailures(ctx, sub.Name, len(failures), failureAlertThreshold)
	})
	go webhookPipeline.Run(ctx)

	// --- script sandbox + in-process rate-limited reaction runner ---
	sandboxRunner := sandbox.New(sandbox.Config{
		ExecutionTimeout: cfg.ScriptExecutionTimeout,
		APIBaseURL:       cfg.ScriptAPIBaseURL,
		APITimeout:       cfg.ScriptAPITimeout,
	}, logger)

	scriptLimiter := ratelimit.NewInProcess(cfg.WebhookRateLimitWindow)
	reactionRunner := sandbox.NewReactionRunner(sandboxRunner, scriptLimiter, retryqueue.Config{
		BaseDelay:         cfg.WebhookRetryDelay,
		MaxDelay:          cfg.WebhookMaxRetryDelay,
		BackoffMultiplier: cfg.WebhookBackoffMultiplier,
		MaxRetries:        cfg.WebhookMaxRetries,
	}, scriptDefaultMaxRPM, logger)
	go reactionRunner.Run(ctx)

	// --- reaction dispatcher. The CRUD layer that calls Dispatch on every
	// mutation lives outside this backplane; the operator surface exposes
	// it at /cluster/dispatch for manual injection.
	disp := dispatcher.New(subs, webhookPipeline, reactionRunner, logger)

	// --- cron scheduler, leader-gated and per-tick fenced ---
	scheduler := cron.New(locker, cronLeader, subs, reactionRunner, cron.Config{
		LeaderElection:         cfg.CronLeaderElection,
		MaxScriptExecutionTime: cfg.MaxScriptExecutionTime,
	}, logger)
	go scheduler.Run(ctx)
	if cronLeader != nil {
		go cronLeader.Run(ctx)
	}

	// --- HTTP server + admin/operator surface ---
	srv := httpserver.NewServer(cfg, logger, docs, rdb, metricsReg)

	auditHandler := audit.NewHandler(auditWriter)
	srv.APIRouter.Mount("/audit-log", auditHandler.Routes())

	operatorHandler := operator.NewHandler(logger, locker, coord, cronLeader, webhookPipeline, reactionRunner, disp)
	srv.APIRouter.Mount("/", operatorHandler.Routes())

	cronHandler := cron.NewHandler(scheduler, auditWriter, logger)
	srv.APIRouter.Mount("/schedules", cronHandler.ListRoutes())

	subsHandler := subscription.NewHandler(subs, auditWriter, cron.Valid, logger)
	subsHandler.MountSchedule(cronHandler.Routes())
	srv.Router.Mount("/webhooks", subsHandler.WebhookRoutes())
	srv.Router.Mount("/scripts", subsHandler.ScriptRoutes())

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down: draining in-flight work", "drain_timeout", cfg.ShutdownDrainTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDrainTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down http server", "error", err)
		}
		// cronLeader, election's renewer, and the scheduler all select on
		// the same ctx and resign/stop on their own goroutines; nothing
		// further to do here but let them drain within shutdownCtx.
		return nil
	case err := <-errCh:
		return err
	}
}

// watchLeadership relays election transitions to the operator-facing Slack
// notifier. It consumes its own subscription channel; the cron scheduler
// holds a separate one, so neither steals the other's events.
func watchLeadership(ctx context.Context, events <-chan election.Event, instanceID string, notifier *operator.Notifier, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			logger.Info("leadership transition", "service", ev.Service, "type", ev.Type)
			notifier.NotifyLeadershipChange(ctx, ev.Service, instanceID, ev.Type == election.Acquired)
		}
	}
}
