package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/reactorhub/reactorhub/internal/telemetry"
	"github.com/reactorhub/reactorhub/pkg/dispatcher"
	"github.com/reactorhub/reactorhub/pkg/ratelimit"
	"github.com/reactorhub/reactorhub/pkg/retryqueue"
	"github.com/reactorhub/reactorhub/pkg/subscription"
)

// reactionJob is the retry-queue payload for a single script invocation.
type reactionJob struct {
	Subscription subscription.ScriptSubscription
	Payload      map[string]any
}

// ReactionRunner adapts a Runner into a dispatcher.ScriptInvoker: it applies
// the per-script in-process rate limit and carries failed invocations
// through the in-memory retry queue. Script retries are per-instance,
// unlike webhook retries.
type ReactionRunner struct {
	runner        *Runner
	limiter       *ratelimit.InProcess
	retries       *retryqueue.Queue
	logger        *slog.Logger
	defaultMaxRPM int
}

// NewReactionRunner creates a ReactionRunner.
func NewReactionRunner(runner *Runner, limiter *ratelimit.InProcess, retryCfg retryqueue.Config, defaultMaxRPM int, logger *slog.Logger) *ReactionRunner {
	rr := &ReactionRunner{
		runner:        runner,
		limiter:       limiter,
		logger:        logger,
		defaultMaxRPM: defaultMaxRPM,
	}
	rr.retries = retryqueue.New(retryCfg, rr.dispatch, rr.exhausted, logger, nil)
	return rr
}

// Run starts the retry-queue sweeper. It blocks until ctx is cancelled.
func (rr *ReactionRunner) Run(ctx context.Context) {
	rr.retries.Run(ctx)
}

// QueueDepth returns the current count of pending script retries, for the
// operator surface.
func (rr *ReactionRunner) QueueDepth() int {
	return rr.retries.Len()
}

// SetPaused stops (or restarts) script dispatching on this instance.
// Queued invocations accumulate while paused.
func (rr *ReactionRunner) SetPaused(paused bool) {
	rr.retries.SetPaused(paused)
}

// Paused reports whether script dispatching is paused.
func (rr *ReactionRunner) Paused() bool {
	return rr.retries.Paused()
}

// InvokeReaction implements dispatcher.ScriptInvoker.
func (rr *ReactionRunner) InvokeReaction(ctx context.Context, sub subscription.ScriptSubscription, m dispatcher.Mutation) {
	maxRPM := sub.MaxRequestsPerMinute
	if maxRPM <= 0 {
		maxRPM = rr.defaultMaxRPM
	}

	admitted, err := rr.limiter.Admit(ctx, "script", sub.ID.String(), maxRPM)
	if err != nil {
		rr.logger.Error("sandbox: rate limit check errored", "script_id", sub.ID, "error", err)
		return
	}
	if !admitted {
		rr.logger.Debug("sandbox: script invocation rate-limited", "script_id", sub.ID)
		return
	}

	item := &retryqueue.Item{
		ID: uuid.NewString(),
		Payload: reactionJob{
			Subscription: sub,
			Payload:      reactionPayload(m),
		},
	}
	// Run the first attempt off the mutation's own goroutine and context so
	// the originating request is never back-pressured by script execution.
	go rr.retries.Submit(context.Background(), item)
}

// TriggerNow invokes sub immediately, bypassing the rate limiter, with the
// same context extension cron ticks carry. Used both by the cron
// scheduler (which supplies the schedule's saved payload) and by the
// operator surface's manual-trigger endpoint.
func (rr *ReactionRunner) TriggerNow(ctx context.Context, sub subscription.ScriptSubscription, payload map[string]any, extra map[string]any) Result {
	if payload == nil {
		payload = map[string]any{}
	}
	return rr.runner.Execute(ctx, sub.Source, payload, extra)
}

func reactionPayload(m dispatcher.Mutation) map[string]any {
	doc := m.New
	if m.Event == "delete" {
		doc = m.Old
	}
	return map[string]any{
		"collection": m.Collection,
		"event":      m.Event,
		"document":   bsonToMap(doc),
		"previousDocument": func() any {
			if m.Event == "update" {
				return bsonToMap(m.Old)
			}
			return nil
		}(),
	}
}

func bsonToMap(m bson.M) map[string]any {
	if m == nil {
		return nil
	}
	return map[string]any(m)
}

func (rr *ReactionRunner) dispatch(ctx context.Context, item *retryqueue.Item) error {
	job, ok := item.Payload.(reactionJob)
	if !ok {
		return fmt.Errorf("sandbox: unexpected retry queue payload %T", item.Payload)
	}

	start := time.Now()
	result := rr.runner.Execute(ctx, job.Subscription.Source, job.Payload, map[string]any{
		"trigger": "mutation",
	})
	telemetry.SandboxExecutionDuration.Observe(time.Since(start).Seconds())

	if result.OK {
		telemetry.SandboxExecutionsTotal.WithLabelValues("success").Inc()
		return nil
	}

	outcome := string(result.Error.Kind)
	telemetry.SandboxExecutionsTotal.WithLabelValues(outcome).Inc()
	return result.Error
}

func (rr *ReactionRunner) exhausted(item *retryqueue.Item) {
	job, ok := item.Payload.(reactionJob)
	scriptID := "unknown"
	if ok {
		scriptID = job.Subscription.ID.String()
	}
	rr.logger.Warn("sandbox: script reaction exhausted retries",
		"script_id", scriptID, "attempts", item.Attempts, "last_error", item.LastError)
}
