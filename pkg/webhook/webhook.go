// Package webhook implements the webhook delivery pipeline: per-
// delivery lock fencing, rate-limit admission, HTTP dispatch with backoff,
// and a durable cross-instance retry queue so a failed delivery can be
// carried forward by any instance, not just the one that first attempted
// it.
package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/reactorhub/reactorhub/internal/telemetry"
	"github.com/reactorhub/reactorhub/pkg/coordination"
	"github.com/reactorhub/reactorhub/pkg/dispatcher"
	"github.com/reactorhub/reactorhub/pkg/lock"
	"github.com/reactorhub/reactorhub/pkg/ratelimit"
	"github.com/reactorhub/reactorhub/pkg/subscription"
)

// retryQueueKey is the coordination-store sorted set backing cross-instance
// webhook retries, scored by next-attempt unix time.
const retryQueueKey = "webhook_retry_queue"

// Config bounds dispatch, admission, and backoff.
type Config struct {
	MaxRetries        int
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
	Timeout           time.Duration
	BackoffMultiplier float64
	DefaultMaxRPM     int
	RateLimitWindow   time.Duration
	Concurrency       int
	SweepInterval     time.Duration
	MaxFailuresKept   int64
	FailureTTL        time.Duration
}

// job is the unit of work processed by a pipeline worker, and the shape
// persisted into the durable retry queue between attempts.
type job struct {
	DeliveryID       uuid.UUID                        `json:"delivery_id"`
	Subscription     subscription.WebhookSubscription `json:"subscription"`
	Event            string                           `json:"event"`
	Collection       string                           `json:"collection"`
	Document         bson.M                           `json:"document"`
	PreviousDocument bson.M                           `json:"previous_document,omitempty"`
	Attempt          int                              `json:"attempt"`
}

// Pipeline is the webhook delivery pipeline.
type Pipeline struct {
	locker     *lock.Locker
	limiter    ratelimit.Limiter
	coord      *coordination.Client
	client     *http.Client
	cfg        Config
	instanceID string
	logger     *slog.Logger
	paused     atomic.Bool

	jobs chan job

	// onTerminal, when set, is called after a delivery fails terminally
	// (permanent error class or retries exhausted). Wired by the
	// application to operator alerting; this package never imports it.
	onTerminal func(ctx context.Context, sub subscription.WebhookSubscription, attempts int, cause error)
}

// SetTerminalFailureHook registers a callback invoked on every terminal
// delivery failure. Must be called before Run.
func (p *Pipeline) SetTerminalFailureHook(hook func(ctx context.Context, sub subscription.WebhookSubscription, attempts int, cause error)) {
	p.onTerminal = hook
}

// SetPaused stops (or restarts) dispatching on this instance. While paused,
// new and swept jobs land in the durable queue instead of being attempted,
// so another (unpaused) instance can still carry them forward.
func (p *Pipeline) SetPaused(paused bool) {
	p.paused.Store(paused)
}

// Paused reports whether dispatching is paused on this instance.
func (p *Pipeline) Paused() bool {
	return p.paused.Load()
}

// NewPipeline creates a webhook delivery Pipeline.
func NewPipeline(locker *lock.Locker, limiter ratelimit.Limiter, coord *coordination.Client, cfg Config, instanceID string, logger *slog.Logger) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	return &Pipeline{
		locker:     locker,
		limiter:    limiter,
		coord:      coord,
		client:     &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger,
		jobs:       make(chan job, 4096),
	}
}

// Run starts the worker pool and the durable-queue sweeper. It blocks until
// ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	for i := 0; i < p.cfg.Concurrency; i++ {
		go p.worker(ctx)
	}

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(ctx)
		}
	}
}

// Enqueue implements dispatcher.WebhookEnqueuer: it builds the first
// delivery attempt and submits it to the in-process worker pool.
func (p *Pipeline) Enqueue(ctx context.Context, sub subscription.WebhookSubscription, m dispatcher.Mutation) {
	j := job{
		DeliveryID:       uuid.New(),
		Subscription:     sub,
		Event:            m.Event,
		Collection:       m.Collection,
		Document:         operand(m),
		PreviousDocument: previous(m),
		Attempt:          1,
	}

	if p.paused.Load() {
		p.reschedule(ctx, j, 0)
		return
	}

	select {
	case p.jobs <- j:
	default:
		// Worker pool saturated; hand the first attempt to the durable
		// queue so no instance's backlog is lost.
		p.reschedule(ctx, j, 0)
	}
}

// operand returns the document the payload is built from: new for
// create/update, old for delete, mirroring dispatcher's own filter operand.
func operand(m dispatcher.Mutation) bson.M {
	if m.Event == "delete" {
		return m.Old
	}
	return m.New
}

func previous(m dispatcher.Mutation) bson.M {
	if m.Event == "update" {
		return m.Old
	}
	return nil
}

func (p *Pipeline) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			p.attempt(ctx, j)
		}
	}
}

func (p *Pipeline) attempt(ctx context.Context, j job) {
	if p.paused.Load() {
		p.reschedule(ctx, j, 0)
		return
	}

	lockName := fmt.Sprintf("webhook:%s:%s", j.Subscription.ID, j.DeliveryID)
	token, err := p.locker.Acquire(ctx, lockName, p.cfg.Timeout+time.Second)
	if err != nil {
		p.logger.Error("webhook: lock acquisition errored", "delivery_id", j.DeliveryID, "error", err)
		return
	}
	if token == "" {
		p.logger.Debug("webhook: delivery already processing elsewhere", "delivery_id", j.DeliveryID)
		return
	}
	defer p.locker.Release(context.Background(), lockName, token)

	rlKey := base64.RawURLEncoding.EncodeToString([]byte(j.Subscription.TargetURL))
	maxRPM := j.Subscription.MaxRequestsPerMinute
	if maxRPM <= 0 {
		maxRPM = p.cfg.DefaultMaxRPM
	}
	admitted, err := p.limiter.Admit(ctx, "webhook", rlKey, maxRPM)
	if err != nil {
		p.logger.Warn("webhook: rate limit check errored, failing closed", "delivery_id", j.DeliveryID, "error", err)
		p.reschedule(ctx, j, 0)
		return
	}
	if !admitted {
		p.reschedule(ctx, j, 0)
		return
	}

	start := time.Now()
	err = p.dispatch(ctx, j)
	telemetry.WebhookDeliveryDuration.WithLabelValues(j.Subscription.ID.String()).Observe(time.Since(start).Seconds())

	if err == nil {
		telemetry.WebhookDeliveriesTotal.WithLabelValues(j.Subscription.ID.String(), "success").Inc()
		return
	}

	terminal, ok := err.(*terminalError)
	maxAttempts := j.Subscription.MaxRetries + 1
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxRetries + 1
	}

	if (ok && terminal != nil) || j.Attempt >= maxAttempts {
		outcome := "failure"
		if ok && terminal != nil {
			outcome = "terminal"
		} else {
			outcome = "exhausted"
		}
		telemetry.WebhookDeliveriesTotal.WithLabelValues(j.Subscription.ID.String(), outcome).Inc()
		p.recordFailure(ctx, j, err)
		if p.onTerminal != nil {
			p.onTerminal(ctx, j.Subscription, j.Attempt, err)
		}
		return
	}

	telemetry.WebhookDeliveriesTotal.WithLabelValues(j.Subscription.ID.String(), "retryable").Inc()
	p.recordFailure(ctx, j, err)
	j.Attempt++
	p.reschedule(ctx, j, j.Attempt)
}

// terminalError wraps a non-retryable delivery failure (a 4xx outside
// the transient set).
type terminalError struct{ error }

func (p *Pipeline) dispatch(ctx context.Context, j job) error {
	payload := Payload{
		ID:         j.DeliveryID,
		Event:      j.Event,
		Collection: j.Collection,
		Timestamp:  time.Now().UTC(),
		Webhook: webhookRef{
			ID:   j.Subscription.ID,
			Name: j.Subscription.Name,
		},
		Data: data{
			Document:         maskFields(j.Document, j.Subscription.ExcludeFields),
			PreviousDocument: maskFields(j.PreviousDocument, j.Subscription.ExcludeFields),
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, j.Subscription.TargetURL, bytes.NewReader(body))
	if err != nil {
		return &terminalError{fmt.Errorf("building request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "reactorhub-webhook/1.0")
	req.Header.Set("X-Webhook-ID", j.Subscription.ID.String())
	req.Header.Set("X-Webhook-Name", j.Subscription.Name)
	req.Header.Set("X-Delivery-ID", j.DeliveryID.String())
	req.Header.Set("X-Instance-ID", p.instanceID)
	req.Header.Set("X-Attempt-Number", fmt.Sprintf("%d", j.Attempt))
	req.Header.Set("X-Delivery-Timestamp", payload.Timestamp.Format(time.RFC3339))
	for k, v := range j.Subscription.ExtraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatching webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	if isTerminalStatus(resp.StatusCode) {
		return &terminalError{fmt.Errorf("webhook target returned %d", resp.StatusCode)}
	}
	return fmt.Errorf("webhook target returned %d", resp.StatusCode)
}

func isTerminalStatus(status int) bool {
	switch status {
	case 400, 401, 403, 404, 410, 422:
		return true
	default:
		return false
	}
}

// reschedule computes the next backoff delay (0 for the rate-limit case,
// which retries without an attempt penalty) and pushes j onto the durable
// cross-instance retry queue.
func (p *Pipeline) reschedule(ctx context.Context, j job, attempt int) {
	baseDelay := j.Subscription.BaseDelay
	if baseDelay <= 0 {
		baseDelay = p.cfg.RetryDelay
	}
	maxDelay := j.Subscription.MaxDelay
	if maxDelay <= 0 {
		maxDelay = p.cfg.MaxRetryDelay
	}
	multiplier := p.cfg.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := time.Duration(float64(baseDelay) * math.Pow(multiplier, float64(attempt)))
	if delay > maxDelay {
		delay = maxDelay
	}
	delay += time.Duration(rand.Int63n(int64(time.Second)))

	encoded, err := json.Marshal(j)
	if err != nil {
		p.logger.Error("webhook: encoding job for retry queue", "delivery_id", j.DeliveryID, "error", err)
		return
	}

	nextAt := time.Now().Add(delay)
	if err := p.coord.ZAdd(ctx, retryQueueKey, float64(nextAt.Unix()), string(encoded)); err != nil {
		p.logger.Error("webhook: enqueueing retry", "delivery_id", j.DeliveryID, "error", err)
	}
}

// sweep pops ready retries from the durable queue and resubmits them to the
// local worker pool. Any instance's sweep may claim a given retry.
func (p *Pipeline) sweep(ctx context.Context) {
	if p.paused.Load() {
		return
	}

	members, err := p.coord.ZPopReady(ctx, retryQueueKey, float64(time.Now().Unix()), 100)
	if err != nil {
		p.logger.Error("webhook: sweeping retry queue", "error", err)
		return
	}

	for _, raw := range members {
		var j job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			p.logger.Error("webhook: decoding retry queue entry", "error", err)
			continue
		}
		select {
		case p.jobs <- j:
		default:
			p.logger.Warn("webhook: worker pool saturated during sweep, re-enqueuing", "delivery_id", j.DeliveryID)
			p.reschedule(ctx, j, j.Attempt)
		}
	}
}

// recordFailure appends to the per-subscription rolling failure list
// (latest N, 24h TTL).
func (p *Pipeline) recordFailure(ctx context.Context, j job, cause error) {
	maxKept := p.cfg.MaxFailuresKept
	if maxKept <= 0 {
		maxKept = 100
	}
	ttl := p.cfg.FailureTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	entry, _ := json.Marshal(map[string]any{
		"delivery_id": j.DeliveryID,
		"attempt":     j.Attempt,
		"error":       cause.Error(),
		"at":          time.Now().UTC(),
	})

	key := fmt.Sprintf("webhook_failures:%s", j.Subscription.ID)
	if err := p.coord.LPush(ctx, key, string(entry), maxKept, ttl); err != nil {
		p.logger.Error("webhook: recording failure", "delivery_id", j.DeliveryID, "error", err)
	}
}

// QueueDepth returns the current size of the durable retry queue, for the
// operator surface.
func (p *Pipeline) QueueDepth(ctx context.Context) (int64, error) {
	return p.coord.ZCard(ctx, retryQueueKey)
}

// RecentFailures returns up to limit recent failure entries for a
// subscription, newest first.
func (p *Pipeline) RecentFailures(ctx context.Context, subscriptionID uuid.UUID, limit int64) ([]string, error) {
	return p.coord.LRange(ctx, fmt.Sprintf("webhook_failures:%s", subscriptionID), limit)
}
