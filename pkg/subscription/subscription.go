// Package subscription persists and serves the three system collections
// of the backplane: `_webhooks`, `_scripts`, and `_scheduled_scripts`.
// It is the read-through view the dispatcher (pkg/dispatcher) and cron
// scheduler (pkg/cron) consult, and the CRUD surface the operator mounts.
package subscription

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Rate-limit and retry bounds enforced on every write path.
const (
	MinRequestsPerMinute = 1
	MaxRequestsPerMinute = 300
	MinRetries           = 0
	MaxRetries           = 10
	MinBaseDelay         = 100 * time.Millisecond
	MaxBaseDelay         = 10 * time.Second
	MinMaxDelay          = 1 * time.Second
	MaxMaxDelay          = 5 * time.Minute
)

// WebhookSubscription is a persisted outbound-webhook subscription.
type WebhookSubscription struct {
	ID                   uuid.UUID         `bson:"_id" json:"id"`
	Name                 string            `bson:"name,omitempty" json:"name,omitempty"`
	TargetURL            string            `bson:"target_url" json:"target_url"`
	Collection           string            `bson:"collection" json:"collection"`
	Events               []string          `bson:"events" json:"events"`
	Enabled              bool              `bson:"enabled" json:"enabled"`
	Filter               bson.M            `bson:"filter,omitempty" json:"filter,omitempty"`
	ExcludeFields        []string          `bson:"exclude_fields,omitempty" json:"exclude_fields,omitempty"`
	MaxRequestsPerMinute int               `bson:"max_requests_per_minute" json:"max_requests_per_minute"`
	MaxRetries           int               `bson:"max_retries" json:"max_retries"`
	BaseDelay            time.Duration     `bson:"base_delay" json:"base_delay"`
	MaxDelay             time.Duration     `bson:"max_delay" json:"max_delay"`
	Priority             int               `bson:"priority,omitempty" json:"priority,omitempty"`
	FixedDelay           *time.Duration    `bson:"fixed_delay,omitempty" json:"fixed_delay,omitempty"`
	ExtraHeaders         map[string]string `bson:"extra_headers,omitempty" json:"extra_headers,omitempty"`
	CreatedAt            time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt            time.Time         `bson:"updated_at" json:"updated_at"`
}

// validTargetURL reports whether the target URL is syntactically
// valid: absolute, with an http(s) scheme and a host.
func validTargetURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Clamp forces the rate-limit and retry fields into their allowed bounds.
func (w *WebhookSubscription) Clamp() {
	w.MaxRequestsPerMinute = clampInt(w.MaxRequestsPerMinute, MinRequestsPerMinute, MaxRequestsPerMinute)
	w.MaxRetries = clampInt(w.MaxRetries, MinRetries, MaxRetries)
	w.BaseDelay = clampDuration(w.BaseDelay, MinBaseDelay, MaxBaseDelay)
	w.MaxDelay = clampDuration(w.MaxDelay, MinMaxDelay, MaxMaxDelay)
}

// ScriptSubscription is a persisted script reaction, optionally scheduled.
type ScriptSubscription struct {
	ID                   uuid.UUID `bson:"_id" json:"id"`
	Name                 string    `bson:"name" json:"name"`
	Source               string    `bson:"source" json:"source"`
	Collection           string    `bson:"collection" json:"collection"` // "" == all collections
	Events               []string  `bson:"events" json:"events"`
	Enabled              bool      `bson:"enabled" json:"enabled"`
	Filter               bson.M    `bson:"filter,omitempty" json:"filter,omitempty"`
	CronExpression       string    `bson:"cron_expression,omitempty" json:"cron_expression,omitempty"`
	MaxRequestsPerMinute int       `bson:"max_requests_per_minute" json:"max_requests_per_minute"`
	CreatedAt            time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt            time.Time `bson:"updated_at" json:"updated_at"`
}

// Clamp forces the rate-limit field into its allowed bounds.
func (s *ScriptSubscription) Clamp() {
	s.MaxRequestsPerMinute = clampInt(s.MaxRequestsPerMinute, MinRequestsPerMinute, MaxRequestsPerMinute)
}

// ScheduledJob is the persisted cron state for a script, keyed by script id.
type ScheduledJob struct {
	ScriptID       uuid.UUID  `bson:"_id" json:"script_id"`
	CronExpression string     `bson:"cron_expression" json:"cron_expression"`
	Paused         bool       `bson:"paused" json:"paused"`
	Running        bool       `bson:"running" json:"running"`
	LastExecutedAt *time.Time `bson:"last_executed_at,omitempty" json:"last_executed_at,omitempty"`
	Payload        bson.M     `bson:"payload,omitempty" json:"payload,omitempty"`
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v <= 0 {
		return min
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Store is the Mongo-backed persistence layer for all three collections.
type Store struct {
	webhooks         *mongo.Collection
	scripts          *mongo.Collection
	scheduledScripts *mongo.Collection
}

// NewStore wraps the three system collections on db.
func NewStore(db *mongo.Database) *Store {
	return &Store{
		webhooks:         db.Collection("_webhooks"),
		scripts:          db.Collection("_scripts"),
		scheduledScripts: db.Collection("_scheduled_scripts"),
	}
}

// --- Webhook subscriptions ---

// ListWebhooksForEvent returns enabled webhook subscriptions matching
// collection and event.
func (s *Store) ListWebhooksForEvent(ctx context.Context, collection, event string) ([]WebhookSubscription, error) {
	cur, err := s.webhooks.Find(ctx, bson.M{
		"collection": collection,
		"enabled":    true,
		"events":     event,
	})
	if err != nil {
		return nil, fmt.Errorf("subscription: listing webhooks: %w", err)
	}
	defer cur.Close(ctx)

	var out []WebhookSubscription
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("subscription: decoding webhooks: %w", err)
	}
	return out, nil
}

// ListWebhooks returns every webhook subscription, for the admin surface.
func (s *Store) ListWebhooks(ctx context.Context) ([]WebhookSubscription, error) {
	cur, err := s.webhooks.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("subscription: listing webhooks: %w", err)
	}
	defer cur.Close(ctx)

	var out []WebhookSubscription
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("subscription: decoding webhooks: %w", err)
	}
	return out, nil
}

// GetWebhook fetches a single webhook subscription by id.
func (s *Store) GetWebhook(ctx context.Context, id uuid.UUID) (*WebhookSubscription, error) {
	var out WebhookSubscription
	err := s.webhooks.FindOne(ctx, bson.M{"_id": id}).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("subscription: getting webhook %s: %w", id, err)
	}
	return &out, nil
}

// CreateWebhook validates, clamps, and inserts a new webhook subscription.
func (s *Store) CreateWebhook(ctx context.Context, w *WebhookSubscription) error {
	if len(w.Events) == 0 {
		return fmt.Errorf("subscription: webhook must subscribe to at least one event")
	}
	if !validTargetURL(w.TargetURL) {
		return fmt.Errorf("subscription: webhook target_url %q is not a valid http(s) URL", w.TargetURL)
	}
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	w.Clamp()
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now

	if _, err := s.webhooks.InsertOne(ctx, w); err != nil {
		return fmt.Errorf("subscription: creating webhook: %w", err)
	}
	return nil
}

// UpdateWebhook replaces an existing webhook subscription's mutable fields.
func (s *Store) UpdateWebhook(ctx context.Context, w *WebhookSubscription) error {
	if len(w.Events) == 0 {
		return fmt.Errorf("subscription: webhook must subscribe to at least one event")
	}
	if !validTargetURL(w.TargetURL) {
		return fmt.Errorf("subscription: webhook target_url %q is not a valid http(s) URL", w.TargetURL)
	}
	w.Clamp()
	w.UpdatedAt = time.Now().UTC()

	res, err := s.webhooks.ReplaceOne(ctx, bson.M{"_id": w.ID}, w)
	if err != nil {
		return fmt.Errorf("subscription: updating webhook %s: %w", w.ID, err)
	}
	if res.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

// SetWebhookEnabled flips the enabled flag for pause/resume at subscription
// granularity.
func (s *Store) SetWebhookEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	res, err := s.webhooks.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"enabled": enabled, "updated_at": time.Now().UTC()}})
	if err != nil {
		return fmt.Errorf("subscription: setting webhook %s enabled=%v: %w", id, enabled, err)
	}
	if res.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

// DeleteWebhook removes a webhook subscription.
func (s *Store) DeleteWebhook(ctx context.Context, id uuid.UUID) error {
	res, err := s.webhooks.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("subscription: deleting webhook %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

// --- Script subscriptions ---

// ListScriptsForEvent returns enabled script subscriptions matching
// collection (or the collection-agnostic "") and event.
func (s *Store) ListScriptsForEvent(ctx context.Context, collection, event string) ([]ScriptSubscription, error) {
	cur, err := s.scripts.Find(ctx, bson.M{
		"collection": bson.M{"$in": []string{collection, ""}},
		"enabled":    true,
		"events":     event,
	})
	if err != nil {
		return nil, fmt.Errorf("subscription: listing scripts: %w", err)
	}
	defer cur.Close(ctx)

	var out []ScriptSubscription
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("subscription: decoding scripts: %w", err)
	}
	return out, nil
}

// ListScripts returns every script subscription, for the admin surface and
// for cron re-installation on leadership acquisition.
func (s *Store) ListScripts(ctx context.Context) ([]ScriptSubscription, error) {
	cur, err := s.scripts.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("subscription: listing scripts: %w", err)
	}
	defer cur.Close(ctx)

	var out []ScriptSubscription
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("subscription: decoding scripts: %w", err)
	}
	return out, nil
}

// GetScript fetches a single script subscription by id.
func (s *Store) GetScript(ctx context.Context, id uuid.UUID) (*ScriptSubscription, error) {
	var out ScriptSubscription
	err := s.scripts.FindOne(ctx, bson.M{"_id": id}).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("subscription: getting script %s: %w", id, err)
	}
	return &out, nil
}

// CreateScript validates, clamps, and inserts a new script subscription.
func (s *Store) CreateScript(ctx context.Context, sub *ScriptSubscription, cronValid func(string) bool) error {
	if sub.CronExpression != "" && !cronValid(sub.CronExpression) {
		return fmt.Errorf("subscription: invalid cron expression %q", sub.CronExpression)
	}
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	sub.Clamp()
	now := time.Now().UTC()
	sub.CreatedAt, sub.UpdatedAt = now, now

	if _, err := s.scripts.InsertOne(ctx, sub); err != nil {
		return fmt.Errorf("subscription: creating script: %w", err)
	}
	return nil
}

// UpdateScript replaces an existing script subscription.
func (s *Store) UpdateScript(ctx context.Context, sub *ScriptSubscription, cronValid func(string) bool) error {
	if sub.CronExpression != "" && !cronValid(sub.CronExpression) {
		return fmt.Errorf("subscription: invalid cron expression %q", sub.CronExpression)
	}
	sub.Clamp()
	sub.UpdatedAt = time.Now().UTC()

	res, err := s.scripts.ReplaceOne(ctx, bson.M{"_id": sub.ID}, sub)
	if err != nil {
		return fmt.Errorf("subscription: updating script %s: %w", sub.ID, err)
	}
	if res.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

// DeleteScript removes a script subscription.
func (s *Store) DeleteScript(ctx context.Context, id uuid.UUID) error {
	res, err := s.scripts.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("subscription: deleting script %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

// --- Scheduled jobs ---

// UpsertScheduledJob replaces the persisted schedule record for a script.
// Schedule operations write the persisted record before touching any
// in-memory cron entry, so a restarted leader can always rebuild.
func (s *Store) UpsertScheduledJob(ctx context.Context, job *ScheduledJob) error {
	opts := options.Replace().SetUpsert(true)
	_, err := s.scheduledScripts.ReplaceOne(ctx, bson.M{"_id": job.ScriptID}, job, opts)
	if err != nil {
		return fmt.Errorf("subscription: upserting scheduled job %s: %w", job.ScriptID, err)
	}
	return nil
}

// GetScheduledJob fetches the persisted schedule record for a script id.
func (s *Store) GetScheduledJob(ctx context.Context, scriptID uuid.UUID) (*ScheduledJob, error) {
	var out ScheduledJob
	err := s.scheduledScripts.FindOne(ctx, bson.M{"_id": scriptID}).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("subscription: getting scheduled job %s: %w", scriptID, err)
	}
	return &out, nil
}

// ListScheduledJobs returns every persisted schedule record, read at
// cron-leadership acquisition to re-install in-memory cron entries.
func (s *Store) ListScheduledJobs(ctx context.Context) ([]ScheduledJob, error) {
	cur, err := s.scheduledScripts.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("subscription: listing scheduled jobs: %w", err)
	}
	defer cur.Close(ctx)

	var out []ScheduledJob
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("subscription: decoding scheduled jobs: %w", err)
	}
	return out, nil
}

// DeleteScheduledJob removes the persisted schedule record for a script id,
// on unschedule.
func (s *Store) DeleteScheduledJob(ctx context.Context, scriptID uuid.UUID) error {
	_, err := s.scheduledScripts.DeleteOne(ctx, bson.M{"_id": scriptID})
	if err != nil {
		return fmt.Errorf("subscription: deleting scheduled job %s: %w", scriptID, err)
	}
	return nil
}

// SetScheduledJobPaused flips the paused flag for a persisted schedule.
func (s *Store) SetScheduledJobPaused(ctx context.Context, scriptID uuid.UUID, paused bool) error {
	res, err := s.scheduledScripts.UpdateOne(ctx, bson.M{"_id": scriptID},
		bson.M{"$set": bson.M{"paused": paused}})
	if err != nil {
		return fmt.Errorf("subscription: setting scheduled job %s paused=%v: %w", scriptID, paused, err)
	}
	if res.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

// MarkScheduledJobExecuted records the last-execution timestamp.
func (s *Store) MarkScheduledJobExecuted(ctx context.Context, scriptID uuid.UUID, at time.Time) error {
	_, err := s.scheduledScripts.UpdateOne(ctx, bson.M{"_id": scriptID},
		bson.M{"$set": bson.M{"last_executed_at": at}})
	if err != nil {
		return fmt.Errorf("subscription: marking scheduled job %s executed: %w", scriptID, err)
	}
	return nil
}
