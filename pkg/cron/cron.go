// Package cron implements the cron scheduler: a robfig/cron/v3 engine
// whose ticks are gated by cluster leadership (pkg/election) and fenced
// per-script (pkg/lock) so a given tick fires at most once cluster-wide,
// modulo lock-TTL skew.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/reactorhub/reactorhub/internal/telemetry"
	"github.com/reactorhub/reactorhub/pkg/election"
	"github.com/reactorhub/reactorhub/pkg/lock"
	"github.com/reactorhub/reactorhub/pkg/sandbox"
	"github.com/reactorhub/reactorhub/pkg/subscription"
)

// parser validates cron expressions on schedule and reschedule; an
// expression that does not parse is rejected at admission.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Valid reports whether expr parses as a valid cron expression.
func Valid(expr string) bool {
	_, err := parser.Parse(expr)
	return err == nil
}

// Executor runs a script subscription immediately, extended with the
// trigger metadata a tick (or a manual trigger) supplies. Implemented by
// *sandbox.ReactionRunner.
type Executor interface {
	TriggerNow(ctx context.Context, sub subscription.ScriptSubscription, payload map[string]any, extra map[string]any) sandbox.Result
}

// Config bounds the scheduler's fencing and distributed-execution mode.
type Config struct {
	// LeaderElection gates cron installation on cluster leadership.
	// When false, every instance installs and fires its own cron
	// entries unfenced, intended for single-instance deployments.
	LeaderElection bool
	// MaxScriptExecutionTime bounds the per-tick fencing lock's TTL.
	MaxScriptExecutionTime time.Duration
}

// ScheduledView is the read model returned by List.
type ScheduledView struct {
	ScriptID       uuid.UUID
	CronExpression string
	Paused         bool
	Running        bool
	LastExecutedAt *time.Time
	ExecutionCount int64
}

// Scheduler installs cron entries for scheduled scripts and fires them
// under a per-script fence when this instance holds cron leadership.
type Scheduler struct {
	engine     *cron.Cron
	locker     *lock.Locker
	election   *election.Election
	leadership <-chan election.Event
	subs       *subscription.Store
	executor   Executor
	cfg        Config
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[uuid.UUID]cron.EntryID
	running map[uuid.UUID]bool
	counts  map[uuid.UUID]int64
}

// New creates a Scheduler. election may be nil when cfg.LeaderElection is
// false.
func New(locker *lock.Locker, el *election.Election, subs *subscription.Store, executor Executor, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.MaxScriptExecutionTime <= 0 {
		cfg.MaxScriptExecutionTime = 300 * time.Second
	}
	s := &Scheduler{
		engine:   cron.New(cron.WithParser(parser)),
		locker:   locker,
		election: el,
		subs:     subs,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
		entries:  make(map[uuid.UUID]cron.EntryID),
		running:  make(map[uuid.UUID]bool),
		counts:   make(map[uuid.UUID]int64),
	}
	if el != nil {
		s.leadership = el.Subscribe()
	}
	return s
}

// Run drives the scheduler for the lifetime of ctx: in leader-election mode
// it installs/uninstalls all persisted entries as leadership transitions;
// in unfenced mode it installs everything once and relies on per-tick
// fencing alone.
func (s *Scheduler) Run(ctx context.Context) {
	s.engine.Start()
	defer s.engine.Stop()

	if !s.cfg.LeaderElection {
		if err := s.installAll(ctx); err != nil {
			s.logger.Error("cron: installing persisted schedules", "error", err)
		}
		<-ctx.Done()
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.leadership:
			switch ev.Type {
			case election.Acquired:
				if err := s.installAll(ctx); err != nil {
					s.logger.Error("cron: installing persisted schedules on leadership acquisition", "error", err)
				}
			case election.Lost, election.Resigned:
				s.uninstallAll()
			}
		}
	}
}

func (s *Scheduler) isActive() bool {
	return !s.cfg.LeaderElection || s.election.IsLeader()
}

func (s *Scheduler) installAll(ctx context.Context) error {
	jobs, err := s.subs.ListScheduledJobs(ctx)
	if err != nil {
		return fmt.Errorf("cron: listing scheduled jobs: %w", err)
	}
	for _, job := range jobs {
		if job.Paused {
			continue
		}
		if err := s.install(job.ScriptID, job.CronExpression); err != nil {
			s.logger.Error("cron: installing schedule", "script_id", job.ScriptID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) install(scriptID uuid.UUID, cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[scriptID]; ok {
		s.engine.Remove(existing)
	}

	entryID, err := s.engine.AddFunc(cronExpr, func() { s.tick(scriptID) })
	if err != nil {
		return fmt.Errorf("cron: installing %s: %w", scriptID, err)
	}
	s.entries[scriptID] = entryID
	return nil
}

func (s *Scheduler) uninstall(scriptID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[scriptID]; ok {
		s.engine.Remove(id)
		delete(s.entries, scriptID)
	}
}

// uninstallAll stops every locally installed entry without touching
// persisted records. On leadership loss every installed entry stops
// locally; the persisted records remain for the next leader.
func (s *Scheduler) uninstallAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for scriptID, id := range s.entries {
		s.engine.Remove(id)
		delete(s.entries, scriptID)
	}
}

func (s *Scheduler) setRunning(scriptID uuid.UUID, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if running {
		s.running[scriptID] = true
	} else {
		delete(s.running, scriptID)
	}
}

func (s *Scheduler) incrementExecutionCount(scriptID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[scriptID]++
}

// tick is invoked by the underlying cron engine on every matching minute.
func (s *Scheduler) tick(scriptID uuid.UUID) {
	ctx := context.Background()
	s.execute(ctx, scriptID, map[string]any{"distributed_execution": s.cfg.LeaderElection})
}

// execute fences, runs, and records a single script invocation, whether
// triggered by a cron tick or by TriggerNow.
func (s *Scheduler) execute(ctx context.Context, scriptID uuid.UUID, extra map[string]any) {
	lockName := fmt.Sprintf("cron_lock:%s", scriptID)

	token, err := s.locker.Acquire(ctx, lockName, s.cfg.MaxScriptExecutionTime)
	if err != nil {
		s.logger.Error("cron: tick fencing errored", "script_id", scriptID, "error", err)
		telemetry.CronExecutionsTotal.WithLabelValues(scriptID.String(), "error").Inc()
		return
	}
	if token == "" {
		telemetry.CronExecutionsTotal.WithLabelValues(scriptID.String(), "skipped").Inc()
		return
	}
	defer s.locker.Release(context.Background(), lockName, token)

	sub, err := s.subs.GetScript(ctx, scriptID)
	if err != nil || sub == nil {
		telemetry.CronExecutionsTotal.WithLabelValues(scriptID.String(), "missing").Inc()
		return
	}

	job, err := s.subs.GetScheduledJob(ctx, scriptID)
	if err != nil || job == nil || job.Paused {
		return
	}

	s.setRunning(scriptID, true)
	defer s.setRunning(scriptID, false)

	start := time.Now().UTC()
	invocationExtra := map[string]any{
		"trigger":         "cron",
		"scheduled":       true,
		"execution_time":  start.Format(time.RFC3339),
		"cron_expression": job.CronExpression,
	}
	for k, v := range extra {
		invocationExtra[k] = v
	}

	saved := map[string]any{}
	for k, v := range job.Payload {
		saved[k] = v
	}
	result := s.executor.TriggerNow(ctx, *sub, saved, invocationExtra)
	s.incrementExecutionCount(scriptID)

	if err := s.subs.MarkScheduledJobExecuted(ctx, scriptID, start); err != nil {
		s.logger.Error("cron: recording execution time", "script_id", scriptID, "error", err)
	}

	outcome := "success"
	if !result.OK {
		outcome = string(result.Error.Kind)
	}
	telemetry.CronExecutionsTotal.WithLabelValues(scriptID.String(), outcome).Inc()
}

// Schedule installs (or replaces) the persisted schedule for scriptID.
func (s *Scheduler) Schedule(ctx context.Context, scriptID uuid.UUID, cronExpr string, payload bson.M) error {
	if !Valid(cronExpr) {
		return fmt.Errorf("cron: invalid expression %q", cronExpr)
	}

	job := &subscription.ScheduledJob{
		ScriptID:       scriptID,
		CronExpression: cronExpr,
		Payload:        payload,
	}
	if err := s.subs.UpsertScheduledJob(ctx, job); err != nil {
		return err
	}

	if s.isActive() {
		return s.install(scriptID, cronExpr)
	}
	return nil
}

// Unschedule removes the persisted schedule and any local installation.
func (s *Scheduler) Unschedule(ctx context.Context, scriptID uuid.UUID) error {
	s.uninstall(scriptID)
	return s.subs.DeleteScheduledJob(ctx, scriptID)
}

// Pause stops local execution and marks the persisted record paused.
func (s *Scheduler) Pause(ctx context.Context, scriptID uuid.UUID) error {
	s.uninstall(scriptID)
	return s.subs.SetScheduledJobPaused(ctx, scriptID, true)
}

// Resume clears the persisted paused flag and reinstalls locally if active.
func (s *Scheduler) Resume(ctx context.Context, scriptID uuid.UUID) error {
	if err := s.subs.SetScheduledJobPaused(ctx, scriptID, false); err != nil {
		return err
	}

	job, err := s.subs.GetScheduledJob(ctx, scriptID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("cron: no scheduled job for script %s", scriptID)
	}

	if s.isActive() {
		return s.install(scriptID, job.CronExpression)
	}
	return nil
}

// Reschedule validates and persists a new cron expression, reinstalling it
// locally if this instance is active and the schedule isn't paused.
func (s *Scheduler) Reschedule(ctx context.Context, scriptID uuid.UUID, newExpr string) error {
	if !Valid(newExpr) {
		return fmt.Errorf("cron: invalid expression %q", newExpr)
	}

	job, err := s.subs.GetScheduledJob(ctx, scriptID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("cron: no scheduled job for script %s", scriptID)
	}

	s.uninstall(scriptID)
	job.CronExpression = newExpr
	if err := s.subs.UpsertScheduledJob(ctx, job); err != nil {
		return err
	}

	if s.isActive() && !job.Paused {
		return s.install(scriptID, newExpr)
	}
	return nil
}

// TriggerNow executes scriptID immediately, outside its cron schedule,
// still subject to the same per-tick fence.
func (s *Scheduler) TriggerNow(ctx context.Context, scriptID uuid.UUID) error {
	sub, err := s.subs.GetScript(ctx, scriptID)
	if err != nil {
		return err
	}
	if sub == nil {
		return fmt.Errorf("cron: no script %s", scriptID)
	}

	s.execute(ctx, scriptID, map[string]any{"trigger": "manual"})
	return nil
}

// List returns the current view of every persisted schedule, for the
// operator surface.
func (s *Scheduler) List(ctx context.Context) ([]ScheduledView, error) {
	jobs, err := s.subs.ListScheduledJobs(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	running := make(map[uuid.UUID]bool, len(s.running))
	for k, v := range s.running {
		running[k] = v
	}
	counts := make(map[uuid.UUID]int64, len(s.counts))
	for k, v := range s.counts {
		counts[k] = v
	}
	s.mu.Unlock()

	return buildViews(jobs, running, counts), nil
}

// buildViews overlays in-memory running/execution-count state onto the
// persisted schedule records. Kept separate from List so it's testable
// without a document store.
func buildViews(jobs []subscription.ScheduledJob, running map[uuid.UUID]bool, counts map[uuid.UUID]int64) []ScheduledView {
	views := make([]ScheduledView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, ScheduledView{
			ScriptID:       job.ScriptID,
			CronExpression: job.CronExpression,
			Paused:         job.Paused,
			Running:        running[job.ScriptID],
			LastExecutedAt: job.LastExecutedAt,
			ExecutionCount: counts[job.ScriptID],
		})
	}
	return views
}
