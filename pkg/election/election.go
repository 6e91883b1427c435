// Package election implements single-writer leader election for a named
// service, built on pkg/lock. Leadership transitions are delivered over
// explicit per-subscriber channels rather than a process-wide event bus —
// downstream subsystems (pkg/cron, operator alerting) register interest at
// construction via Subscribe().
package election

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/reactorhub/reactorhub/internal/telemetry"
	"github.com/reactorhub/reactorhub/pkg/coordination"
	"github.com/reactorhub/reactorhub/pkg/lock"
)

// EventType enumerates leadership transitions.
type EventType string

const (
	// Acquired fires when this instance becomes leader.
	Acquired EventType = "acquired"
	// Lost fires when a renewal fails and leadership is presumed lost.
	Lost EventType = "lost"
	// Resigned fires when this instance releases leadership gracefully.
	Resigned EventType = "resigned"
)

// Event is delivered on every leadership transition for a service.
type Event struct {
	Service string
	Type    EventType
}

// Election runs leader election for a single named service.
type Election struct {
	locker          *lock.Locker
	coord           *coordination.Client
	service         string
	ttl             time.Duration
	renewalInterval time.Duration
	logger          *slog.Logger

	mu             sync.RWMutex
	token          string
	isLeader       bool
	missedRenewals int
	subscribers    []chan Event
}

// New creates an Election for the given service name. ttl must be at least
// 2x renewalInterval so a single missed renewal cannot cost leadership; if
// it isn't, ttl is raised to satisfy it.
func New(locker *lock.Locker, coord *coordination.Client, service string, ttl, renewalInterval time.Duration, logger *slog.Logger) *Election {
	if ttl < 2*renewalInterval {
		ttl = 2 * renewalInterval
	}
	return &Election{
		locker:          locker,
		coord:           coord,
		service:         service,
		ttl:             ttl,
		renewalInterval: renewalInterval,
		logger:          logger,
	}
}

// Subscribe registers a consumer of leadership transitions and returns its
// channel. Each subscriber gets an independent buffered channel, so multiple
// downstream components (the cron scheduler, operator alerting) can watch
// the same election without stealing each other's events. Register before
// Run starts; channels are never closed.
func (e *Election) Subscribe() <-chan Event {
	ch := make(chan Event, 8)
	e.mu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.mu.Unlock()
	return ch
}

// IsLeader reports whether this instance currently believes it holds
// leadership. It is a local, possibly-briefly-stale view.
func (e *Election) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isLeader
}

// Service returns the name this election runs for, for introspection
// surfaces (the operator's /cluster/leadership view).
func (e *Election) Service() string {
	return e.service
}

func (e *Election) leaderLockName() string {
	return "leader:" + e.service
}

// releaseChannel is the pub/sub channel a resigning leader signals on so
// followers contend immediately instead of waiting out their next tick.
func (e *Election) releaseChannel() string {
	return "election:" + e.service
}

// Run drives the election loop until ctx is cancelled, at which point it
// resigns gracefully (if leader) before returning.
func (e *Election) Run(ctx context.Context) {
	sub := e.coord.Subscribe(ctx, e.releaseChannel())
	defer sub.Close()
	nudge := sub.Channel()

	ticker := time.NewTicker(e.renewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.resign(context.Background())
			return
		case <-ticker.C:
			e.tick(ctx)
		case <-nudge:
			if !e.IsLeader() {
				e.attemptAcquire(ctx)
			}
		}
	}
}

func (e *Election) tick(ctx context.Context) {
	if e.IsLeader() {
		e.renew(ctx)
		return
	}
	e.attemptAcquire(ctx)
}

func (e *Election) attemptAcquire(ctx context.Context) {
	token, err := e.locker.Acquire(ctx, e.leaderLockName(), e.ttl)
	if err != nil {
		e.logger.Warn("election: acquire attempt errored", "service", e.service, "error", err)
		return
	}
	if token == "" {
		return
	}

	e.mu.Lock()
	e.token = token
	e.isLeader = true
	e.missedRenewals = 0
	e.mu.Unlock()

	telemetry.ElectionState.WithLabelValues(e.service).Set(1)
	e.logger.Info("election: acquired leadership", "service", e.service)
	e.emit(Acquired)
}

// renew attempts to extend the held lock's TTL. A single missed renewal
// does not cost leadership — only two consecutive failed extends do. A
// successful extend resets the miss counter.
func (e *Election) renew(ctx context.Context) {
	e.mu.RLock()
	token := e.token
	e.mu.RUnlock()

	ok := e.locker.Extend(ctx, e.leaderLockName(), token, e.ttl)
	if ok {
		e.mu.Lock()
		e.missedRenewals = 0
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	e.missedRenewals++
	missed := e.missedRenewals
	e.mu.Unlock()

	if missed < 2 {
		e.logger.Warn("election: renewal missed, still holding leadership", "service", e.service, "missed", missed)
		return
	}

	e.mu.Lock()
	e.isLeader = false
	e.token = ""
	e.missedRenewals = 0
	e.mu.Unlock()

	telemetry.ElectionState.WithLabelValues(e.service).Set(0)
	e.logger.Warn("election: two consecutive renewals missed, leadership lost", "service", e.service)
	e.emit(Lost)
}

func (e *Election) resign(ctx context.Context) {
	e.mu.Lock()
	wasLeader := e.isLeader
	token := e.token
	e.isLeader = false
	e.token = ""
	e.missedRenewals = 0
	e.mu.Unlock()

	if !wasLeader {
		return
	}

	e.locker.Release(ctx, e.leaderLockName(), token)
	if err := e.coord.Publish(ctx, e.releaseChannel(), e.service); err != nil {
		e.logger.Debug("election: publishing release signal", "service", e.service, "error", err)
	}
	telemetry.ElectionState.WithLabelValues(e.service).Set(0)
	e.logger.Info("election: resigned leadership", "service", e.service)
	e.emit(Resigned)
}

func (e *Election) emit(t EventType) {
	e.mu.RLock()
	subs := append([]chan Event(nil), e.subscribers...)
	e.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- Event{Service: e.service, Type: t}:
		default:
			e.logger.Warn("election: subscriber channel full, dropping event", "service", e.service, "type", t)
		}
	}
}
