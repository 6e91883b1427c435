// Package lock implements the distributed mutex-with-TTL described by the
// coordination subsystem: acquire composes a fencing token and sets it
// if-absent; release and extend are scripted compare operations so a
// delayed or dead holder can never clobber a newer acquisition.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/reactorhub/reactorhub/internal/telemetry"
	"github.com/reactorhub/reactorhub/pkg/coordination"
)

// Info describes the current holder of a lock, returned by Inspect.
type Info struct {
	Owner string
	TTL   time.Duration
	Mine  bool
}

// Locker acquires, releases, and extends named locks in the coordination
// store. A single Locker is shared by every component on an instance that
// needs mutual exclusion (pkg/election, pkg/cron, pkg/webhook).
type Locker struct {
	coord      *coordination.Client
	instanceID string
	logger     *slog.Logger

	mu     sync.Mutex
	held   map[string]held // key -> token+expiry, for the stale-lock reaper
}

type held struct {
	token     string
	expiresAt time.Time
}

// New creates a Locker. instanceID is embedded in every fencing token this
// instance mints.
func New(coord *coordination.Client, instanceID string, logger *slog.Logger) *Locker {
	return &Locker{
		coord:      coord,
		instanceID: instanceID,
		logger:     logger,
		held:       make(map[string]held),
	}
}

func lockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

func newToken(instanceID string) (string, error) {
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("lock: generating nonce: %w", err)
	}
	return fmt.Sprintf("%s:%d:%s", instanceID, time.Now().UnixNano(), hex.EncodeToString(nonce[:])), nil
}

// Acquire attempts to acquire the named lock for ttl. Returns the fencing
// token on success, or "" if the lock is already held or the coordination
// store errors (fail-closed).
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token, err := newToken(l.instanceID)
	if err != nil {
		return "", err
	}

	ok, err := l.coord.SetNX(ctx, lockKey(name), token, ttl)
	if err != nil {
		telemetry.LockAcquisitionsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("lock: acquire %s: %w", name, err)
	}
	if !ok {
		telemetry.LockAcquisitionsTotal.WithLabelValues("held").Inc()
		return "", nil
	}

	telemetry.LockAcquisitionsTotal.WithLabelValues("acquired").Inc()
	l.mu.Lock()
	l.held[name] = held{token: token, expiresAt: time.Now().Add(ttl)}
	l.mu.Unlock()

	return token, nil
}

// Release releases the named lock if token matches the current holder.
// On a coordination-store error, the release is treated as fail-open: a
// warning is logged, false is returned to the caller, but the in-process
// bookkeeping for this lock is cleared anyway so this instance does not
// deadlock itself on a subsequent Acquire of the same key.
func (l *Locker) Release(ctx context.Context, name, token string) bool {
	defer func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}()

	ok, err := l.coord.CompareAndDelete(ctx, lockKey(name), token)
	if err != nil {
		l.logger.Warn("lock release failed against coordination store; clearing local state anyway",
			"lock", name, "error", err)
		return false
	}
	return ok
}

// Extend resets the named lock's TTL if token matches the current holder.
func (l *Locker) Extend(ctx context.Context, name, token string, ttl time.Duration) bool {
	ok, err := l.coord.CompareAndExpire(ctx, lockKey(name), token, ttl)
	if err != nil {
		l.logger.Warn("lock extend failed", "lock", name, "error", err)
		return false
	}
	if ok {
		l.mu.Lock()
		l.held[name] = held{token: token, expiresAt: time.Now().Add(ttl)}
		l.mu.Unlock()
	}
	return ok
}

// Inspect returns the current holder of the named lock, or nil if unheld.
func (l *Locker) Inspect(ctx context.Context, name string) (*Info, error) {
	val, ok, err := l.coord.Get(ctx, lockKey(name))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	ttl, err := l.coord.TTL(ctx, lockKey(name))
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	h, mine := l.held[name]
	l.mu.Unlock()

	return &Info{
		Owner: val,
		TTL:   ttl,
		Mine:  mine && h.token == val,
	}, nil
}

// RunStaleReaper periodically drops in-process bookkeeping for locks whose
// TTL has already elapsed — e.g. a coordination-store round trip that
// succeeded server-side but whose response this instance never observed.
// It does not touch the coordination store itself; it only keeps Inspect's
// "mine" bit honest for the local process.
func (l *Locker) RunStaleReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweepStale()
		}
	}
}

func (l *Locker) sweepStale() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for name, h := range l.held {
		if now.After(h.expiresAt) {
			delete(l.held, name)
			l.logger.Debug("stale-lock reaper cleared local bookkeeping", "lock", name)
		}
	}
}
