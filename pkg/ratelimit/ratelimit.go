// Package ratelimit implements the sliding-window admission check used by
// webhook delivery (distributed, keyed by target URL) and script execution
// (in-process, keyed by script id).
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/reactorhub/reactorhub/internal/telemetry"
	"github.com/reactorhub/reactorhub/pkg/coordination"
)

// Limiter is implemented by both the in-process and distributed variants.
type Limiter interface {
	// Admit reports whether a request for key is allowed under limit within
	// the limiter's configured window. On true, the request is counted.
	Admit(ctx context.Context, scope, key string, limit int) (bool, error)
}

// InProcess is a single-instance sliding-window limiter backed by a
// timestamp list per key. Used for script execution admission.
type InProcess struct {
	window time.Duration

	mu      sync.Mutex
	buckets map[string][]time.Time
}

// NewInProcess creates an in-process limiter with the given window.
func NewInProcess(window time.Duration) *InProcess {
	return &InProcess{
		window:  window,
		buckets: make(map[string][]time.Time),
	}
}

// Admit purges timestamps older than the window, then admits iff the
// remaining count is below limit, recording the current timestamp on
// admission.
func (l *InProcess) Admit(_ context.Context, scope, key string, limit int) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	stamps := l.buckets[key]
	live := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}

	if len(live) >= limit {
		l.buckets[key] = live
		telemetry.RateLimitedTotal.WithLabelValues(scope).Inc()
		return false, nil
	}

	l.buckets[key] = append(live, now)
	return true, nil
}

// Distributed is a cluster-wide limiter backed by the coordination store's
// INCR+PEXPIRE counter, keyed as
// `rate_limit:webhook:{base64(url)}`.
type Distributed struct {
	coord  *coordination.Client
	window time.Duration
}

// NewDistributed creates a distributed limiter with the given window.
func NewDistributed(coord *coordination.Client, window time.Duration) *Distributed {
	return &Distributed{coord: coord, window: window}
}

// Admit increments the cluster-wide counter for key, creating it with a
// window expiry on first increment. Denies when the post-increment count
// exceeds limit.
func (l *Distributed) Admit(ctx context.Context, scope, key string, limit int) (bool, error) {
	count, err := l.coord.IncrWithExpiry(ctx, fmt.Sprintf("rate_limit:%s:%s", scope, key), l.window)
	if err != nil {
		return false, err
	}
	if count > int64(limit) {
		telemetry.RateLimitedTotal.WithLabelValues(scope).Inc()
		return false, nil
	}
	return true, nil
}
