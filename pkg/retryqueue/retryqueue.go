// Package retryqueue implements an in-memory delay queue:
// entries are swept on a fixed tick, redispatched when ready, and
// reinserted with exponential backoff on failure up to a max-attempts cap.
// The clock is injectable so backoff behavior is unit-testable without
// real sleeps.
package retryqueue

import (
	"container/heap"
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reactorhub/reactorhub/internal/telemetry"
)

// Item is a single entry in the retry queue.
type Item struct {
	ID        string
	Attempts  int
	NextAt    time.Time
	LastError string
	Payload   any

	index int // heap bookkeeping
}

// Dispatch redispatches an item. A nil error means terminal success.
type Dispatch func(ctx context.Context, item *Item) error

// OnExhausted is called when an item is dropped after reaching the
// max-retries cap.
type OnExhausted func(item *Item)

// Config bounds the backoff schedule.
type Config struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	MaxRetries        int
	TickInterval      time.Duration
}

// Queue is a min-heap of pending retries, swept on Config.TickInterval.
type Queue struct {
	cfg      Config
	dispatch Dispatch
	exhaust  OnExhausted
	logger   *slog.Logger
	now      func() time.Time
	paused   atomic.Bool

	mu sync.Mutex
	pq priorityQueue
}

// SetPaused stops (or restarts) the sweeper's dispatching. Entries keep
// accumulating while paused; nothing is dropped.
func (q *Queue) SetPaused(paused bool) {
	q.paused.Store(paused)
}

// Paused reports whether dispatching is currently paused.
func (q *Queue) Paused() bool {
	return q.paused.Load()
}

// New creates a Queue. now defaults to time.Now when nil — pass a fake
// clock in tests.
func New(cfg Config, dispatch Dispatch, exhaust OnExhausted, logger *slog.Logger, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 5 * time.Second
	}
	q := &Queue{
		cfg:      cfg,
		dispatch: dispatch,
		exhaust:  exhaust,
		logger:   logger,
		now:      now,
	}
	heap.Init(&q.pq)
	return q
}

// Submit attempts item immediately, entering the backoff schedule on
// failure. When the queue is paused the item is enqueued instead, ready as
// soon as dispatching resumes.
func (q *Queue) Submit(ctx context.Context, item *Item) {
	if q.paused.Load() {
		q.Push(item)
		return
	}
	q.attempt(ctx, item)
}

// Push enqueues an item for its first retry attempt.
func (q *Queue) Push(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.pq, item)
	telemetry.RetryQueueDepth.Set(float64(q.pq.Len()))
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pq.Len()
}

// Peek returns up to n upcoming items without removing them, ordered by
// next_at. Used by the operator surface's queue introspection.
func (q *Queue) Peek(n int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Item, 0, n)
	cp := make(priorityQueue, len(q.pq))
	copy(cp, q.pq)
	heap.Init(&cp)
	for i := 0; i < n && cp.Len() > 0; i++ {
		it := heap.Pop(&cp).(*Item)
		out = append(out, *it)
	}
	return out
}

// Run sweeps the queue every TickInterval until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.sweep(ctx)
		}
	}
}

func (q *Queue) sweep(ctx context.Context) {
	if q.paused.Load() {
		return
	}
	now := q.now()

	var ready []*Item
	q.mu.Lock()
	for q.pq.Len() > 0 && !q.pq[0].NextAt.After(now) {
		ready = append(ready, heap.Pop(&q.pq).(*Item))
	}
	telemetry.RetryQueueDepth.Set(float64(q.pq.Len()))
	q.mu.Unlock()

	for _, item := range ready {
		q.attempt(ctx, item)
	}
}

func (q *Queue) attempt(ctx context.Context, item *Item) {
	err := q.dispatch(ctx, item)
	if err == nil {
		return
	}

	item.Attempts++
	item.LastError = err.Error()

	if item.Attempts >= q.cfg.MaxRetries {
		q.logger.Warn("retryqueue: item exhausted retries, dropping",
			"id", item.ID, "attempts", item.Attempts, "error", err)
		if q.exhaust != nil {
			q.exhaust(item)
		}
		return
	}

	delay := backoffDelay(q.cfg.BaseDelay, q.cfg.MaxDelay, q.cfg.BackoffMultiplier, item.Attempts)
	item.NextAt = q.now().Add(delay)

	q.mu.Lock()
	heap.Push(&q.pq, item)
	telemetry.RetryQueueDepth.Set(float64(q.pq.Len()))
	q.mu.Unlock()
}

// backoffDelay computes min(maxDelay, base*multiplier^attempts) plus up to
// 1s of uniform jitter to spread retry herds.
func backoffDelay(base, max time.Duration, multiplier float64, attempts int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(multiplier, float64(attempts)))
	if d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return d + jitter
}

// priorityQueue implements container/heap.Interface ordered by NextAt.
type priorityQueue []*Item

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	return pq[i].NextAt.Before(pq[j].NextAt)
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*Item)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}
