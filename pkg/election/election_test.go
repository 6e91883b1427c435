package election

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/reactorhub/reactorhub/pkg/coordination"
	"github.com/reactorhub/reactorhub/pkg/lock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newElection(t *testing.T, instanceID, service string, coord *coordination.Client) *Election {
	t.Helper()
	locker := lock.New(coord, instanceID, testLogger())
	return New(locker, coord, service, 200*time.Millisecond, 50*time.Millisecond, testLogger())
}

func testCoord(t *testing.T) *coordination.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return coordination.New(rdb)
}

func TestNew_RaisesTTLToSatisfyInvariant(t *testing.T) {
	coord := testCoord(t)
	e := New(lock.New(coord, "i", testLogger()), coord, "svc", 10*time.Millisecond, 50*time.Millisecond, testLogger())
	if e.ttl < 2*e.renewalInterval {
		t.Errorf("ttl = %v, want at least 2x renewalInterval (%v)", e.ttl, e.renewalInterval)
	}
}

func TestAttemptAcquire_FirstInstanceBecomesLeader(t *testing.T) {
	coord := testCoord(t)
	e := newElection(t, "instance-a", "cron", coord)
	events := e.Subscribe()
	ctx := context.Background()

	e.attemptAcquire(ctx)

	if !e.IsLeader() {
		t.Fatal("want IsLeader() true after successful acquire")
	}
	select {
	case ev := <-events:
		if ev.Type != Acquired || ev.Service != "cron" {
			t.Errorf("event = %+v, want Acquired for cron", ev)
		}
	default:
		t.Fatal("want an Acquired event on the channel")
	}
}

func TestSubscribe_EverySubscriberSeesEachEvent(t *testing.T) {
	coord := testCoord(t)
	e := newElection(t, "instance-a", "cron", coord)
	first := e.Subscribe()
	second := e.Subscribe()

	e.attemptAcquire(context.Background())

	for i, events := range []<-chan Event{first, second} {
		select {
		case ev := <-events:
			if ev.Type != Acquired {
				t.Errorf("subscriber %d: event type = %q, want Acquired", i, ev.Type)
			}
		default:
			t.Errorf("subscriber %d: want an Acquired event", i)
		}
	}
}

func TestAttemptAcquire_SecondInstanceDoesNotBecomeLeader(t *testing.T) {
	coord := testCoord(t)
	leader := newElection(t, "instance-a", "cron", coord)
	follower := newElection(t, "instance-b", "cron", coord)
	ctx := context.Background()

	leader.attemptAcquire(ctx)
	follower.attemptAcquire(ctx)

	if !leader.IsLeader() {
		t.Error("leader should hold leadership")
	}
	if follower.IsLeader() {
		t.Error("follower should not hold leadership while leader's lock is live")
	}
}

func TestRenew_KeepsLeadershipWhileTokenValid(t *testing.T) {
	coord := testCoord(t)
	e := newElection(t, "instance-a", "cron", coord)
	events := e.Subscribe()
	ctx := context.Background()

	e.attemptAcquire(ctx)
	<-events

	e.renew(ctx)

	if !e.IsLeader() {
		t.Error("renew with valid token should keep leadership")
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected event after successful renew: %+v", ev)
	default:
	}
}

func TestRenew_OneMissedRenewalStillHolds_TwoConsecutiveMissesResigns(t *testing.T) {
	coord := testCoord(t)
	e := newElection(t, "instance-a", "cron", coord)
	events := e.Subscribe()
	ctx := context.Background()

	e.attemptAcquire(ctx)
	<-events

	// Corrupt the held token so the next Extend calls fail the
	// compare-and-expire, simulating missed renewals without needing to
	// fake the coordination store.
	e.mu.Lock()
	e.token = "stale-token"
	e.mu.Unlock()

	e.renew(ctx)
	if !e.IsLeader() {
		t.Fatal("a single missed renewal must not cost leadership")
	}
	select {
	case ev := <-events:
		t.Errorf("unexpected event after first missed renewal: %+v", ev)
	default:
	}

	e.renew(ctx)
	if e.IsLeader() {
		t.Fatal("two consecutive missed renewals must resign leadership")
	}
	select {
	case ev := <-events:
		if ev.Type != Lost {
			t.Errorf("event type = %q, want Lost", ev.Type)
		}
	default:
		t.Fatal("want a Lost event after two consecutive missed renewals")
	}
}

func TestResign_ReleasesLockAndEmitsResigned(t *testing.T) {
	coord := testCoord(t)
	e := newElection(t, "instance-a", "cron", coord)
	events := e.Subscribe()
	ctx := context.Background()

	e.attemptAcquire(ctx)
	<-events

	e.resign(ctx)

	if e.IsLeader() {
		t.Error("IsLeader() should be false after resign")
	}
	select {
	case ev := <-events:
		if ev.Type != Resigned {
			t.Errorf("event type = %q, want Resigned", ev.Type)
		}
	default:
		t.Fatal("want a Resigned event on the channel")
	}

	other := newElection(t, "instance-b", "cron", coord)
	other.attemptAcquire(ctx)
	if !other.IsLeader() {
		t.Error("a different instance should be able to acquire after resign releases the lock")
	}
}

func TestResign_NoOpWhenNotLeader(t *testing.T) {
	coord := testCoord(t)
	e := newElection(t, "instance-a", "cron", coord)
	events := e.Subscribe()

	e.resign(context.Background())

	select {
	case ev := <-events:
		t.Errorf("unexpected event from resigning without leadership: %+v", ev)
	default:
	}
}
