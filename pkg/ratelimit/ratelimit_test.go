package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/reactorhub/reactorhub/pkg/coordination"
)

func TestInProcess_AdmitsUpToLimitThenDenies(t *testing.T) {
	l := NewInProcess(time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Admit(ctx, "script", "key-a", 3)
		if err != nil || !ok {
			t.Fatalf("admit %d: ok=%v err=%v, want true, nil", i, ok, err)
		}
	}

	ok, err := l.Admit(ctx, "script", "key-a", 3)
	if err != nil || ok {
		t.Fatalf("4th admit: ok=%v err=%v, want false, nil", ok, err)
	}
}

func TestInProcess_KeysAreIndependent(t *testing.T) {
	l := NewInProcess(time.Minute)
	ctx := context.Background()

	if ok, _ := l.Admit(ctx, "script", "key-a", 1); !ok {
		t.Fatal("first admit for key-a should succeed")
	}
	if ok, _ := l.Admit(ctx, "script", "key-a", 1); ok {
		t.Fatal("second admit for key-a should be denied")
	}
	if ok, _ := l.Admit(ctx, "script", "key-b", 1); !ok {
		t.Fatal("key-b has its own bucket and should admit")
	}
}

func TestInProcess_OldTimestampsExpireOutOfWindow(t *testing.T) {
	l := NewInProcess(10 * time.Millisecond)
	ctx := context.Background()

	if ok, _ := l.Admit(ctx, "script", "key-a", 1); !ok {
		t.Fatal("first admit should succeed")
	}
	time.Sleep(20 * time.Millisecond)
	if ok, _ := l.Admit(ctx, "script", "key-a", 1); !ok {
		t.Fatal("admit after window elapses should succeed again")
	}
}

func testDistributed(t *testing.T, window time.Duration) *Distributed {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewDistributed(coordination.New(rdb), window)
}

func TestDistributed_AdmitsUpToLimitThenDenies(t *testing.T) {
	l := testDistributed(t, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := l.Admit(ctx, "webhook", "target-a", 3)
		if err != nil || !ok {
			t.Fatalf("admit %d: ok=%v err=%v, want true, nil", i, ok, err)
		}
	}

	ok, err := l.Admit(ctx, "webhook", "target-a", 3)
	if err != nil || ok {
		t.Fatalf("4th admit: ok=%v err=%v, want false, nil", ok, err)
	}
}

func TestDistributed_ScopesDoNotShareCounters(t *testing.T) {
	l := testDistributed(t, time.Minute)
	ctx := context.Background()

	if ok, _ := l.Admit(ctx, "webhook", "key", 1); !ok {
		t.Fatal("first admit in webhook scope should succeed")
	}
	if ok, _ := l.Admit(ctx, "script", "key", 1); !ok {
		t.Fatal("same key in a different scope should have its own counter")
	}
}
