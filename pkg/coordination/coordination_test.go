package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb)
}

func TestSetNX(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k", "v1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX: ok=%v err=%v, want true, nil", ok, err)
	}

	ok, err = c.SetNX(ctx, "k", "v2", time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX: ok=%v err=%v, want false, nil", ok, err)
	}

	val, exists, err := c.Get(ctx, "k")
	if err != nil || !exists || val != "v1" {
		t.Fatalf("Get = %q, %v, %v, want v1, true, nil", val, exists, err)
	}
}

func TestCompareAndDelete(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	if _, err := c.SetNX(ctx, "k", "owner-a", time.Minute); err != nil {
		t.Fatalf("setnx: %v", err)
	}

	deleted, err := c.CompareAndDelete(ctx, "k", "owner-b")
	if err != nil || deleted {
		t.Fatalf("delete with wrong owner: deleted=%v err=%v, want false, nil", deleted, err)
	}

	deleted, err = c.CompareAndDelete(ctx, "k", "owner-a")
	if err != nil || !deleted {
		t.Fatalf("delete with correct owner: deleted=%v err=%v, want true, nil", deleted, err)
	}

	if _, exists, _ := c.Get(ctx, "k"); exists {
		t.Error("key should be gone after successful compare-and-delete")
	}
}

func TestCompareAndExpire(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	if _, err := c.SetNX(ctx, "k", "owner-a", time.Second); err != nil {
		t.Fatalf("setnx: %v", err)
	}

	ok, err := c.CompareAndExpire(ctx, "k", "owner-b", time.Hour)
	if err != nil || ok {
		t.Fatalf("expire with wrong owner: ok=%v err=%v, want false, nil", ok, err)
	}

	ok, err = c.CompareAndExpire(ctx, "k", "owner-a", time.Hour)
	if err != nil || !ok {
		t.Fatalf("expire with correct owner: ok=%v err=%v, want true, nil", ok, err)
	}

	ttl, err := c.TTL(ctx, "k")
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= time.Minute {
		t.Errorf("ttl = %v, want something close to an hour after renewal", ttl)
	}
}

func TestIncrWithExpiry(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	for i, want := range []int64{1, 2, 3} {
		n, err := c.IncrWithExpiry(ctx, "counter", time.Minute)
		if err != nil {
			t.Fatalf("incr %d: %v", i, err)
		}
		if n != want {
			t.Errorf("incr %d = %d, want %d", i, n, want)
		}
	}

	ttl, err := c.TTL(ctx, "counter")
	if err != nil {
		t.Fatalf("ttl: %v", err)
	}
	if ttl <= 0 {
		t.Errorf("ttl = %v, want positive", ttl)
	}
}

func TestZAddZPopReadyZCard(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	if err := c.ZAdd(ctx, "zs", 100, "a"); err != nil {
		t.Fatalf("zadd a: %v", err)
	}
	if err := c.ZAdd(ctx, "zs", 200, "b"); err != nil {
		t.Fatalf("zadd b: %v", err)
	}

	n, err := c.ZCard(ctx, "zs")
	if err != nil || n != 2 {
		t.Fatalf("zcard = %d, %v, want 2, nil", n, err)
	}

	ready, err := c.ZPopReady(ctx, "zs", 150, 10)
	if err != nil {
		t.Fatalf("zpopready: %v", err)
	}
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("zpopready = %v, want [a]", ready)
	}

	n, err = c.ZCard(ctx, "zs")
	if err != nil || n != 1 {
		t.Fatalf("zcard after pop = %d, %v, want 1, nil", n, err)
	}
}

func TestLPushLRange(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	for _, v := range []string{"first", "second", "third"} {
		if err := c.LPush(ctx, "list", v, 2, time.Minute); err != nil {
			t.Fatalf("lpush %q: %v", v, err)
		}
	}

	vals, err := c.LRange(ctx, "list", 10)
	if err != nil {
		t.Fatalf("lrange: %v", err)
	}
	if len(vals) != 2 || vals[0] != "third" || vals[1] != "second" {
		t.Fatalf("lrange = %v, want [third second] (newest-first, trimmed to maxLen 2)", vals)
	}
}

func TestScan(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()

	if _, err := c.SetNX(ctx, "lock:a", "x", time.Minute); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if _, err := c.SetNX(ctx, "lock:b", "x", time.Minute); err != nil {
		t.Fatalf("setnx: %v", err)
	}
	if _, err := c.SetNX(ctx, "other", "x", time.Minute); err != nil {
		t.Fatalf("setnx: %v", err)
	}

	keys, err := c.Scan(ctx, "lock:*")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("scan returned %d keys, want 2: %v", len(keys), keys)
	}
}
