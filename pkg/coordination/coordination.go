// Package coordination wraps the shared coordination store (a Redis-style
// KV) with the small set of atomic primitives the rest of the backplane is
// built on: set-if-absent with TTL, a scripted compare-and-delete, a
// scripted compare-and-expire, and an INCR+PEXPIRE counter. Every
// cross-instance mutual-exclusion mechanism in this module (pkg/lock,
// pkg/election, pkg/ratelimit's distributed variant) goes through this
// client rather than touching go-redis directly.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// compareAndDeleteScript deletes KEYS[1] only if its current value equals
// ARGV[1], closing the TOCTOU gap a plain GET-then-DEL would leave open.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// compareAndExpireScript resets KEYS[1]'s TTL only if its current value
// equals ARGV[1].
var compareAndExpireScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Client is a thin wrapper over *redis.Client exposing the atomic
// primitives needed by the coordination layer.
type Client struct {
	rdb *redis.Client
}

// New wraps an already-connected Redis client.
func New(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Raw returns the underlying go-redis client, for callers (health checks,
// pub/sub) that need it directly.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// SetNX atomically sets key to value with the given TTL, only if key is
// currently absent. Returns true if the set happened.
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("coordination: setnx %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndDelete deletes key only if its current value equals value.
// Returns true if a deletion occurred.
func (c *Client) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	res, err := compareAndDeleteScript.Run(ctx, c.rdb, []string{key}, value).Int()
	if err != nil {
		return false, fmt.Errorf("coordination: compare-and-delete %s: %w", key, err)
	}
	return res == 1, nil
}

// CompareAndExpire resets key's TTL to ttl only if its current value equals
// value. Returns true if the TTL was reset.
func (c *Client) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := compareAndExpireScript.Run(ctx, c.rdb, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("coordination: compare-and-expire %s: %w", key, err)
	}
	return res == 1, nil
}

// Get returns the current value of key, and false if it does not exist.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("coordination: get %s: %w", key, err)
	}
	return val, true, nil
}

// TTL returns the remaining time-to-live of key.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("coordination: ttl %s: %w", key, err)
	}
	return ttl, nil
}

// IncrWithExpiry increments the counter at key, setting its TTL to window
// only on the first increment in the window (the counter is created at
// count=1 and expires window after that). Returns the counter's new value.
func (c *Client) IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	// NX: the window starts when the counter is created and is never
	// extended by later increments.
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("coordination: incr-with-expiry %s: %w", key, err)
	}

	return incr.Val(), nil
}

// Scan returns every key matching pattern. Intended for introspection
// (operator surface, tests) — not for hot paths.
func (c *Client) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("coordination: scan %s: %w", pattern, err)
	}
	return keys, nil
}

// ZAdd adds member to the sorted set at key with the given score. Used for
// the durable cross-instance webhook retry queue, scored by next-attempt
// unix time so any instance's sweep can pick up a due retry.
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("coordination: zadd %s: %w", key, err)
	}
	return nil
}

// ZPopReady pops up to limit members from the sorted set at key whose score
// is at most maxScore, removing each member as it's claimed so a concurrent
// sweep from another instance does not double-claim it.
func (c *Client) ZPopReady(ctx context.Context, key string, maxScore float64, limit int64) ([]string, error) {
	members, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%f", maxScore),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("coordination: zrangebyscore %s: %w", key, err)
	}

	var claimed []string
	for _, m := range members {
		n, err := c.rdb.ZRem(ctx, key, m).Result()
		if err != nil {
			return claimed, fmt.Errorf("coordination: zrem %s: %w", key, err)
		}
		if n > 0 {
			claimed = append(claimed, m)
		}
	}
	return claimed, nil
}

// ZCard returns the number of members in the sorted set at key.
func (c *Client) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("coordination: zcard %s: %w", key, err)
	}
	return n, nil
}

// LPush pushes value onto the head of the list at key, trimming it to
// maxLen. Used for the per-subscription rolling failure list.
func (c *Client) LPush(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) error {
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, maxLen-1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("coordination: lpush %s: %w", key, err)
	}
	return nil
}

// LRange returns up to count entries from the list at key.
func (c *Client) LRange(ctx context.Context, key string, count int64) ([]string, error) {
	vals, err := c.rdb.LRange(ctx, key, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("coordination: lrange %s: %w", key, err)
	}
	return vals, nil
}

// Publish publishes a message on channel, used for signaling leadership and
// queue events between instances.
func (c *Client) Publish(ctx context.Context, channel, message string) error {
	if err := c.rdb.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("coordination: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe subscribes to channel, returning the underlying PubSub handle.
// Callers must Close it when done.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channel)
}
