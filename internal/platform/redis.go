package platform

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects to the coordination store and verifies
// connectivity with a ping before returning. The returned client is the
// single shared handle pkg/coordination wraps; it is closed exactly once
// at shutdown by internal/app.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing coordination store URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging coordination store: %w", err)
	}

	return client, nil
}
