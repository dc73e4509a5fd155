// Package redis keeps rate-limit windows in Redis so every replica shares them.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Config addresses the Redis server.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// WindowCounter counts hits per fixed-window key.
type WindowCounter struct {
	client goredis.UniversalClient
}

// NewClient dials Redis and verifies connectivity.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("rate_limit.redis.addr is required for the redis backend")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewWindowCounter wraps a connected client.
func NewWindowCounter(client goredis.UniversalClient) *WindowCounter {
	return &WindowCounter{client: client}
}

// Incr bumps key and returns the new count. The key is created with the
// window as its TTL inside the same MULTI as the INCR, so a counter never
// outlives its window.
func (c *WindowCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	var incr *goredis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, window)
		incr = pipe.Incr(ctx, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return incr.Val(), nil
}
