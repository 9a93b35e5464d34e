// Package cache opens the Redis connection shared by the API cache, the
// worker queue and the CLI.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

// Connect dials Redis and verifies it answers a ping. The returned func
// closes the client and logs a close failure.
func Connect(ctx context.Context, addr string, logger *slog.Logger) (*redis.Client, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	closeFn := func() {
		if err := client.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("platform/cache: ping %s: %w", addr, err)
	}
	return client, closeFn, nil
}
