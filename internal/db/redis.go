package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisConnectTimeout = 5 * time.Second

// NewRedisClient creates and verifies the Redis client used for the
// technician geo sets and notification pub/sub.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}

	// GEOSEARCH per tier and per-notification publishes are all small,
	// latency-sensitive calls; fail fast instead of queueing behind a dead
	// connection while a search tier burns its time box.
	opts.DialTimeout = redisConnectTimeout
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return rdb, nil
}
