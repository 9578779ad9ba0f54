// Package db opens the PostgreSQL and Redis connections the dispatch
// service runs on, verified with a ping before any work is accepted.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool sizing for the dispatch workload: HTTP handlers plus one short-lived
// connection per search-session store write, plus the retry sweep. Searches
// are time-boxed in minutes, so a small pool never queues for long.
const (
	pgMaxConns        = 16
	pgMinConns        = 2
	pgHealthCheckFreq = time.Minute
	pgConnectTimeout  = 10 * time.Second
)

// NewPostgresPool creates the job-store connection pool and verifies it.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	cfg.MaxConns = pgMaxConns
	cfg.MinConns = pgMinConns
	cfg.HealthCheckPeriod = pgHealthCheckFreq

	connectCtx, cancel := context.WithTimeout(ctx, pgConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return pool, nil
}
