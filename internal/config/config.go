// Package config loads and validates environment variables at startup.
// Fail-fast: if a required variable is missing, the process exits with an error.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all runtime configuration for the dispatch service.
type Config struct {
	Port               string
	DatabaseURL        string
	RedisURL           string
	RetryIntervalHours int // how often the unmatched-job retry sweep fires
}

// Load reads environment variables and returns a validated Config.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	interval := 1
	if s := os.Getenv("RETRY_INTERVAL_HOURS"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			return nil, fmt.Errorf("RETRY_INTERVAL_HOURS must be a positive integer, got %q", s)
		}
		interval = v
	}

	port := os.Getenv("DISPATCH_PORT")
	if port == "" {
		port = "8080"
	}

	return &Config{
		Port:               port,
		DatabaseURL:        dbURL,
		RedisURL:           redisURL,
		RetryIntervalHours: interval,
	}, nil
}
