// Package retry requeues unmatched jobs on a fixed schedule.
//
// A job whose search exhausted every tier sits in unmatched with a
// next-retry timestamp. The hourly sweep picks up those whose timestamp has
// passed and whose attempt counter is under the cap, flips them back to
// pending with a conditional write (so overlapping sweeps and late accepts
// cannot double-start anything) and hands them back to the search
// dispatcher. Jobs at the attempt cap stay unmatched until someone
// intervenes.
//
// The sweep also runs once at startup, which doubles as crash recovery:
// sessions lost to a restart eventually funnel their jobs through here.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"khidma/dispatch-service/internal/job"
)

// MaxAttempts caps how many times a job's search is restarted automatically.
const MaxAttempts = 3

// JobStore is the slice of the job store the scheduler needs. Satisfied by
// the full job.Store.
type JobStore interface {
	ScanRetryable(ctx context.Context, now time.Time, maxAttempts int) ([]job.Job, error)
	Requeue(ctx context.Context, id string) (*job.Job, error)
}

// Searcher restarts search sessions. Satisfied by search.Manager.
type Searcher interface {
	Start(jobID string, lat, lng float64, serviceID string) error
}

// Scheduler wraps robfig/cron and runs the retry sweep.
type Scheduler struct {
	cron        *cron.Cron
	store       JobStore
	search      Searcher
	maxAttempts int
	spec        string // cron spec, e.g. "@every 1h"
}

// New creates a Scheduler that sweeps every interval.
func New(store JobStore, search Searcher, interval time.Duration) *Scheduler {
	return &Scheduler{
		cron:        cron.New(),
		store:       store,
		search:      search,
		maxAttempts: MaxAttempts,
		spec:        fmt.Sprintf("@every %s", interval),
	}
}

// Start registers the sweep and starts the cron. One sweep runs immediately
// so jobs stranded by a restart are not stuck for a full interval.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}

	s.cron.Start()
	slog.Info("retry scheduler started", "spec", s.spec, "maxAttempts", s.maxAttempts)

	go s.Sweep(ctx)

	return nil
}

// Stop shuts the cron down gracefully.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	slog.Info("retry scheduler stopped")
}

// Sweep requeues every eligible unmatched job and restarts its search. Each
// job is independent: one failure never aborts the rest of the scan.
func (s *Scheduler) Sweep(ctx context.Context) {
	jobs, err := s.store.ScanRetryable(ctx, time.Now(), s.maxAttempts)
	if err != nil {
		slog.Error("retry scan failed", "err", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	slog.Info("retry sweep", "eligible", len(jobs))

	requeued := 0
	for _, j := range jobs {
		if err := s.retryJob(ctx, &j); err != nil {
			slog.Warn("retry failed for job", "jobId", j.ID, "err", err)
			continue
		}
		requeued++
	}

	slog.Info("retry sweep complete", "requeued", requeued, "eligible", len(jobs))
}

func (s *Scheduler) retryJob(ctx context.Context, j *job.Job) error {
	if _, err := s.store.Requeue(ctx, j.ID); err != nil {
		if errors.Is(err, job.ErrNoMatch) {
			// Lost the race to an accept or a concurrent sweep. Fine.
			return nil
		}
		return fmt.Errorf("requeue: %w", err)
	}

	slog.Info("retrying unmatched job", "jobId", j.ID,
		"attempt", j.SearchAttempts+1, "maxAttempts", s.maxAttempts)

	if err := s.search.Start(j.ID, j.Lat, j.Lng, j.ServiceID); err != nil {
		return fmt.Errorf("start search: %w", err)
	}
	return nil
}
