// Package search drives the tiered technician search for open jobs.
//
// Each job in an awaiting-technician status owns at most one session: a
// goroutine that walks the tier list, discovering and notifying candidates
// within a growing radius and waiting out each tier's time box. The session
// tears down as soon as the job leaves pending/searching — on its own timer
// tick at the latest, immediately when the acceptance arbiter or a
// cancellation signals it.
//
// Sessions are process-local and not persisted. If the process dies,
// in-flight sessions are lost; the retry scheduler's periodic sweep is the
// recovery path for the jobs they were serving.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"khidma/dispatch-service/internal/geo"
	"khidma/dispatch-service/internal/job"
)

// JobStore is the slice of the job store the dispatcher needs. Satisfied by
// the full job.Store.
type JobStore interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	MarkSearching(ctx context.Context, id string, radiusMeters, tierIndex int) (*job.Job, error)
	MarkUnmatched(ctx context.Context, id string, nextRetryAt time.Time) (*job.Job, error)
}

// Notifier delivers job offers to candidates and the exhaustion notice to
// the customer. Failures are always non-fatal here.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, title, body string, data map[string]any) error
}

// ErrSessionActive is returned by Start when the job already has a session.
var ErrSessionActive = errors.New("search session already active for job")

// ErrClosed is returned by Start after the manager has shut down.
var ErrClosed = errors.New("search manager is closed")

// Candidate lookups are retried a few times with a short linear backoff
// before the tier gives up on discovery; the tier's time box is never
// extended to compensate.
const (
	lookupAttempts = 3
	lookupBackoff  = 500 * time.Millisecond
)

// Manager owns every active search session in the process. It is the
// explicit registry the rest of the system talks to: the job service starts
// and stops sessions through it, the retry scheduler restarts them.
type Manager struct {
	store    JobStore
	lookup   geo.Lookup
	notifier Notifier

	tiers      []Tier
	retryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	sessions map[string]*session
}

// session is the ephemeral state of one job's in-flight search. It is owned
// exclusively by its goroutine; only the stop channel is shared.
type session struct {
	jobID     string
	lat, lng  float64
	serviceID string

	// notified accumulates every candidate a notification was attempted
	// for, so later (wider) tiers never re-notify the same technician.
	notified map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

// signalStop is safe to call any number of times from any goroutine.
func (s *session) signalStop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// NewManager returns a Manager using the given tier policy. Pass nil tiers
// for the default policy; retryDelay <= 0 selects DefaultRetryDelay.
func NewManager(store JobStore, lookup geo.Lookup, notifier Notifier, tiers []Tier, retryDelay time.Duration) *Manager {
	if tiers == nil {
		tiers = DefaultTiers()
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:      store,
		lookup:     lookup,
		notifier:   notifier,
		tiers:      tiers,
		retryDelay: retryDelay,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*session),
	}
}

// Start creates a session for the job at tier 0 and returns immediately;
// tier execution is asynchronous. A job can have at most one active session.
func (m *Manager) Start(jobID string, lat, lng float64, serviceID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, exists := m.sessions[jobID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionActive, jobID)
	}
	s := &session{
		jobID:     jobID,
		lat:       lat,
		lng:       lng,
		serviceID: serviceID,
		notified:  make(map[string]struct{}),
		stop:      make(chan struct{}),
	}
	m.sessions[jobID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	slog.Info("search session started", "jobId", jobID, "serviceId", serviceID)
	go m.run(s)
	return nil
}

// Stop signals the job's session, if any, to tear down now. It is
// idempotent and a no-op for unknown jobs, so the arbiter, a cancellation
// and the session's own timer may all race to call it safely.
func (m *Manager) Stop(jobID string) {
	m.mu.Lock()
	s := m.sessions[jobID]
	m.mu.Unlock()
	if s != nil {
		s.signalStop()
	}
}

// Active reports whether the job currently has a session.
func (m *Manager) Active(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[jobID]
	return ok
}

// Close stops every session and waits for their goroutines to drain.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

// remove deregisters s. It only deletes the registry entry if it still maps
// to this exact session, so a finished session can never evict a successor
// started for the same job.
func (m *Manager) remove(s *session) {
	m.mu.Lock()
	if m.sessions[s.jobID] == s {
		delete(m.sessions, s.jobID)
	}
	m.mu.Unlock()
}

// run walks the tier list for one session.
func (m *Manager) run(s *session) {
	defer m.wg.Done()
	defer m.remove(s)

	for idx, tier := range m.tiers {
		if !m.runTier(s, idx, tier) {
			return
		}

		timer := time.NewTimer(tier.Duration)
		select {
		case <-timer.C:
		case <-s.stop:
			timer.Stop()
			slog.Info("search session stopped", "jobId", s.jobID, "tier", idx)
			return
		case <-m.ctx.Done():
			timer.Stop()
			return
		}

		// Timer fired: re-read the job. Leaving pending/searching is the
		// normal "someone else changed the state" outcome, not an error.
		j, err := m.store.Get(m.ctx, s.jobID)
		if err != nil {
			slog.Warn("status re-read failed, continuing search", "jobId", s.jobID, "err", err)
			continue
		}
		if j.Status != job.StatusPending && j.Status != job.StatusSearching {
			slog.Info("search session torn down", "jobId", s.jobID, "status", j.Status)
			return
		}
	}

	m.exhaust(s)
}

// runTier records the tier against the job, discovers candidates and fans
// out notifications. It returns false when the session must tear down
// because the job already left the awaiting statuses.
func (m *Manager) runTier(s *session, tierIndex int, tier Tier) bool {
	_, err := m.store.MarkSearching(m.ctx, s.jobID, tier.RadiusMeters, tierIndex)
	if errors.Is(err, job.ErrNoMatch) {
		return false
	}
	if err != nil {
		// Radius bookkeeping is not correctness-critical; the tier still
		// runs so a store hiccup cannot silently kill the search.
		slog.Warn("record tier radius failed", "jobId", s.jobID, "tier", tierIndex, "err", err)
	}

	candidates := m.findCandidates(s, tier)
	slog.Info("tier discovery", "jobId", s.jobID, "tier", tierIndex,
		"radiusM", tier.RadiusMeters, "candidates", len(candidates))

	for _, c := range candidates {
		// Mark as notified before knowing the outcome: a failed delivery
		// must not cause duplicate spam when a wider tier replays the area.
		s.notified[c.ID] = struct{}{}

		err := m.notifier.Notify(m.ctx, c.ID, "new_job_offer",
			"وظيفة جديدة متاحة", "طلب خدمة جديد بالقرب منك",
			map[string]any{"job_id": s.jobID, "distance_m": c.DistanceMeters})
		if err != nil {
			slog.Warn("candidate notify failed, skipping", "jobId", s.jobID, "technicianId", c.ID, "err", err)
		}
	}
	return true
}

// findCandidates queries the geo lookup with a bounded retry. On persistent
// failure it returns no candidates; the tier proceeds to its timer either
// way so a downstream outage degrades to "no new candidates this tier".
func (m *Manager) findCandidates(s *session, tier Tier) []geo.Candidate {
	var lastErr error
	for attempt := 1; attempt <= lookupAttempts; attempt++ {
		candidates, err := m.lookup.FindCandidates(m.ctx, s.lat, s.lng,
			float64(tier.RadiusMeters), s.serviceID, s.notified)
		if err == nil {
			return candidates
		}
		lastErr = err
		if attempt < lookupAttempts {
			select {
			case <-time.After(time.Duration(attempt) * lookupBackoff):
			case <-s.stop:
				return nil
			case <-m.ctx.Done():
				return nil
			}
		}
	}
	slog.Warn("candidate lookup failed for tier", "jobId", s.jobID,
		"radiusM", tier.RadiusMeters, "err", lastErr)
	return nil
}

// exhaust handles the terminal no-match path: the job becomes unmatched with
// a bumped attempt counter and a retry timestamp, and the customer is told.
// Retrying is solely the retry scheduler's job.
func (m *Manager) exhaust(s *session) {
	nextRetry := time.Now().Add(m.retryDelay)

	j, err := m.store.MarkUnmatched(m.ctx, s.jobID, nextRetry)
	if errors.Is(err, job.ErrNoMatch) {
		// Accepted or cancelled between the last tier and now.
		return
	}
	if err != nil {
		slog.Error("mark unmatched failed", "jobId", s.jobID, "err", err)
		return
	}

	slog.Info("search exhausted", "jobId", s.jobID,
		"attempts", j.SearchAttempts, "nextRetryAt", nextRetry)

	if err := m.notifier.Notify(m.ctx, j.CustomerID, "no_technician",
		"لم يتم العثور على فني",
		"لم يتم العثور على فني متاح حالياً، سيتم إعادة المحاولة تلقائياً خلال ساعة",
		map[string]any{"job_id": s.jobID, "next_retry_at": nextRetry.Format(time.RFC3339)}); err != nil {
		slog.Warn("notify customer of exhaustion failed", "jobId", s.jobID, "err", err)
	}
}
