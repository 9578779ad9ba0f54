package job_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"khidma/dispatch-service/internal/job"
)

// ── In-memory fakes ────────────────────────────────────────────────────────
//
// memStore mirrors the conditional-write contract of the PostgreSQL store:
// every status-dependent mutation checks the expected current state under
// one lock and reports ErrNoMatch on a miss. That makes the concurrency
// tests below exercise the same arbitration path production uses.

type memStore struct {
	mu   sync.Mutex
	seq  int
	jobs map[string]*job.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]*job.Job)}
}

var _ job.Store = (*memStore)(nil)

func (m *memStore) Create(_ context.Context, p job.CreateParams) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	now := time.Now()
	j := &job.Job{
		ID:           fmt.Sprintf("job-%d", m.seq),
		CustomerID:   p.CustomerID,
		ServiceID:    p.ServiceID,
		Lat:          p.Lat,
		Lng:          p.Lng,
		AddressText:  p.AddressText,
		Description:  p.Description,
		InitialPrice: p.InitialPrice,
		Status:       job.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.jobs[j.ID] = j
	return copyJob(j), nil
}

func (m *memStore) Get(_ context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return copyJob(j), nil
}

func (m *memStore) ListByUser(_ context.Context, userID string) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]job.Job, 0)
	for _, j := range m.jobs {
		if j.Status != job.StatusCancelled && j.IsParty(userID) {
			out = append(out, *copyJob(j))
		}
	}
	return out, nil
}

func (m *memStore) ListOpen(_ context.Context, since time.Time, limit, _ int) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]job.Job, 0)
	for _, j := range m.jobs {
		if j.Status == job.StatusPending && j.CreatedAt.After(since) && len(out) < limit {
			out = append(out, *copyJob(j))
		}
	}
	return out, nil
}

func (m *memStore) Accept(_ context.Context, id, technicianID string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !job.IsAwaiting(j.Status) {
		return nil, job.ErrNoMatch
	}
	now := time.Now()
	j.TechnicianID = &technicianID
	j.Status = job.StatusAccepted
	j.AcceptedAt = &now
	return copyJob(j), nil
}

func (m *memStore) SetPrice(_ context.Context, id, technicianID string, price float64, notes *string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != job.StatusAccepted || j.TechnicianID == nil || *j.TechnicianID != technicianID {
		return nil, job.ErrNoMatch
	}
	j.TechnicianPrice = &price
	j.PriceNotes = notes
	j.Status = job.StatusPricePending
	return copyJob(j), nil
}

func (m *memStore) SetCounterOffer(_ context.Context, id, customerID string, amount float64) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != job.StatusPricePending || j.CustomerID != customerID {
		return nil, job.ErrNoMatch
	}
	j.CounterOffer = &amount
	return copyJob(j), nil
}

func (m *memStore) ReopenPricing(_ context.Context, id, customerID string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != job.StatusPricePending || j.CustomerID != customerID {
		return nil, job.ErrNoMatch
	}
	j.Status = job.StatusAccepted
	j.TechnicianPrice = nil
	j.CounterOffer = nil
	j.PriceNotes = nil
	return copyJob(j), nil
}

func (m *memStore) ConfirmPrice(_ context.Context, id, customerID string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != job.StatusPricePending || j.CustomerID != customerID {
		return nil, job.ErrNoMatch
	}
	now := time.Now()
	final := j.TechnicianPrice
	if j.CounterOffer != nil {
		final = j.CounterOffer
	}
	j.FinalPrice = final
	j.Status = job.StatusInProgress
	j.PriceConfirmedAt = &now
	return copyJob(j), nil
}

func (m *memStore) Complete(_ context.Context, id, technicianID string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != job.StatusInProgress || j.TechnicianID == nil || *j.TechnicianID != technicianID {
		return nil, job.ErrNoMatch
	}
	now := time.Now()
	j.Status = job.StatusCompleted
	j.CompletedAt = &now
	return copyJob(j), nil
}

func (m *memStore) Rate(_ context.Context, id, customerID string, rating int, review *string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != job.StatusCompleted || j.CustomerID != customerID || j.CustomerRating != nil {
		return nil, job.ErrNoMatch
	}
	now := time.Now()
	j.Status = job.StatusRated
	j.CustomerRating = &rating
	j.CustomerReview = review
	j.RatedAt = &now
	return copyJob(j), nil
}

func (m *memStore) Cancel(_ context.Context, id, byUserID string, reason *string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !j.IsParty(byUserID) || !job.IsTransitionAllowed(j.Status, job.StatusCancelled) {
		return nil, job.ErrNoMatch
	}
	now := time.Now()
	j.Status = job.StatusCancelled
	j.CancelledBy = &byUserID
	j.CancelReason = reason
	j.CancelledAt = &now
	return copyJob(j), nil
}

func (m *memStore) MarkSearching(_ context.Context, id string, radiusMeters, tierIndex int) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || (j.Status != job.StatusPending && j.Status != job.StatusSearching) {
		return nil, job.ErrNoMatch
	}
	now := time.Now()
	j.Status = job.StatusSearching
	j.SearchRadius = radiusMeters
	j.TierIndex = tierIndex
	j.LastSearchAt = &now
	return copyJob(j), nil
}

func (m *memStore) MarkUnmatched(_ context.Context, id string, nextRetryAt time.Time) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || (j.Status != job.StatusPending && j.Status != job.StatusSearching) {
		return nil, job.ErrNoMatch
	}
	j.Status = job.StatusUnmatched
	j.SearchAttempts++
	j.NextRetryAt = &nextRetryAt
	return copyJob(j), nil
}

func (m *memStore) Requeue(_ context.Context, id string) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != job.StatusUnmatched {
		return nil, job.ErrNoMatch
	}
	j.Status = job.StatusPending
	return copyJob(j), nil
}

func (m *memStore) ScanRetryable(_ context.Context, now time.Time, maxAttempts int) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]job.Job, 0)
	for _, j := range m.jobs {
		if j.Status == job.StatusUnmatched && j.NextRetryAt != nil &&
			!j.NextRetryAt.After(now) && j.SearchAttempts < maxAttempts {
			out = append(out, *copyJob(j))
		}
	}
	return out, nil
}

func copyJob(j *job.Job) *job.Job {
	c := *j
	return &c
}

// fakeSearch records session starts and stops.
type fakeSearch struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (f *fakeSearch) Start(jobID string, _, _ float64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, jobID)
	return nil
}

func (f *fakeSearch) Stop(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, jobID)
}

func (f *fakeSearch) stopCount(jobID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.stopped {
		if id == jobID {
			n++
		}
	}
	return n
}

// fakeNotifier records deliveries.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
}

type sentNotification struct {
	userID string
	kind   string
}

func (f *fakeNotifier) Notify(_ context.Context, userID, kind, _, _ string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotification{userID: userID, kind: kind})
	return nil
}

func (f *fakeNotifier) countKind(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.kind == kind {
			n++
		}
	}
	return n
}

// ── Test fixture ───────────────────────────────────────────────────────────

type fixture struct {
	store    *memStore
	search   *fakeSearch
	notifier *fakeNotifier
	svc      *job.Service
}

func newFixture() *fixture {
	store := newMemStore()
	search := &fakeSearch{}
	notifier := &fakeNotifier{}
	return &fixture{
		store:    store,
		search:   search,
		notifier: notifier,
		svc:      job.NewService(store, search, notifier),
	}
}

func (f *fixture) createJob(t *testing.T, customerID string) *job.Job {
	t.Helper()
	j, err := f.svc.Create(context.Background(), job.CreateParams{
		CustomerID:   customerID,
		ServiceID:    "svc-plumbing",
		Lat:          24.7136,
		Lng:          46.6753,
		AddressText:  "Riyadh, Al Olaya",
		InitialPrice: 150,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return j
}

// acceptedJob drives a fresh job to accepted by tech-1.
func (f *fixture) acceptedJob(t *testing.T) *job.Job {
	t.Helper()
	j := f.createJob(t, "cust-1")
	j, err := f.svc.Accept(context.Background(), j.ID, "tech-1")
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	return j
}

// ── Create ─────────────────────────────────────────────────────────────────

func TestCreate_StartsSearchSession(t *testing.T) {
	f := newFixture()
	j := f.createJob(t, "cust-1")

	if j.Status != job.StatusPending {
		t.Errorf("new job status = %s, want pending", j.Status)
	}
	if len(f.search.started) != 1 || f.search.started[0] != j.ID {
		t.Errorf("expected one search session for %s, got %v", j.ID, f.search.started)
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture()
	cases := []struct {
		name   string
		params job.CreateParams
	}{
		{"missing service", job.CreateParams{CustomerID: "c", Lat: 24.7, Lng: 46.7, AddressText: "a", InitialPrice: 100}},
		{"missing location", job.CreateParams{CustomerID: "c", ServiceID: "s", AddressText: "a", InitialPrice: 100}},
		{"zero price", job.CreateParams{CustomerID: "c", ServiceID: "s", Lat: 24.7, Lng: 46.7, AddressText: "a"}},
		{"negative price", job.CreateParams{CustomerID: "c", ServiceID: "s", Lat: 24.7, Lng: 46.7, AddressText: "a", InitialPrice: -5}},
		{"missing address", job.CreateParams{CustomerID: "c", ServiceID: "s", Lat: 24.7, Lng: 46.7, InitialPrice: 100}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), c.params)
			var ve *job.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected *ValidationError, got %v", err)
			}
		})
	}
	if len(f.search.started) != 0 {
		t.Errorf("no search session should start for rejected input, got %v", f.search.started)
	}
}

// ── Accept ─────────────────────────────────────────────────────────────────

func TestAccept_SingleWinnerUnderContention(t *testing.T) {
	f := newFixture()
	j := f.createJob(t, "cust-1")

	const technicians = 20
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		won    []string
		losses int
	)
	for i := 0; i < technicians; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			techID := fmt.Sprintf("tech-%d", i)
			got, err := f.svc.Accept(context.Background(), j.ID, techID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				won = append(won, techID)
				if got.TechnicianID == nil || *got.TechnicianID != techID {
					t.Errorf("winner %s got job assigned to %v", techID, got.TechnicianID)
				}
			} else if errors.Is(err, job.ErrJobTaken) {
				losses++
			} else {
				t.Errorf("unexpected error for %s: %v", techID, err)
			}
		}(i)
	}
	wg.Wait()

	if len(won) != 1 {
		t.Fatalf("exactly one technician must win, got %d winners: %v", len(won), won)
	}
	if losses != technicians-1 {
		t.Errorf("losers = %d, want %d, all with ErrJobTaken", losses, technicians-1)
	}

	final, _ := f.store.Get(context.Background(), j.ID)
	if final.Status != job.StatusAccepted {
		t.Errorf("final status = %s, want accepted", final.Status)
	}
	if *final.TechnicianID != won[0] {
		t.Errorf("assigned technician = %s, want winner %s", *final.TechnicianID, won[0])
	}
}

func TestAccept_UnknownJob(t *testing.T) {
	f := newFixture()
	_, err := f.svc.Accept(context.Background(), "job-missing", "tech-1")
	if !errors.Is(err, job.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAccept_AlreadyTaken(t *testing.T) {
	f := newFixture()
	j := f.acceptedJob(t)

	_, err := f.svc.Accept(context.Background(), j.ID, "tech-2")
	if !errors.Is(err, job.ErrJobTaken) {
		t.Errorf("expected ErrJobTaken, got %v", err)
	}

	got, _ := f.store.Get(context.Background(), j.ID)
	if *got.TechnicianID != "tech-1" {
		t.Errorf("losing accept must not change assignment, got %s", *got.TechnicianID)
	}
}

func TestAccept_StopsSearchAndNotifiesCustomer(t *testing.T) {
	f := newFixture()
	j := f.acceptedJob(t)

	if f.search.stopCount(j.ID) != 1 {
		t.Errorf("accept should stop the search session once, got %d", f.search.stopCount(j.ID))
	}
	if f.notifier.countKind("job_accepted") != 1 {
		t.Errorf("customer should be notified of the accept exactly once")
	}
}

func TestAccept_LateAcceptOnUnmatchedJob(t *testing.T) {
	f := newFixture()
	j := f.createJob(t, "cust-1")
	if _, err := f.store.MarkUnmatched(context.Background(), j.ID, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("MarkUnmatched: %v", err)
	}

	got, err := f.svc.Accept(context.Background(), j.ID, "tech-9")
	if err != nil {
		t.Fatalf("late accept on unmatched job should succeed: %v", err)
	}
	if got.Status != job.StatusAccepted {
		t.Errorf("status = %s, want accepted", got.Status)
	}
}

// ── Price flow ─────────────────────────────────────────────────────────────

func TestSetPrice_HappyPath(t *testing.T) {
	f := newFixture()
	j := f.acceptedJob(t)

	got, err := f.svc.SetPrice(context.Background(), j.ID, "tech-1", 250, nil)
	if err != nil {
		t.Fatalf("SetPrice failed: %v", err)
	}
	if got.Status != job.StatusPricePending {
		t.Errorf("status = %s, want price_pending", got.Status)
	}
	if got.TechnicianPrice == nil || *got.TechnicianPrice != 250 {
		t.Errorf("technician price = %v, want 250", got.TechnicianPrice)
	}
	if f.notifier.countKind("price_proposed") != 1 {
		t.Error("customer should be notified of the proposed price")
	}
}

func TestSetPrice_RejectsNonPositive(t *testing.T) {
	f := newFixture()
	j := f.acceptedJob(t)

	var ve *job.ValidationError
	if _, err := f.svc.SetPrice(context.Background(), j.ID, "tech-1", 0, nil); !errors.As(err, &ve) {
		t.Errorf("expected *ValidationError for zero price, got %v", err)
	}
}

func TestSetPrice_WrongTechnician(t *testing.T) {
	f := newFixture()
	j := f.acceptedJob(t)

	_, err := f.svc.SetPrice(context.Background(), j.ID, "tech-2", 250, nil)
	if !errors.Is(err, job.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for a stranger, got %v", err)
	}
}

func TestConfirmPrice_FreezesTechnicianPrice(t *testing.T) {
	f := newFixture()
	j := f.acceptedJob(t)
	if _, err := f.svc.SetPrice(context.Background(), j.ID, "tech-1", 250, nil); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}

	got, err := f.svc.ConfirmPrice(context.Background(), j.ID, "cust-1")
	if err != nil {
		t.Fatalf("ConfirmPrice failed: %v", err)
	}
	if got.Status != job.StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
	if got.FinalPrice == nil || *got.FinalPrice != 250 {
		t.Errorf("final price = %v, want 250", got.FinalPrice)
	}
	if f.notifier.countKind("price_confirmed") != 1 {
		t.Error("technician should be notified of the confirmation")
	}
}

func TestConfirmPrice_PrefersCounterOffer(t *testing.T) {
	f := newFixture()
	j := f.acceptedJob(t)
	if _, err := f.svc.SetPrice(context.Background(), j.ID, "tech-1", 250, nil); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}
	counter := 180.0
	if _, err := f.svc.RejectPrice(context.Background(), j.ID, "cust-1", &counter); err != nil {
		t.Fatalf("RejectPrice with counter: %v", err)
	}

	got, err := f.svc.ConfirmPrice(context.Background(), j.ID, "cust-1")
	if err != nil {
		t.Fatalf("ConfirmPrice failed: %v", err)
	}
	if got.FinalPrice == nil || *got.FinalPrice != 180 {
		t.Errorf("final price = %v, want counter-offer 180", got.FinalPrice)
	}
}

func TestRejectPrice_CounterOfferKeepsPricePending(t *testing.T) {
	f := newFixture()
	j := f.acceptedJob(t)
	if _, err := f.svc.SetPrice(context.Background(), j.ID, "tech-1", 250, nil); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}

	counter := 180.0
	got, err := f.svc.RejectPrice(context.Background(), j.ID, "cust-1", &counter)
	if err != nil {
		t.Fatalf("RejectPrice failed: %v", err)
	}
	if got.Status != job.StatusPricePending {
		t.Errorf("status = %s, want price_pending (negotiation continues)", got.Status)
	}
	if got.CounterOffer == nil || *got.CounterOffer != 180 {
		t.Errorf("counter offer = %v, want 180", got.CounterOffer)
	}
	if f.notifier.countKind("counter_offer") != 1 {
		t.Error("technician should be notified of the counter-offer")
	}
}

func TestRejectPrice_WithoutCounterReopensPricing(t *testing.T) {
	f := newFixture()
	j := f.acceptedJob(t)
	if _, err := f.svc.SetPrice(context.Background(), j.ID, "tech-1", 250, nil); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}

	got, err := f.svc.RejectPrice(context.Background(), j.ID, "cust-1", nil)
	if err != nil {
		t.Fatalf("RejectPrice failed: %v", err)
	}
	if got.Status != job.StatusAccepted {
		t.Errorf("status = %s, want accepted (pricing reopened)", got.Status)
	}
	if got.TechnicianID == nil || *got.TechnicianID != "tech-1" {
		t.Error("rejection must keep the assigned technician")
	}
	if got.TechnicianPrice != nil {
		t.Errorf("technician price should be cleared, got %v", got.TechnicianPrice)
	}
	if f.notifier.countKind("price_rejected") != 1 {
		t.Error("technician should be notified of the rejection")
	}
}

// ── Complete and Rate ──────────────────────────────────────────────────────

func (f *fixture) inProgressJob(t *testing.T) *job.Job {
	t.Helper()
	j := f.acceptedJob(t)
	if _, err := f.svc.SetPrice(context.Background(), j.ID, "tech-1", 250, nil); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}
	j, err := f.svc.ConfirmPrice(context.Background(), j.ID, "cust-1")
	if err != nil {
		t.Fatalf("ConfirmPrice: %v", err)
	}
	return j
}

func TestComplete_HappyPath(t *testing.T) {
	f := newFixture()
	j := f.inProgressJob(t)

	got, err := f.svc.Complete(context.Background(), j.ID, "tech-1")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got.Status != job.StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if f.notifier.countKind("job_completed") != 1 {
		t.Error("customer should be notified of completion")
	}
}

func TestComplete_BeforePriceConfirmed(t *testing.T) {
	f := newFixture()
	j := f.acceptedJob(t)

	_, err := f.svc.Complete(context.Background(), j.ID, "tech-1")
	var te *job.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Errorf("expected *InvalidTransitionError, got %v", err)
	}
}

func TestRate_HappyPath(t *testing.T) {
	f := newFixture()
	j := f.inProgressJob(t)
	if _, err := f.svc.Complete(context.Background(), j.ID, "tech-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	review := "ممتاز"
	got, err := f.svc.Rate(context.Background(), j.ID, "cust-1", 5, &review)
	if err != nil {
		t.Fatalf("Rate failed: %v", err)
	}
	if got.Status != job.StatusRated {
		t.Errorf("status = %s, want rated", got.Status)
	}
	if got.CustomerRating == nil || *got.CustomerRating != 5 {
		t.Errorf("rating = %v, want 5", got.CustomerRating)
	}
}

func TestRate_Bounds(t *testing.T) {
	f := newFixture()
	j := f.inProgressJob(t)
	if _, err := f.svc.Complete(context.Background(), j.ID, "tech-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	for _, rating := range []int{0, -1, 6, 100} {
		var ve *job.ValidationError
		if _, err := f.svc.Rate(context.Background(), j.ID, "cust-1", rating, nil); !errors.As(err, &ve) {
			t.Errorf("Rate(%d) expected *ValidationError, got %v", rating, err)
		}
	}
}

func TestRate_Twice(t *testing.T) {
	f := newFixture()
	j := f.inProgressJob(t)
	if _, err := f.svc.Complete(context.Background(), j.ID, "tech-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, err := f.svc.Rate(context.Background(), j.ID, "cust-1", 4, nil); err != nil {
		t.Fatalf("first Rate: %v", err)
	}

	_, err := f.svc.Rate(context.Background(), j.ID, "cust-1", 5, nil)
	if !errors.Is(err, job.ErrAlreadyRated) {
		t.Errorf("expected ErrAlreadyRated, got %v", err)
	}
}

func TestRate_NotTheCustomer(t *testing.T) {
	f := newFixture()
	j := f.inProgressJob(t)
	if _, err := f.svc.Complete(context.Background(), j.ID, "tech-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	_, err := f.svc.Rate(context.Background(), j.ID, "tech-1", 5, nil)
	if !errors.Is(err, job.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for the technician, got %v", err)
	}
}

// ── Cancel ─────────────────────────────────────────────────────────────────

func TestCancel_ByCustomerStopsSearch(t *testing.T) {
	f := newFixture()
	j := f.createJob(t, "cust-1")

	reason := "changed my mind"
	got, err := f.svc.Cancel(context.Background(), j.ID, "cust-1", &reason)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if got.Status != job.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
	if got.CancelledBy == nil || *got.CancelledBy != "cust-1" {
		t.Errorf("cancelled_by = %v, want cust-1", got.CancelledBy)
	}
	if f.search.stopCount(j.ID) != 1 {
		t.Errorf("cancel should stop the search session once, got %d", f.search.stopCount(j.ID))
	}
}

func TestCancel_ByAssignedTechnician(t *testing.T) {
	f := newFixture()
	j := f.acceptedJob(t)

	got, err := f.svc.Cancel(context.Background(), j.ID, "tech-1", nil)
	if err != nil {
		t.Fatalf("Cancel by technician failed: %v", err)
	}
	if got.Status != job.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestCancel_ByStranger(t *testing.T) {
	f := newFixture()
	j := f.createJob(t, "cust-1")

	_, err := f.svc.Cancel(context.Background(), j.ID, "someone-else", nil)
	if !errors.Is(err, job.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

// racingStore simulates a writer that slips in between the service's
// conditional write and its follow-up read: the write reports zero rows
// while the re-read still shows a state the transition is legal from.
type racingStore struct {
	*memStore
}

func (r *racingStore) Cancel(_ context.Context, _ string, _ string, _ *string) (*job.Job, error) {
	return nil, job.ErrNoMatch
}

func TestCancel_LostWriteRaceIsConflict(t *testing.T) {
	f := newFixture()
	j := f.createJob(t, "cust-1")

	svc := job.NewService(&racingStore{memStore: f.store}, f.search, f.notifier)
	_, err := svc.Cancel(context.Background(), j.ID, "cust-1", nil)
	if !errors.Is(err, job.ErrConflict) {
		t.Errorf("a lost write race on a legal request should surface ErrConflict, got %v", err)
	}
	var ve *job.ValidationError
	if errors.As(err, &ve) {
		t.Error("a lost write race must not be reported as invalid input")
	}
}

func TestCancel_CompletedJob(t *testing.T) {
	f := newFixture()
	j := f.inProgressJob(t)
	if _, err := f.svc.Complete(context.Background(), j.ID, "tech-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	_, err := f.svc.Cancel(context.Background(), j.ID, "cust-1", nil)
	var te *job.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Errorf("expected *InvalidTransitionError, got %v", err)
	}
}

// ── Get ────────────────────────────────────────────────────────────────────

func TestGet_PartyScoped(t *testing.T) {
	f := newFixture()
	j := f.acceptedJob(t)

	for _, userID := range []string{"cust-1", "tech-1"} {
		if _, err := f.svc.Get(context.Background(), j.ID, userID); err != nil {
			t.Errorf("Get as party %s failed: %v", userID, err)
		}
	}

	// Non-parties get the same answer as for a missing job.
	if _, err := f.svc.Get(context.Background(), j.ID, "stranger"); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("Get as stranger expected ErrNotFound, got %v", err)
	}
}
