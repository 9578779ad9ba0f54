package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Searcher starts and stops search sessions. Implemented by search.Manager.
type Searcher interface {
	Start(jobID string, lat, lng float64, serviceID string) error
	Stop(jobID string)
}

// Notifier delivers a one-way message to a user. Delivery failures are
// non-fatal to every caller in this package.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, title, body string, data map[string]any) error
}

// Service encapsulates the job lifecycle business logic, including the
// acceptance protocol. It is transport-agnostic: the HTTP layer is just one
// consumer.
//
// Every state transition goes through a single conditional write in the
// Store; the state machine is consulted first only to reject obviously
// illegal requests early. The store's conditional update — never an
// in-process lock — is what resolves races, because the store may be shared
// by multiple process instances.
type Service struct {
	store    Store
	search   Searcher
	notifier Notifier
}

// NewService returns a configured Service.
func NewService(store Store, search Searcher, notifier Notifier) *Service {
	return &Service{store: store, search: search, notifier: notifier}
}

// Create inserts a new pending job and starts its search session.
func (s *Service) Create(ctx context.Context, p CreateParams) (*Job, error) {
	if p.ServiceID == "" {
		return nil, &ValidationError{Msg: "service id is required"}
	}
	if p.Lat == 0 && p.Lng == 0 {
		return nil, &ValidationError{Msg: "location (lat, lng) is required"}
	}
	if p.InitialPrice <= 0 {
		return nil, &ValidationError{Msg: "initial price must be positive"}
	}
	if p.AddressText == "" {
		return nil, &ValidationError{Msg: "address is required"}
	}

	j, err := s.store.Create(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := s.search.Start(j.ID, j.Lat, j.Lng, j.ServiceID); err != nil {
		// The job row exists either way; the retry sweep will pick it up
		// if the session could not be started.
		slog.Warn("start search failed", "jobId", j.ID, "err", err)
	}

	return j, nil
}

// Accept resolves the fundamental race: many technicians may attempt to
// accept the same job near-simultaneously, and exactly one must win. The
// authoritative arbiter is the store's conditional write keyed on the
// awaiting-technician statuses; a zero-row result means another technician
// already won (ErrJobTaken) or the job does not exist (ErrNotFound) — the
// follow-up read only improves the error, it never decides the outcome.
func (s *Service) Accept(ctx context.Context, jobID, technicianID string) (*Job, error) {
	// Fast-fail on requests that are already obviously illegal.
	current, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !IsAwaiting(current.Status) {
		return nil, ErrJobTaken
	}

	j, err := s.store.Accept(ctx, jobID, technicianID)
	if errors.Is(err, ErrNoMatch) {
		if _, readErr := s.store.Get(ctx, jobID); errors.Is(readErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrJobTaken
	}
	if err != nil {
		return nil, fmt.Errorf("accept job: %w", err)
	}

	s.search.Stop(j.ID)

	if err := s.notifier.Notify(ctx, j.CustomerID, "job_accepted",
		"تم قبول طلبك", "قبل فني طلب الخدمة الخاص بك وسيتواصل معك قريباً",
		map[string]any{"job_id": j.ID}); err != nil {
		slog.Warn("notify customer of accept failed", "jobId", j.ID, "err", err)
	}

	return j, nil
}

// SetPrice records the technician's proposed price: accepted → price_pending.
func (s *Service) SetPrice(ctx context.Context, jobID, technicianID string, price float64, notes *string) (*Job, error) {
	if price <= 0 {
		return nil, &ValidationError{Msg: "price must be positive"}
	}

	j, err := s.store.SetPrice(ctx, jobID, technicianID, price, notes)
	if errors.Is(err, ErrNoMatch) {
		return nil, s.explainNoMatch(ctx, jobID, technicianID, StatusPricePending)
	}
	if err != nil {
		return nil, fmt.Errorf("set price: %w", err)
	}

	if err := s.notifier.Notify(ctx, j.CustomerID, "price_proposed",
		"عرض سعر جديد", fmt.Sprintf("اقترح الفني سعر %.2f ريال للخدمة", price),
		map[string]any{"job_id": j.ID, "price": price}); err != nil {
		slog.Warn("notify customer of price failed", "jobId", j.ID, "err", err)
	}

	return j, nil
}

// ConfirmPrice accepts the proposed (or counter-offered) price:
// price_pending → in_progress. The final price freezes to the counter-offer
// when one exists, otherwise to the technician's proposal.
func (s *Service) ConfirmPrice(ctx context.Context, jobID, customerID string) (*Job, error) {
	j, err := s.store.ConfirmPrice(ctx, jobID, customerID)
	if errors.Is(err, ErrNoMatch) {
		return nil, s.explainNoMatch(ctx, jobID, customerID, StatusInProgress)
	}
	if err != nil {
		return nil, fmt.Errorf("confirm price: %w", err)
	}

	if j.TechnicianID != nil {
		if err := s.notifier.Notify(ctx, *j.TechnicianID, "price_confirmed",
			"تمت الموافقة على السعر", "وافق العميل على السعر، يمكنك بدء العمل",
			map[string]any{"job_id": j.ID}); err != nil {
			slog.Warn("notify technician of confirm failed", "jobId", j.ID, "err", err)
		}
	}

	return j, nil
}

// RejectPrice handles the customer's response to a proposed price other than
// acceptance. With a counter-offer the job stays in price_pending and the
// technician is asked to confirm; without one the job returns to accepted and
// pricing reopens with the same technician.
func (s *Service) RejectPrice(ctx context.Context, jobID, customerID string, counterOffer *float64) (*Job, error) {
	var (
		j   *Job
		err error
	)
	if counterOffer != nil {
		if *counterOffer <= 0 {
			return nil, &ValidationError{Msg: "counter offer must be positive"}
		}
		j, err = s.store.SetCounterOffer(ctx, jobID, customerID, *counterOffer)
	} else {
		j, err = s.store.ReopenPricing(ctx, jobID, customerID)
	}
	if errors.Is(err, ErrNoMatch) {
		return nil, s.explainNoMatch(ctx, jobID, customerID, StatusAccepted)
	}
	if err != nil {
		return nil, fmt.Errorf("reject price: %w", err)
	}

	if j.TechnicianID != nil {
		kind, title, body := "price_rejected", "تم رفض السعر", "رفض العميل السعر المقترح، يمكنك اقتراح سعر جديد"
		if counterOffer != nil {
			kind, title = "counter_offer", "عرض سعر مقابل"
			body = fmt.Sprintf("اقترح العميل سعر %.2f ريال", *counterOffer)
		}
		if err := s.notifier.Notify(ctx, *j.TechnicianID, kind, title, body,
			map[string]any{"job_id": j.ID}); err != nil {
			slog.Warn("notify technician of rejection failed", "jobId", j.ID, "err", err)
		}
	}

	return j, nil
}

// Complete marks the work done: in_progress → completed.
func (s *Service) Complete(ctx context.Context, jobID, technicianID string) (*Job, error) {
	j, err := s.store.Complete(ctx, jobID, technicianID)
	if errors.Is(err, ErrNoMatch) {
		return nil, s.explainNoMatch(ctx, jobID, technicianID, StatusCompleted)
	}
	if err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}

	if err := s.notifier.Notify(ctx, j.CustomerID, "job_completed",
		"اكتملت الخدمة", "أتم الفني الخدمة، يمكنك الآن تقييم العمل",
		map[string]any{"job_id": j.ID}); err != nil {
		slog.Warn("notify customer of completion failed", "jobId", j.ID, "err", err)
	}

	return j, nil
}

// Rate records the customer rating: completed → rated. A job can be rated
// exactly once.
func (s *Service) Rate(ctx context.Context, jobID, customerID string, rating int, review *string) (*Job, error) {
	if rating < 1 || rating > 5 {
		return nil, &ValidationError{Msg: "rating must be between 1 and 5"}
	}

	j, err := s.store.Rate(ctx, jobID, customerID, rating, review)
	if errors.Is(err, ErrNoMatch) {
		current, readErr := s.store.Get(ctx, jobID)
		if readErr != nil {
			return nil, ErrNotFound
		}
		if current.CustomerID != customerID {
			return nil, ErrUnauthorized
		}
		if current.CustomerRating != nil {
			return nil, ErrAlreadyRated
		}
		return nil, &InvalidTransitionError{From: current.Status, To: StatusRated, Allowed: AllowedTransitions(current.Status)}
	}
	if err != nil {
		return nil, fmt.Errorf("rate job: %w", err)
	}

	return j, nil
}

// Cancel moves the job to cancelled on behalf of either party and tears down
// any active search session.
func (s *Service) Cancel(ctx context.Context, jobID, userID string, reason *string) (*Job, error) {
	// Fast-fail: party and legality checks on the observed state.
	current, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !current.IsParty(userID) {
		return nil, ErrUnauthorized
	}
	if err := ValidateTransition(current.Status, StatusCancelled); err != nil {
		return nil, err
	}

	j, err := s.store.Cancel(ctx, jobID, userID, reason)
	if errors.Is(err, ErrNoMatch) {
		return nil, s.explainNoMatch(ctx, jobID, userID, StatusCancelled)
	}
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}

	s.search.Stop(j.ID)

	return j, nil
}

// Get returns a job visible to the calling party.
func (s *Service) Get(ctx context.Context, jobID, userID string) (*Job, error) {
	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.IsParty(userID) {
		return nil, ErrNotFound
	}
	return j, nil
}

// ListMine returns the caller's jobs (as customer or technician), newest
// first, excluding cancelled ones.
func (s *Service) ListMine(ctx context.Context, userID string) ([]Job, error) {
	return s.store.ListByUser(ctx, userID)
}

// ListOpen returns recent pending jobs for the technician browse list.
func (s *Service) ListOpen(ctx context.Context, since time.Time, limit, offset int) ([]Job, error) {
	return s.store.ListOpen(ctx, since, limit, offset)
}

// explainNoMatch turns a zero-row conditional update into the most precise
// business error a follow-up read can justify. The read is purely for error
// quality; the outcome was already decided by the store.
func (s *Service) explainNoMatch(ctx context.Context, jobID, userID string, to Status) error {
	current, err := s.store.Get(ctx, jobID)
	if err != nil {
		return ErrNotFound
	}
	if !current.IsParty(userID) {
		return ErrUnauthorized
	}
	if err := ValidateTransition(current.Status, to); err != nil {
		return err
	}
	// The transition looks legal against the fresh read, so the caller lost
	// a race with a concurrent writer between our write and this read.
	return ErrConflict
}
