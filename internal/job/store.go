package job

import (
	"context"
	"errors"
	"time"
)

// ErrNoMatch is returned by Store mutations when the conditional update
// affected zero rows: the row is missing, or its current status (or owning
// party) no longer matches the expectation. The Service interprets it —
// it is never surfaced to callers directly.
var ErrNoMatch = errors.New("no row matched the expected state")

// Store is the persistence port for jobs. It is the single source of truth
// for job status and may be shared by several process instances, so every
// status-dependent mutation is a single conditional write keyed on the
// expected current status — never a read-modify-write pair. A zero-row
// result is reported as ErrNoMatch.
type Store interface {
	Create(ctx context.Context, p CreateParams) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)

	// ListByUser returns the jobs where userID is a party, newest first,
	// excluding cancelled ones.
	ListByUser(ctx context.Context, userID string) ([]Job, error)

	// ListOpen returns pending jobs created after since, newest first.
	// Used by technicians browsing open requests.
	ListOpen(ctx context.Context, since time.Time, limit, offset int) ([]Job, error)

	// Accept assigns technicianID and moves the job to accepted, provided
	// its current status is still one of AwaitingStatuses. This is the
	// authoritative race resolution for concurrent accepts.
	Accept(ctx context.Context, id, technicianID string) (*Job, error)

	// SetPrice records the technician's proposed price: accepted → price_pending,
	// keyed on the assigned technician.
	SetPrice(ctx context.Context, id, technicianID string, price float64, notes *string) (*Job, error)

	// SetCounterOffer records the customer's counter-offer while the job
	// stays in price_pending.
	SetCounterOffer(ctx context.Context, id, customerID string, amount float64) (*Job, error)

	// ReopenPricing moves price_pending → accepted when the customer
	// rejects the proposed price without a counter-offer.
	ReopenPricing(ctx context.Context, id, customerID string) (*Job, error)

	// ConfirmPrice moves price_pending → in_progress and freezes the final
	// price (counter-offer when present, otherwise the technician's price).
	ConfirmPrice(ctx context.Context, id, customerID string) (*Job, error)

	// Complete moves in_progress → completed, keyed on the assigned technician.
	Complete(ctx context.Context, id, technicianID string) (*Job, error)

	// Rate records the customer rating: completed → rated, only when no
	// rating exists yet.
	Rate(ctx context.Context, id, customerID string, rating int, review *string) (*Job, error)

	// Cancel moves the job to cancelled, conditional on the current status
	// being one from which cancellation is legal and on byUserID being a
	// party to the job, recording who cancelled and why.
	Cancel(ctx context.Context, id, byUserID string, reason *string) (*Job, error)

	// MarkSearching records the active tier against the job: sets status
	// searching, the tier radius and index, and last_search_at — provided
	// the job is still awaiting a technician. Zero rows tells the
	// dispatcher the job left the awaiting statuses and the session must
	// tear down.
	MarkSearching(ctx context.Context, id string, radiusMeters, tierIndex int) (*Job, error)

	// MarkUnmatched records tier exhaustion: status unmatched, attempt
	// counter incremented, next retry at nextRetryAt — provided the job is
	// still pending or searching.
	MarkUnmatched(ctx context.Context, id string, nextRetryAt time.Time) (*Job, error)

	// Requeue moves unmatched → pending for a retry sweep. Conditional on
	// unmatched so overlapping scheduler runs cannot double-start a search.
	Requeue(ctx context.Context, id string) (*Job, error)

	// ScanRetryable returns unmatched jobs whose next_retry_at has passed
	// and whose attempt counter is below maxAttempts.
	ScanRetryable(ctx context.Context, now time.Time, maxAttempts int) ([]Job, error)
}
