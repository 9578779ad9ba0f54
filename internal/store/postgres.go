// Package store implements the job persistence port on PostgreSQL.
//
// Every status-dependent mutation is a single UPDATE guarded by the expected
// current status (and owning party where relevant) in its WHERE clause, with
// RETURNING * as the sole success signal. Races between concurrent writers —
// including writers in other process instances — are resolved entirely by
// these conditional writes; there are no locks and no read-modify-write
// pairs here.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"khidma/dispatch-service/internal/job"
)

// jobColumns is the canonical column list; keep in sync with scanJob and
// schema.sql.
const jobColumns = `
	id, customer_id, technician_id, service_id, lat, lng, address_text, description,
	initial_price, technician_price, counter_offer, final_price, price_notes,
	status, search_radius, tier_index, search_attempts, last_search_at, next_retry_at,
	cancelled_by, cancel_reason, customer_rating, customer_review,
	created_at, updated_at, accepted_at, price_confirmed_at, completed_at, rated_at, cancelled_at`

// SQL fragments for the status sets used by conditional writes.
const (
	awaitingSet    = `('pending','searching','unmatched')`
	cancellableSet = `('pending','searching','accepted','price_pending','in_progress')`
)

// Postgres implements job.Store on a pgxpool connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres returns a Postgres store backed by pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ job.Store = (*Postgres)(nil)

func (s *Postgres) Create(ctx context.Context, p job.CreateParams) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (customer_id, service_id, lat, lng, address_text, description, initial_price, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		 RETURNING `+jobColumns,
		p.CustomerID, p.ServiceID, p.Lat, p.Lng, p.AddressText, p.Description, p.InitialPrice,
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return j, nil
}

func (s *Postgres) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *Postgres) ListByUser(ctx context.Context, userID string) ([]job.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE (customer_id = $1 OR technician_id = $1) AND status <> 'cancelled'
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs by user: %w", err)
	}
	return collectJobs(rows)
}

func (s *Postgres) ListOpen(ctx context.Context, since time.Time, limit, offset int) ([]job.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE status = 'pending' AND created_at > $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		since, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list open jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *Postgres) Accept(ctx context.Context, id, technicianID string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET technician_id = $2, status = 'accepted', accepted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status IN `+awaitingSet+`
		 RETURNING `+jobColumns,
		id, technicianID,
	)
	return s.conditional(row, "accept")
}

func (s *Postgres) SetPrice(ctx context.Context, id, technicianID string, price float64, notes *string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET technician_price = $3, price_notes = $4, status = 'price_pending', updated_at = NOW()
		 WHERE id = $1 AND technician_id = $2 AND status = 'accepted'
		 RETURNING `+jobColumns,
		id, technicianID, price, notes,
	)
	return s.conditional(row, "set price")
}

func (s *Postgres) SetCounterOffer(ctx context.Context, id, customerID string, amount float64) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET counter_offer = $3, updated_at = NOW()
		 WHERE id = $1 AND customer_id = $2 AND status = 'price_pending'
		 RETURNING `+jobColumns,
		id, customerID, amount,
	)
	return s.conditional(row, "set counter offer")
}

func (s *Postgres) ReopenPricing(ctx context.Context, id, customerID string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'accepted', technician_price = NULL, counter_offer = NULL,
		     price_notes = NULL, updated_at = NOW()
		 WHERE id = $1 AND customer_id = $2 AND status = 'price_pending'
		 RETURNING `+jobColumns,
		id, customerID,
	)
	return s.conditional(row, "reopen pricing")
}

func (s *Postgres) ConfirmPrice(ctx context.Context, id, customerID string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'in_progress',
		     final_price = COALESCE(counter_offer, technician_price),
		     price_confirmed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND customer_id = $2 AND status = 'price_pending'
		 RETURNING `+jobColumns,
		id, customerID,
	)
	return s.conditional(row, "confirm price")
}

func (s *Postgres) Complete(ctx context.Context, id, technicianID string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND technician_id = $2 AND status = 'in_progress'
		 RETURNING `+jobColumns,
		id, technicianID,
	)
	return s.conditional(row, "complete")
}

func (s *Postgres) Rate(ctx context.Context, id, customerID string, rating int, review *string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'rated', customer_rating = $3, customer_review = $4,
		     rated_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND customer_id = $2 AND status = 'completed'
		   AND customer_rating IS NULL
		 RETURNING `+jobColumns,
		id, customerID, rating, review,
	)
	return s.conditional(row, "rate")
}

func (s *Postgres) Cancel(ctx context.Context, id, byUserID string, reason *string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'cancelled', cancelled_by = $2, cancel_reason = $3,
		     cancelled_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND (customer_id = $2 OR technician_id = $2)
		   AND status IN `+cancellableSet+`
		 RETURNING `+jobColumns,
		id, byUserID, reason,
	)
	return s.conditional(row, "cancel")
}

func (s *Postgres) MarkSearching(ctx context.Context, id string, radiusMeters, tierIndex int) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'searching', search_radius = $2, tier_index = $3,
		     last_search_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending','searching')
		 RETURNING `+jobColumns,
		id, radiusMeters, tierIndex,
	)
	return s.conditional(row, "mark searching")
}

func (s *Postgres) MarkUnmatched(ctx context.Context, id string, nextRetryAt time.Time) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'unmatched', search_attempts = search_attempts + 1,
		     next_retry_at = $2, updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending','searching')
		 RETURNING `+jobColumns,
		id, nextRetryAt,
	)
	return s.conditional(row, "mark unmatched")
}

func (s *Postgres) Requeue(ctx context.Context, id string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET status = 'pending', updated_at = NOW()
		 WHERE id = $1 AND status = 'unmatched'
		 RETURNING `+jobColumns,
		id,
	)
	return s.conditional(row, "requeue")
}

func (s *Postgres) ScanRetryable(ctx context.Context, now time.Time, maxAttempts int) ([]job.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE status = 'unmatched' AND next_retry_at <= $1 AND search_attempts < $2
		 ORDER BY next_retry_at ASC`,
		now, maxAttempts,
	)
	if err != nil {
		return nil, fmt.Errorf("scan retryable jobs: %w", err)
	}
	return collectJobs(rows)
}

// conditional maps a conditional-update row result: zero rows surface as
// job.ErrNoMatch so the service layer can interpret the lost race.
func (s *Postgres) conditional(row pgx.Row, op string) (*job.Job, error) {
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrNoMatch
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return j, nil
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j      job.Job
		status string
	)
	if err := row.Scan(
		&j.ID, &j.CustomerID, &j.TechnicianID, &j.ServiceID,
		&j.Lat, &j.Lng, &j.AddressText, &j.Description,
		&j.InitialPrice, &j.TechnicianPrice, &j.CounterOffer, &j.FinalPrice, &j.PriceNotes,
		&status, &j.SearchRadius, &j.TierIndex, &j.SearchAttempts, &j.LastSearchAt, &j.NextRetryAt,
		&j.CancelledBy, &j.CancelReason, &j.CustomerRating, &j.CustomerReview,
		&j.CreatedAt, &j.UpdatedAt, &j.AcceptedAt, &j.PriceConfirmedAt,
		&j.CompletedAt, &j.RatedAt, &j.CancelledAt,
	); err != nil {
		return nil, err
	}
	// A status outside the enum means the schema and the state machine have
	// diverged; surface it instead of letting it flow through the lifecycle.
	st, err := job.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	j.Status = st
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]job.Job, error) {
	defer rows.Close()

	jobs := make([]job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
