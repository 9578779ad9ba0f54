// Package job defines the service-request lifecycle: the Job model, the
// status state machine, the store port, and the business operations that
// drive a job from creation to rating.
//
// Valid status graph:
//
//	pending ──► searching ──► accepted ──► price_pending ──► in_progress ──► completed ──► rated
//	   │            │             │              │   ▲             │
//	   │            │             │              └───┘ (price rejected, pricing reopened)
//	   ├────────────┴─────────────┴──────────────┴─────────────────┴──► cancelled
//	   └──► unmatched ──► pending (retry) / accepted (late accept)
//
// rated and cancelled are terminal. pending, searching and unmatched are the
// "awaiting technician" statuses: the only ones from which an accept is legal.
package job

import "fmt"

// Status values mirror the job_status enum in PostgreSQL.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSearching    Status = "searching"
	StatusAccepted     Status = "accepted"
	StatusPricePending Status = "price_pending"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusRated        Status = "rated"
	StatusCancelled    Status = "cancelled"
	StatusUnmatched    Status = "unmatched"
)

// AllStatuses lists every enum value, used by exhaustive tests and parsers.
var AllStatuses = []Status{
	StatusPending, StatusSearching, StatusAccepted, StatusPricePending,
	StatusInProgress, StatusCompleted, StatusRated, StatusCancelled,
	StatusUnmatched,
}

// AwaitingStatuses are the statuses from which a technician may still accept.
// The Acceptance Arbiter's conditional write is keyed on this set.
var AwaitingStatuses = []Status{StatusPending, StatusSearching, StatusUnmatched}

// validTransitions lists every allowed (from → to) pair.
var validTransitions = map[Status][]Status{
	StatusPending:      {StatusSearching, StatusAccepted, StatusCancelled, StatusUnmatched},
	StatusSearching:    {StatusAccepted, StatusCancelled, StatusUnmatched},
	StatusUnmatched:    {StatusPending, StatusAccepted},
	StatusAccepted:     {StatusPricePending, StatusCancelled},
	StatusPricePending: {StatusInProgress, StatusCancelled, StatusAccepted},
	StatusInProgress:   {StatusCompleted, StatusCancelled},
	StatusCompleted:    {StatusRated},
	// rated and cancelled are terminal — no outgoing transitions
}

// ParseStatus converts a raw string to a Status, returning an error for
// unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	for _, v := range AllStatuses {
		if st == v {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// IsAwaiting returns true when a technician may still accept a job in status s.
func IsAwaiting(s Status) bool {
	for _, v := range AwaitingStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsTerminal returns true when status s has no outgoing transitions.
func IsTerminal(s Status) bool {
	return len(validTransitions[s]) == 0
}

// AllowedTransitions returns the legal destination set for status s.
// The returned slice must not be mutated.
func AllowedTransitions(s Status) []Status {
	return validTransitions[s]
}

// IsTransitionAllowed returns true when moving from → to is permitted by the
// state machine.
func IsTransitionAllowed(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns a *InvalidTransitionError when moving from → to
// is not permitted. Callers must treat the error as non-retriable: it means
// the request itself is illegal, not that the system failed.
func ValidateTransition(from, to Status) error {
	if !IsTransitionAllowed(from, to) {
		return &InvalidTransitionError{From: from, To: to, Allowed: AllowedTransitions(from)}
	}
	return nil
}
