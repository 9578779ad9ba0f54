package job

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors surfaced to callers. Each one is derived from a zero-row
// conditional update or an explicit check, so the job's state is guaranteed
// unchanged when they are returned. Only ErrConflict is worth retrying.
var (
	// ErrNotFound is returned when no job row exists for the given id, or
	// the row is not visible to the calling party.
	ErrNotFound = errors.New("job not found")

	// ErrJobTaken is returned when an accept loses the race: the row exists
	// but is no longer in an awaiting-technician status.
	ErrJobTaken = errors.New("job is no longer available or already taken")

	// ErrUnauthorized is returned when the caller is neither the customer
	// nor the technician of the job they are acting on.
	ErrUnauthorized = errors.New("not a party to this job")

	// ErrAlreadyRated is returned when a completed job already carries a
	// customer rating.
	ErrAlreadyRated = errors.New("job already rated")

	// ErrConflict is returned when a legal-looking request lost a write race
	// with a concurrent update. The request may succeed if retried against
	// the job's new state.
	ErrConflict = errors.New("job was modified concurrently, please retry")
)

// InvalidTransitionError reports an attempt to move a job to a status the
// state machine forbids. It carries the attempted transition and the legal
// destination set so the message can name the caller's options.
type InvalidTransitionError struct {
	From    Status
	To      Status
	Allowed []Status
}

func (e *InvalidTransitionError) Error() string {
	if len(e.Allowed) == 0 {
		return fmt.Sprintf("job in %q state cannot be modified", e.From)
	}
	next := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		next[i] = string(s)
	}
	return fmt.Sprintf("cannot transition job from %q to %q; valid next statuses: %s",
		e.From, e.To, strings.Join(next, ", "))
}

// ValidationError wraps a user-facing input validation message.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }
