package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("engine: session not found")

	// ErrServiceUnavailable wraps outages of an external collaborator.
	ErrServiceUnavailable = errors.New("engine: service unavailable")

	// ErrUnknownViolation is returned for an unrecognised violation kind.
	ErrUnknownViolation = errors.New("engine: unknown violation kind")
)

// PreconditionError reports that an operation's prerequisites are not met,
// e.g. starting an interview before an identity sample exists. The client
// recovers by completing the prerequisite.
type PreconditionError struct {
	UserID string
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("engine: precondition failed for user %s: %s", e.UserID, e.Reason)
}

// StateError reports an operation rejected by the session's current state:
// the session is no longer in progress, or a stale question id was used.
// The client re-syncs by fetching the current question or summary.
type StateError struct {
	SessionID string
	Status    Status
	Reason    string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("engine: session %s (%s): %s", e.SessionID, e.Status, e.Reason)
}

// IsStateError reports whether err is or wraps a *StateError.
func IsStateError(err error) bool {
	var se *StateError
	return errors.As(err, &se)
}

// IsPreconditionError reports whether err is or wraps a *PreconditionError.
func IsPreconditionError(err error) bool {
	var pe *PreconditionError
	return errors.As(err, &pe)
}
