package workflow

import "errors"

// Error taxonomy for transition handling. Callers branch on these with
// errors.Is; the wrapped messages carry the human-readable detail.
var (
	// ErrNotFound means the incident id is unknown to the store.
	ErrNotFound = errors.New("incident not found")

	// ErrInvalidTransition means the requested target is not an allowed
	// edge from the incident's current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrGuardRejected means the edge's guard predicate evaluated false.
	ErrGuardRejected = errors.New("guard rejected")

	// ErrTerminalState means the incident already reached a terminal
	// state and can never transition again.
	ErrTerminalState = errors.New("terminal state violation")

	// ErrConflict means another transition won the version race. The
	// caller must reread current state and retry.
	ErrConflict = errors.New("version conflict")

	// ErrValidation means the event payload was malformed. Never retried.
	ErrValidation = errors.New("validation failed")
)
