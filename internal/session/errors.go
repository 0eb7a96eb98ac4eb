package session

import "errors"

// Retryable: the per-key lease is held by another mutation. Callers retry
// with bounded backoff.
var ErrSessionBusy = errors.New("session: resource temporarily locked")

// User-actionable failures surfaced directly with the action to take.
var (
	ErrFreeTrialUsed        = errors.New("session: free trial already used")
	ErrInsufficientCredits  = errors.New("session: insufficient credits")
	ErrAnotherSessionActive = errors.New("session: another paid session is active")
	ErrNotActive            = errors.New("session: no active session")
)

// ErrLockExpired indicates a lease lapsed while its holder was still
// mutating. The mutation is abandoned; the session is forced to STOPPED
// rather than risking an unmetered write.
var ErrLockExpired = errors.New("session: lock lease expired")
