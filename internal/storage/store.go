package storage

import (
	"context"
	"errors"
	"time"

	"github.com/consulta/meterd/internal/session"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Sessions() SessionStore
	Wallets() WalletStore
	Locks() LockStore
}

// SessionStore manages metered session records. A record is created lazily
// on first status query for a (user, provider) pair and is never deleted,
// only transitioned.
type SessionStore interface {
	// Get returns the session record, or ErrNotFound if the pair has never
	// been observed.
	Get(ctx context.Context, key session.Key) (*SessionRecord, error)

	// Upsert writes the record atomically, bumps its sequence number, and
	// maintains the active-session index and per-user active-PAID pointer.
	// Starting a PAID session while another provider holds the user's
	// active-PAID pointer fails with session.ErrAnotherSessionActive without
	// mutating the record.
	Upsert(ctx context.Context, rec SessionRecord) (*SessionRecord, error)

	// StartFree atomically checks-and-sets the free-trial flag and writes
	// the FREE record. Fails with session.ErrFreeTrialUsed if the pair has
	// already consumed its trial.
	StartFree(ctx context.Context, rec SessionRecord) (*SessionRecord, error)

	// FreeUsed reports whether the pair has consumed its one-shot trial.
	// The flag outlives all other record fields and is never reset.
	FreeUsed(ctx context.Context, key session.Key) (bool, error)

	// ListActive returns all records currently in a ticking state.
	ListActive(ctx context.Context) ([]SessionRecord, error)

	// ActivePaidProvider returns the provider holding the user's single
	// active PAID session, or "" if none.
	ActivePaidProvider(ctx context.Context, userID string) (string, error)
}

// WalletStore is the adapter to the ledger of record for user balances.
// Balances are millicredits.
type WalletStore interface {
	Balance(ctx context.Context, userID string) (int64, error)

	// Credit adds to a balance (top-up path).
	Credit(ctx context.Context, userID string, amount int64) (int64, error)

	// DebitMinute debits one minute of a paid session. The (key, epoch,
	// minute) triple is the tick id: replays are absorbed without a second
	// decrement. Returns session.ErrInsufficientCredits, with the balance
	// untouched, when the debit would go negative.
	DebitMinute(ctx context.Context, key session.Key, epoch int64, minute int64, amount int64) (int64, error)
}

// LockStore provides the lease-based mutual exclusion guard per session key.
// A holder that dies without releasing is expired by the lease TTL.
type LockStore interface {
	// TryAcquire attempts a single non-blocking acquisition. ok is false
	// when the lease is held elsewhere.
	TryAcquire(ctx context.Context, key session.Key, ttl time.Duration) (token string, ok bool, err error)

	// Release releases the lease only if token still owns it.
	Release(ctx context.Context, key session.Key, token string) error

	// Refresh extends a held lease, failing with session.ErrLockExpired if
	// the token no longer owns it.
	Refresh(ctx context.Context, key session.Key, token string, ttl time.Duration) error
}
