package lock

import (
	"context"
	"time"

	"github.com/consulta/meterd/internal/metrics"
	"github.com/consulta/meterd/internal/session"
	"github.com/consulta/meterd/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultLeaseTTL is how long a lease survives a crashed holder.
	DefaultLeaseTTL = 10 * time.Second

	// DefaultAcquireWait bounds how long Acquire spins before reporting
	// the key busy. Callers surface busy as retryable, never fatal.
	DefaultAcquireWait = 300 * time.Millisecond

	// DefaultRetryInterval is the spacing between acquisition attempts.
	DefaultRetryInterval = 25 * time.Millisecond
)

// Config holds lock manager configuration
type Config struct {
	LeaseTTL      time.Duration
	AcquireWait   time.Duration
	RetryInterval time.Duration
}

// Manager serializes mutations per session key using lease-based locks.
// It is the only serialization point within a key; keys never contend
// with each other.
type Manager struct {
	store         storage.LockStore
	leaseTTL      time.Duration
	acquireWait   time.Duration
	retryInterval time.Duration
	logger        zerolog.Logger
}

// Lease is a held lock. Release is safe to call once; a lease that is
// never released expires after the TTL.
type Lease struct {
	key     session.Key
	token   string
	manager *Manager
}

// NewManager creates a new lock manager
func NewManager(store storage.LockStore, config Config, logger zerolog.Logger) *Manager {
	if config.LeaseTTL == 0 {
		config.LeaseTTL = DefaultLeaseTTL
	}
	if config.AcquireWait == 0 {
		config.AcquireWait = DefaultAcquireWait
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = DefaultRetryInterval
	}

	return &Manager{
		store:         store,
		leaseTTL:      config.LeaseTTL,
		acquireWait:   config.AcquireWait,
		retryInterval: config.RetryInterval,
		logger:        logger.With().Str("component", "session-lock").Logger(),
	}
}

// Acquire obtains the lease for a session key, waiting up to the bounded
// acquire window for a concurrent holder to release. Returns
// session.ErrSessionBusy once the window elapses.
func (m *Manager) Acquire(ctx context.Context, key session.Key) (*Lease, error) {
	deadline := time.Now().Add(m.acquireWait)

	for {
		token, ok, err := m.store.TryAcquire(ctx, key, m.leaseTTL)
		if err != nil {
			metrics.LockAcquisitions.WithLabelValues("error").Inc()
			return nil, err
		}
		if ok {
			metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
			return &Lease{key: key, token: token, manager: m}, nil
		}

		if time.Now().After(deadline) {
			metrics.LockAcquisitions.WithLabelValues("busy").Inc()
			m.logger.Debug().
				Str("key", key.String()).
				Dur("waited", m.acquireWait).
				Msg("Lock acquisition timed out")
			return nil, session.ErrSessionBusy
		}

		select {
		case <-ctx.Done():
			metrics.LockAcquisitions.WithLabelValues("canceled").Inc()
			return nil, ctx.Err()
		case <-time.After(m.retryInterval):
		}
	}
}

// Release releases the lease. A lease lost to TTL expiry is a no-op here;
// the compare-and-delete in the store protects any successor holder.
func (l *Lease) Release(ctx context.Context) {
	if err := l.manager.store.Release(ctx, l.key, l.token); err != nil {
		l.manager.logger.Error().
			Err(err).
			Str("key", l.key.String()).
			Msg("Failed to release session lock")
	}
}

// Refresh extends the lease for long-running mutations. Returns
// session.ErrLockExpired if the lease lapsed; the caller must abandon its
// mutation rather than write unguarded.
func (l *Lease) Refresh(ctx context.Context) error {
	return l.manager.store.Refresh(ctx, l.key, l.token, l.manager.leaseTTL)
}
