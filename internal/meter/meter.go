package meter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/consulta/meterd/internal/lock"
	"github.com/consulta/meterd/internal/metrics"
	"github.com/consulta/meterd/internal/push"
	"github.com/consulta/meterd/internal/session"
	"github.com/consulta/meterd/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultFreeTrialDuration is the one-shot trial granted per
	// (user, provider) pair.
	DefaultFreeTrialDuration = 60 * time.Second

	// DefaultTickInterval is how often each active session is advanced.
	DefaultTickInterval = 1 * time.Second

	// DefaultDebitRetries bounds internal retries of a failed minute debit
	// before the session is forced to STOPPED. Billing never continues past
	// an unconfirmed debit.
	DefaultDebitRetries = 3

	// tickTimeout bounds a single tick's storage round-trips.
	tickTimeout = 5 * time.Second
)

// Config holds metering configuration
type Config struct {
	FreeTrialDuration time.Duration
	TickInterval      time.Duration
	DebitRetries      int

	// DefaultRatePerMinute is the millicredit rate applied when a paid
	// start does not carry a provider rate.
	DefaultRatePerMinute int64
}

// Meter is the authoritative source of elapsed-time and balance truth for
// every active session. All mutations are serialized per session key by the
// lock manager; snapshot reads bypass it.
type Meter struct {
	sessions    storage.SessionStore
	wallets     storage.WalletStore
	locks       *lock.Manager
	broadcaster *push.Broadcaster
	clock       Clock

	freeTrialDuration time.Duration
	tickInterval      time.Duration
	debitRetries      int
	defaultRate       int64

	logger  zerolog.Logger
	tickers map[string]chan struct{} // key: session key string
	mu      sync.Mutex
}

// New creates a new Meter
func New(sessions storage.SessionStore, wallets storage.WalletStore, locks *lock.Manager, broadcaster *push.Broadcaster, config Config, logger zerolog.Logger) *Meter {
	if config.FreeTrialDuration == 0 {
		config.FreeTrialDuration = DefaultFreeTrialDuration
	}
	if config.TickInterval == 0 {
		config.TickInterval = DefaultTickInterval
	}
	if config.DebitRetries == 0 {
		config.DebitRetries = DefaultDebitRetries
	}
	if config.DefaultRatePerMinute == 0 {
		config.DefaultRatePerMinute = session.MillicreditsPerCredit
	}

	return &Meter{
		sessions:          sessions,
		wallets:           wallets,
		locks:             locks,
		broadcaster:       broadcaster,
		clock:             RealClock{},
		freeTrialDuration: config.FreeTrialDuration,
		tickInterval:      config.TickInterval,
		debitRetries:      config.DebitRetries,
		defaultRate:       config.DefaultRatePerMinute,
		logger:            logger.With().Str("component", "meter").Logger(),
		tickers:           make(map[string]chan struct{}),
	}
}

// SetClock replaces the time source. Used by tests.
func (m *Meter) SetClock(c Clock) {
	m.clock = c
}

// StartFree begins the one-shot free trial for a (user, provider) pair.
// Fails with session.ErrFreeTrialUsed once the pair has consumed its trial
// and with session.ErrSessionBusy under lock contention.
func (m *Meter) StartFree(ctx context.Context, key session.Key) (*session.Snapshot, error) {
	lease, err := m.locks.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)

	existing, err := m.sessions.Get(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if existing != nil && existing.Kind.Active() {
		// Starting over an already running period would orphan its
		// metering; the caller must stop it first.
		return nil, session.ErrAnotherSessionActive
	}

	now := m.clock.Now()
	rec := storage.SessionRecord{
		UserID:               key.UserID,
		ProviderID:           key.ProviderID,
		Kind:                 session.KindFree,
		FreeRemainingSeconds: int64(m.freeTrialDuration.Seconds()),
		StartedAt:            now,
		UpdatedAt:            now,
	}
	if existing != nil {
		rec.Epoch = existing.Epoch + 1
	} else {
		rec.Epoch = 1
	}

	saved, err := m.sessions.StartFree(ctx, rec)
	if err != nil {
		return nil, err
	}

	m.startTicker(key)
	metrics.SessionsStarted.WithLabelValues(string(session.KindFree)).Inc()

	m.logger.Info().
		Str("key", key.String()).
		Int64("trial_seconds", saved.FreeRemainingSeconds).
		Msg("Started free session")

	return m.publish(ctx, *saved, false, false)
}

// StartPaid begins a paid session billed at ratePerMinute millicredits;
// zero selects the configured default rate. Fails with
// session.ErrInsufficientCredits on an empty wallet and with
// session.ErrAnotherSessionActive if the user already runs a paid session.
func (m *Meter) StartPaid(ctx context.Context, key session.Key, ratePerMinute int64) (*session.Snapshot, error) {
	if ratePerMinute <= 0 {
		ratePerMinute = m.defaultRate
	}

	lease, err := m.locks.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)

	balance, err := m.wallets.Balance(ctx, key.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet: %w", err)
	}
	if balance <= 0 {
		return nil, session.ErrInsufficientCredits
	}

	existing, err := m.sessions.Get(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if existing != nil && existing.Kind.Active() {
		return nil, session.ErrAnotherSessionActive
	}

	now := m.clock.Now()
	rec := storage.SessionRecord{
		UserID:        key.UserID,
		ProviderID:    key.ProviderID,
		Kind:          session.KindPaid,
		RatePerMinute: ratePerMinute,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if existing != nil {
		rec.Epoch = existing.Epoch + 1
	} else {
		rec.Epoch = 1
	}

	saved, err := m.sessions.Upsert(ctx, rec)
	if err != nil {
		return nil, err
	}

	m.startTicker(key)
	metrics.SessionsStarted.WithLabelValues(string(session.KindPaid)).Inc()

	m.logger.Info().
		Str("key", key.String()).
		Int64("rate_per_minute", ratePerMinute).
		Int64("balance", balance).
		Msg("Started paid session")

	return m.publish(ctx, *saved, false, false)
}

// Stop ends the running session for a pair. Fails with session.ErrNotActive
// when nothing is running. An explicitly stopped paid session carries the
// prompt-feedback flag on its terminal snapshot.
func (m *Meter) Stop(ctx context.Context, key session.Key) (*session.Snapshot, error) {
	lease, err := m.locks.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer lease.Release(ctx)

	rec, err := m.sessions.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, session.ErrNotActive
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if !rec.Kind.Active() {
		return nil, session.ErrNotActive
	}

	promptFeedback := rec.Kind == session.KindPaid

	rec.Kind = session.KindStopped
	rec.UpdatedAt = m.clock.Now()

	saved, err := m.sessions.Upsert(ctx, *rec)
	if err != nil {
		return nil, err
	}

	m.stopTicker(key)
	metrics.SessionsEnded.WithLabelValues("stopped").Inc()

	m.logger.Info().
		Str("key", key.String()).
		Int64("paid_elapsed", saved.PaidElapsedSeconds).
		Bool("prompt_feedback", promptFeedback).
		Msg("Stopped session")

	return m.publish(ctx, *saved, promptFeedback, false)
}

// Status returns the authoritative snapshot for a pair without touching the
// session lock. The record is materialized lazily on first query.
func (m *Meter) Status(ctx context.Context, key session.Key) (*session.Snapshot, error) {
	rec, err := m.sessions.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}

		now := m.clock.Now()
		fresh := storage.SessionRecord{
			UserID:     key.UserID,
			ProviderID: key.ProviderID,
			Kind:       session.KindNew,
			StartedAt:  now,
			UpdatedAt:  now,
		}
		rec, err = m.sessions.Upsert(ctx, fresh)
		if err != nil {
			return nil, fmt.Errorf("failed to materialize session: %w", err)
		}
	}

	return m.snapshot(ctx, *rec, false, false)
}

// ActivePaidProvider returns the provider currently holding the user's
// single paid session, or "" if none. Lock-free like Status.
func (m *Meter) ActivePaidProvider(ctx context.Context, userID string) (string, error) {
	return m.sessions.ActivePaidProvider(ctx, userID)
}

// Resume restarts tickers for sessions found active in storage, so a daemon
// restart does not strand running sessions mid-billing.
func (m *Meter) Resume(ctx context.Context) error {
	active, err := m.sessions.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active sessions: %w", err)
	}

	for _, rec := range active {
		m.startTicker(rec.Key())
	}

	if len(active) > 0 {
		m.logger.Info().Int("count", len(active)).Msg("Resumed active sessions")
	}
	return nil
}

// Shutdown stops all session tickers. Session records keep their state; a
// later Resume picks them back up.
func (m *Meter) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, stop := range m.tickers {
		close(stop)
		delete(m.tickers, key)
		metrics.ActiveSessions.Dec()
	}
}

// tick advances one active session by one interval. Lock contention skips
// the tick: elapsed time does not advance, so billing stays exact.
func (m *Meter) tick(ctx context.Context, key session.Key) {
	lease, err := m.locks.Acquire(ctx, key)
	if err != nil {
		if errors.Is(err, session.ErrSessionBusy) {
			m.logger.Debug().Str("key", key.String()).Msg("Tick skipped, session locked")
			return
		}
		m.logger.Error().Err(err).Str("key", key.String()).Msg("Tick lock acquisition failed")
		return
	}
	defer lease.Release(ctx)

	rec, err := m.sessions.Get(ctx, key)
	if err != nil {
		m.logger.Error().Err(err).Str("key", key.String()).Msg("Tick failed to load session")
		return
	}

	switch rec.Kind {
	case session.KindFree:
		m.tickFree(ctx, rec)
	case session.KindPaid:
		m.tickPaid(ctx, rec)
	default:
		// A stop raced in between ticks; the ticker is stale.
		m.stopTicker(key)
	}
}

// tickFree advances a free session by one second
func (m *Meter) tickFree(ctx context.Context, rec *storage.SessionRecord) {
	rec.FreeRemainingSeconds--
	rec.UpdatedAt = m.clock.Now()

	if rec.FreeRemainingSeconds > 0 {
		if _, err := m.sessions.Upsert(ctx, *rec); err != nil {
			m.logger.Error().Err(err).Str("key", rec.Key().String()).Msg("Failed to persist free tick")
		}
		return
	}

	rec.FreeRemainingSeconds = 0
	rec.Kind = session.KindStopped

	saved, err := m.sessions.Upsert(ctx, *rec)
	if err != nil {
		m.logger.Error().Err(err).Str("key", rec.Key().String()).Msg("Failed to finalize free session")
		return
	}

	m.stopTicker(rec.Key())
	metrics.SessionsEnded.WithLabelValues("free_exhausted").Inc()

	m.logger.Info().Str("key", rec.Key().String()).Msg("Free trial exhausted")
	m.publish(ctx, *saved, false, false)
}

// tickPaid advances a paid session by one second, debiting the wallet at
// each full minute boundary.
func (m *Meter) tickPaid(ctx context.Context, rec *storage.SessionRecord) {
	rec.PaidElapsedSeconds++
	rec.UpdatedAt = m.clock.Now()

	boundary := rec.PaidElapsedSeconds%60 == 0
	if !boundary {
		if _, err := m.sessions.Upsert(ctx, *rec); err != nil {
			m.logger.Error().Err(err).Str("key", rec.Key().String()).Msg("Failed to persist paid tick")
		}
		return
	}

	minute := rec.PaidElapsedSeconds / 60
	balance, err := m.debitWithRetry(ctx, rec.Key(), rec.Epoch, minute, rec.RatePerMinute)

	switch {
	case err == nil:
		saved, uerr := m.sessions.Upsert(ctx, *rec)
		if uerr != nil {
			m.logger.Error().Err(uerr).Str("key", rec.Key().String()).Msg("Failed to persist paid tick")
			return
		}
		metrics.CreditsDebited.Add(session.CreditsFromMillis(rec.RatePerMinute))
		m.logger.Debug().
			Str("key", rec.Key().String()).
			Int64("minute", minute).
			Int64("balance", balance).
			Msg("Minute debited")
		// Minute boundaries are the paid session's broadcast points.
		m.publish(ctx, *saved, false, false)

	case errors.Is(err, session.ErrInsufficientCredits):
		// The failed decrement left the balance untouched; the elapsed
		// second that crossed the boundary is not billed.
		rec.PaidElapsedSeconds--
		rec.Kind = session.KindInsufficient
		saved, uerr := m.sessions.Upsert(ctx, *rec)
		if uerr != nil {
			m.logger.Error().Err(uerr).Str("key", rec.Key().String()).Msg("Failed to finalize insufficient session")
			return
		}

		m.stopTicker(rec.Key())
		metrics.SessionsEnded.WithLabelValues("insufficient").Inc()

		m.logger.Info().
			Str("key", rec.Key().String()).
			Int64("balance", balance).
			Msg("Paid session ended, insufficient credits")
		m.publish(ctx, *saved, false, true)

	default:
		// Debit outcome unknown after retries: fail closed. The session
		// stops rather than continue billing for free.
		rec.PaidElapsedSeconds--
		rec.Kind = session.KindStopped
		saved, uerr := m.sessions.Upsert(ctx, *rec)
		if uerr != nil {
			m.logger.Error().Err(uerr).Str("key", rec.Key().String()).Msg("Failed to force-stop session after debit failure")
			return
		}

		m.stopTicker(rec.Key())
		metrics.SessionsEnded.WithLabelValues("debit_failure").Inc()

		m.logger.Error().
			Err(err).
			Str("key", rec.Key().String()).
			Msg("Debit failed after retries, session force-stopped")
		m.publish(ctx, *saved, false, false)
	}
}

// debitWithRetry retries a failed minute debit up to the configured count.
// The debit is idempotent per (key, epoch, minute), so a retry after an
// ambiguous failure can never double-decrement.
func (m *Meter) debitWithRetry(ctx context.Context, key session.Key, epoch, minute, amount int64) (int64, error) {
	var balance int64
	var err error

	for attempt := 0; attempt <= m.debitRetries; attempt++ {
		if attempt > 0 {
			metrics.DebitRetries.Inc()
		}

		balance, err = m.wallets.DebitMinute(ctx, key, epoch, minute, amount)
		if err == nil || errors.Is(err, session.ErrInsufficientCredits) {
			return balance, err
		}

		m.logger.Warn().
			Err(err).
			Str("key", key.String()).
			Int64("minute", minute).
			Int("attempt", attempt+1).
			Msg("Minute debit failed")
	}

	return balance, err
}

// snapshot projects a record plus wallet state onto the wire contract
func (m *Meter) snapshot(ctx context.Context, rec storage.SessionRecord, promptFeedback, promptTopUp bool) (*session.Snapshot, error) {
	balance, err := m.wallets.Balance(ctx, rec.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet: %w", err)
	}

	freeUsed, err := m.sessions.FreeUsed(ctx, rec.Key())
	if err != nil {
		return nil, fmt.Errorf("failed to read free-trial flag: %w", err)
	}

	snap := rec.Snapshot(balance, freeUsed)
	snap.PromptFeedback = promptFeedback
	if promptTopUp {
		snap.PromptTopUp = true
	}
	return &snap, nil
}

// publish builds the snapshot and broadcasts it to the user's observers.
// Broadcast failures never fail the mutation; push is best-effort. A failed
// snapshot build is reported, never papered over with made-up wallet state:
// the mutation already persisted, so the caller's client reconciles by poll.
func (m *Meter) publish(ctx context.Context, rec storage.SessionRecord, promptFeedback, promptTopUp bool) (*session.Snapshot, error) {
	snap, err := m.snapshot(ctx, rec, promptFeedback, promptTopUp)
	if err != nil {
		m.logger.Error().Err(err).Str("key", rec.Key().String()).Msg("Failed to build snapshot for broadcast")
		return nil, err
	}

	if m.broadcaster != nil {
		m.broadcaster.Publish(rec.UserID, *snap)
	}
	return snap, nil
}

// startTicker begins the per-session timer task. Idempotent per key.
func (m *Meter) startTicker(key session.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tickers[key.String()]; exists {
		return
	}

	stop := make(chan struct{})
	m.tickers[key.String()] = stop
	metrics.ActiveSessions.Inc()

	go m.run(key, stop)
}

// stopTicker ends the per-session timer task if one is running
func (m *Meter) stopTicker(key session.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stop, exists := m.tickers[key.String()]; exists {
		close(stop)
		delete(m.tickers, key.String())
		metrics.ActiveSessions.Dec()
	}
}

// run is the per-session tick loop
func (m *Meter) run(key session.Key, stop chan struct{}) {
	ticker := time.NewTicker(m.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
			m.tick(ctx, key)
			cancel()
		}
	}
}
