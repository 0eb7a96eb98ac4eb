package mirror

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/consulta/meterd/internal/session"
	"github.com/rs/zerolog"
)

const (
	// DefaultPollInterval is the fallback poll spacing while push is down.
	DefaultPollInterval = 5 * time.Second

	// DefaultStaleAfter is how long the mirror serves its local projection
	// without an authoritative update before gating sends on reconnect.
	DefaultStaleAfter = 30 * time.Second

	// DefaultReattachRetries bounds consecutive push reattach attempts
	// before the mirror settles into pure polling for the cycle.
	DefaultReattachRetries = 3
)

// Guidance tells the UI what to offer when sending is gated.
type Guidance string

const (
	// GuidanceNone means sending is allowed.
	GuidanceNone Guidance = "none"

	// GuidanceStartSession means no session is running; offer to start one.
	GuidanceStartSession Guidance = "start_session"

	// GuidanceTopUp means the wallet cannot cover a paid session.
	GuidanceTopUp Guidance = "top_up"

	// GuidanceReconnect means the local projection is stale; reconcile
	// before trusting it.
	GuidanceReconnect Guidance = "reconnect"
)

// Client is the transport the mirror drives. Status and the session
// mutations hit the API; Events attaches the push stream.
type Client interface {
	Status(ctx context.Context, providerID string) (*session.Snapshot, error)
	StartFree(ctx context.Context, providerID string) (*session.Snapshot, error)
	StartPaid(ctx context.Context, providerID string) (*session.Snapshot, error)
	Stop(ctx context.Context, providerID string) (*session.Snapshot, error)
	Balance(ctx context.Context) (float64, error)

	// ActivePaidProvider returns the provider holding the user's single
	// paid session, or "" if none.
	ActivePaidProvider(ctx context.Context) (string, error)

	// Events attaches the push stream. The channel closes when the stream
	// drops; the mirror falls back to polling and reattaches.
	Events(ctx context.Context) (<-chan session.Snapshot, error)
}

// Config holds mirror configuration
type Config struct {
	PollInterval    time.Duration
	StaleAfter      time.Duration
	ReattachRetries int
}

// Mirror is the client-side projection of one provider's metered session.
// It prefers push updates, falls back to polling, counts the remaining
// seconds down locally between authoritative snapshots, and replaces its
// whole state on every authoritative update. It never merges fields.
type Mirror struct {
	client     Client
	providerID string

	pollInterval      time.Duration
	staleAfter        time.Duration
	reattachRetries   int
	countdownInterval time.Duration

	state      session.Snapshot
	lastUpdate time.Time
	submitting bool

	logger zerolog.Logger
	mu     sync.Mutex
}

// New creates a new session mirror for one provider
func New(client Client, providerID string, config Config, logger zerolog.Logger) *Mirror {
	if config.PollInterval == 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.StaleAfter == 0 {
		config.StaleAfter = DefaultStaleAfter
	}
	if config.ReattachRetries == 0 {
		config.ReattachRetries = DefaultReattachRetries
	}

	return &Mirror{
		client:            client,
		providerID:        providerID,
		pollInterval:      config.PollInterval,
		staleAfter:        config.StaleAfter,
		reattachRetries:   config.ReattachRetries,
		countdownInterval: time.Second,
		state:             session.Snapshot{ProviderID: providerID, Kind: session.KindNew},
		logger:            logger.With().Str("component", "mirror").Str("provider", providerID).Logger(),
	}
}

// State returns the current local projection.
func (m *Mirror) State() session.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Apply ingests an authoritative snapshot. Out-of-order push deliveries are
// discarded by sequence number; everything else replaces the local state
// wholesale.
func (m *Mirror) Apply(snap session.Snapshot) bool {
	if snap.ProviderID != m.providerID {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Seq < m.state.Seq {
		m.logger.Debug().
			Int64("seq", snap.Seq).
			Int64("have", m.state.Seq).
			Msg("Discarded out-of-order snapshot")
		return false
	}

	m.state = snap
	m.lastUpdate = time.Now()
	return true
}

// Reconcile polls the authoritative state and replaces the projection. The
// poll result wins even when its sequence matches the local one, since the
// local countdown may have drifted.
func (m *Mirror) Reconcile(ctx context.Context) error {
	snap, err := m.client.Status(ctx, m.providerID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = *snap
	m.lastUpdate = time.Now()
	return nil
}

// Tick advances the local countdown by one second. It is a projection
// only; the next authoritative snapshot replaces whatever it computed.
// Returns true when the projection just hit zero, which is the moment to
// ask the server what actually happened.
func (m *Mirror) Tick() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Kind.Active() {
		return false
	}
	if m.state.RemainingSeconds > 0 {
		m.state.RemainingSeconds--
		return m.state.RemainingSeconds == 0
	}
	return false
}

// touch refreshes the staleness clock. While the push stream is attached
// the authority only broadcasts paid sessions at minute boundaries, so a
// quiet stream is not a stale one.
func (m *Mirror) touch() {
	m.mu.Lock()
	m.lastUpdate = time.Now()
	m.mu.Unlock()
}

// CanSend reports whether the user may submit a message right now, and
// what to offer them when not.
func (m *Mirror) CanSend() (bool, Guidance) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Kind.Active() {
		if !m.lastUpdate.IsZero() && time.Since(m.lastUpdate) > m.staleAfter {
			return false, GuidanceReconnect
		}
		return true, GuidanceNone
	}

	if m.state.Kind == session.KindInsufficient || m.state.PromptTopUp {
		return false, GuidanceTopUp
	}
	// Stopped with no trial left and an empty wallet: only a top-up can
	// get the user back into a session.
	if m.state.Kind == session.KindStopped && m.state.FreeUsed && m.state.Balance <= 0 {
		return false, GuidanceTopUp
	}
	return false, GuidanceStartSession
}

// StartFree starts the free trial through the submission guard.
func (m *Mirror) StartFree(ctx context.Context) error {
	return m.submit(ctx, m.client.StartFree)
}

// StartPaid starts a paid session through the submission guard.
func (m *Mirror) StartPaid(ctx context.Context) error {
	return m.submit(ctx, m.client.StartPaid)
}

// Stop ends the running session through the submission guard.
func (m *Mirror) Stop(ctx context.Context) error {
	return m.submit(ctx, m.client.Stop)
}

// AutoStart starts the free trial when this pair still has one and the
// user has no paid session running elsewhere. It never starts a paid
// session on its own: spending credits takes an explicit StartPaid, so
// when only paid remains it returns the guidance to surface instead.
func (m *Mirror) AutoStart(ctx context.Context) (Guidance, error) {
	m.mu.Lock()
	freeUsed := m.state.FreeUsed
	m.mu.Unlock()

	if !freeUsed {
		paid, err := m.client.ActivePaidProvider(ctx)
		if err != nil {
			return GuidanceNone, err
		}
		if paid != "" && paid != m.providerID {
			// The user is already paying another consultant; starting a
			// second clock here would be a surprise bill.
			return GuidanceNone, nil
		}

		err = m.StartFree(ctx)
		if err == nil {
			return GuidanceNone, nil
		}
		if !errors.Is(err, session.ErrFreeTrialUsed) {
			return GuidanceNone, err
		}
		// The server knows better than the projection; offer paid below.
	}

	balance, err := m.client.Balance(ctx)
	if err != nil {
		return GuidanceNone, err
	}
	if balance <= 0 {
		return GuidanceTopUp, nil
	}
	return GuidanceStartSession, nil
}

// submit runs one session mutation under the submission guard: while a
// mutation is in flight every further one is rejected busy, so a double
// tap cannot race two starts.
func (m *Mirror) submit(ctx context.Context, op func(context.Context, string) (*session.Snapshot, error)) error {
	m.mu.Lock()
	if m.submitting {
		m.mu.Unlock()
		return session.ErrSessionBusy
	}
	m.submitting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.submitting = false
		m.mu.Unlock()
	}()

	snap, err := op(ctx, m.providerID)
	if err != nil {
		return err
	}

	m.Apply(*snap)
	return nil
}

// Run drives the mirror until the context ends: push events when the
// stream is up, polling while it is down, and a local countdown tick every
// second throughout.
func (m *Mirror) Run(ctx context.Context) {
	countdown := time.NewTicker(m.countdownInterval)
	defer countdown.Stop()

	if err := m.Reconcile(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Initial reconcile failed")
	}

	for {
		events, err := m.attach(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Push is down; poll until the next attach cycle.
			m.pollLoop(ctx, countdown)
			continue
		}

		// Push attached: a fresh reconcile catches anything dropped while
		// the stream was down.
		if err := m.Reconcile(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("Reconcile after attach failed")
		}

		if !m.consume(ctx, events, countdown) {
			return
		}
	}
}

// attach tries to open the push stream with bounded retries.
func (m *Mirror) attach(ctx context.Context) (<-chan session.Snapshot, error) {
	var lastErr error
	for attempt := 0; attempt < m.reattachRetries; attempt++ {
		events, err := m.client.Events(ctx)
		if err == nil {
			return events, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}

	m.logger.Warn().Err(lastErr).Msg("Push stream unavailable, falling back to polling")
	return nil, lastErr
}

// consume drains the push stream, ticking the local countdown in between.
// Returns false when the context ended, true when the stream dropped and
// the caller should reattach.
func (m *Mirror) consume(ctx context.Context, events <-chan session.Snapshot, countdown *time.Ticker) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case snap, open := <-events:
			if !open {
				m.logger.Debug().Msg("Push stream dropped")
				return true
			}
			m.Apply(snap)
		case <-countdown.C:
			if m.Tick() {
				// The projected clock ran out before the authority said
				// anything; ask it directly rather than guess.
				if err := m.Reconcile(ctx); err != nil {
					m.logger.Warn().Err(err).Msg("Countdown reconcile failed")
				}
			} else {
				m.touch()
			}
		}
	}
}

// pollLoop polls for one reattach cycle while push is down.
func (m *Mirror) pollLoop(ctx context.Context, countdown *time.Ticker) {
	poll := time.NewTicker(m.pollInterval)
	defer poll.Stop()

	for i := 0; i < m.reattachRetries; i++ {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			if err := m.Reconcile(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("Poll failed")
			}
		case <-countdown.C:
			if m.Tick() {
				if err := m.Reconcile(ctx); err != nil {
					m.logger.Warn().Err(err).Msg("Countdown reconcile failed")
				}
			}
			i-- // countdown ticks do not consume the poll budget
		}
	}
}
