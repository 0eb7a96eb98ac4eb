package mirror

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/consulta/meterd/internal/session"
	"github.com/rs/zerolog"
)

// fakeClient is an in-memory transport double.
type fakeClient struct {
	status     session.Snapshot
	statusErr  error
	balance    float64
	activePaid string

	startFreeErr error
	startPaidErr error

	startFreeCalls int
	startPaidCalls int
	stopCalls      int

	// events, when set, is handed out as the push stream.
	events chan session.Snapshot

	// blockSubmit holds mutations open until released, for guard tests.
	blockSubmit chan struct{}

	mu sync.Mutex
}

func (f *fakeClient) Status(ctx context.Context, providerID string) (*session.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	snap := f.status
	return &snap, nil
}

func (f *fakeClient) submit(calls *int, err error) (*session.Snapshot, error) {
	f.mu.Lock()
	*calls++
	block := f.blockSubmit
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.status
	return &snap, nil
}

func (f *fakeClient) StartFree(ctx context.Context, providerID string) (*session.Snapshot, error) {
	return f.submit(&f.startFreeCalls, f.startFreeErr)
}

func (f *fakeClient) StartPaid(ctx context.Context, providerID string) (*session.Snapshot, error) {
	return f.submit(&f.startPaidCalls, f.startPaidErr)
}

func (f *fakeClient) Stop(ctx context.Context, providerID string) (*session.Snapshot, error) {
	return f.submit(&f.stopCalls, nil)
}

func (f *fakeClient) Balance(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeClient) ActivePaidProvider(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activePaid, nil
}

func (f *fakeClient) Events(ctx context.Context) (<-chan session.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events != nil {
		return f.events, nil
	}
	return nil, errors.New("push unavailable")
}

func freeSnap(seq, remaining int64) session.Snapshot {
	return session.Snapshot{
		ProviderID:       "provider-1",
		Kind:             session.KindFree,
		RemainingSeconds: remaining,
		FreeUsed:         true,
		Seq:              seq,
	}
}

func newTestMirror(client *fakeClient) *Mirror {
	return New(client, "provider-1", Config{}, zerolog.Nop())
}

func TestMirror_ApplyReplacesWholesale(t *testing.T) {
	m := newTestMirror(&fakeClient{})

	if !m.Apply(freeSnap(3, 45)) {
		t.Fatal("Expected snapshot to apply")
	}

	state := m.State()
	if state.Kind != session.KindFree {
		t.Errorf("Expected kind FREE, got %s", state.Kind)
	}
	if state.RemainingSeconds != 45 {
		t.Errorf("Expected 45 seconds, got %d", state.RemainingSeconds)
	}
}

func TestMirror_DiscardsOutOfOrder(t *testing.T) {
	m := newTestMirror(&fakeClient{})

	m.Apply(freeSnap(5, 40))
	if m.Apply(freeSnap(4, 55)) {
		t.Error("Expected stale snapshot to be discarded")
	}

	if got := m.State().RemainingSeconds; got != 40 {
		t.Errorf("Expected state unchanged at 40 seconds, got %d", got)
	}
}

func TestMirror_IgnoresOtherProviders(t *testing.T) {
	m := newTestMirror(&fakeClient{})

	snap := freeSnap(1, 60)
	snap.ProviderID = "provider-2"
	if m.Apply(snap) {
		t.Error("Expected snapshot for another provider to be ignored")
	}
}

func TestMirror_LocalCountdown(t *testing.T) {
	m := newTestMirror(&fakeClient{})
	m.Apply(freeSnap(1, 3))

	m.Tick()
	m.Tick()
	if got := m.State().RemainingSeconds; got != 1 {
		t.Errorf("Expected 1 second after two ticks, got %d", got)
	}

	// The countdown floors at zero; only the authority ends the session.
	m.Tick()
	m.Tick()
	state := m.State()
	if state.RemainingSeconds != 0 {
		t.Errorf("Expected countdown floored at 0, got %d", state.RemainingSeconds)
	}
	if state.Kind != session.KindFree {
		t.Errorf("Expected kind unchanged by local countdown, got %s", state.Kind)
	}
}

func TestMirror_CountdownOnlyWhileActive(t *testing.T) {
	m := newTestMirror(&fakeClient{})

	snap := freeSnap(1, 10)
	snap.Kind = session.KindStopped
	m.Apply(snap)

	m.Tick()
	if got := m.State().RemainingSeconds; got != 10 {
		t.Errorf("Expected no countdown on stopped session, got %d", got)
	}
}

func TestMirror_ReconcileReplacesDriftedState(t *testing.T) {
	client := &fakeClient{status: freeSnap(7, 30)}
	m := newTestMirror(client)

	// Same seq, drifted countdown: the poll result still wins.
	m.Apply(freeSnap(7, 12))

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got := m.State().RemainingSeconds; got != 30 {
		t.Errorf("Expected reconciled 30 seconds, got %d", got)
	}
}

func TestMirror_CanSendGating(t *testing.T) {
	m := newTestMirror(&fakeClient{})

	// NEW: no session yet.
	if ok, guidance := m.CanSend(); ok || guidance != GuidanceStartSession {
		t.Errorf("Expected start-session guidance on NEW, got %v/%s", ok, guidance)
	}

	m.Apply(freeSnap(1, 60))
	if ok, guidance := m.CanSend(); !ok || guidance != GuidanceNone {
		t.Errorf("Expected sending allowed on active session, got %v/%s", ok, guidance)
	}

	snap := freeSnap(2, 0)
	snap.Kind = session.KindInsufficient
	snap.PromptTopUp = true
	m.Apply(snap)
	if ok, guidance := m.CanSend(); ok || guidance != GuidanceTopUp {
		t.Errorf("Expected top-up guidance on INSUFFICIENT, got %v/%s", ok, guidance)
	}

	snap = freeSnap(3, 0)
	snap.Kind = session.KindStopped
	snap.Balance = 2
	m.Apply(snap)
	if ok, guidance := m.CanSend(); ok || guidance != GuidanceStartSession {
		t.Errorf("Expected start-session guidance on STOPPED with credits, got %v/%s", ok, guidance)
	}

	// Trial spent and wallet empty: starting anything needs a top-up first.
	snap = freeSnap(4, 0)
	snap.Kind = session.KindStopped
	snap.Balance = 0
	m.Apply(snap)
	if ok, guidance := m.CanSend(); ok || guidance != GuidanceTopUp {
		t.Errorf("Expected top-up guidance on STOPPED with empty wallet, got %v/%s", ok, guidance)
	}
}

func TestMirror_DuplicateReplayIsIdempotent(t *testing.T) {
	m := newTestMirror(&fakeClient{})

	snap := freeSnap(5, 42)
	m.Apply(snap)
	before := m.State()

	m.Apply(snap)
	if after := m.State(); after != before {
		t.Errorf("Expected replayed snapshot to leave state unchanged, got %+v", after)
	}
}

func TestMirror_CanSendStaleRequiresReconnect(t *testing.T) {
	m := New(&fakeClient{}, "provider-1", Config{StaleAfter: 10 * time.Millisecond}, zerolog.Nop())

	m.Apply(freeSnap(1, 60))
	time.Sleep(30 * time.Millisecond)

	if ok, guidance := m.CanSend(); ok || guidance != GuidanceReconnect {
		t.Errorf("Expected reconnect guidance on stale projection, got %v/%s", ok, guidance)
	}
}

func TestMirror_SubmissionGuard(t *testing.T) {
	client := &fakeClient{
		status:      freeSnap(1, 60),
		blockSubmit: make(chan struct{}),
	}
	m := newTestMirror(client)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- m.StartFree(context.Background())
	}()

	<-started
	time.Sleep(20 * time.Millisecond)

	// The first start is still in flight; a second submission is rejected.
	if err := m.StartPaid(context.Background()); !errors.Is(err, session.ErrSessionBusy) {
		t.Errorf("Expected ErrSessionBusy while submitting, got %v", err)
	}

	close(client.blockSubmit)
	if err := <-done; err != nil {
		t.Fatalf("StartFree failed: %v", err)
	}

	if client.startPaidCalls != 0 {
		t.Errorf("Expected guarded StartPaid never to reach the transport, got %d calls", client.startPaidCalls)
	}

	// The guard releases once the flight lands.
	if err := m.Stop(context.Background()); err != nil {
		t.Errorf("Expected submission after release, got %v", err)
	}
}

func TestMirror_AutoStartPrefersFreeTrial(t *testing.T) {
	client := &fakeClient{status: freeSnap(1, 60)}
	m := newTestMirror(client)

	guidance, err := m.AutoStart(context.Background())
	if err != nil {
		t.Fatalf("AutoStart failed: %v", err)
	}
	if guidance != GuidanceNone {
		t.Errorf("Expected no guidance after a free start, got %s", guidance)
	}
	if client.startFreeCalls != 1 {
		t.Errorf("Expected one free start, got %d", client.startFreeCalls)
	}
	if client.startPaidCalls != 0 {
		t.Errorf("Expected no paid start, got %d", client.startPaidCalls)
	}
}

func TestMirror_AutoStartNeverSpendsCredits(t *testing.T) {
	// Trial spent, wallet funded: the user must ask for a paid session
	// explicitly, so AutoStart only surfaces the offer.
	client := &fakeClient{balance: 5}
	m := newTestMirror(client)

	snap := freeSnap(1, 0)
	snap.Kind = session.KindStopped
	snap.Balance = 5
	m.Apply(snap)

	guidance, err := m.AutoStart(context.Background())
	if err != nil {
		t.Fatalf("AutoStart failed: %v", err)
	}
	if guidance != GuidanceStartSession {
		t.Errorf("Expected start-session guidance, got %s", guidance)
	}
	if client.startPaidCalls != 0 {
		t.Errorf("Expected no paid start without explicit consent, got %d", client.startPaidCalls)
	}
	if client.startFreeCalls != 0 {
		t.Errorf("Expected no free start when trial used, got %d", client.startFreeCalls)
	}
}

func TestMirror_AutoStartServerKnowsTrialUsed(t *testing.T) {
	// The local projection thinks the trial is available; the server
	// rejection routes to guidance, never to an unasked paid start.
	client := &fakeClient{
		startFreeErr: session.ErrFreeTrialUsed,
		balance:      5,
	}
	m := newTestMirror(client)

	guidance, err := m.AutoStart(context.Background())
	if err != nil {
		t.Fatalf("AutoStart failed: %v", err)
	}
	if guidance != GuidanceStartSession {
		t.Errorf("Expected start-session guidance, got %s", guidance)
	}
	if client.startFreeCalls != 1 {
		t.Errorf("Expected one free attempt, got %d", client.startFreeCalls)
	}
	if client.startPaidCalls != 0 {
		t.Errorf("Expected no paid start, got %d", client.startPaidCalls)
	}
}

func TestMirror_AutoStartSkipsFreeWhilePaidElsewhere(t *testing.T) {
	// Another consultant already holds the user's paid session. A free
	// start here would run two clocks, so AutoStart stays put.
	client := &fakeClient{activePaid: "provider-2"}
	m := newTestMirror(client)

	guidance, err := m.AutoStart(context.Background())
	if err != nil {
		t.Fatalf("AutoStart failed: %v", err)
	}
	if guidance != GuidanceNone {
		t.Errorf("Expected no guidance while paid elsewhere, got %s", guidance)
	}
	if client.startFreeCalls != 0 {
		t.Errorf("Expected no free start while paid elsewhere, got %d", client.startFreeCalls)
	}
	if client.startPaidCalls != 0 {
		t.Errorf("Expected no paid start, got %d", client.startPaidCalls)
	}
}

func TestMirror_AutoStartEmptyWallet(t *testing.T) {
	client := &fakeClient{balance: 0}
	m := newTestMirror(client)

	// Trial used locally, so AutoStart goes straight to the wallet check.
	snap := freeSnap(1, 0)
	snap.Kind = session.KindStopped
	m.Apply(snap)

	guidance, err := m.AutoStart(context.Background())
	if err != nil {
		t.Fatalf("AutoStart failed: %v", err)
	}
	if guidance != GuidanceTopUp {
		t.Errorf("Expected top-up guidance on empty wallet, got %s", guidance)
	}
	if client.startFreeCalls != 0 {
		t.Errorf("Expected no free start when trial used, got %d", client.startFreeCalls)
	}
	if client.startPaidCalls != 0 {
		t.Errorf("Expected no paid start on empty wallet, got %d", client.startPaidCalls)
	}
}

func TestMirror_SendAllowedAcrossBroadcastGap(t *testing.T) {
	// Paid sessions are broadcast once per minute boundary. A healthy
	// attached stream that stays quiet in between must not trip the
	// staleness gate.
	paid := freeSnap(1, 300)
	paid.Kind = session.KindPaid

	client := &fakeClient{
		status: paid,
		events: make(chan session.Snapshot),
	}
	m := New(client, "provider-1", Config{StaleAfter: 40 * time.Millisecond}, zerolog.Nop())
	m.countdownInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	// Wait for the initial reconcile to land the paid session.
	attached := time.Now().Add(time.Second)
	for m.State().Kind != session.KindPaid {
		if time.Now().After(attached) {
			t.Fatal("Mirror never picked up the paid session")
		}
		time.Sleep(time.Millisecond)
	}

	// Several stale windows pass with nothing on the stream.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		if ok, guidance := m.CanSend(); !ok {
			t.Fatalf("Expected sending allowed on quiet attached stream, got guidance %s", guidance)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	<-done
}
