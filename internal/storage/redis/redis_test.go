package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/consulta/meterd/internal/config"
	"github.com/consulta/meterd/internal/session"
	"github.com/consulta/meterd/internal/storage"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so we use it directly
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0, // Not used when host contains port
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}

	return store, mr
}

func testRecord(userID, providerID string, kind session.Kind) storage.SessionRecord {
	now := time.Now()
	return storage.SessionRecord{
		UserID:     userID,
		ProviderID: providerID,
		Kind:       kind,
		StartedAt:  now,
		UpdatedAt:  now,
	}
}

func TestSessionStore_UpsertAndGet(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	rec := testRecord("user-1", "provider-1", session.KindPaid)
	rec.PaidElapsedSeconds = 42
	rec.RatePerMinute = 1000
	rec.Epoch = 1

	saved, err := sessions.Upsert(ctx, rec)
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if saved.Seq != 1 {
		t.Errorf("Expected seq 1 on first write, got %d", saved.Seq)
	}

	retrieved, err := sessions.Get(ctx, rec.Key())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if retrieved.Kind != session.KindPaid {
		t.Errorf("Expected kind PAID, got %s", retrieved.Kind)
	}
	if retrieved.PaidElapsedSeconds != 42 {
		t.Errorf("Expected PaidElapsedSeconds 42, got %d", retrieved.PaidElapsedSeconds)
	}
	if retrieved.RatePerMinute != 1000 {
		t.Errorf("Expected RatePerMinute 1000, got %d", retrieved.RatePerMinute)
	}
}

func TestSessionStore_GetNotFound(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	_, err := store.Sessions().Get(ctx, session.Key{UserID: "nobody", ProviderID: "nowhere"})
	if err != storage.ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSessionStore_SeqMonotonic(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	rec := testRecord("user-1", "provider-1", session.KindFree)
	rec.FreeRemainingSeconds = 60

	var lastSeq int64
	for i := 0; i < 5; i++ {
		saved, err := sessions.Upsert(ctx, rec)
		if err != nil {
			t.Fatalf("Upsert %d failed: %v", i, err)
		}
		if saved.Seq <= lastSeq {
			t.Fatalf("Seq not monotonic: %d after %d", saved.Seq, lastSeq)
		}
		lastSeq = saved.Seq
	}
}

func TestSessionStore_SinglePaidPerUser(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	recA := testRecord("user-1", "provider-a", session.KindPaid)
	recA.RatePerMinute = 1000
	if _, err := sessions.Upsert(ctx, recA); err != nil {
		t.Fatalf("Upsert provider-a failed: %v", err)
	}

	// A second PAID session for the same user must be rejected without
	// touching provider-b's record.
	recB := testRecord("user-1", "provider-b", session.KindPaid)
	recB.RatePerMinute = 2000
	if _, err := sessions.Upsert(ctx, recB); err != session.ErrAnotherSessionActive {
		t.Fatalf("Expected ErrAnotherSessionActive, got %v", err)
	}

	if _, err := sessions.Get(ctx, recB.Key()); err != storage.ErrNotFound {
		t.Errorf("Rejected paid start must not create a record, got err=%v", err)
	}

	holder, err := sessions.ActivePaidProvider(ctx, "user-1")
	if err != nil {
		t.Fatalf("ActivePaidProvider failed: %v", err)
	}
	if holder != "provider-a" {
		t.Errorf("Expected active paid provider 'provider-a', got %q", holder)
	}

	// Stopping provider-a releases the pointer and admits provider-b.
	recA.Kind = session.KindStopped
	if _, err := sessions.Upsert(ctx, recA); err != nil {
		t.Fatalf("Stop upsert failed: %v", err)
	}

	if _, err := sessions.Upsert(ctx, recB); err != nil {
		t.Fatalf("Upsert provider-b after stop failed: %v", err)
	}
}

func TestSessionStore_StartFreeOnce(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	rec := testRecord("user-1", "provider-1", session.KindFree)
	rec.FreeRemainingSeconds = 60
	rec.Epoch = 1

	saved, err := sessions.StartFree(ctx, rec)
	if err != nil {
		t.Fatalf("StartFree failed: %v", err)
	}
	if saved.Kind != session.KindFree {
		t.Errorf("Expected kind FREE, got %s", saved.Kind)
	}

	used, err := sessions.FreeUsed(ctx, rec.Key())
	if err != nil {
		t.Fatalf("FreeUsed failed: %v", err)
	}
	if !used {
		t.Error("Expected FreeUsed true after StartFree")
	}

	// Second trial for the same pair is rejected for the pair's lifetime,
	// regardless of intermediate stops.
	stopped := saved
	stopped.Kind = session.KindStopped
	if _, err := sessions.Upsert(ctx, *stopped); err != nil {
		t.Fatalf("Stop upsert failed: %v", err)
	}

	if _, err := sessions.StartFree(ctx, rec); err != session.ErrFreeTrialUsed {
		t.Errorf("Expected ErrFreeTrialUsed, got %v", err)
	}

	// A different provider still has its own trial.
	other := testRecord("user-1", "provider-2", session.KindFree)
	other.FreeRemainingSeconds = 60
	if _, err := sessions.StartFree(ctx, other); err != nil {
		t.Errorf("StartFree for other provider failed: %v", err)
	}
}

func TestSessionStore_ListActive(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessions := store.Sessions()

	free := testRecord("user-1", "provider-1", session.KindFree)
	free.FreeRemainingSeconds = 30
	paid := testRecord("user-2", "provider-2", session.KindPaid)
	paid.RatePerMinute = 1000
	stopped := testRecord("user-3", "provider-3", session.KindStopped)

	if _, err := sessions.Upsert(ctx, free); err != nil {
		t.Fatalf("Upsert free failed: %v", err)
	}
	if _, err := sessions.Upsert(ctx, paid); err != nil {
		t.Fatalf("Upsert paid failed: %v", err)
	}
	if _, err := sessions.Upsert(ctx, stopped); err != nil {
		t.Fatalf("Upsert stopped failed: %v", err)
	}

	active, err := sessions.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}

	if len(active) != 2 {
		t.Fatalf("Expected 2 active sessions, got %d", len(active))
	}
	for _, rec := range active {
		if !rec.Kind.Active() {
			t.Errorf("ListActive returned non-active kind %s", rec.Kind)
		}
	}
}

func TestWalletStore_BalanceAndCredit(t *testing.T) {
	store, _ := setupTestStore(t)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	wallets := store.Wallets()

	// Missing wallet reads as zero.
	balance, err := wallets.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("Expected 0 balance for missing wallet, got %d", balance)
	}

	newBalance, err := wallets.Credit(ctx, "user-1", 5000)
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if newBalance != 5000 {
		t.Errorf("Expected balance 5000 after credit, got %d", newBalance)
	}

	if _, err := wallets.Credit(ctx, "user-1", -1); err == nil {
		t.Error("Expected error for non-positive credit amount")
	}
}
