package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/consulta/meterd/internal/session"
	"github.com/rs/zerolog"
)

// memLockStore is an in-memory storage.LockStore for manager tests.
type memLockStore struct {
	mu     sync.Mutex
	leases map[string]memLease
}

type memLease struct {
	token   string
	expires time.Time
}

func newMemLockStore() *memLockStore {
	return &memLockStore{leases: make(map[string]memLease)}
}

func (s *memLockStore) TryAcquire(ctx context.Context, key session.Key, ttl time.Duration) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if lease, ok := s.leases[key.String()]; ok && lease.expires.After(now) {
		return "", false, nil
	}

	token := key.String() + now.String()
	s.leases[key.String()] = memLease{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (s *memLockStore) Release(ctx context.Context, key session.Key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lease, ok := s.leases[key.String()]; ok && lease.token == token {
		delete(s.leases, key.String())
	}
	return nil
}

func (s *memLockStore) Refresh(ctx context.Context, key session.Key, token string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, ok := s.leases[key.String()]
	if !ok || lease.token != token || !lease.expires.After(time.Now()) {
		return session.ErrLockExpired
	}
	s.leases[key.String()] = memLease{token: token, expires: time.Now().Add(ttl)}
	return nil
}

func testManager(store *memLockStore, wait time.Duration) *Manager {
	return NewManager(store, Config{
		LeaseTTL:      time.Second,
		AcquireWait:   wait,
		RetryInterval: 5 * time.Millisecond,
	}, zerolog.Nop())
}

func TestManager_AcquireRelease(t *testing.T) {
	m := testManager(newMemLockStore(), 50*time.Millisecond)
	ctx := context.Background()
	key := session.Key{UserID: "user-1", ProviderID: "provider-1"}

	lease, err := m.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// A second acquisition within the bounded wait observes busy.
	if _, err := m.Acquire(ctx, key); err != session.ErrSessionBusy {
		t.Fatalf("Expected ErrSessionBusy, got %v", err)
	}

	lease.Release(ctx)

	if _, err := m.Acquire(ctx, key); err != nil {
		t.Fatalf("Acquire after release failed: %v", err)
	}
}

func TestManager_WaitsForRelease(t *testing.T) {
	m := testManager(newMemLockStore(), 200*time.Millisecond)
	ctx := context.Background()
	key := session.Key{UserID: "user-1", ProviderID: "provider-1"}

	lease, err := m.Acquire(ctx, key)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	go func() {
		time.Sleep(30 * time.Millisecond)
		lease.Release(context.Background())
	}()

	// The bounded wait outlasts the holder, so this acquisition succeeds
	// without surfacing busy.
	if _, err := m.Acquire(ctx, key); err != nil {
		t.Fatalf("Acquire during bounded wait failed: %v", err)
	}
}

func TestManager_KeysDoNotContend(t *testing.T) {
	m := testManager(newMemLockStore(), 50*time.Millisecond)
	ctx := context.Background()

	if _, err := m.Acquire(ctx, session.Key{UserID: "user-1", ProviderID: "a"}); err != nil {
		t.Fatalf("Acquire key a failed: %v", err)
	}
	if _, err := m.Acquire(ctx, session.Key{UserID: "user-1", ProviderID: "b"}); err != nil {
		t.Fatalf("Acquire key b failed: %v", err)
	}
}

func TestManager_ContextCancel(t *testing.T) {
	m := testManager(newMemLockStore(), 10*time.Second)
	key := session.Key{UserID: "user-1", ProviderID: "provider-1"}

	if _, err := m.Acquire(context.Background(), key); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := m.Acquire(ctx, key); err != context.DeadlineExceeded {
		t.Fatalf("Expected context.DeadlineExceeded, got %v", err)
	}
}

func TestManager_Exclusivity(t *testing.T) {
	m := testManager(newMemLockStore(), 10*time.Millisecond)
	ctx := context.Background()
	key := session.Key{UserID: "user-1", ProviderID: "provider-1"}

	// Simultaneous acquisitions: exactly one wins.
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(ctx, key); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("Expected exactly 1 winner, got %d", wins)
	}
}
