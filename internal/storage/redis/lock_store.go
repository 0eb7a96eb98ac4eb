package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/consulta/meterd/internal/session"
	"github.com/redis/go-redis/v9"
)

type lockStore struct {
	client *redis.Client
}

func lockKey(key session.Key) string {
	return fmt.Sprintf("meterd:lock:%s:%s", key.UserID, key.ProviderID)
}

// TryAcquire attempts a single non-blocking lease acquisition
func (s *lockStore) TryAcquire(ctx context.Context, key session.Key, ttl time.Duration) (string, bool, error) {
	token := generateToken()

	ok, err := s.client.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}

	return token, true, nil
}

// Release releases the lease only if token still owns it
func (s *lockStore) Release(ctx context.Context, key session.Key, token string) error {
	script := redis.NewScript(releaseLockScript)
	return script.Run(ctx, s.client, []string{lockKey(key)}, token).Err()
}

// Refresh extends a held lease, failing if the token no longer owns it
func (s *lockStore) Refresh(ctx context.Context, key session.Key, token string, ttl time.Duration) error {
	script := redis.NewScript(refreshLockScript)

	n, err := script.Run(ctx, s.client, []string{lockKey(key)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return session.ErrLockExpired
	}
	return nil
}

// generateToken generates a unique lease token
func generateToken() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// This should never happen with a working system RNG
		panic(fmt.Sprintf("failed to generate random lock token: %v", err))
	}
	return hex.EncodeToString(bytes)
}
