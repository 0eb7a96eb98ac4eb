package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/consulta/meterd/internal/session"
	"github.com/redis/go-redis/v9"
)

// debitMarkerTTLSeconds bounds how long a debit dedup marker is kept. A
// replayed tick for a minute already billed can only arrive within the
// lifetime of its session, so 24h is ample.
const debitMarkerTTLSeconds = 86400

type walletStore struct {
	client *redis.Client
}

func walletKey(userID string) string {
	return fmt.Sprintf("meterd:wallet:%s", userID)
}

func debitMarkerKey(key session.Key, epoch, minute int64) string {
	return fmt.Sprintf("meterd:debit:%s:%s:%d:%d", key.UserID, key.ProviderID, epoch, minute)
}

// Balance returns the user's balance in millicredits; a missing wallet is zero
func (s *walletStore) Balance(ctx context.Context, userID string) (int64, error) {
	raw, err := s.client.Get(ctx, walletKey(userID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	balance, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse wallet balance: %w", err)
	}
	return balance, nil
}

// Credit adds millicredits to the user's balance and returns the new balance
func (s *walletStore) Credit(ctx context.Context, userID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	return s.client.IncrBy(ctx, walletKey(userID), amount).Result()
}

// DebitMinute performs one idempotent minute debit for a paid session tick
func (s *walletStore) DebitMinute(ctx context.Context, key session.Key, epoch, minute, amount int64) (int64, error) {
	script := redis.NewScript(debitMinuteScript)

	keys := []string{walletKey(key.UserID), debitMarkerKey(key, epoch, minute)}
	args := []interface{}{amount, debitMarkerTTLSeconds}

	reply, err := script.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return 0, err
	}

	if len(reply) != 2 {
		return 0, fmt.Errorf("unexpected debit reply: %v", reply)
	}

	status, _ := reply[0].(string)
	raw, _ := reply[1].(string)

	balance, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse debit balance: %w", err)
	}

	switch status {
	case "ok", "dup":
		return balance, nil
	case "insufficient":
		return balance, session.ErrInsufficientCredits
	default:
		return 0, fmt.Errorf("unexpected debit status: %s", status)
	}
}
