package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/consulta/meterd/internal/session"
	"github.com/consulta/meterd/internal/storage"
	"github.com/redis/go-redis/v9"
)

type sessionStore struct {
	client *redis.Client
}

func sessionKey(key session.Key) string {
	return fmt.Sprintf("meterd:session:%s:%s", key.UserID, key.ProviderID)
}

func freeUsedKey(key session.Key) string {
	return fmt.Sprintf("meterd:freeused:%s:%s", key.UserID, key.ProviderID)
}

func paidPointerKey(userID string) string {
	return fmt.Sprintf("meterd:paid:%s", userID)
}

const activeSet = "meterd:sessions:active"

// Get retrieves the session record for a (user, provider) pair
func (s *sessionStore) Get(ctx context.Context, key session.Key) (*storage.SessionRecord, error) {
	data, err := s.client.HGetAll(ctx, sessionKey(key)).Result()
	if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	return parseSessionRecord(data)
}

// Upsert atomically writes the record, bumps seq, and maintains indexes
func (s *sessionStore) Upsert(ctx context.Context, rec storage.SessionRecord) (*storage.SessionRecord, error) {
	script := redis.NewScript(upsertSessionScript)

	key := rec.Key()
	keys := []string{sessionKey(key), activeSet, paidPointerKey(rec.UserID)}
	args := []interface{}{
		rec.UserID,
		rec.ProviderID,
		string(rec.Kind),
		rec.FreeRemainingSeconds,
		rec.PaidElapsedSeconds,
		rec.RatePerMinute,
		rec.Epoch,
		rec.StartedAt.Format(time.RFC3339Nano),
		rec.UpdatedAt.Format(time.RFC3339Nano),
		key.String(),
	}

	reply, err := script.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, err
	}

	status, seq, err := parseScriptReply(reply)
	if err != nil {
		return nil, err
	}

	switch status {
	case "ok":
		rec.Seq = seq
		return &rec, nil
	case "conflict":
		return nil, session.ErrAnotherSessionActive
	default:
		return nil, fmt.Errorf("unexpected upsert status: %s", status)
	}
}

// StartFree atomically consumes the one-shot free trial and writes the record
func (s *sessionStore) StartFree(ctx context.Context, rec storage.SessionRecord) (*storage.SessionRecord, error) {
	script := redis.NewScript(startFreeScript)

	key := rec.Key()
	keys := []string{sessionKey(key), activeSet, freeUsedKey(key)}
	args := []interface{}{
		rec.UserID,
		rec.ProviderID,
		rec.FreeRemainingSeconds,
		rec.Epoch,
		rec.StartedAt.Format(time.RFC3339Nano),
		rec.UpdatedAt.Format(time.RFC3339Nano),
		key.String(),
	}

	reply, err := script.Run(ctx, s.client, keys, args...).Slice()
	if err != nil {
		return nil, err
	}

	status, seq, err := parseScriptReply(reply)
	if err != nil {
		return nil, err
	}

	switch status {
	case "ok":
		rec.Kind = session.KindFree
		rec.PaidElapsedSeconds = 0
		rec.RatePerMinute = 0
		rec.Seq = seq
		return &rec, nil
	case "used":
		return nil, session.ErrFreeTrialUsed
	default:
		return nil, fmt.Errorf("unexpected startFree status: %s", status)
	}
}

// FreeUsed reports whether the pair has consumed its free trial
func (s *sessionStore) FreeUsed(ctx context.Context, key session.Key) (bool, error) {
	n, err := s.client.Exists(ctx, freeUsedKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ActivePaidProvider returns the provider holding the user's active PAID session
func (s *sessionStore) ActivePaidProvider(ctx context.Context, userID string) (string, error) {
	provider, err := s.client.Get(ctx, paidPointerKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return provider, nil
}

// ListActive returns all records currently in a ticking state
func (s *sessionStore) ListActive(ctx context.Context) ([]storage.SessionRecord, error) {
	members, err := s.client.SMembers(ctx, activeSet).Result()
	if err != nil {
		return nil, err
	}

	if len(members) == 0 {
		return []storage.SessionRecord{}, nil
	}

	// Use pipeline for efficient batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(members))

	for i, member := range members {
		cmds[i] = pipe.HGetAll(ctx, "meterd:session:"+member)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	records := make([]storage.SessionRecord, 0, len(members))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		rec, err := parseSessionRecord(data)
		if err == nil && rec.Kind.Active() {
			records = append(records, *rec)
		}
	}

	return records, nil
}

// parseScriptReply extracts the (status, seq) pair from a session script reply
func parseScriptReply(reply []interface{}) (string, int64, error) {
	if len(reply) == 0 {
		return "", 0, fmt.Errorf("empty script reply")
	}

	status, ok := reply[0].(string)
	if !ok {
		return "", 0, fmt.Errorf("unexpected script reply element: %v", reply[0])
	}

	var seq int64
	if len(reply) > 1 {
		raw, ok := reply[1].(string)
		if !ok {
			return "", 0, fmt.Errorf("unexpected script reply element: %v", reply[1])
		}
		if status == "ok" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return "", 0, fmt.Errorf("failed to parse seq: %w", err)
			}
			seq = n
		}
	}

	return status, seq, nil
}
