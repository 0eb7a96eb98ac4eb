package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/consulta/meterd/internal/session"
	"github.com/consulta/meterd/internal/storage"
)

// parseSessionRecord converts a Redis hash to a SessionRecord
func parseSessionRecord(data map[string]string) (*storage.SessionRecord, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	freeRemaining, err := strconv.ParseInt(data["free_remaining"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse free_remaining: %w", err)
	}

	paidElapsed, err := strconv.ParseInt(data["paid_elapsed"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse paid_elapsed: %w", err)
	}

	rate, err := strconv.ParseInt(data["rate_per_minute"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rate_per_minute: %w", err)
	}

	epoch, err := strconv.ParseInt(data["epoch"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse epoch: %w", err)
	}

	seq, err := strconv.ParseInt(data["seq"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse seq: %w", err)
	}

	startedAt, err := time.Parse(time.RFC3339Nano, data["started_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, data["updated_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}

	return &storage.SessionRecord{
		UserID:               data["user_id"],
		ProviderID:           data["provider_id"],
		Kind:                 session.Kind(data["kind"]),
		FreeRemainingSeconds: freeRemaining,
		PaidElapsedSeconds:   paidElapsed,
		RatePerMinute:        rate,
		Epoch:                epoch,
		Seq:                  seq,
		StartedAt:            startedAt,
		UpdatedAt:            updatedAt,
	}, nil
}
