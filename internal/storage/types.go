package storage

import (
	"time"

	"github.com/consulta/meterd/internal/session"
)

// SessionRecord is the authoritative per-(user, provider) metering record.
type SessionRecord struct {
	UserID     string
	ProviderID string
	Kind       session.Kind

	// FreeRemainingSeconds counts down only while Kind is FREE.
	FreeRemainingSeconds int64

	// PaidElapsedSeconds counts up only while Kind is PAID. Minute debits
	// are derived from it: floor(elapsed/60) full minutes have been billed.
	PaidElapsedSeconds int64

	// RatePerMinute is the provider's paid rate in millicredits.
	RatePerMinute int64

	// Epoch increments on every fresh FREE or PAID start and scopes the
	// debit dedup markers, so a restarted session never collides with the
	// minute ids of an earlier run.
	Epoch int64

	// Seq increases monotonically across all mutations of this record.
	Seq int64

	StartedAt time.Time
	UpdatedAt time.Time
}

// Key returns the record's session key.
func (r SessionRecord) Key() session.Key {
	return session.Key{UserID: r.UserID, ProviderID: r.ProviderID}
}

// RemainingSeconds returns the countdown value exposed to observers: trial
// seconds left for FREE, whole seconds of balance left at the paid rate for
// PAID, zero otherwise.
func (r SessionRecord) RemainingSeconds(balance int64) int64 {
	switch r.Kind {
	case session.KindFree:
		return r.FreeRemainingSeconds
	case session.KindPaid:
		if r.RatePerMinute <= 0 {
			return 0
		}
		secs := balance * 60 / r.RatePerMinute
		if secs < 0 {
			return 0
		}
		return secs
	default:
		return 0
	}
}

// Snapshot projects the record onto the wire contract.
func (r SessionRecord) Snapshot(balance int64, freeUsed bool) session.Snapshot {
	return session.Snapshot{
		ProviderID:       r.ProviderID,
		Kind:             r.Kind,
		RemainingSeconds: r.RemainingSeconds(balance),
		Balance:          session.CreditsFromMillis(balance),
		FreeUsed:         freeUsed,
		Seq:              r.Seq,
		PromptTopUp:      r.Kind == session.KindInsufficient,
	}
}
