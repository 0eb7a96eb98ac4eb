package session

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind represents the lifecycle state of a metered session.
type Kind string

const (
	// KindNew is the initial state before any free or paid period has started.
	KindNew Kind = "NEW"

	// KindFree is the one-shot free-trial period.
	KindFree Kind = "FREE"

	// KindPaid is a running paid session billed against the wallet.
	KindPaid Kind = "PAID"

	// KindStopped is the terminal but re-enterable state after an explicit
	// stop or free-trial exhaustion.
	KindStopped Kind = "STOPPED"

	// KindInsufficient is the terminal state entered when a minute debit
	// would drive the wallet balance negative.
	KindInsufficient Kind = "INSUFFICIENT"
)

// UnmarshalJSON implements json.Unmarshaler to normalize the kind to uppercase.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := Kind(strings.ToUpper(s))
	switch normalized {
	case KindNew, KindFree, KindPaid, KindStopped, KindInsufficient:
		*k = normalized
		return nil
	}
	return fmt.Errorf("invalid session kind: %q", s)
}

// Active reports whether the kind is a ticking state.
func (k Kind) Active() bool {
	return k == KindFree || k == KindPaid
}

// Terminal reports whether the kind ends metering until an explicit restart.
func (k Kind) Terminal() bool {
	return k == KindStopped || k == KindInsufficient
}

// Key identifies one metered (user, provider) pair.
type Key struct {
	UserID     string
	ProviderID string
}

// String returns the canonical "user:provider" form used in storage keys
// and log fields.
func (k Key) String() string {
	return k.UserID + ":" + k.ProviderID
}

// MillicreditsPerCredit is the fixed-point scale for wallet balances.
// Balances are stored as int64 millicredits so minute debits never
// accumulate float error; the wire contract carries credits as a number.
const MillicreditsPerCredit = 1000

// CreditsFromMillis converts a stored millicredit amount to wire credits.
func CreditsFromMillis(m int64) float64 {
	return float64(m) / MillicreditsPerCredit
}

// MillisFromCredits converts wire credits to stored millicredits,
// truncating toward zero.
func MillisFromCredits(c float64) int64 {
	return int64(c * MillicreditsPerCredit)
}

// Snapshot is the authoritative session view delivered over both the push
// and poll channels. Any authoritative update replaces the client's local
// projection wholesale; snapshots are never merged field by field.
type Snapshot struct {
	ProviderID       string  `json:"provider"`
	Kind             Kind    `json:"kind"`
	RemainingSeconds int64   `json:"remainingSeconds"`
	Balance          float64 `json:"balance"`
	FreeUsed         bool    `json:"freeUsed"`

	// Seq increases monotonically per session so observers can discard
	// out-of-order push deliveries.
	Seq int64 `json:"seq"`

	// PromptFeedback is set on the terminal snapshot of an explicitly
	// stopped paid session; the feedback flow is an external collaborator.
	PromptFeedback bool `json:"promptFeedback,omitempty"`

	// PromptTopUp is set on INSUFFICIENT terminal snapshots so the client
	// offers the top-up flow instead of the feedback survey.
	PromptTopUp bool `json:"promptTopUp,omitempty"`
}
