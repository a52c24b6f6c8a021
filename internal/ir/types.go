package ir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// AccountKey identifies a watched account. It is the subscription key.
type AccountKey string

// NewAccountKey trims and NFC-normalizes raw so that visually identical keys
// received from different transports map to the same subscription.
func NewAccountKey(raw string) (AccountKey, error) {
	key := norm.NFC.String(strings.TrimSpace(raw))
	if key == "" {
		return "", fmt.Errorf("account key is empty")
	}
	return AccountKey(key), nil
}

// MustAccountKey is like NewAccountKey but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustAccountKey(raw string) AccountKey {
	key, err := NewAccountKey(raw)
	if err != nil {
		panic(err)
	}
	return key
}

func (k AccountKey) String() string { return string(k) }

// Kind tags the semantic type of an event. The set below is the catalogue the
// ledger currently emits; unknown kinds pass through unchanged.
type Kind string

const (
	KindAdminProfileRegistered Kind = "admin_profile_registered"
	KindAdminConfigUpdated     Kind = "admin_config_updated"
	KindAdminFundsWithdrawn    Kind = "admin_funds_withdrawn"
	KindAdminProfileClosed     Kind = "admin_profile_closed"
	KindAdminCommandDispatched Kind = "admin_command_dispatched"
	KindUserProfileCreated     Kind = "user_profile_created"
	KindUserCommKeyUpdated     Kind = "user_comm_key_updated"
	KindUserFundsDeposited     Kind = "user_funds_deposited"
	KindUserFundsWithdrawn     Kind = "user_funds_withdrawn"
	KindUserProfileClosed      Kind = "user_profile_closed"
	KindUserCommandDispatched  Kind = "user_command_dispatched"
	KindOffChainActionLogged   Kind = "off_chain_action_logged"

	// KindUnknown marks records whose kind could not be read.
	KindUnknown Kind = "unknown"
)

var knownKinds = map[Kind]bool{
	KindAdminProfileRegistered: true,
	KindAdminConfigUpdated:     true,
	KindAdminFundsWithdrawn:    true,
	KindAdminProfileClosed:     true,
	KindAdminCommandDispatched: true,
	KindUserProfileCreated:     true,
	KindUserCommKeyUpdated:     true,
	KindUserFundsDeposited:     true,
	KindUserFundsWithdrawn:     true,
	KindUserProfileClosed:      true,
	KindUserCommandDispatched:  true,
	KindOffChainActionLogged:   true,
}

// Known reports whether k belongs to the catalogue above.
func (k Kind) Known() bool { return knownKinds[k] }

// Position is the total order of ledger events. Seq is the ledger's
// monotonically increasing sequence number; ID is the event's unique id and
// breaks ties between events sharing a Seq.
//
// The zero Position sorts before every real event.
type Position struct {
	Seq int64  `json:"seq"`
	ID  string `json:"id"`
}

// Compare returns -1, 0 or +1 when p sorts before, equal to or after o.
// IDs compare as raw bytes.
func (p Position) Compare(o Position) int {
	switch {
	case p.Seq < o.Seq:
		return -1
	case p.Seq > o.Seq:
		return 1
	}
	return strings.Compare(p.ID, o.ID)
}

// After reports whether p sorts strictly after o.
func (p Position) After(o Position) bool { return p.Compare(o) > 0 }

// IsZero reports whether p is the before-genesis position.
func (p Position) IsZero() bool { return p.Seq == 0 && p.ID == "" }

func (p Position) String() string {
	if p.ID == "" {
		return fmt.Sprintf("%d", p.Seq)
	}
	return fmt.Sprintf("%d/%s", p.Seq, p.ID)
}

// Event is one ledger-confirmed occurrence.
type Event struct {
	Kind     Kind            `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Accounts []AccountKey    `json:"accounts"`
	Position Position        `json:"position"`

	// ObservedAt is the local receipt time. Informational only.
	ObservedAt time.Time `json:"observed_at"`

	// DecodeErr is set when the record's position could be read but its
	// content could not. Such events are never delivered to subscribers.
	DecodeErr error `json:"-"`
}

// Concerns reports whether the event is relevant to account.
func (e Event) Concerns(account AccountKey) bool {
	for _, a := range e.Accounts {
		if a == account {
			return true
		}
	}
	return false
}

// Malformed reports whether the event failed to decode.
func (e Event) Malformed() bool { return e.DecodeErr != nil }

// Source tells a consumer which delivery phase an envelope belongs to.
type Source int

const (
	// SourceCatchup marks events replayed from history.
	SourceCatchup Source = iota + 1
	// SourceLive marks events delivered after catch-up completed.
	SourceLive
)

func (s Source) String() string {
	switch s {
	case SourceCatchup:
		return "CATCHUP"
	case SourceLive:
		return "LIVE"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// MarshalText encodes the source by name.
func (s Source) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Envelope wraps an Event with its delivery phase.
type Envelope struct {
	Event  Event  `json:"event"`
	Source Source `json:"source"`
}

// WorkerState is the synchronizer state of one watched account.
type WorkerState int

const (
	StatePending WorkerState = iota
	StateCatchingUp
	StateLive
	StateReconnecting
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateCatchingUp:
		return "CATCHING_UP"
	case StateLive:
		return "LIVE"
	case StateReconnecting:
		return "RECONNECTING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("WorkerState(%d)", int(s))
	}
}
