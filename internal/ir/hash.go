package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gowebpki/jcs"
)

// DomainEvent is the domain prefix for content-addressed event ids.
// The version suffix enables future algorithm migration.
const DomainEvent = "ledgersync/event/v1"

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventID computes a content-addressed id for an event. Ledgers that do not
// mint their own unique ids use it to fill Position.ID.
//
// The payload is canonicalized per RFC 8785, so two payloads that differ only
// in key order or whitespace hash identically. Account order does not matter.
func EventID(kind Kind, accounts []AccountKey, seq int64, payload json.RawMessage) (string, error) {
	sorted := make([]string, len(accounts))
	for i, a := range accounts {
		sorted[i] = string(a)
	}
	sort.Strings(sorted)

	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	obj := struct {
		Kind     Kind            `json:"kind"`
		Accounts []string        `json:"accounts"`
		Seq      int64           `json:"seq"`
		Payload  json.RawMessage `json:"payload"`
	}{kind, sorted, seq, payload}

	raw, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("EventID: failed to marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("EventID: failed to canonicalize: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// MustEventID is like EventID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustEventID(kind Kind, accounts []AccountKey, seq int64, payload json.RawMessage) string {
	id, err := EventID(kind, accounts, seq, payload)
	if err != nil {
		panic(err)
	}
	return id
}
