// Package ir provides the event model shared by every ledgersync package.
//
// This package contains type definitions and identity helpers only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Ordering uses Position (ledger sequence + unique id), never ObservedAt
//   - Payloads are opaque JSON; the engine never looks inside them
//   - Account keys are NFC normalized so equal keys compare equal
//   - All JSON tags use snake_case
package ir
