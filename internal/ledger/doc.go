// Package ledger defines the boundary between ledgersync and an append-only
// ledger, plus two concrete ledgers.
//
// A Client offers two read primitives:
//   - FetchEventsSince: a paginated, idempotent historical query
//   - SubscribeLive: a best-effort push stream that may disconnect at any time
//
// Memory is a synthetic in-process ledger with fault injection, used by the
// engine tests and the scenario harness. Local reads the SQLite event log
// written by `ledgersync ledger append` and observes new events by polling.
// The rpc subpackage speaks the same contract over HTTP and WebSocket.
package ledger
