// Package engine implements the ledgersync synchronization and dispatch engine.
//
// The engine turns two unreliable ledger sources, a paginated historical
// query and a best-effort live stream, into one gap-free, duplicate-free,
// ordered event sequence per watched account, and fans that sequence out to
// any number of Listeners.
//
// ARCHITECTURE:
//
// Per watched account, one goroutine of each:
//   - live worker: holds the push subscription, reconnects with backoff
//   - synchronizer: single writer of the account's state and cursor
//   - catch-up worker: pages history from the cursor to the tip (only while
//     a pass is running)
//
// Workers talk to the synchronizer over bounded channels. The synchronizer
// hands envelopes to the dispatcher, which copies them into each
// subscription's bounded backlog without blocking. Listeners read their
// backlog.
//
// Data Flow:
// 1. Manager.Listen registers a subscription; the first one starts workers
// 2. The synchronizer waits for the live stream, then runs a catch-up pass
// 3. Live events arriving during a pass are buffered
// 4. At the end of the initial pass: end-of-catch-up, drain buffer, go LIVE
// 5. On disconnect: reconnect, then a gap-check pass closes the hole
// 6. Releasing the last Listener of an account stops its workers
//
// CRITICAL PATTERNS:
//
// Watermark Dedup:
// The synchronizer forwards an event only if its position is strictly after
// the highest position already forwarded for the account. The cursor store
// is advanced after every hand-off, so a later subscription resumes there.
//
// Lock Scope:
// The dispatcher mutex covers table mutation only. It is never held across
// a channel send, a backlog wait, or I/O.
//
// Slow Consumers:
// Backlogs are bounded. A subscription that falls SubscriberBacklog
// envelopes behind is ended with ErrSlowConsumer; other subscriptions on the
// same account are not affected.
package engine
