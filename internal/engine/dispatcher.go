package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/ledgersync/internal/ir"
	"github.com/roach88/ledgersync/internal/telemetry"
)

// accountEntry is one watched account: its synchronizer and subscriptions.
type accountEntry struct {
	account     ir.AccountKey
	sync        *synchronizer
	subs        map[string]*subscription
	catchupDone bool
	cancel      context.CancelFunc
	done        chan struct{} // closed when the synchronizer goroutine exits
}

// subscription is one Listener's registration.
type subscription struct {
	id      string
	account ir.AccountKey
	backlog *backlog
}

// dispatcher owns the account table and fans envelopes out to
// subscriptions.
//
// CRITICAL: mu covers table mutation only. Backlog pushes happen on a
// snapshot taken under the lock, after it is released.
type dispatcher struct {
	ctx     context.Context
	cfg     Config
	metrics *telemetry.Metrics
	logger  *slog.Logger
	ids     IDGenerator
	spawn   func(account ir.AccountKey, s sink) *synchronizer

	mu       sync.Mutex
	accounts map[ir.AccountKey]*accountEntry
	subs     map[string]*subscription
	stopping map[ir.AccountKey]chan struct{}
	closed   bool

	wg sync.WaitGroup
}

// entrySink routes one synchronizer's output back to its entry.
type entrySink struct {
	d     *dispatcher
	entry *accountEntry
}

func (s entrySink) deliver(env ir.Envelope) { s.d.deliver(s.entry, delivery{env: env}) }
func (s entrySink) catchupDone()            { s.d.catchupDone(s.entry) }

// subscribe registers a subscription on account, starting its synchronizer
// on the first reference.
func (d *dispatcher) subscribe(account ir.AccountKey) (*subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrManagerClosed
	}

	entry := d.accounts[account]
	if entry == nil {
		ctx, cancel := context.WithCancel(d.ctx)
		entry = &accountEntry{
			account: account,
			subs:    make(map[string]*subscription),
			cancel:  cancel,
			done:    make(chan struct{}),
		}
		entry.sync = d.spawn(account, entrySink{d: d, entry: entry})
		d.accounts[account] = entry
		d.metrics.AccountsActive(ctx, 1)

		d.wg.Add(1)
		go d.runAccount(ctx, entry, d.stopping[account])
	}

	sub := &subscription{
		id:      d.ids.Generate(),
		account: account,
		backlog: newBacklog(d.cfg.SubscriberBacklog),
	}
	// The backlog is not yet visible to deliver, so the marker is
	// guaranteed to precede every LIVE envelope.
	if entry.catchupDone {
		_ = sub.backlog.push(delivery{endOfCatchup: true})
	}
	entry.subs[sub.id] = sub
	d.subs[sub.id] = sub
	d.metrics.SubscriptionsActive(d.ctx, 1)

	d.logger.Debug("subscribed",
		"account", account,
		"subscription", sub.id,
		"subscribers", len(entry.subs))
	return sub, nil
}

// runAccount runs entry's synchronizer once any previous synchronizer of the
// same account has stopped.
func (d *dispatcher) runAccount(ctx context.Context, entry *accountEntry, prev <-chan struct{}) {
	defer d.wg.Done()
	defer func() {
		close(entry.done)
		d.mu.Lock()
		if d.stopping[entry.account] == entry.done {
			delete(d.stopping, entry.account)
		}
		d.mu.Unlock()
	}()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	err := entry.sync.run(ctx)
	if err != nil && ctx.Err() == nil {
		d.fail(entry, err)
	}
}

// unsubscribe removes a subscription. It is idempotent.
func (d *dispatcher) unsubscribe(id string) {
	d.mu.Lock()
	sub := d.subs[id]
	if sub == nil {
		d.mu.Unlock()
		return
	}
	d.removeLocked(sub)
	d.mu.Unlock()

	sub.backlog.closeWithErr(ErrReleased, true)
	d.logger.Debug("unsubscribed", "account", sub.account, "subscription", id)
}

// removeLocked drops sub from the table and stops its account when it was
// the last reference. Caller holds d.mu.
func (d *dispatcher) removeLocked(sub *subscription) {
	delete(d.subs, sub.id)
	d.metrics.SubscriptionsActive(d.ctx, -1)

	entry := d.accounts[sub.account]
	if entry == nil {
		return
	}
	delete(entry.subs, sub.id)
	if len(entry.subs) > 0 {
		return
	}

	d.stopEntryLocked(entry)
	d.logger.Info("last listener released, stopping account", "account", entry.account)
}

// stopEntryLocked removes entry from the table and cancels its workers.
// A new subscribe on the same account waits for entry.done. Caller holds d.mu.
func (d *dispatcher) stopEntryLocked(entry *accountEntry) {
	delete(d.accounts, entry.account)
	d.stopping[entry.account] = entry.done
	entry.cancel()
	d.metrics.AccountsActive(d.ctx, -1)
}

// deliver appends item to every subscription of entry. A subscription whose
// backlog is full is ended as a slow consumer.
func (d *dispatcher) deliver(entry *accountEntry, item delivery) {
	d.push(d.snapshot(entry), item)
}

func (d *dispatcher) push(subs []*subscription, item delivery) {
	for _, sub := range subs {
		err := sub.backlog.push(item)
		if errors.Is(err, errBacklogFull) {
			d.dropSlow(sub)
		}
	}
}

// catchupDone marks entry's initial catch-up finished and queues the marker
// for every current subscription. Later subscriptions get it at subscribe.
//
// The flag and the snapshot share one critical section: a subscription
// either sees the flag at subscribe or is in the snapshot, never both.
func (d *dispatcher) catchupDone(entry *accountEntry) {
	d.mu.Lock()
	entry.catchupDone = true
	subs := d.snapshotLocked(entry)
	d.mu.Unlock()

	d.push(subs, delivery{endOfCatchup: true})
}

func (d *dispatcher) snapshot(entry *accountEntry) []*subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(entry)
}

// snapshotLocked copies entry's subscriptions. Caller holds d.mu.
func (d *dispatcher) snapshotLocked(entry *accountEntry) []*subscription {
	if d.accounts[entry.account] != entry {
		return nil
	}
	subs := make([]*subscription, 0, len(entry.subs))
	for _, sub := range entry.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (d *dispatcher) dropSlow(sub *subscription) {
	d.mu.Lock()
	if d.subs[sub.id] != sub {
		d.mu.Unlock()
		return
	}
	d.removeLocked(sub)
	d.mu.Unlock()

	err := newSlowConsumerError(sub.account, d.cfg.SubscriberBacklog)
	dropped := sub.backlog.closeWithErr(err, true)
	d.metrics.Discarded(d.ctx, telemetry.ReasonBufferOverflow, dropped)
	d.metrics.Failure(d.ctx, string(err.Code))
	d.logger.Warn("dropping slow subscriber",
		"account", sub.account,
		"subscription", sub.id,
		"backlog", d.cfg.SubscriberBacklog)
}

// fail ends every subscription of entry with err. Queued envelopes stay
// readable; the error follows them. The next subscribe starts fresh workers.
func (d *dispatcher) fail(entry *accountEntry, err error) {
	d.mu.Lock()
	if d.accounts[entry.account] != entry {
		d.mu.Unlock()
		return
	}
	subs := make([]*subscription, 0, len(entry.subs))
	for id, sub := range entry.subs {
		delete(d.subs, id)
		d.metrics.SubscriptionsActive(d.ctx, -1)
		subs = append(subs, sub)
	}
	entry.subs = nil
	d.stopEntryLocked(entry)
	d.mu.Unlock()

	code := "UNKNOWN"
	var se *SyncError
	if errors.As(err, &se) {
		code = string(se.Code)
	}
	d.metrics.Failure(d.ctx, code)
	d.logger.Error("account failed",
		"account", entry.account,
		"subscribers", len(subs),
		"error", err)

	for _, sub := range subs {
		sub.backlog.closeWithErr(err, false)
	}
}

// state reports the state of account's synchronizer.
func (d *dispatcher) state(account ir.AccountKey) (ir.WorkerState, bool) {
	d.mu.Lock()
	entry := d.accounts[account]
	d.mu.Unlock()
	if entry == nil {
		return ir.StateStopped, false
	}
	return entry.sync.State(), true
}

// subscriptions reports how many subscriptions account has.
func (d *dispatcher) subscriptions(account ir.AccountKey) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry := d.accounts[account]; entry != nil {
		return len(entry.subs)
	}
	return 0
}

// close stops every account and ends every subscription with a shutdown
// error, then waits for the synchronizers to exit.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.wg.Wait()
		return
	}
	d.closed = true
	subs := make([]*subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
		d.metrics.SubscriptionsActive(context.Background(), -1)
	}
	for _, entry := range d.accounts {
		entry.cancel()
		d.metrics.AccountsActive(context.Background(), -1)
	}
	d.subs = make(map[string]*subscription)
	d.accounts = make(map[ir.AccountKey]*accountEntry)
	d.mu.Unlock()

	for _, sub := range subs {
		sub.backlog.closeWithErr(newShutdownError(), false)
	}
	d.wg.Wait()
}
