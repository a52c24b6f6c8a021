package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/roach88/ledgersync/internal/ir"
)

// Listener is a scoped handle on one subscription.
//
// A Listener is meant to be read from one goroutine; Release is safe from
// any goroutine.
type Listener struct {
	dispatcher *dispatcher
	sub        *subscription
	stopAfter  atomic.Pointer[func() bool]

	mu          sync.Mutex
	catchupDone bool
	releaseOnce sync.Once
}

// ID returns the subscription id.
func (l *Listener) ID() string { return l.sub.id }

// Account returns the watched account.
func (l *Listener) Account() ir.AccountKey { return l.sub.account }

// NextCatchupEvent returns the next catch-up event, blocking until one is
// available. Once the catch-up sequence is exhausted it returns
// ErrEndOfCatchup, on this and every later call.
func (l *Listener) NextCatchupEvent(ctx context.Context) (ir.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.catchupDone {
		return ir.Event{}, ErrEndOfCatchup
	}
	d, err := l.next(ctx)
	if err != nil {
		return ir.Event{}, err
	}
	if d.endOfCatchup {
		l.catchupDone = true
		return ir.Event{}, ErrEndOfCatchup
	}
	return d.env.Event, nil
}

// NextLiveEvent returns the next live event, blocking until one arrives or
// ctx ends. It returns ErrCatchupPending while catch-up events remain; drain
// them with NextCatchupEvent first.
func (l *Listener) NextLiveEvent(ctx context.Context) (ir.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.catchupDone {
		d, ok, err := l.sub.backlog.peek()
		switch {
		case ok && d.endOfCatchup:
			// Only the marker is left
			_, _, _ = l.sub.backlog.pop()
			l.catchupDone = true
		case err != nil:
			return ir.Event{}, err
		default:
			return ir.Event{}, ErrCatchupPending
		}
	}

	d, err := l.next(ctx)
	if err != nil {
		return ir.Event{}, err
	}
	return d.env.Event, nil
}

// Next returns the next envelope regardless of phase. The end of catch-up is
// reported once, as ErrEndOfCatchup with a zero envelope.
func (l *Listener) Next(ctx context.Context) (ir.Envelope, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, err := l.next(ctx)
	if err != nil {
		return ir.Envelope{}, err
	}
	if d.endOfCatchup {
		l.catchupDone = true
		return ir.Envelope{}, ErrEndOfCatchup
	}
	return d.env, nil
}

// next pops the front delivery, waiting for one if necessary. A marker seen
// after the end of catch-up is dropped. Caller holds l.mu.
func (l *Listener) next(ctx context.Context) (delivery, error) {
	for {
		d, ok, err := l.sub.backlog.pop()
		if ok && d.endOfCatchup && l.catchupDone {
			continue
		}
		if ok {
			return d, nil
		}
		if err != nil {
			return delivery{}, err
		}
		select {
		case <-ctx.Done():
			return delivery{}, ctx.Err()
		case <-l.sub.backlog.wait():
		}
	}
}

// Pending returns the number of deliveries queued for this Listener.
func (l *Listener) Pending() int {
	return l.sub.backlog.size()
}

// Release unsubscribes. It is idempotent; later reads return ErrReleased.
func (l *Listener) Release() {
	l.releaseOnce.Do(func() {
		if stop := l.stopAfter.Load(); stop != nil {
			(*stop)()
		}
		l.dispatcher.unsubscribe(l.sub.id)
	})
}
