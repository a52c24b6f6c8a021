package engine

import (
	"errors"
	"sync"

	"github.com/roach88/ledgersync/internal/ir"
)

var (
	errBacklogClosed = errors.New("backlog closed")
	errBacklogFull   = errors.New("backlog full")
)

// delivery is one item in a subscription's backlog: either an envelope or
// the end-of-catch-up marker.
type delivery struct {
	env          ir.Envelope
	endOfCatchup bool
}

// backlog is a bounded FIFO of deliveries for one subscription.
//
// The dispatcher pushes without ever blocking; a push beyond the limit
// fails and the dispatcher ends the subscription. The Listener pops.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Listener (prevents goroutine hangs on context cancellation).
type backlog struct {
	mu     sync.Mutex
	items  []delivery
	limit  int
	closed bool
	err    error         // reported once items are drained
	signal chan struct{} // buffered, size 1; closed on close
}

func newBacklog(limit int) *backlog {
	return &backlog{
		items:  make([]delivery, 0, min(limit, 64)),
		limit:  limit,
		signal: make(chan struct{}, 1),
	}
}

// push appends d. The end-of-catch-up marker does not count against the
// limit.
func (b *backlog) push(d delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errBacklogClosed
	}
	if !d.endOfCatchup && len(b.items) >= b.limit {
		return errBacklogFull
	}
	b.items = append(b.items, d)

	// Non-blocking: the size-1 buffer coalesces signals
	select {
	case b.signal <- struct{}{}:
	default:
	}
	return nil
}

// peek returns the front delivery without removing it.
// Returns (delivery{}, false, err) when empty; err is non-nil only once the
// backlog is closed.
func (b *backlog) peek() (delivery, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		if b.closed {
			return delivery{}, false, b.err
		}
		return delivery{}, false, nil
	}
	return b.items[0], true, nil
}

// pop removes the front delivery. Same return contract as peek.
func (b *backlog) pop() (delivery, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		if b.closed {
			return delivery{}, false, b.err
		}
		return delivery{}, false, nil
	}

	d := b.items[0]
	// Release the payload for GC
	b.items[0] = delivery{}
	if len(b.items) == 1 {
		b.items = b.items[:0]
	} else {
		b.items = b.items[1:]
	}
	return d, true, nil
}

// wait returns a channel that signals when deliveries may be available.
func (b *backlog) wait() <-chan struct{} {
	return b.signal
}

// size returns the number of queued deliveries.
func (b *backlog) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// closeWithErr stops further pushes. Readers see err after draining what is
// left; with discard set, queued deliveries are dropped first.
// Only the first close takes effect.
func (b *backlog) closeWithErr(err error, discard bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}
	b.closed = true
	b.err = err
	dropped := 0
	if discard {
		dropped = len(b.items)
		b.items = nil
	}
	close(b.signal)
	return dropped
}
