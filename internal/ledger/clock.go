package ledger

import "sync/atomic"

// Clock hands out ledger sequence numbers.
//
// All events are stamped with a strictly increasing seq from this clock, so
// the ledger order never depends on wall time.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}
