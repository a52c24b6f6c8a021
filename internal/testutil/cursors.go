package testutil

import (
	"context"
	"sync"

	"github.com/roach88/ledgersync/internal/ir"
)

// Cursors is an in-memory cursor store with fault injection.
// It satisfies engine.CursorStore with the same non-regressing semantics as
// the persistent stores.
type Cursors struct {
	mu         sync.Mutex
	positions  map[ir.AccountKey]ir.Position
	loadErr    error
	advanceErr error
	advances   int
}

// NewCursors creates an empty store.
func NewCursors() *Cursors {
	return &Cursors{positions: make(map[ir.AccountKey]ir.Position)}
}

// LoadCursor returns the stored position or the zero Position.
func (c *Cursors) LoadCursor(ctx context.Context, account ir.AccountKey) (ir.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loadErr != nil {
		return ir.Position{}, c.loadErr
	}
	return c.positions[account], nil
}

// AdvanceCursor stores pos if it is strictly after the stored position.
func (c *Cursors) AdvanceCursor(ctx context.Context, account ir.AccountKey, pos ir.Position) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.advanceErr != nil {
		return false, c.advanceErr
	}
	if !pos.After(c.positions[account]) {
		return false, nil
	}
	c.positions[account] = pos
	c.advances++
	return true, nil
}

// Get returns the stored position without fault injection.
func (c *Cursors) Get(account ir.AccountKey) ir.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions[account]
}

// Set overwrites the stored position, regressing it if asked.
func (c *Cursors) Set(account ir.AccountKey, pos ir.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[account] = pos
}

// FailLoad makes every LoadCursor return err. Nil clears the fault.
func (c *Cursors) FailLoad(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadErr = err
}

// FailAdvance makes every AdvanceCursor return err. Nil clears the fault.
func (c *Cursors) FailAdvance(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceErr = err
}

// Advances returns how many writes took effect.
func (c *Cursors) Advances() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advances
}
