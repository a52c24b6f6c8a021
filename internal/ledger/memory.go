package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/ledgersync/internal/ir"
)

const (
	defaultMemoryPageSize = 100
	memoryLiveBuffer      = 1024
	duplicateOverlap      = 2
)

// MemoryOption configures a Memory ledger.
type MemoryOption func(*Memory)

// WithPageSize sets the maximum number of events per historical page.
func WithPageSize(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

// WithNow sets the ObservedAt source. Tests use a fixed clock.
func WithNow(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// Memory is a synthetic in-process ledger.
//
// Besides serving the Client contract it lets tests break the ledger on
// purpose: drop live streams, refuse connections, fail or duplicate
// historical pages, stall queries, and corrupt individual records.
//
// Thread-safety: all methods are safe for concurrent use. Live sends happen
// under the ledger mutex and never block; a subscriber whose buffer is full
// is disconnected, as a real best-effort transport would.
type Memory struct {
	mu       sync.Mutex
	clock    *Clock
	events   []ir.Event
	subs     map[ir.AccountKey]map[*memorySub]struct{}
	held     map[ir.AccountKey]bool
	corrupt  map[int64]bool
	pageSize int
	now      func() time.Time

	failFetches int
	duplicate   bool
	fetchCalls  int
	paused      chan struct{} // non-nil while fetches are paused
}

// NewMemory creates an empty synthetic ledger.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		clock:    NewClock(),
		subs:     make(map[ir.AccountKey]map[*memorySub]struct{}),
		held:     make(map[ir.AccountKey]bool),
		corrupt:  make(map[int64]bool),
		pageSize: defaultMemoryPageSize,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Append records a new event and pushes it to live subscribers of every
// account it concerns. The event id is content-addressed.
func (m *Memory) Append(kind ir.Kind, payload json.RawMessage, accounts ...ir.AccountKey) (ir.Event, error) {
	if len(accounts) == 0 {
		return ir.Event{}, fmt.Errorf("append %s: no accounts", kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.clock.Next()
	id, err := ir.EventID(kind, accounts, seq, payload)
	if err != nil {
		return ir.Event{}, fmt.Errorf("append %s: %w", kind, err)
	}
	ev := ir.Event{
		Kind:       kind,
		Payload:    payload,
		Accounts:   append([]ir.AccountKey(nil), accounts...),
		Position:   ir.Position{Seq: seq, ID: id},
		ObservedAt: m.now(),
	}
	m.events = append(m.events, ev)

	for _, account := range accounts {
		if m.held[account] {
			continue
		}
		for sub := range m.subs[account] {
			select {
			case sub.ch <- m.serve(ev):
			default:
				m.dropLocked(account, sub, ErrDisconnected)
			}
		}
	}
	return ev, nil
}

// MustAppend is like Append but panics on error. For tests.
func (m *Memory) MustAppend(kind ir.Kind, accounts ...ir.AccountKey) ir.Event {
	ev, err := m.Append(kind, nil, accounts...)
	if err != nil {
		panic(err)
	}
	return ev
}

// Events returns a copy of the full history.
func (m *Memory) Events() []ir.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ir.Event(nil), m.events...)
}

// Disconnect drops every live subscription on account. Reconnecting is
// allowed immediately.
func (m *Memory) Disconnect(account ir.AccountKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs[account] {
		m.dropLocked(account, sub, ErrDisconnected)
	}
}

// Hold takes the live transport for account down: open subscriptions are
// dropped and new ones are refused until Resume. History keeps recording.
func (m *Memory) Hold(account ir.AccountKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[account] = true
	for sub := range m.subs[account] {
		m.dropLocked(account, sub, ErrDisconnected)
	}
}

// Resume undoes Hold.
func (m *Memory) Resume(account ir.AccountKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, account)
}

// FailFetches makes the next n historical queries fail with ErrInjected.
func (m *Memory) FailFetches(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFetches = n
}

// DuplicatePages makes every page re-serve up to two already-seen events
// ahead of the new ones, as a flaky query layer might.
func (m *Memory) DuplicatePages(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicate = on
}

// Corrupt makes the event at seq decode as malformed wherever it is served.
func (m *Memory) Corrupt(seq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.corrupt[seq] = true
}

// PauseFetches stalls historical queries until ResumeFetches or until the
// caller's context ends.
func (m *Memory) PauseFetches() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused == nil {
		m.paused = make(chan struct{})
	}
}

// ResumeFetches releases queries stalled by PauseFetches.
func (m *Memory) ResumeFetches() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused != nil {
		close(m.paused)
		m.paused = nil
	}
}

// FetchCalls returns how many historical queries have been made.
func (m *Memory) FetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

// LiveSubscribers returns the number of open live streams on account.
func (m *Memory) LiveSubscribers(account ir.AccountKey) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[account])
}

// FetchEventsSince implements Client. Page tokens are the seq of the last
// event returned.
func (m *Memory) FetchEventsSince(ctx context.Context, account ir.AccountKey, cursor ir.Position, pageToken string, limit int) (Page, error) {
	m.mu.Lock()
	m.fetchCalls++
	paused := m.paused
	m.mu.Unlock()

	if paused != nil {
		select {
		case <-paused:
		case <-ctx.Done():
			return Page{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}

	start, err := resumeFrom(cursor, pageToken)
	if err != nil {
		return Page{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failFetches > 0 {
		m.failFetches--
		return Page{}, ErrInjected
	}

	var seen, fresh []ir.Event
	for _, ev := range m.events {
		if !ev.Concerns(account) {
			continue
		}
		if ev.Position.After(start) {
			fresh = append(fresh, m.serve(ev))
		} else {
			seen = append(seen, m.serve(ev))
		}
	}

	size := m.pageSize
	if limit > 0 {
		size = limit
	}
	page := Page{AtTip: true}
	if len(fresh) > size {
		fresh = fresh[:size]
		page.AtTip = false
		page.NextPageToken = EncodePageToken(fresh[len(fresh)-1].Position)
	}
	if m.duplicate && len(seen) > 0 {
		overlap := seen[max(0, len(seen)-duplicateOverlap):]
		fresh = append(append([]ir.Event(nil), overlap...), fresh...)
	}
	page.Events = fresh
	if page.Events == nil {
		page.Events = []ir.Event{}
	}
	return page, nil
}

// SubscribeLive implements Client.
func (m *Memory) SubscribeLive(ctx context.Context, account ir.AccountKey) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held[account] {
		return nil, fmt.Errorf("subscribe %s: %w", account, ErrUnavailable)
	}
	sub := &memorySub{
		ledger:  m,
		account: account,
		ch:      make(chan ir.Event, memoryLiveBuffer),
	}
	if m.subs[account] == nil {
		m.subs[account] = make(map[*memorySub]struct{})
	}
	m.subs[account][sub] = struct{}{}
	return sub, nil
}

// serve returns ev as it should be handed out. Caller holds m.mu.
func (m *Memory) serve(ev ir.Event) ir.Event {
	if m.corrupt[ev.Position.Seq] {
		return ir.Event{
			Kind:       ir.KindUnknown,
			Position:   ev.Position,
			ObservedAt: ev.ObservedAt,
			DecodeErr:  fmt.Errorf("record %s: corrupted", ev.Position),
		}
	}
	return ev
}

// dropLocked closes sub with cause. Caller holds m.mu.
func (m *Memory) dropLocked(account ir.AccountKey, sub *memorySub, cause error) {
	if _, ok := m.subs[account][sub]; !ok {
		return
	}
	delete(m.subs[account], sub)
	if len(m.subs[account]) == 0 {
		delete(m.subs, account)
	}
	sub.err = cause
	close(sub.ch)
}

type memorySub struct {
	ledger  *Memory
	account ir.AccountKey
	ch      chan ir.Event
	err     error // guarded by ledger.mu
}

func (s *memorySub) Events() <-chan ir.Event { return s.ch }

func (s *memorySub) Err() error {
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()
	return s.err
}

func (s *memorySub) Close() error {
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()
	s.ledger.dropLocked(s.account, s, nil)
	return nil
}
