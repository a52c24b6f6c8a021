package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/ledgersync/internal/ir"
)

// DefaultPollInterval is how often a Local live stream checks for new events.
const DefaultPollInterval = 3 * time.Second

// EventLog is the persistent event history a Local ledger reads.
// store.Store implements it.
type EventLog interface {
	ReadEventsAfter(ctx context.Context, account ir.AccountKey, after ir.Position, limit int) ([]ir.Event, error)
	Tip(ctx context.Context) (ir.Position, error)
}

// LocalOption configures a Local ledger.
type LocalOption func(*Local)

// WithPollInterval sets the live polling period.
func WithPollInterval(d time.Duration) LocalOption {
	return func(l *Local) {
		if d > 0 {
			l.poll = d
		}
	}
}

// WithLocalPageSize sets the historical page size.
func WithLocalPageSize(n int) LocalOption {
	return func(l *Local) {
		if n > 0 {
			l.pageSize = n
		}
	}
}

// WithLocalLogger sets the logger.
func WithLocalLogger(logger *slog.Logger) LocalOption {
	return func(l *Local) { l.logger = logger }
}

// Local is a ledger backed by a persistent event log. Live streams poll the
// log, so writers in other processes are observed within one poll interval.
type Local struct {
	log      EventLog
	poll     time.Duration
	pageSize int
	logger   *slog.Logger
}

// NewLocal creates a Local ledger over log.
func NewLocal(log EventLog, opts ...LocalOption) *Local {
	l := &Local{
		log:      log,
		poll:     DefaultPollInterval,
		pageSize: 1000,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FetchEventsSince implements Client.
func (l *Local) FetchEventsSince(ctx context.Context, account ir.AccountKey, cursor ir.Position, pageToken string, limit int) (Page, error) {
	size := l.pageSize
	if limit > 0 {
		size = limit
	}
	start, err := resumeFrom(cursor, pageToken)
	if err != nil {
		return Page{}, err
	}

	// One extra row tells us whether another page exists.
	events, err := l.log.ReadEventsAfter(ctx, account, start, size+1)
	if err != nil {
		return Page{}, fmt.Errorf("fetch events for %s: %w", account, err)
	}
	page := Page{Events: events, AtTip: true}
	if len(events) > size {
		page.Events = events[:size]
		page.AtTip = false
		page.NextPageToken = EncodePageToken(page.Events[size-1].Position)
	}
	return page, nil
}

// SubscribeLive implements Client. The stream starts at the log's current tip.
func (l *Local) SubscribeLive(ctx context.Context, account ir.AccountKey) (Subscription, error) {
	tip, err := l.log.Tip(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", account, err)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	sub := &pollSub{
		ch:     make(chan ir.Event),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.pollLoop(pollCtx, sub, account, tip)
	return sub, nil
}

func (l *Local) pollLoop(ctx context.Context, sub *pollSub, account ir.AccountKey, last ir.Position) {
	defer close(sub.done)
	defer close(sub.ch)

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		events, err := l.log.ReadEventsAfter(ctx, account, last, l.pageSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("live poll failed", "account", account, "error", err)
			sub.setErr(fmt.Errorf("%w: %v", ErrDisconnected, err))
			return
		}
		for _, ev := range events {
			select {
			case sub.ch <- ev:
				last = ev.Position
			case <-ctx.Done():
				return
			}
		}
	}
}

type pollSub struct {
	ch     chan ir.Event
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *pollSub) Events() <-chan ir.Event { return s.ch }

func (s *pollSub) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *pollSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *pollSub) Close() error {
	s.cancel()
	<-s.done
	return nil
}
