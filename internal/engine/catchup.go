package engine

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/roach88/ledgersync/internal/ir"
	"github.com/roach88/ledgersync/internal/ledger"
	"github.com/roach88/ledgersync/internal/telemetry"
)

// catchupWorker pages the ledger's history for one account.
type catchupWorker struct {
	client  ledger.Client
	account ir.AccountKey
	cfg     Config
	limiter *rate.Limiter // nil when unlimited
	metrics *telemetry.Metrics
	logger  *slog.Logger

	// liveUp reports whether the account's live stream is connected. nil
	// means never.
	liveUp *atomic.Bool
	// tipLive is set by run when the fetch that reached the tip started with
	// the live stream already connected. Read it after run returns.
	tipLive bool
}

// run sends every event strictly after from, in order, on out and returns
// nil once the ledger reports the tip. It never touches the cursor.
//
// Re-served events (at or before the highest position already sent) are
// dropped here, so out is strictly increasing.
func (w *catchupWorker) run(ctx context.Context, from ir.Position, out chan<- ir.Event) error {
	var window *eventRing
	if w.cfg.MaxCatchupDepth > 0 && from.IsZero() {
		window = newEventRing(w.cfg.MaxCatchupDepth)
	}

	last := from
	query := from
	token := ""
	for {
		live := w.liveUp != nil && w.liveUp.Load()
		page, err := w.fetch(ctx, query, token)
		if err != nil {
			return err
		}

		for _, ev := range page.Events {
			if !ev.Position.After(last) {
				// At or before from was settled by an earlier pass.
				if ev.Position.After(from) {
					w.metrics.Discarded(ctx, telemetry.ReasonDuplicate, 1)
				}
				continue
			}
			last = ev.Position
			if window != nil {
				window.add(ev)
				continue
			}
			if err := sendEvent(ctx, out, ev); err != nil {
				return err
			}
		}

		switch {
		case page.NextPageToken != "":
			token = page.NextPageToken
			continue
		case page.AtTip, len(page.Events) == 0:
			// An empty page without a token cannot make progress; treat it
			// as the tip.
		default:
			query = last
			token = ""
			continue
		}

		if window != nil {
			if skipped := window.dropped; skipped > 0 {
				w.logger.Info("catch-up depth limit applied",
					"account", w.account,
					"skipped", skipped,
					"depth", w.cfg.MaxCatchupDepth)
			}
			for _, ev := range window.events() {
				if err := sendEvent(ctx, out, ev); err != nil {
					return err
				}
			}
		}
		w.tipLive = live
		return nil
	}
}

// fetch runs one historical query with timeout, rate limit and retries.
func (w *catchupWorker) fetch(ctx context.Context, cursor ir.Position, token string) (ledger.Page, error) {
	var lastErr error
	for attempt := 0; attempt < w.cfg.HistoricalRetryLimit; attempt++ {
		if attempt > 0 {
			w.metrics.CatchupRetry(ctx)
			if err := sleep(ctx, w.cfg.ReconnectBackoff.Delay(attempt-1)); err != nil {
				return ledger.Page{}, err
			}
		}
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return ledger.Page{}, err
			}
		}

		qctx, cancel := context.WithTimeout(ctx, w.cfg.QueryTimeout)
		page, err := w.client.FetchEventsSince(qctx, w.account, cursor, token, w.cfg.HistoricalPageSize)
		cancel()
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return ledger.Page{}, ctx.Err()
		}

		lastErr = err
		w.logger.Warn("historical query failed",
			"account", w.account,
			"cursor", cursor,
			"attempt", attempt+1,
			"error", err)
	}
	return ledger.Page{}, newRetryExhaustedError(w.account, w.cfg.HistoricalRetryLimit, lastErr)
}

func sendEvent(ctx context.Context, out chan<- ir.Event, ev ir.Event) error {
	select {
	case out <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// eventRing keeps the most recent n events.
type eventRing struct {
	buf     []ir.Event
	next    int
	full    bool
	dropped int
}

func newEventRing(n int) *eventRing {
	return &eventRing{buf: make([]ir.Event, n)}
}

func (r *eventRing) add(ev ir.Event) {
	if r.full {
		r.dropped++
	}
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// events returns the kept events, oldest first.
func (r *eventRing) events() []ir.Event {
	if !r.full {
		return r.buf[:r.next]
	}
	out := make([]ir.Event, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
