package engine

import (
	"context"
	"log/slog"

	"github.com/roach88/ledgersync/internal/ir"
	"github.com/roach88/ledgersync/internal/ledger"
	"github.com/roach88/ledgersync/internal/telemetry"
)

type liveMsgKind int

const (
	liveEvent liveMsgKind = iota + 1
	liveConnected
	liveDisconnected
	liveFailed
)

// liveMsg is what the live worker tells the synchronizer.
type liveMsg struct {
	kind  liveMsgKind
	event ir.Event
	err   error
}

// liveWorker holds the push subscription for one account.
type liveWorker struct {
	client  ledger.Client
	account ir.AccountKey
	cfg     Config
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// run keeps a subscription open until ctx ends or the reconnect limit is
// hit. Every established subscription is announced with liveConnected and
// every loss with liveDisconnected; the reconnect limit produces liveFailed.
// out is closed on return.
func (w *liveWorker) run(ctx context.Context, out chan<- liveMsg) {
	defer close(out)

	failures := 0
	var lastErr error
	for {
		sub, err := w.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			lastErr = err
			w.logger.Warn("live connect failed",
				"account", w.account,
				"attempt", failures,
				"error", err)
			if failures >= w.cfg.ReconnectLimit {
				w.send(ctx, out, liveMsg{
					kind: liveFailed,
					err:  newLiveUnavailableError(w.account, failures, lastErr),
				})
				return
			}
			if sleep(ctx, w.cfg.ReconnectBackoff.Delay(failures-1)) != nil {
				return
			}
			continue
		}

		failures = 0
		if !w.send(ctx, out, liveMsg{kind: liveConnected}) {
			sub.Close()
			return
		}

		cause := w.pump(ctx, sub, out)
		sub.Close()
		if ctx.Err() != nil {
			return
		}

		w.metrics.Reconnect(ctx)
		w.logger.Info("live stream lost", "account", w.account, "error", cause)
		if !w.send(ctx, out, liveMsg{kind: liveDisconnected, err: cause}) {
			return
		}
	}
}

func (w *liveWorker) connect(ctx context.Context) (ledger.Subscription, error) {
	cctx, cancel := context.WithTimeout(ctx, w.cfg.QueryTimeout)
	defer cancel()
	return w.client.SubscribeLive(cctx, w.account)
}

// pump forwards events in receipt order until the stream ends.
func (w *liveWorker) pump(ctx context.Context, sub ledger.Subscription, out chan<- liveMsg) error {
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return ledger.ErrDisconnected
			}
			if !w.send(ctx, out, liveMsg{kind: liveEvent, event: ev}) {
				return ctx.Err()
			}
		}
	}
}

func (w *liveWorker) send(ctx context.Context, out chan<- liveMsg, msg liveMsg) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
