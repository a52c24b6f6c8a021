package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/roach88/ledgersync/internal/ir"
	"github.com/roach88/ledgersync/internal/ledger"
	"github.com/roach88/ledgersync/internal/telemetry"
)

// sink receives the synchronizer's output. The dispatcher implements it.
// Both methods are called from the synchronizer goroutine only.
type sink interface {
	deliver(env ir.Envelope)
	catchupDone()
}

// synchronizer merges catch-up and live input for one account.
//
// Thread-safety model:
//   - run(): called from exactly one goroutine; owns every field below the
//     state word
//   - State(): safe from any goroutine
type synchronizer struct {
	account ir.AccountKey
	client  ledger.Client
	cursors CursorStore
	cfg     Config
	limiter *rate.Limiter
	sink    sink
	metrics *telemetry.Metrics
	logger  *slog.Logger

	state  atomic.Int32
	liveUp atomic.Bool

	watermark   ir.Position
	initialDone bool
	connected   bool
	buffer      []ir.Event
	overflow    bool
	gapCheck    bool
}

// catchupPass is one running catch-up worker. events is closed when the
// worker returns; err is valid after that.
type catchupPass struct {
	source ir.Source
	events chan ir.Event
	err    error
	cancel context.CancelFunc
	span   trace.Span
	wg     sync.WaitGroup

	// tipLive is true when the pass reached the tip with the live stream
	// already connected. Valid with err.
	tipLive bool
}

// stop cancels the pass and waits for its worker.
func (p *catchupPass) stop() {
	p.cancel()
	for range p.events {
	}
	p.wg.Wait()
	p.span.End()
}

// State returns the account's current state.
func (s *synchronizer) State() ir.WorkerState {
	return ir.WorkerState(s.state.Load())
}

func (s *synchronizer) setState(st ir.WorkerState) {
	if prev := ir.WorkerState(s.state.Swap(int32(st))); prev != st {
		s.logger.Debug("state changed", "account", s.account, "from", prev, "to", st)
	}
}

// run drives the account until ctx ends or a terminal failure occurs.
// Terminal failures are returned; cancellation returns nil.
func (s *synchronizer) run(ctx context.Context) error {
	defer s.setState(ir.StateStopped)

	cursor, err := s.cursors.LoadCursor(ctx, s.account)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return newCursorStoreError(s.account, "load cursor", err)
	}
	s.watermark = cursor
	s.logger.Info("synchronizer started", "account", s.account, "cursor", cursor)

	liveCtx, cancelLive := context.WithCancel(ctx)
	liveCh := make(chan liveMsg, s.cfg.ChannelCapacity)
	var liveWG sync.WaitGroup
	liveWG.Add(1)
	go func() {
		defer liveWG.Done()
		w := &liveWorker{
			client:  s.client,
			account: s.account,
			cfg:     s.cfg,
			metrics: s.metrics,
			logger:  s.logger,
		}
		w.run(liveCtx, liveCh)
	}()
	defer func() {
		cancelLive()
		for range liveCh {
		}
		liveWG.Wait()
	}()

	// History does not wait for the live stream.
	var pass *catchupPass
	defer func() {
		if pass != nil {
			pass.stop()
		}
	}()
	pass = s.startPass(ctx)

	for {
		var passEvents <-chan ir.Event
		if pass != nil {
			passEvents = pass.events
		}

		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-liveCh:
			if !ok {
				return nil
			}
			switch msg.kind {
			case liveConnected:
				s.connected = true
				s.liveUp.Store(true)
				if pass == nil {
					pass = s.startPass(ctx)
				}

			case liveDisconnected:
				s.connected = false
				s.liveUp.Store(false)
				if pass != nil {
					s.gapCheck = true
				}
				if s.initialDone {
					s.setState(ir.StateReconnecting)
				}

			case liveFailed:
				return msg.err

			case liveEvent:
				if pass != nil {
					s.bufferLive(ctx, msg.event)
					continue
				}
				if err := s.forward(ctx, msg.event, ir.SourceLive); err != nil {
					return err
				}
			}

		case ev, ok := <-passEvents:
			if ok {
				if err := s.forward(ctx, ev, pass.source); err != nil {
					return err
				}
				continue
			}

			done := pass
			pass = nil
			done.wg.Wait()
			if done.err != nil {
				done.span.RecordError(done.err)
				done.span.SetStatus(codes.Error, done.err.Error())
			}
			done.span.End()
			if done.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return done.err
			}

			if !s.initialDone {
				s.initialDone = true
				s.logger.Info("catch-up complete", "account", s.account, "cursor", s.watermark)
				s.sink.catchupDone()
			}

			buffered := s.buffer
			s.buffer = nil
			for _, ev := range buffered {
				if err := s.forward(ctx, ev, ir.SourceLive); err != nil {
					return err
				}
			}

			// A pass that reached the tip before the live stream connected
			// may have missed events landing in between.
			rerun := (s.overflow || s.gapCheck || !done.tipLive) && s.connected
			s.overflow = false
			s.gapCheck = false
			if s.connected {
				s.setState(ir.StateLive)
			} else {
				s.setState(ir.StateReconnecting)
			}
			if rerun {
				pass = s.startPass(ctx)
			}
		}
	}
}

// startPass launches a catch-up worker from the watermark. The first pass
// is tagged CATCHUP; every later one is a LIVE-tagged gap check.
func (s *synchronizer) startPass(ctx context.Context) *catchupPass {
	source := ir.SourceLive
	if !s.initialDone {
		source = ir.SourceCatchup
		s.setState(ir.StateCatchingUp)
	}

	from := s.watermark
	passCtx, span := s.metrics.StartCatchupPass(ctx, s.account, from, s.initialDone)
	passCtx, cancel := context.WithCancel(passCtx)
	p := &catchupPass{
		source: source,
		events: make(chan ir.Event, s.cfg.ChannelCapacity),
		cancel: cancel,
		span:   span,
	}
	w := &catchupWorker{
		client:  s.client,
		account: s.account,
		cfg:     s.cfg,
		limiter: s.limiter,
		metrics: s.metrics,
		logger:  s.logger,
		liveUp:  &s.liveUp,
	}

	s.logger.Debug("catch-up pass started",
		"account", s.account,
		"from", from,
		"gap_check", s.initialDone)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		p.err = w.run(passCtx, from, p.events)
		p.tipLive = w.tipLive
		close(p.events)
	}()
	return p
}

// bufferLive holds a live event while a pass runs. When the buffer is full
// it is discarded and later live events are ignored until the pass ends; a
// gap-check pass then recovers them from history.
func (s *synchronizer) bufferLive(ctx context.Context, ev ir.Event) {
	if s.overflow {
		s.metrics.Discarded(ctx, telemetry.ReasonBufferOverflow, 1)
		return
	}
	if len(s.buffer) >= s.cfg.LiveBufferCapacity {
		s.metrics.Discarded(ctx, telemetry.ReasonBufferOverflow, len(s.buffer)+1)
		s.logger.Warn("live buffer overflow, scheduling gap check",
			"account", s.account,
			"capacity", s.cfg.LiveBufferCapacity)
		s.buffer = nil
		s.overflow = true
		return
	}
	s.buffer = append(s.buffer, ev)
}

// forward hands ev to the sink if it is past the watermark, then advances
// the cursor. Malformed events advance the cursor without being delivered.
func (s *synchronizer) forward(ctx context.Context, ev ir.Event, source ir.Source) error {
	if !ev.Position.After(s.watermark) {
		s.metrics.Discarded(ctx, telemetry.ReasonDuplicate, 1)
		return nil
	}
	s.watermark = ev.Position

	if ev.Malformed() {
		s.metrics.Discarded(ctx, telemetry.ReasonMalformed, 1)
		s.logger.Warn("skipping malformed event",
			"account", s.account,
			"position", ev.Position,
			"error", ev.DecodeErr)
	} else {
		s.sink.deliver(ir.Envelope{Event: ev, Source: source})
		s.metrics.Delivered(ctx, source)
	}

	if _, err := s.cursors.AdvanceCursor(ctx, s.account, ev.Position); err != nil {
		return newCursorStoreError(s.account, "advance cursor", err)
	}
	return nil
}
