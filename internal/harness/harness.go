package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/trace/noop"

	"github.com/roach88/ledgersync/internal/engine"
	"github.com/roach88/ledgersync/internal/ir"
	"github.com/roach88/ledgersync/internal/ledger"
	"github.com/roach88/ledgersync/internal/store"
	"github.com/roach88/ledgersync/internal/telemetry"
	"github.com/roach88/ledgersync/internal/testutil"
)

// StepTimeout bounds every blocking step.
const StepTimeout = 5 * time.Second

const statePoll = time.Millisecond

// Harness is the test execution engine.
// It runs one scenario against a synthetic ledger, a real Manager, and a
// fresh in-memory cursor store.
type Harness struct {
	ledger    *ledger.Memory
	store     *store.Store
	manager   *engine.Manager
	collector *telemetry.Collector
	listeners map[string]*engine.Listener
	accounts  []ir.AccountKey
	logger    *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
// 1. Create fresh in-memory database and synthetic ledger
// 2. Append the scenario history
// 3. Execute steps, recording every delivery in the trace
// 4. Shut the manager down and read back the cursors
// 5. Evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario, nil)
}

// RunContext is Run with a parent context and a logger for the manager.
// A nil logger discards output.
func RunContext(ctx context.Context, scenario *Scenario, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	collector := telemetry.NewCollector()
	defer collector.Shutdown(context.Background())
	metrics, err := telemetry.New(collector.Provider, noop.NewTracerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	clock := testutil.NewDeterministicClock()
	led := ledger.NewMemory(ledger.WithNow(clock.Now))

	mgr, err := engine.NewManager(led, st,
		engine.WithConfig(engineConfig(scenario.Config)),
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
		engine.WithIDGenerator(testutil.NewSequentialIDs("sub")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}
	defer mgr.Close()

	h := &Harness{
		ledger:    led,
		store:     st,
		manager:   mgr,
		collector: collector,
		listeners: make(map[string]*engine.Listener),
		logger:    logger.With("component", "harness", "scenario", scenario.Name),
	}

	result := NewResult()
	for i, a := range scenario.History {
		if err := h.append(a, result); err != nil {
			return nil, fmt.Errorf("history[%d]: %w", i, err)
		}
	}

	if err := h.executeSteps(ctx, scenario.Steps, result); err != nil {
		return nil, err
	}

	// Cursors and counters are read after shutdown so nothing moves under us
	mgr.Close()
	for _, account := range h.accounts {
		pos, err := st.LoadCursor(ctx, account)
		if err != nil {
			return nil, fmt.Errorf("failed to read cursor %s: %w", account, err)
		}
		result.Cursors[string(account)] = pos.Seq
	}
	sums, err := collector.Sums(ctx)
	if err != nil {
		return nil, err
	}
	result.Metrics = sums

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// engineConfig is the engine default with millisecond backoff, so
// transport outages in scenarios resolve quickly.
func engineConfig(o *ConfigOverrides) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.ReconnectBackoff = engine.BackoffConfig{
		Initial:    time.Millisecond,
		Max:        5 * time.Millisecond,
		Multiplier: 2,
	}
	cfg.ReconnectLimit = 1000
	cfg.QueryTimeout = 2 * time.Second
	if o == nil {
		return cfg
	}
	if o.PageSize > 0 {
		cfg.HistoricalPageSize = o.PageSize
	}
	if o.SubscriberBacklog > 0 {
		cfg.SubscriberBacklog = o.SubscriberBacklog
	}
	if o.LiveBufferCapacity > 0 {
		cfg.LiveBufferCapacity = o.LiveBufferCapacity
	}
	if o.MaxCatchupDepth > 0 {
		cfg.MaxCatchupDepth = o.MaxCatchupDepth
	}
	if o.HistoricalRetryLimit > 0 {
		cfg.HistoricalRetryLimit = o.HistoricalRetryLimit
	}
	if o.ReconnectLimit > 0 {
		cfg.ReconnectLimit = o.ReconnectLimit
	}
	return cfg
}

// executeSteps runs the steps in order. A step that cannot complete, such as
// a read that times out, ends the run with an error in the result; a step
// whose outcome merely differs from its expectation records the mismatch
// and continues.
func (h *Harness) executeSteps(ctx context.Context, steps []Step, result *Result) error {
	for i, step := range steps {
		action, err := step.Action()
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		if err := h.executeStep(ctx, step, result); err != nil {
			result.AddError(fmt.Sprintf("steps[%d] %s: %v", i, action, err))
			h.logger.Warn("scenario step failed", "step", i, "action", action, "error", err)
			return nil
		}
		h.logger.Debug("scenario step completed", "step", i, "action", action)
	}
	return nil
}

func (h *Harness) executeStep(ctx context.Context, step Step, result *Result) error {
	switch {
	case step.Listen != nil:
		return h.listen(ctx, step.Listen, result)
	case step.DrainCatchup != nil:
		return h.drainCatchup(ctx, step.DrainCatchup, result)
	case step.NextLive != nil:
		return h.nextLive(ctx, step.NextLive, result)
	case step.Append != nil:
		return h.append(*step.Append, result)
	case step.Disconnect != "":
		return h.transport(step.Disconnect, TraceDisconnect, h.ledger.Disconnect, result)
	case step.Hold != "":
		return h.transport(step.Hold, TraceHold, h.ledger.Hold, result)
	case step.Resume != "":
		return h.transport(step.Resume, TraceResume, h.ledger.Resume, result)
	case step.Release != "":
		h.listeners[step.Release].Release()
		result.add(TraceEvent{Type: TraceRelease, Listener: step.Release})
		return nil
	case step.FailFetches != 0:
		h.ledger.FailFetches(step.FailFetches)
		result.add(TraceEvent{Type: TraceFailFetches, Count: step.FailFetches})
		return nil
	case step.DuplicatePages != nil:
		h.ledger.DuplicatePages(*step.DuplicatePages)
		detail := "off"
		if *step.DuplicatePages {
			detail = "on"
		}
		result.add(TraceEvent{Type: TraceDuplicatePages, Detail: detail})
		return nil
	case step.Corrupt != 0:
		h.ledger.Corrupt(step.Corrupt)
		result.add(TraceEvent{Type: TraceCorrupt, Seq: step.Corrupt})
		return nil
	case step.ExpectError != nil:
		return h.expectError(ctx, step.ExpectError, result)
	case step.WaitState != nil:
		return h.waitState(ctx, step.WaitState, result)
	}
	return fmt.Errorf("no action set")
}

func (h *Harness) append(a AppendStep, result *Result) error {
	account, err := h.account(a.Account)
	if err != nil {
		return err
	}
	kind := ir.KindUserFundsDeposited
	if a.Kind != "" {
		kind = ir.Kind(a.Kind)
	}
	var payload json.RawMessage
	if a.Payload != nil {
		if payload, err = json.Marshal(a.Payload); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}

	count := max(1, a.Count)
	for i := 0; i < count; i++ {
		ev, err := h.ledger.Append(kind, payload, account)
		if err != nil {
			return err
		}
		result.add(TraceEvent{
			Type:    TraceAppend,
			Account: string(account),
			Seq:     ev.Position.Seq,
			Kind:    string(ev.Kind),
		})
	}
	return nil
}

func (h *Harness) listen(ctx context.Context, step *ListenStep, result *Result) error {
	account, err := h.account(step.Account)
	if err != nil {
		return err
	}
	l, err := h.manager.Listen(ctx, account)
	if err != nil {
		return err
	}
	h.listeners[step.As] = l
	result.add(TraceEvent{Type: TraceListen, Listener: step.As, Account: string(account), ID: l.ID()})
	return nil
}

func (h *Harness) drainCatchup(ctx context.Context, step *ReadStep, result *Result) error {
	l := h.listeners[step.Listener]
	ctx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()

	var got []int64
	for {
		ev, err := l.NextCatchupEvent(ctx)
		if errors.Is(err, engine.ErrEndOfCatchup) {
			result.add(TraceEvent{Type: TraceEndOfCatchup, Listener: step.Listener})
			break
		}
		if err != nil {
			result.add(TraceEvent{Type: TraceError, Listener: step.Listener, Code: ErrorCode(err)})
			return err
		}
		result.add(delivery(step.Listener, ir.SourceCatchup, ev))
		got = append(got, ev.Position.Seq)
	}

	if step.Expect != nil && !slices.Equal(got, step.Expect) {
		result.AddError(fmt.Sprintf("%s: catch-up delivered %v, expected %v", step.Listener, got, step.Expect))
	}
	return nil
}

func (h *Harness) nextLive(ctx context.Context, step *ReadStep, result *Result) error {
	l := h.listeners[step.Listener]
	ctx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()

	n := max(1, len(step.Expect))
	got := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		ev, err := l.NextLiveEvent(ctx)
		if err != nil {
			result.add(TraceEvent{Type: TraceError, Listener: step.Listener, Code: ErrorCode(err)})
			return err
		}
		result.add(delivery(step.Listener, ir.SourceLive, ev))
		got = append(got, ev.Position.Seq)
	}

	if len(step.Expect) > 0 && !slices.Equal(got, step.Expect) {
		result.AddError(fmt.Sprintf("%s: live delivered %v, expected %v", step.Listener, got, step.Expect))
	}
	return nil
}

// expectError reads until a read fails. Events read on the way are traced.
func (h *Harness) expectError(ctx context.Context, step *ErrorStep, result *Result) error {
	l := h.listeners[step.Listener]
	ctx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()

	for {
		env, err := l.Next(ctx)
		if errors.Is(err, engine.ErrEndOfCatchup) {
			result.add(TraceEvent{Type: TraceEndOfCatchup, Listener: step.Listener})
			continue
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
				return fmt.Errorf("no error within %s, expected %s", StepTimeout, step.Code)
			}
			code := ErrorCode(err)
			result.add(TraceEvent{Type: TraceError, Listener: step.Listener, Code: code})
			if code != step.Code {
				result.AddError(fmt.Sprintf("%s: read failed with %s (%v), expected %s", step.Listener, code, err, step.Code))
			}
			return nil
		}
		result.add(delivery(step.Listener, env.Source, env.Event))
	}
}

func (h *Harness) waitState(ctx context.Context, step *StateStep, result *Result) error {
	account, err := h.account(step.Account)
	if err != nil {
		return err
	}
	want, err := parseState(step.State)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()
	ticker := time.NewTicker(statePoll)
	defer ticker.Stop()

	// An account without a synchronizer reads as STOPPED
	for {
		if st, _ := h.manager.State(account); st == want {
			result.add(TraceEvent{Type: TraceState, Account: string(account), Detail: want.String()})
			return nil
		}
		select {
		case <-ctx.Done():
			st, _ := h.manager.State(account)
			return fmt.Errorf("account %s stayed %s, expected %s", account, st, want)
		case <-ticker.C:
		}
	}
}

func (h *Harness) transport(raw, kind string, apply func(ir.AccountKey), result *Result) error {
	account, err := h.account(raw)
	if err != nil {
		return err
	}
	apply(account)
	result.add(TraceEvent{Type: kind, Account: string(account)})
	return nil
}

// account parses raw and remembers it for the cursor readout.
func (h *Harness) account(raw string) (ir.AccountKey, error) {
	account, err := ir.NewAccountKey(raw)
	if err != nil {
		return "", err
	}
	if !slices.Contains(h.accounts, account) {
		h.accounts = append(h.accounts, account)
	}
	return account, nil
}

func delivery(listener string, source ir.Source, ev ir.Event) TraceEvent {
	return TraceEvent{
		Type:     TraceDelivery,
		Listener: listener,
		Source:   source.String(),
		Seq:      ev.Position.Seq,
		Kind:     string(ev.Kind),
	}
}

// ErrorCode names a listener error for the trace: the SyncError code, or
// RELEASED, or UNKNOWN.
func ErrorCode(err error) string {
	var se *engine.SyncError
	switch {
	case errors.As(err, &se):
		return string(se.Code)
	case errors.Is(err, engine.ErrReleased):
		return "RELEASED"
	case errors.Is(err, engine.ErrCatchupPending):
		return "CATCHUP_PENDING"
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}
