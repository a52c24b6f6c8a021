package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/roach88/ledgersync/internal/ir"
	"github.com/roach88/ledgersync/internal/ledger"
	"github.com/roach88/ledgersync/internal/telemetry"
	"github.com/roach88/ledgersync/internal/testutil"
)

const (
	waitFor = 5 * time.Second
	tick    = time.Millisecond
)

var (
	acctA = ir.MustAccountKey("A")
	acctB = ir.MustAccountKey("B")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig is DefaultConfig with millisecond backoff and a reconnect
// limit high enough to ride out a held transport.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReconnectBackoff = BackoffConfig{
		Initial:    time.Millisecond,
		Max:        5 * time.Millisecond,
		Multiplier: 2,
	}
	cfg.ReconnectLimit = 1000
	cfg.QueryTimeout = 2 * time.Second
	return cfg
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type fixture struct {
	ledger    *ledger.Memory
	cursors   *testutil.Cursors
	collector *telemetry.Collector
	m         *Manager
}

func newFixture(t *testing.T, mutate func(*Config), opts ...ledger.MemoryOption) *fixture {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	collector := telemetry.NewCollector()
	metrics, err := telemetry.New(collector.Provider, noop.NewTracerProvider())
	require.NoError(t, err)

	f := &fixture{
		ledger:    ledger.NewMemory(opts...),
		cursors:   testutil.NewCursors(),
		collector: collector,
	}
	f.m, err = NewManager(f.ledger, f.cursors,
		WithConfig(cfg),
		WithLogger(testLogger()),
		WithMetrics(metrics),
		WithIDGenerator(testutil.NewSequentialIDs("sub")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { f.m.Close() })
	return f
}

func (f *fixture) appendN(account ir.AccountKey, n int) []ir.Event {
	events := make([]ir.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, f.ledger.MustAppend(ir.KindUserFundsDeposited, account))
	}
	return events
}

func (f *fixture) sum(t *testing.T, series string) int64 {
	t.Helper()
	sums, err := f.collector.Sums(context.Background())
	require.NoError(t, err)
	return sums[series]
}

func (f *fixture) stateIs(account ir.AccountKey, want ir.WorkerState) func() bool {
	return func() bool {
		st, ok := f.m.State(account)
		return ok && st == want
	}
}

// drainCatchup reads catch-up events until the end marker.
func drainCatchup(t *testing.T, ctx context.Context, l *Listener) []int64 {
	t.Helper()
	seqs := []int64{}
	for {
		ev, err := l.NextCatchupEvent(ctx)
		if errors.Is(err, ErrEndOfCatchup) {
			return seqs
		}
		require.NoError(t, err)
		seqs = append(seqs, ev.Position.Seq)
	}
}

func nextLiveSeq(t *testing.T, ctx context.Context, l *Listener) int64 {
	t.Helper()
	ctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	ev, err := l.NextLiveEvent(ctx)
	require.NoError(t, err)
	return ev.Position.Seq
}

// readUntilErr collects events until a read fails and returns both.
func readUntilErr(ctx context.Context, l *Listener) ([]int64, error) {
	var seqs []int64
	for {
		env, err := l.Next(ctx)
		if errors.Is(err, ErrEndOfCatchup) {
			continue
		}
		if err != nil {
			return seqs, err
		}
		seqs = append(seqs, env.Event.Position.Seq)
	}
}

func seqsOf(events []ir.Event) []int64 {
	out := make([]int64, len(events))
	for i, ev := range events {
		out[i] = ev.Position.Seq
	}
	return out
}

func seqRange(from, to int64) []int64 {
	out := []int64{}
	for s := from; s <= to; s++ {
		out = append(out, s)
	}
	return out
}

// gatedLedger lets the first n historical queries through and holds the rest
// until open is closed.
type gatedLedger struct {
	*ledger.Memory
	n     int32
	calls atomic.Int32
	open  chan struct{}
}

func newGatedLedger(mem *ledger.Memory, n int32) *gatedLedger {
	return &gatedLedger{Memory: mem, n: n, open: make(chan struct{})}
}

func (g *gatedLedger) FetchEventsSince(ctx context.Context, account ir.AccountKey, cursor ir.Position, pageToken string, limit int) (ledger.Page, error) {
	if g.calls.Add(1) > g.n {
		select {
		case <-g.open:
		case <-ctx.Done():
			return ledger.Page{}, ctx.Err()
		}
	}
	return g.Memory.FetchEventsSince(ctx, account, cursor, pageToken, limit)
}
