package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/ledgersync/internal/ir"
)

func TestMetrics_CountersAccumulate(t *testing.T) {
	ctx := context.Background()
	c := NewCollector()
	t.Cleanup(func() { c.Shutdown(ctx) })

	m, err := New(c.Provider, sdktrace.NewTracerProvider())
	require.NoError(t, err)

	m.Delivered(ctx, ir.SourceCatchup)
	m.Delivered(ctx, ir.SourceCatchup)
	m.Delivered(ctx, ir.SourceLive)
	m.Discarded(ctx, ReasonDuplicate, 3)
	m.Reconnect(ctx)
	m.CatchupRetry(ctx)
	m.Failure(ctx, "RETRY_EXHAUSTED")
	m.AccountsActive(ctx, 1)
	m.SubscriptionsActive(ctx, 2)
	m.SubscriptionsActive(ctx, -1)

	sums, err := c.Sums(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(2), sums["ledgersync.events.delivered{source=CATCHUP}"])
	assert.Equal(t, int64(1), sums["ledgersync.events.delivered{source=LIVE}"])
	assert.Equal(t, int64(3), sums["ledgersync.events.discarded{reason=duplicate}"])
	assert.Equal(t, int64(1), sums["ledgersync.live.reconnects"])
	assert.Equal(t, int64(1), sums["ledgersync.catchup.retries"])
	assert.Equal(t, int64(1), sums["ledgersync.failures{code=RETRY_EXHAUSTED}"])
	assert.Equal(t, int64(1), sums["ledgersync.accounts.active"])
	assert.Equal(t, int64(1), sums["ledgersync.subscriptions.active"])

	summary, err := c.Summary(ctx)
	require.NoError(t, err)
	assert.Contains(t, summary, "ledgersync.live.reconnects 1\n")
}

func TestMetrics_CatchupPassSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	c := NewCollector()

	m, err := New(c.Provider, tp)
	require.NoError(t, err)

	_, span := m.StartCatchupPass(context.Background(), "A", ir.Position{Seq: 4}, true)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "ledgersync.catchup_pass", spans[0].Name())

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "A", attrs["account"])
	assert.Equal(t, "4", attrs["from_seq"])
	assert.Equal(t, "true", attrs["gap_check"])
}

func TestDefault_UsesGlobalProviders(t *testing.T) {
	m := Default()
	// Global providers are no-ops; recording must not panic.
	m.Delivered(context.Background(), ir.SourceLive)
}
