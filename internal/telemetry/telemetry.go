// Package telemetry records engine metrics and spans with OpenTelemetry.
//
// The engine depends only on *Metrics; exporters are the caller's business.
// Default uses the global providers, which are no-ops until the process
// installs real ones.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/ledgersync/internal/ir"
)

const instrumentationName = "github.com/roach88/ledgersync/internal/engine"

// Discard reasons.
const (
	ReasonDuplicate      = "duplicate"
	ReasonMalformed      = "malformed"
	ReasonBufferOverflow = "buffer_overflow"
)

// Metrics holds the engine's instruments.
type Metrics struct {
	tracer trace.Tracer

	delivered     metric.Int64Counter
	discarded     metric.Int64Counter
	reconnects    metric.Int64Counter
	retries       metric.Int64Counter
	failures      metric.Int64Counter
	accounts      metric.Int64UpDownCounter
	subscriptions metric.Int64UpDownCounter
}

// New creates instruments from the given providers.
func New(mp metric.MeterProvider, tp trace.TracerProvider) (*Metrics, error) {
	meter := mp.Meter(instrumentationName, metric.WithInstrumentationVersion(ir.EngineVersion))
	m := &Metrics{
		tracer: tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(ir.EngineVersion)),
	}

	var err error
	if m.delivered, err = meter.Int64Counter("ledgersync.events.delivered",
		metric.WithDescription("Envelopes handed to the dispatcher")); err != nil {
		return nil, fmt.Errorf("create delivered counter: %w", err)
	}
	if m.discarded, err = meter.Int64Counter("ledgersync.events.discarded",
		metric.WithDescription("Events dropped by the synchronizer")); err != nil {
		return nil, fmt.Errorf("create discarded counter: %w", err)
	}
	if m.reconnects, err = meter.Int64Counter("ledgersync.live.reconnects",
		metric.WithDescription("Live stream disconnects followed by a reconnect attempt")); err != nil {
		return nil, fmt.Errorf("create reconnects counter: %w", err)
	}
	if m.retries, err = meter.Int64Counter("ledgersync.catchup.retries",
		metric.WithDescription("Historical query retries")); err != nil {
		return nil, fmt.Errorf("create retries counter: %w", err)
	}
	if m.failures, err = meter.Int64Counter("ledgersync.failures",
		metric.WithDescription("Terminal account failures")); err != nil {
		return nil, fmt.Errorf("create failures counter: %w", err)
	}
	if m.accounts, err = meter.Int64UpDownCounter("ledgersync.accounts.active",
		metric.WithDescription("Accounts with running workers")); err != nil {
		return nil, fmt.Errorf("create accounts counter: %w", err)
	}
	if m.subscriptions, err = meter.Int64UpDownCounter("ledgersync.subscriptions.active",
		metric.WithDescription("Open listener subscriptions")); err != nil {
		return nil, fmt.Errorf("create subscriptions counter: %w", err)
	}
	return m, nil
}

// Default creates instruments from the global providers.
// It panics only if the global provider rejects instrument creation.
func Default() *Metrics {
	m, err := New(otel.GetMeterProvider(), otel.GetTracerProvider())
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Metrics) Delivered(ctx context.Context, source ir.Source) {
	m.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source.String())))
}

func (m *Metrics) Discarded(ctx context.Context, reason string, n int) {
	m.discarded.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) Reconnect(ctx context.Context) {
	m.reconnects.Add(ctx, 1)
}

func (m *Metrics) CatchupRetry(ctx context.Context) {
	m.retries.Add(ctx, 1)
}

func (m *Metrics) Failure(ctx context.Context, code string) {
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

func (m *Metrics) AccountsActive(ctx context.Context, delta int64) {
	m.accounts.Add(ctx, delta)
}

func (m *Metrics) SubscriptionsActive(ctx context.Context, delta int64) {
	m.subscriptions.Add(ctx, delta)
}

// StartCatchupPass opens a span covering one catch-up pass.
func (m *Metrics) StartCatchupPass(ctx context.Context, account ir.AccountKey, from ir.Position, gapCheck bool) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "ledgersync.catchup_pass", trace.WithAttributes(
		attribute.String("account", string(account)),
		attribute.Int64("from_seq", from.Seq),
		attribute.Bool("gap_check", gapCheck),
	))
}
