package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/ledgersync/internal/ir"
	"github.com/roach88/ledgersync/internal/store"
)

// AssertionContext provides the state assertions read beyond the trace.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, event.Line())
		}
	}
	return buf.String()
}

// assertTraceOrder checks that the listener received seqs in the given
// order. Other deliveries may come in between.
func assertTraceOrder(trace []TraceEvent, listener string, want []int64) error {
	next := 0
	var got []int64
	for _, ev := range trace {
		if ev.Type != TraceDelivery || ev.Listener != listener {
			continue
		}
		got = append(got, ev.Seq)
		if next < len(want) && ev.Seq == want[next] {
			next++
		}
	}
	if next == len(want) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("%s receives %v in order", listener, want),
		Actual:   fmt.Sprintf("received %v", got),
		Trace:    trace,
	}
}

// assertTraceCount checks how many events the listener received.
func assertTraceCount(result *Result, a Assertion) error {
	got := len(result.delivered(a.Listener, a.Source))
	if got == a.Count {
		return nil
	}
	what := "events"
	if a.Source != "" {
		what = a.Source + " events"
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%s receives %d %s", a.Listener, a.Count, what),
		Actual:   fmt.Sprintf("received %d", got),
		Trace:    result.Trace,
	}
}

func assertTraceContains(result *Result, line string) error {
	if slices.Contains(result.Lines(), line) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("trace line %q", line),
		Actual:   "not found in trace",
		Trace:    result.Trace,
	}
}

// assertCursor reads the persisted cursor, falling back to the snapshot
// taken at shutdown when no store is available.
func assertCursor(result *Result, a Assertion, actx *AssertionContext) error {
	var got int64
	if actx != nil && actx.Store != nil {
		pos, err := actx.Store.LoadCursor(actx.Ctx, ir.AccountKey(a.Account))
		if err != nil {
			return fmt.Errorf("cursor assertion: %w", err)
		}
		got = pos.Seq
	} else {
		got = result.Cursors[a.Account]
	}
	if got == a.Seq {
		return nil
	}
	return &AssertionError{
		Type:     AssertCursor,
		Expected: fmt.Sprintf("cursor for %s at seq %d", a.Account, a.Seq),
		Actual:   fmt.Sprintf("seq %d", got),
	}
}

func assertMetric(result *Result, a Assertion) error {
	got := result.Metrics[a.Series]
	if got == a.Value {
		return nil
	}
	return &AssertionError{
		Type:     AssertMetric,
		Expected: fmt.Sprintf("%s = %d", a.Series, a.Value),
		Actual:   fmt.Sprintf("%d", got),
	}
}

// EvaluateAssertions evaluates every assertion and returns the failure
// messages. An empty slice means all assertions passed.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertCursor:
			err = assertCursor(result, assertion, actx)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion.Listener, assertion.Seqs)
		case AssertTraceCount:
			err = assertTraceCount(result, assertion)
		case AssertTraceContains:
			err = assertTraceContains(result, assertion.Line)
		case AssertMetric:
			err = assertMetric(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
