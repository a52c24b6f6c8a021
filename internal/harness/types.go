package harness

import (
	"fmt"
	"strings"
)

// Trace event types.
const (
	TraceAppend         = "append"
	TraceListen         = "listen"
	TraceDelivery       = "delivery"
	TraceEndOfCatchup   = "end_of_catchup"
	TraceError          = "error"
	TraceRelease        = "release"
	TraceDisconnect     = "disconnect"
	TraceHold           = "hold"
	TraceResume         = "resume"
	TraceCorrupt        = "corrupt"
	TraceFailFetches    = "fail_fetches"
	TraceDuplicatePages = "duplicate_pages"
	TraceState          = "state"
)

// TraceEvent is one observable step of a scenario run: something the
// scenario did to the ledger, or something a listener received.
type TraceEvent struct {
	Type     string `json:"type"`
	Listener string `json:"listener,omitempty"`
	ID       string `json:"id,omitempty"`
	Account  string `json:"account,omitempty"`
	Source   string `json:"source,omitempty"`
	Seq      int64  `json:"seq,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Code     string `json:"code,omitempty"`
	Count    int    `json:"count,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Line renders the event as one line of the golden trace.
func (e TraceEvent) Line() string {
	switch e.Type {
	case TraceAppend:
		return fmt.Sprintf("append %d %s %s", e.Seq, e.Account, e.Kind)
	case TraceListen:
		return fmt.Sprintf("%s listen %s %s", e.Listener, e.Account, e.ID)
	case TraceDelivery:
		return fmt.Sprintf("%s %s %d %s", e.Listener, e.Source, e.Seq, e.Kind)
	case TraceEndOfCatchup:
		return e.Listener + " END_OF_CATCHUP"
	case TraceError:
		return fmt.Sprintf("%s error %s", e.Listener, e.Code)
	case TraceRelease:
		return e.Listener + " release"
	case TraceDisconnect, TraceHold, TraceResume:
		return e.Type + " " + e.Account
	case TraceCorrupt:
		return fmt.Sprintf("corrupt %d", e.Seq)
	case TraceFailFetches:
		return fmt.Sprintf("fail_fetches %d", e.Count)
	case TraceDuplicatePages:
		return "duplicate_pages " + e.Detail
	case TraceState:
		return fmt.Sprintf("state %s %s", e.Account, e.Detail)
	default:
		return e.Type
	}
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace lists everything the scenario did and observed, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`

	// Cursors holds the persisted cursor seq of every account the scenario
	// touched, read after the manager shut down.
	Cursors map[string]int64 `json:"cursors,omitempty"`

	// Metrics holds every counter the engine recorded during the run.
	Metrics map[string]int64 `json:"metrics,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:    true,
		Trace:   []TraceEvent{},
		Errors:  []string{},
		Cursors: make(map[string]int64),
		Metrics: make(map[string]int64),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// Lines renders the whole trace, one event per line.
func (r *Result) Lines() []string {
	lines := make([]string, len(r.Trace))
	for i, ev := range r.Trace {
		lines[i] = ev.Line()
	}
	return lines
}

// Render formats the trace as the golden file body.
func (r *Result) Render(name string) []byte {
	var buf strings.Builder
	fmt.Fprintf(&buf, "scenario: %s\n", name)
	for _, line := range r.Lines() {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	return []byte(buf.String())
}

// delivered returns the events a listener received, optionally filtered by
// source.
func (r *Result) delivered(listener, source string) []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type != TraceDelivery || ev.Listener != listener {
			continue
		}
		if source != "" && ev.Source != source {
			continue
		}
		out = append(out, ev)
	}
	return out
}
