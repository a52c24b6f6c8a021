package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ledgersync/internal/ir"
)

// Scenario defines a conformance test scenario.
// A scenario seeds a synthetic ledger, drives listeners and the transport
// through a sequence of steps, and asserts on what the listeners received.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config overrides engine settings for this scenario.
	Config *ConfigOverrides `yaml:"config,omitempty"`

	// History is appended to the ledger before the first step.
	History []AppendStep `yaml:"history,omitempty"`

	// Steps run in order. Each step holds exactly one action.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and cursors.
	// Supported types: cursor, trace_order, trace_count, trace_contains, metric
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// ConfigOverrides adjusts the engine configuration. Zero fields keep the
// harness default.
type ConfigOverrides struct {
	PageSize             int `yaml:"page_size,omitempty"`
	SubscriberBacklog    int `yaml:"subscriber_backlog,omitempty"`
	LiveBufferCapacity   int `yaml:"live_buffer_capacity,omitempty"`
	MaxCatchupDepth      int `yaml:"max_catchup_depth,omitempty"`
	HistoricalRetryLimit int `yaml:"historical_retry_limit,omitempty"`
	ReconnectLimit       int `yaml:"reconnect_limit,omitempty"`
}

// AppendStep appends Count events of Kind to Account.
type AppendStep struct {
	Account string         `yaml:"account"`
	Kind    string         `yaml:"kind,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty"`
	Count   int            `yaml:"count,omitempty"`
}

// ListenStep opens a listener on Account under the alias As.
type ListenStep struct {
	As      string `yaml:"as"`
	Account string `yaml:"account"`
}

// ReadStep reads from a listener. For drain_catchup Expect lists the whole
// catch-up sequence; for next_live it lists the next live events to read.
type ReadStep struct {
	Listener string  `yaml:"listener"`
	Expect   []int64 `yaml:"expect,omitempty"`
}

// ErrorStep reads from a listener until a read fails and checks the error
// code.
type ErrorStep struct {
	Listener string `yaml:"listener"`
	Code     string `yaml:"code"`
}

// StateStep waits until an account's synchronizer reaches State.
type StateStep struct {
	Account string `yaml:"account"`
	State   string `yaml:"state"`
}

// Step is one scenario action. Exactly one field must be set.
type Step struct {
	Listen         *ListenStep `yaml:"listen,omitempty"`
	DrainCatchup   *ReadStep   `yaml:"drain_catchup,omitempty"`
	NextLive       *ReadStep   `yaml:"next_live,omitempty"`
	Append         *AppendStep `yaml:"append,omitempty"`
	Disconnect     string      `yaml:"disconnect,omitempty"`
	Hold           string      `yaml:"hold,omitempty"`
	Resume         string      `yaml:"resume,omitempty"`
	Release        string      `yaml:"release,omitempty"`
	FailFetches    int         `yaml:"fail_fetches,omitempty"`
	DuplicatePages *bool       `yaml:"duplicate_pages,omitempty"`
	Corrupt        int64       `yaml:"corrupt,omitempty"`
	ExpectError    *ErrorStep  `yaml:"expect_error,omitempty"`
	WaitState      *StateStep  `yaml:"wait_state,omitempty"`
}

// Action names the action the step holds. It returns an error unless
// exactly one is set.
func (s Step) Action() (string, error) {
	var set []string
	mark := func(name string, ok bool) {
		if ok {
			set = append(set, name)
		}
	}
	mark("listen", s.Listen != nil)
	mark("drain_catchup", s.DrainCatchup != nil)
	mark("next_live", s.NextLive != nil)
	mark("append", s.Append != nil)
	mark("disconnect", s.Disconnect != "")
	mark("hold", s.Hold != "")
	mark("resume", s.Resume != "")
	mark("release", s.Release != "")
	mark("fail_fetches", s.FailFetches != 0)
	mark("duplicate_pages", s.DuplicatePages != nil)
	mark("corrupt", s.Corrupt != 0)
	mark("expect_error", s.ExpectError != nil)
	mark("wait_state", s.WaitState != nil)

	switch len(set) {
	case 0:
		return "", fmt.Errorf("no action set")
	case 1:
		return set[0], nil
	default:
		return "", fmt.Errorf("more than one action set: %v", set)
	}
}

// Assertion validates the trace or the persisted cursors.
type Assertion struct {
	// Type specifies the assertion type:
	// - "cursor": Check the persisted cursor seq of Account
	// - "trace_order": Check Listener received Seqs in this order
	// - "trace_count": Check Listener received Count events, optionally of one Source
	// - "trace_contains": Check the trace holds Line verbatim
	// - "metric": Check the counter Series reads Value
	Type string `yaml:"type"`

	Account  string  `yaml:"account,omitempty"`
	Listener string  `yaml:"listener,omitempty"`
	Seq      int64   `yaml:"seq,omitempty"`
	Seqs     []int64 `yaml:"seqs,omitempty"`
	Source   string  `yaml:"source,omitempty"`
	Count    int     `yaml:"count,omitempty"`
	Line     string  `yaml:"line,omitempty"`
	Series   string  `yaml:"series,omitempty"`
	Value    int64   `yaml:"value,omitempty"`
}

// Assertion type constants.
const (
	AssertCursor        = "cursor"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertTraceContains = "trace_contains"
	AssertMetric        = "metric"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict fields catch typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and that every
// listener alias is opened before it is used.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, h := range s.History {
		if err := validateAppend(h); err != nil {
			return fmt.Errorf("history[%d]: %w", i, err)
		}
	}

	listeners := make(map[string]bool)
	known := func(i int, alias string) error {
		if !listeners[alias] {
			return fmt.Errorf("steps[%d]: unknown listener %q", i, alias)
		}
		return nil
	}

	for i, step := range s.Steps {
		action, err := step.Action()
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
		switch action {
		case "listen":
			if step.Listen.As == "" || step.Listen.Account == "" {
				return fmt.Errorf("steps[%d]: listen needs as and account", i)
			}
			if listeners[step.Listen.As] {
				return fmt.Errorf("steps[%d]: listener %q already exists", i, step.Listen.As)
			}
			listeners[step.Listen.As] = true
		case "drain_catchup":
			if err := known(i, step.DrainCatchup.Listener); err != nil {
				return err
			}
		case "next_live":
			if err := known(i, step.NextLive.Listener); err != nil {
				return err
			}
		case "release":
			if err := known(i, step.Release); err != nil {
				return err
			}
		case "expect_error":
			if err := known(i, step.ExpectError.Listener); err != nil {
				return err
			}
			if step.ExpectError.Code == "" {
				return fmt.Errorf("steps[%d]: expect_error needs a code", i)
			}
		case "append":
			if err := validateAppend(*step.Append); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
		case "fail_fetches":
			if step.FailFetches < 0 {
				return fmt.Errorf("steps[%d]: fail_fetches must be positive", i)
			}
		case "corrupt":
			if step.Corrupt < 0 {
				return fmt.Errorf("steps[%d]: corrupt needs a positive seq", i)
			}
		case "wait_state":
			if _, err := parseState(step.WaitState.State); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateAppend(a AppendStep) error {
	if a.Account == "" {
		return fmt.Errorf("append: account is required")
	}
	if a.Count < 0 {
		return fmt.Errorf("append: count must be non-negative")
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertCursor:
		if a.Account == "" {
			return fmt.Errorf("assertions[%d]: account is required for cursor", index)
		}
	case AssertTraceOrder:
		if a.Listener == "" || len(a.Seqs) == 0 {
			return fmt.Errorf("assertions[%d]: listener and seqs are required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Listener == "" {
			return fmt.Errorf("assertions[%d]: listener is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
		if a.Source != "" && a.Source != ir.SourceCatchup.String() && a.Source != ir.SourceLive.String() {
			return fmt.Errorf("assertions[%d]: unknown source %q", index, a.Source)
		}
	case AssertTraceContains:
		if a.Line == "" {
			return fmt.Errorf("assertions[%d]: line is required for trace_contains", index)
		}
	case AssertMetric:
		if a.Series == "" {
			return fmt.Errorf("assertions[%d]: series is required for metric", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func parseState(s string) (ir.WorkerState, error) {
	for _, st := range []ir.WorkerState{
		ir.StatePending, ir.StateCatchingUp, ir.StateLive, ir.StateReconnecting, ir.StateStopped,
	} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown worker state %q", s)
}
