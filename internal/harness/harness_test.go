package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios_Golden(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)
			assert.Equal(t, name, scenario.Name, "scenario name must match its file")

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_MinimalScenario(t *testing.T) {
	scenario := &Scenario{
		Name:        "minimal",
		Description: "One catch-up event",
		History:     []AppendStep{{Account: "A"}},
		Steps: []Step{
			{Listen: &ListenStep{As: "l1", Account: "A"}},
			{DrainCatchup: &ReadStep{Listener: "l1", Expect: []int64{1}}},
		},
		Assertions: []Assertion{
			{Type: AssertCursor, Account: "A", Seq: 1},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.True(t, result.Pass)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{
		"append 1 A user_funds_deposited",
		"l1 listen A sub-1",
		"l1 CATCHUP 1 user_funds_deposited",
		"l1 END_OF_CATCHUP",
	}, result.Lines())
	assert.Equal(t, int64(1), result.Cursors["A"])
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/shared_account_fanout.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, first.Render(scenario.Name), second.Render(scenario.Name))
}

func TestRun_ExpectationMismatchFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "mismatch",
		Description: "Expects the wrong catch-up sequence",
		History:     []AppendStep{{Account: "A", Count: 2}},
		Steps: []Step{
			{Listen: &ListenStep{As: "l1", Account: "A"}},
			{DrainCatchup: &ReadStep{Listener: "l1", Expect: []int64{1}}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "catch-up delivered [1 2], expected [1]")
}

func TestRun_WrongErrorCodeFails(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_code",
		Description: "A released listener is not a slow consumer",
		Steps: []Step{
			{Listen: &ListenStep{As: "l1", Account: "A"}},
			{DrainCatchup: &ReadStep{Listener: "l1"}},
			{Release: "l1"},
			{ExpectError: &ErrorStep{Listener: "l1", Code: "SLOW_CONSUMER"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	assert.Contains(t, result.Lines(), "l1 error RELEASED")
}

func TestRun_StepTimeoutStopsScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the step timeout")
	}
	scenario := &Scenario{
		Name:        "stalled",
		Description: "Nothing is ever appended, so the live read times out",
		Steps: []Step{
			{Listen: &ListenStep{As: "l1", Account: "A"}},
			{DrainCatchup: &ReadStep{Listener: "l1"}},
			{NextLive: &ReadStep{Listener: "l1"}},
			{Append: &AppendStep{Account: "A"}},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "steps[2] next_live")
	assert.NotContains(t, result.Lines(), "append 1 A user_funds_deposited")
}

func TestEngineConfig_Overrides(t *testing.T) {
	cfg := engineConfig(&ConfigOverrides{PageSize: 7, SubscriberBacklog: 3, MaxCatchupDepth: 2})
	assert.Equal(t, 7, cfg.HistoricalPageSize)
	assert.Equal(t, 3, cfg.SubscriberBacklog)
	assert.Equal(t, 2, cfg.MaxCatchupDepth)
	require.NoError(t, cfg.Validate())

	base := engineConfig(nil)
	assert.Equal(t, 1000, base.ReconnectLimit)
	require.NoError(t, base.Validate())
}
