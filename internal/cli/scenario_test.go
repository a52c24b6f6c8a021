package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `name: single_catchup
description: "One catch-up event, then the boundary"
history:
  - account: A
steps:
  - listen: { as: l1, account: A }
  - drain_catchup: { listener: l1, expect: [1] }
assertions:
  - type: cursor
    account: A
    seq: 1
`

const passingGolden = `scenario: single_catchup
append 1 A user_funds_deposited
l1 listen A sub-1
l1 CATCHUP 1 user_funds_deposited
l1 END_OF_CATCHUP
`

const failingScenario = `name: wrong_expectation
description: "Expects an event the ledger never had"
history:
  - account: A
steps:
  - listen: { as: l1, account: A }
  - drain_catchup: { listener: l1, expect: [1, 2] }
`

// writeScenarioDir lays out dir/scenarios/<name>.yaml for each entry.
func writeScenarioDir(t *testing.T, scenarios map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	scenariosDir := filepath.Join(dir, "scenarios")
	require.NoError(t, os.MkdirAll(scenariosDir, 0755))
	for name, content := range scenarios {
		require.NoError(t, os.WriteFile(filepath.Join(scenariosDir, name+".yaml"), []byte(content), 0644))
	}
	return scenariosDir
}

func TestScenarioCommandMissingArgs(t *testing.T) {
	_, _, err := execute(t, "scenario")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestScenarioCommandNonExistentPath(t *testing.T) {
	_, _, err := execute(t, "scenario", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestScenarioCommandEmptyDir(t *testing.T) {
	dir := writeScenarioDir(t, nil)

	out, _, err := execute(t, "scenario", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestScenarioCommandPass(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{"single_catchup": passingScenario})

	out, _, err := execute(t, "scenario", dir, "--trace")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ single_catchup")
	assert.Contains(t, out, "    l1 END_OF_CATCHUP")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestScenarioCommandFail(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{
		"single_catchup":    passingScenario,
		"wrong_expectation": failingScenario,
	})

	out, _, err := execute(t, "scenario", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_expectation")
	assert.Contains(t, out, "1 passed, 1 failed, 2 total")
}

func TestScenarioCommandFilter(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{
		"single_catchup":    passingScenario,
		"wrong_expectation": failingScenario,
	})

	out, _, err := execute(t, "scenario", dir, "--filter", "single*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
	assert.NotContains(t, out, "wrong_expectation")
}

func TestScenarioCommandSingleFile(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{
		"single_catchup":    passingScenario,
		"wrong_expectation": failingScenario,
	})

	out, _, err := execute(t, "scenario", filepath.Join(dir, "single_catchup.yaml"))
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestScenarioCommandGolden(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{"single_catchup": passingScenario})
	golden := filepath.Join(filepath.Dir(dir), "golden", "single_catchup.golden")

	_, _, err := execute(t, "scenario", dir, "--update")
	require.NoError(t, err)
	got, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Equal(t, passingGolden, string(got))

	_, _, err = execute(t, "scenario", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(golden, []byte("scenario: single_catchup\n"), 0644))
	out, _, err := execute(t, "scenario", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestScenarioCommandJSON(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{"single_catchup": passingScenario})

	out, _, err := execute(t, "--format", "json", "scenario", dir)
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   ScenarioReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Passed)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "single_catchup", resp.Data.Scenarios[0].Name)
	assert.Contains(t, resp.Data.Scenarios[0].Trace, "l1 CATCHUP 1 user_funds_deposited")
}

func TestScenarioCommandInvalidScenario(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{"broken": "name: broken\nsteps:\n  - bogus_step: {}\n"})

	out, _, err := execute(t, "scenario", dir)
	require.Error(t, err)
	assert.Contains(t, out, "failed to load scenario")
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("testdata", "golden", "retry_exhausted.golden"),
		goldenFilePath(filepath.Join("testdata", "scenarios", "retry_exhausted.yaml"), "retry_exhausted"))
}

func TestFindScenarioFiles(t *testing.T) {
	dir := writeScenarioDir(t, map[string]string{
		"alpha": passingScenario,
		"beta":  passingScenario,
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644))

	files, err := findScenarioFiles(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "alpha.yaml"), filepath.Join(dir, "beta.yaml")}, files)

	files, err = findScenarioFiles(dir, "b*")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "beta.yaml")}, files)

	_, err = findScenarioFiles(dir, "[")
	require.Error(t, err)
}
