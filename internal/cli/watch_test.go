package cli

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgersync/internal/testutil"
)

// startWatch runs `watch` in the background and returns its output buffers
// and a stop function that cancels it and returns its error.
func startWatch(t *testing.T, args ...string) (*syncBuffer, *syncBuffer, func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stdout, stderr := &syncBuffer{}, &syncBuffer{}

	root := NewRootCommand()
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	var stopped bool
	var result error
	stop := func() error {
		if !stopped {
			cancel()
			result = <-done
			stopped = true
		}
		return result
	}
	t.Cleanup(func() { _ = stop() })
	return stdout, stderr, stop
}

func TestWatch_CatchupThenLive(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir)

	for i := 0; i < 3; i++ {
		_, _, err := execute(t, "-c", cfg, "ledger", "append", "alice")
		require.NoError(t, err)
	}
	_, _, err := execute(t, "-c", cfg, "ledger", "append", "bob")
	require.NoError(t, err)

	stdout, _, stop := startWatch(t, "-c", cfg, "watch", "alice")
	waitFor(t, stdout, "END_OF_CATCHUP")

	_, _, err = execute(t, "-c", cfg, "ledger", "append", "--kind", "user_funds_withdrawn", "alice", "bob")
	require.NoError(t, err)
	waitFor(t, stdout, "LIVE 5 user_funds_withdrawn")

	require.NoError(t, stop())
	assert.Equal(t, strings.Join([]string{
		"CATCHUP 1 user_funds_deposited",
		"CATCHUP 2 user_funds_deposited",
		"CATCHUP 3 user_funds_deposited",
		"END_OF_CATCHUP",
		"LIVE 5 user_funds_withdrawn",
		"",
	}, "\n"), stdout.String())

	out, _, err := execute(t, "-c", cfg, "--format", "json", "cursor", "show", "alice")
	require.NoError(t, err)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	position, ok := data["position"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(5), position["seq"])
}

func TestWatch_ResumesFromCursor(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir)

	for i := 0; i < 2; i++ {
		_, _, err := execute(t, "-c", cfg, "ledger", "append", "alice")
		require.NoError(t, err)
	}

	stdout, _, stop := startWatch(t, "-c", cfg, "watch", "alice")
	waitFor(t, stdout, "END_OF_CATCHUP")
	require.NoError(t, stop())

	_, _, err := execute(t, "-c", cfg, "ledger", "append", "alice")
	require.NoError(t, err)

	stdout, _, stop = startWatch(t, "-c", cfg, "watch", "alice")
	waitFor(t, stdout, "END_OF_CATCHUP")
	require.NoError(t, stop())
	assert.Equal(t, "CATCHUP 3 user_funds_deposited\nEND_OF_CATCHUP\n", stdout.String())

	stdout, _, stop = startWatch(t, "-c", cfg, "watch", "alice", "--from-start", "--live-only")
	waitFor(t, stdout, "END_OF_CATCHUP")
	require.NoError(t, stop())
	assert.Equal(t, "END_OF_CATCHUP\n", stdout.String())
}

func TestWatch_JSONAndMetrics(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir)

	_, _, err := execute(t, "-c", cfg, "ledger", "append", "--payload", `{"amount":7}`, "alice")
	require.NoError(t, err)

	stdout, stderr, stop := startWatch(t, "-c", cfg, "--format", "json", "watch", "alice", "--metrics")
	waitFor(t, stdout, "end_of_catchup")
	require.NoError(t, stop())

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, lines, 2)

	var first EnvelopeLine
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "CATCHUP", first.Source)
	assert.Equal(t, "alice", first.Account)
	assert.Equal(t, int64(1), first.Seq)
	assert.JSONEq(t, `{"amount":7}`, string(first.Payload))
	assert.NotEmpty(t, first.ID)

	var marker EnvelopeLine
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &marker))
	assert.Equal(t, "end_of_catchup", marker.Marker)

	assert.Contains(t, stderr.String(), "ledgersync.events.delivered")
}

func TestWatch_SequentialSubscriptionIDs(t *testing.T) {
	cfg := writeTestConfig(t, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stdout, stderr := &syncBuffer{}, &syncBuffer{}

	cmd := &cobra.Command{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetContext(ctx)

	opts := &WatchOptions{
		RootOptions: &RootOptions{Format: "text", ConfigPath: cfg},
		IDs:         testutil.NewSequentialIDs("watch"),
	}
	done := make(chan error, 1)
	go func() { done <- runWatch(opts, "alice", cmd) }()

	waitFor(t, stdout, "END_OF_CATCHUP")
	waitFor(t, stderr, "subscription=watch-1")
	cancel()
	require.NoError(t, <-done)
}

func TestWatch_InvalidAccount(t *testing.T) {
	cfg := writeTestConfig(t, t.TempDir())
	_, _, err := execute(t, "-c", cfg, "watch", "  ")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestWatch_MissingConfig(t *testing.T) {
	_, _, err := execute(t, "-c", "/nonexistent/config.yaml", "watch", "alice")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
