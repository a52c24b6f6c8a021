package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgersync/internal/ir"
	"github.com/roach88/ledgersync/internal/ledger/rpc"
)

func TestLedgerAppend(t *testing.T) {
	cfg := writeTestConfig(t, t.TempDir())

	out, _, err := execute(t, "-c", cfg, "ledger", "append", "--kind", "admin_command_dispatched", "alice", "bob")
	require.NoError(t, err)
	assert.Contains(t, out, "appended admin_command_dispatched seq 1 id ")

	out, _, err = execute(t, "-c", cfg, "--format", "json", "ledger", "append", "--payload", `{"amount":2}`, "alice")
	require.NoError(t, err)
	var resp struct {
		Status string   `json:"status"`
		Data   ir.Event `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, int64(2), resp.Data.Position.Seq)
	assert.Equal(t, ir.KindUserFundsDeposited, resp.Data.Kind)
	assert.Equal(t, []ir.AccountKey{"alice"}, resp.Data.Accounts)
	assert.JSONEq(t, `{"amount":2}`, string(resp.Data.Payload))
}

func TestLedgerAppend_InvalidPayload(t *testing.T) {
	cfg := writeTestConfig(t, t.TempDir())

	_, _, err := execute(t, "-c", cfg, "ledger", "append", "--payload", "{not json", "alice")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "not valid JSON")
}

func TestLedgerAppend_RequiresLocalMode(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "rpc.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("ledger:\n  mode: rpc\n"), 0644))

	_, _, err := execute(t, "-c", cfg, "ledger", "append", "alice")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "needs mode local")
}

// startLedgerServer serves the test config's local ledger on a random port.
func startLedgerServer(t *testing.T, cfg string) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	ready := make(chan string, 1)
	opts := &LedgerServeOptions{
		RootOptions: &RootOptions{Format: "text", ConfigPath: cfg},
		Addr:        "127.0.0.1:0",
		Ready:       ready,
	}
	cmd := &cobra.Command{}
	cmd.SetOut(&syncBuffer{})
	cmd.SetErr(&syncBuffer{})
	cmd.SetContext(ctx)

	done := make(chan error, 1)
	go func() { done <- runLedgerServe(opts, cmd) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	select {
	case addr := <-ready:
		return addr
	case err := <-done:
		t.Fatalf("ledger serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("ledger serve never became ready")
	}
	return ""
}

func TestLedgerServe_HistoricalQueries(t *testing.T) {
	cfg := writeTestConfig(t, t.TempDir())
	for _, account := range []string{"alice", "bob", "alice", "alice"} {
		_, _, err := execute(t, "-c", cfg, "ledger", "append", account)
		require.NoError(t, err)
	}

	addr := startLedgerServer(t, cfg)
	client := rpc.NewClient("http://"+addr, "")

	ctx := context.Background()
	page, err := client.FetchEventsSince(ctx, "alice", ir.Position{}, "", 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.Equal(t, int64(1), page.Events[0].Position.Seq)
	assert.Equal(t, int64(3), page.Events[1].Position.Seq)
	assert.False(t, page.AtTip)

	page, err = client.FetchEventsSince(ctx, "alice", ir.Position{}, page.NextPageToken, 2)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, int64(4), page.Events[0].Position.Seq)
	assert.True(t, page.AtTip)
}

func TestLedgerServe_WatchOverRPC(t *testing.T) {
	dir := t.TempDir()
	localCfg := writeTestConfig(t, dir)
	_, _, err := execute(t, "-c", localCfg, "ledger", "append", "alice")
	require.NoError(t, err)

	addr := startLedgerServer(t, localCfg)

	rpcCfg := filepath.Join(dir, "rpc.yaml")
	content := fmt.Sprintf(`ledger:
  mode: rpc
  rpc-url: "http://%s"
  ws-url: "ws://%s"
store:
  path: %q
log:
  output: stderr
`, addr, addr, filepath.Join(dir, "rpc-cursors.db"))
	require.NoError(t, os.WriteFile(rpcCfg, []byte(content), 0644))

	stdout, _, stop := startWatch(t, "-c", rpcCfg, "watch", "alice")
	waitFor(t, stdout, "END_OF_CATCHUP")

	_, _, err = execute(t, "-c", localCfg, "ledger", "append", "alice")
	require.NoError(t, err)
	waitFor(t, stdout, "LIVE 2 user_funds_deposited")

	require.NoError(t, stop())
	assert.Equal(t, "CATCHUP 1 user_funds_deposited\nEND_OF_CATCHUP\nLIVE 2 user_funds_deposited\n", stdout.String())
}
