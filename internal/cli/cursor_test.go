package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgersync/internal/ir"
	"github.com/roach88/ledgersync/internal/store"
)

// seedCursors writes cursors straight into the configured sqlite store.
func seedCursors(t *testing.T, dir string, cursors map[ir.AccountKey]int64) {
	t.Helper()
	st, err := store.Open(filepath.Join(dir, "cursors.db"))
	require.NoError(t, err)
	defer st.Close()

	for account, seq := range cursors {
		_, err := st.AdvanceCursor(context.Background(), account, ir.Position{Seq: seq, ID: "id-" + string(account)})
		require.NoError(t, err)
	}
}

func TestCursorList(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir)

	out, _, err := execute(t, "-c", cfg, "cursor", "list")
	require.NoError(t, err)
	assert.Equal(t, "No cursors stored.\n", out)

	seedCursors(t, dir, map[ir.AccountKey]int64{"bob": 4, "alice": 9})

	out, _, err = execute(t, "-c", cfg, "cursor", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"ACCOUNT", "SEQ", "EVENT", "ID", "UPDATED"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"alice", "9", "id-alice"}, strings.Fields(lines[1])[:3])
	assert.Equal(t, []string{"bob", "4", "id-bob"}, strings.Fields(lines[2])[:3])

	out, _, err = execute(t, "-c", cfg, "--format", "json", "cursor", "list")
	require.NoError(t, err)
	var resp struct {
		Status string               `json:"status"`
		Data   []store.CursorRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, ir.AccountKey("alice"), resp.Data[0].Account)
	assert.Equal(t, int64(9), resp.Data[0].Position.Seq)
}

func TestCursorShow(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir)
	seedCursors(t, dir, map[ir.AccountKey]int64{"alice": 3})

	out, _, err := execute(t, "-c", cfg, "cursor", "show", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice: seq 3 id id-alice\n", out)

	out, _, err = execute(t, "-c", cfg, "cursor", "show", "carol")
	require.NoError(t, err)
	assert.Contains(t, out, "carol: no cursor")
}

func TestCursorReset(t *testing.T) {
	dir := t.TempDir()
	cfg := writeTestConfig(t, dir)
	seedCursors(t, dir, map[ir.AccountKey]int64{"alice": 3})

	out, _, err := execute(t, "-c", cfg, "cursor", "reset", "alice", "carol")
	require.NoError(t, err)
	assert.Equal(t, "alice: cursor reset\ncarol: no cursor stored\n", out)

	out, _, err = execute(t, "-c", cfg, "--format", "json", "cursor", "reset", "alice")
	require.NoError(t, err)
	var resp struct {
		Data map[string]bool `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, map[string]bool{"alice": false}, resp.Data)
}

func TestFormatCursorTable_TruncatesIDs(t *testing.T) {
	table := formatCursorTable([]store.CursorRecord{{
		Account:   "alice",
		Position:  ir.Position{Seq: 12, ID: "0123456789abcdef"},
		UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}})
	lines := strings.Split(table, "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"alice", "12", "0123456789ab", "2024-01-01T00:00:00Z"}, strings.Fields(lines[1]))
}
