package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgersync/internal/engine"
)

func TestDefault_MatchesEngineDefaults(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, engine.DefaultConfig(), cfg.Engine)
	assert.Equal(t, "local", cfg.Ledger.Mode)
	assert.Equal(t, 3*time.Second, cfg.Ledger.PollInterval)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "./ledgersync.db", cfg.Store.Path)
	assert.Equal(t, "ledgersync", cfg.Store.RedisPrefix)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "plain", cfg.Log.Format)
	assert.Equal(t, "stdout", cfg.Log.Output)
}

func TestParse_YAML(t *testing.T) {
	data := []byte(`
ledger:
  mode: rpc
  rpc-url: http://ledger:8899
  ws-url: ws://ledger:8900
store:
  driver: postgres
  dsn: postgres://u:p@db/ledgersync
synchronizer:
  historical-page-size: 250
  query-timeout: 2s
  historical-rate-limit: 12.5
  reconnect-backoff:
    initial: 50ms
    max: 5s
    multiplier: 3
channels:
  subscriber-backlog: 64
log:
  level: debug
  format: json
`)
	cfg, err := Parse(data, FormatYAML, "ledgersync.yaml")
	require.NoError(t, err)

	assert.Equal(t, "rpc", cfg.Ledger.Mode)
	assert.Equal(t, "http://ledger:8899", cfg.Ledger.RPCURL)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://u:p@db/ledgersync", cfg.Store.DSN)
	assert.Equal(t, 250, cfg.Engine.HistoricalPageSize)
	assert.Equal(t, 2*time.Second, cfg.Engine.QueryTimeout)
	assert.Equal(t, 12.5, cfg.Engine.HistoricalRateLimit)
	assert.Equal(t, engine.BackoffConfig{Initial: 50 * time.Millisecond, Max: 5 * time.Second, Multiplier: 3}, cfg.Engine.ReconnectBackoff)
	assert.Equal(t, 64, cfg.Engine.SubscriberBacklog)
	assert.Equal(t, 128, cfg.Engine.ChannelCapacity, "unset fields keep defaults")
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestParse_TOML(t *testing.T) {
	data := []byte(`
[store]
driver = "redis"
redis-addr = "cache:6379"
redis-db = 2

[synchronizer]
max-catchup-depth = 500

[channels]
live-buffer-capacity = 16
`)
	cfg, err := Parse(data, FormatTOML, "ledgersync.toml")
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, "cache:6379", cfg.Store.RedisAddr)
	assert.Equal(t, 2, cfg.Store.RedisDB)
	assert.Equal(t, 500, cfg.Engine.MaxCatchupDepth)
	assert.Equal(t, 16, cfg.Engine.LiveBufferCapacity)
}

func TestParse_CUE(t *testing.T) {
	data := []byte(`
ledger: "poll-interval": "250ms"
synchronizer: "historical-retry-limit": 9
`)
	cfg, err := Parse(data, FormatCUE, "ledgersync.cue")
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Ledger.PollInterval)
	assert.Equal(t, 9, cfg.Engine.HistoricalRetryLimit)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		errMsg string
	}{
		{"unknown section", "metrics:\n  enabled: true\n", "metrics"},
		{"unknown key", "store:\n  engine: sqlite\n", "engine"},
		{"bad mode", "ledger:\n  mode: grpc\n", "mode"},
		{"zero page size", "synchronizer:\n  historical-page-size: 0\n", "historical-page-size"},
		{"bad duration", "synchronizer:\n  query-timeout: soon\n", "query-timeout"},
		{"postgres without dsn", "store:\n  driver: postgres\n", "dsn"},
		{"file log without path", "log:\n  output: file\n", "file-path"},
		{"backoff max below initial", "synchronizer:\n  reconnect-backoff:\n    initial: 10s\n    max: 1s\n", "below initial"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), FormatYAML, "bad.yaml")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestParse_MalformedInput(t *testing.T) {
	_, err := Parse([]byte("ledger: [unclosed"), FormatYAML, "x.yaml")
	assert.ErrorContains(t, err, "parse yaml")

	_, err = Parse([]byte("[store\n"), FormatTOML, "x.toml")
	assert.ErrorContains(t, err, "parse toml")
}

func TestLoad_ByExtension(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "cfg.yml")
	require.NoError(t, os.WriteFile(yamlPath, []byte("channels:\n  channel-capacity: 7\n"), 0o644))
	cfg, err := Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Engine.ChannelCapacity)

	tomlPath := filepath.Join(dir, "cfg.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("[channels]\nchannel-capacity = 9\n"), 0o644))
	cfg, err = Load(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Engine.ChannelCapacity)

	_, err = Load(filepath.Join(dir, "cfg.json"))
	assert.ErrorContains(t, err, "unsupported config file")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "read config")
}

func TestLogConfig_NewLogger(t *testing.T) {
	var stdout, stderr bytes.Buffer

	logger, closer, err := LogConfig{Level: "warn", Format: "json", Output: "stderr"}.NewLogger(&stdout, &stderr, false)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("hidden")
	logger.Warn("shown", "account", "A")
	assert.Empty(t, stdout.String())
	assert.NotContains(t, stderr.String(), "hidden")
	assert.Contains(t, stderr.String(), `"account":"A"`)
}

func TestLogConfig_VerboseForcesDebug(t *testing.T) {
	var stdout bytes.Buffer

	logger, _, err := LogConfig{Level: "error", Format: "plain", Output: "stdout"}.NewLogger(&stdout, nil, true)
	require.NoError(t, err)

	logger.Debug("detail")
	assert.Contains(t, stdout.String(), "level=DEBUG")
}

func TestLogConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgersync.log")

	logger, closer, err := LogConfig{Level: "info", Format: "plain", Output: "file", FilePath: path}.NewLogger(nil, nil, false)
	require.NoError(t, err)
	logger.Info("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestLogConfig_Invalid(t *testing.T) {
	_, _, err := LogConfig{Level: "loud"}.NewLogger(nil, nil, false)
	assert.Error(t, err)

	_, _, err = LogConfig{Level: "info", Format: "xml"}.NewLogger(nil, nil, false)
	assert.ErrorContains(t, err, "log format")
}
