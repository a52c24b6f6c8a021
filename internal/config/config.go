package config

import (
	_ "embed"
	"fmt"
	"time"

	"github.com/roach88/ledgersync/internal/engine"
)

//go:embed schema.cue
var schemaCUE string

// Config is a fully defaulted, validated configuration.
type Config struct {
	Ledger LedgerConfig
	Store  StoreConfig
	Engine engine.Config
	Log    LogConfig
}

// LedgerConfig selects the ledger the engine reads from.
type LedgerConfig struct {
	Mode         string // "local" or "rpc"
	RPCURL       string
	WSURL        string
	PollInterval time.Duration
	DBPath       string // event log for mode "local"
}

// StoreConfig selects the cursor store.
type StoreConfig struct {
	Driver        string // "sqlite", "postgres" or "redis"
	Path          string
	DSN           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level    string
	Format   string // "plain" or "json"
	Output   string // "stdout", "stderr" or "file"
	FilePath string
}

// document mirrors the schema's kebab-case layout for decoding.
type document struct {
	Ledger struct {
		Mode         string `json:"mode"`
		RPCURL       string `json:"rpc-url"`
		WSURL        string `json:"ws-url"`
		PollInterval string `json:"poll-interval"`
		DBPath       string `json:"db-path"`
	} `json:"ledger"`
	Store struct {
		Driver        string `json:"driver"`
		Path          string `json:"path"`
		DSN           string `json:"dsn"`
		RedisAddr     string `json:"redis-addr"`
		RedisPassword string `json:"redis-password"`
		RedisDB       int    `json:"redis-db"`
		RedisPrefix   string `json:"redis-prefix"`
	} `json:"store"`
	Synchronizer struct {
		HistoricalPageSize   int     `json:"historical-page-size"`
		HistoricalRetryLimit int     `json:"historical-retry-limit"`
		ReconnectLimit       int     `json:"reconnect-limit"`
		QueryTimeout         string  `json:"query-timeout"`
		HistoricalRateLimit  float64 `json:"historical-rate-limit"`
		MaxCatchupDepth      int     `json:"max-catchup-depth"`
		ReconnectBackoff     struct {
			Initial    string  `json:"initial"`
			Max        string  `json:"max"`
			Multiplier float64 `json:"multiplier"`
		} `json:"reconnect-backoff"`
	} `json:"synchronizer"`
	Channels struct {
		ChannelCapacity    int `json:"channel-capacity"`
		LiveBufferCapacity int `json:"live-buffer-capacity"`
		SubscriberBacklog  int `json:"subscriber-backlog"`
	} `json:"channels"`
	Log struct {
		Level    string `json:"level"`
		Format   string `json:"format"`
		Output   string `json:"output"`
		FilePath string `json:"file-path"`
	} `json:"log"`
}

// toConfig converts the decoded document. Durations were pattern-checked by
// the schema; parsing can still fail on overflow.
func (d *document) toConfig() (*Config, error) {
	var poll, query, initial, maxBackoff time.Duration

	for _, f := range []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"ledger.poll-interval", d.Ledger.PollInterval, &poll},
		{"synchronizer.query-timeout", d.Synchronizer.QueryTimeout, &query},
		{"synchronizer.reconnect-backoff.initial", d.Synchronizer.ReconnectBackoff.Initial, &initial},
		{"synchronizer.reconnect-backoff.max", d.Synchronizer.ReconnectBackoff.Max, &maxBackoff},
	} {
		v, err := time.ParseDuration(f.raw)
		if err != nil {
			return nil, &Error{Field: f.field, Message: err.Error()}
		}
		*f.dst = v
	}

	cfg := &Config{
		Ledger: LedgerConfig{
			Mode:         d.Ledger.Mode,
			RPCURL:       d.Ledger.RPCURL,
			WSURL:        d.Ledger.WSURL,
			PollInterval: poll,
			DBPath:       d.Ledger.DBPath,
		},
		Store: StoreConfig{
			Driver:        d.Store.Driver,
			Path:          d.Store.Path,
			DSN:           d.Store.DSN,
			RedisAddr:     d.Store.RedisAddr,
			RedisPassword: d.Store.RedisPassword,
			RedisDB:       d.Store.RedisDB,
			RedisPrefix:   d.Store.RedisPrefix,
		},
		Engine: engine.Config{
			HistoricalPageSize: d.Synchronizer.HistoricalPageSize,
			ChannelCapacity:    d.Channels.ChannelCapacity,
			LiveBufferCapacity: d.Channels.LiveBufferCapacity,
			SubscriberBacklog:  d.Channels.SubscriberBacklog,
			ReconnectBackoff: engine.BackoffConfig{
				Initial:    initial,
				Max:        maxBackoff,
				Multiplier: d.Synchronizer.ReconnectBackoff.Multiplier,
			},
			HistoricalRetryLimit: d.Synchronizer.HistoricalRetryLimit,
			ReconnectLimit:       d.Synchronizer.ReconnectLimit,
			QueryTimeout:         query,
			HistoricalRateLimit:  d.Synchronizer.HistoricalRateLimit,
			MaxCatchupDepth:      d.Synchronizer.MaxCatchupDepth,
		},
		Log: LogConfig{
			Level:    d.Log.Level,
			Format:   d.Log.Format,
			Output:   d.Log.Output,
			FilePath: d.Log.FilePath,
		},
	}

	// Cross-field rules CUE cannot express, e.g. backoff max >= initial
	if err := cfg.Engine.Validate(); err != nil {
		return nil, &Error{Field: "synchronizer", Message: err.Error()}
	}
	return cfg, nil
}

// Error is a configuration error, with a source position when CUE has one.
type Error struct {
	Field   string
	Message string
	Pos     string
}

func (e *Error) Error() string {
	if e.Pos != "" {
		return fmt.Sprintf("%s: %s: %s", e.Pos, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
