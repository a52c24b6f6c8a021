package engine

import (
	"fmt"
	"time"
)

// BackoffConfig is an exponential backoff policy.
type BackoffConfig struct {
	Initial    time.Duration `json:"initial" yaml:"initial"`
	Max        time.Duration `json:"max" yaml:"max"`
	Multiplier float64       `json:"multiplier" yaml:"multiplier"`
}

// Config holds the engine's tunables.
type Config struct {
	// HistoricalPageSize is the page size requested from the ledger.
	HistoricalPageSize int

	// ChannelCapacity bounds the worker to synchronizer channels.
	ChannelCapacity int

	// LiveBufferCapacity bounds live events held while a catch-up pass runs.
	// Overflow discards the buffer and schedules a gap-check pass.
	LiveBufferCapacity int

	// SubscriberBacklog bounds envelopes queued per subscription.
	SubscriberBacklog int

	// ReconnectBackoff paces live reconnects and historical retries.
	ReconnectBackoff BackoffConfig

	// HistoricalRetryLimit is the number of attempts per historical query.
	HistoricalRetryLimit int

	// ReconnectLimit is the number of consecutive failed live connection
	// attempts before the account fails.
	ReconnectLimit int

	// QueryTimeout bounds every historical query and connection attempt.
	QueryTimeout time.Duration

	// HistoricalRateLimit caps historical queries per second across all
	// accounts. Zero disables the limit.
	HistoricalRateLimit float64

	// MaxCatchupDepth limits a fresh account (no cursor) to its most recent
	// N events. Zero replays everything.
	MaxCatchupDepth int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		HistoricalPageSize: 1000,
		ChannelCapacity:    128,
		LiveBufferCapacity: 1024,
		SubscriberBacklog:  4096,
		ReconnectBackoff: BackoffConfig{
			Initial:    200 * time.Millisecond,
			Max:        30 * time.Second,
			Multiplier: 2.0,
		},
		HistoricalRetryLimit: 5,
		ReconnectLimit:       10,
		QueryTimeout:         10 * time.Second,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.HistoricalPageSize <= 0:
		return fmt.Errorf("historical page size must be positive, got %d", c.HistoricalPageSize)
	case c.ChannelCapacity <= 0:
		return fmt.Errorf("channel capacity must be positive, got %d", c.ChannelCapacity)
	case c.LiveBufferCapacity <= 0:
		return fmt.Errorf("live buffer capacity must be positive, got %d", c.LiveBufferCapacity)
	case c.SubscriberBacklog <= 0:
		return fmt.Errorf("subscriber backlog must be positive, got %d", c.SubscriberBacklog)
	case c.HistoricalRetryLimit <= 0:
		return fmt.Errorf("historical retry limit must be positive, got %d", c.HistoricalRetryLimit)
	case c.ReconnectLimit <= 0:
		return fmt.Errorf("reconnect limit must be positive, got %d", c.ReconnectLimit)
	case c.QueryTimeout <= 0:
		return fmt.Errorf("query timeout must be positive, got %s", c.QueryTimeout)
	case c.HistoricalRateLimit < 0:
		return fmt.Errorf("historical rate limit must not be negative, got %v", c.HistoricalRateLimit)
	case c.MaxCatchupDepth < 0:
		return fmt.Errorf("max catch-up depth must not be negative, got %d", c.MaxCatchupDepth)
	}
	return c.ReconnectBackoff.validate()
}

func (b BackoffConfig) validate() error {
	switch {
	case b.Initial <= 0:
		return fmt.Errorf("backoff initial must be positive, got %s", b.Initial)
	case b.Max < b.Initial:
		return fmt.Errorf("backoff max %s is below initial %s", b.Max, b.Initial)
	case b.Multiplier < 1:
		return fmt.Errorf("backoff multiplier must be at least 1, got %v", b.Multiplier)
	}
	return nil
}
