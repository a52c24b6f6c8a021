package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1000, cfg.HistoricalPageSize)
	assert.Equal(t, 128, cfg.ChannelCapacity)
	assert.Equal(t, 5, cfg.HistoricalRetryLimit)
	assert.Equal(t, 200*time.Millisecond, cfg.ReconnectBackoff.Initial)
	assert.Equal(t, 30*time.Second, cfg.ReconnectBackoff.Max)
	assert.Equal(t, 2.0, cfg.ReconnectBackoff.Multiplier)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"zero page size", func(c *Config) { c.HistoricalPageSize = 0 }, "historical page size"},
		{"zero channel capacity", func(c *Config) { c.ChannelCapacity = 0 }, "channel capacity"},
		{"zero live buffer", func(c *Config) { c.LiveBufferCapacity = 0 }, "live buffer capacity"},
		{"zero backlog", func(c *Config) { c.SubscriberBacklog = 0 }, "subscriber backlog"},
		{"zero retry limit", func(c *Config) { c.HistoricalRetryLimit = 0 }, "historical retry limit"},
		{"zero reconnect limit", func(c *Config) { c.ReconnectLimit = 0 }, "reconnect limit"},
		{"zero query timeout", func(c *Config) { c.QueryTimeout = 0 }, "query timeout"},
		{"negative rate", func(c *Config) { c.HistoricalRateLimit = -1 }, "rate limit"},
		{"negative depth", func(c *Config) { c.MaxCatchupDepth = -1 }, "catch-up depth"},
		{"zero backoff", func(c *Config) { c.ReconnectBackoff.Initial = 0 }, "backoff initial"},
		{"max below initial", func(c *Config) { c.ReconnectBackoff.Max = time.Millisecond }, "below initial"},
		{"shrinking multiplier", func(c *Config) { c.ReconnectBackoff.Multiplier = 0.5 }, "multiplier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestBackoff_Delay(t *testing.T) {
	b := BackoffConfig{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, b.Delay(0))
	assert.Equal(t, 200*time.Millisecond, b.Delay(1))
	assert.Equal(t, 400*time.Millisecond, b.Delay(2))
	assert.Equal(t, 800*time.Millisecond, b.Delay(3))
	assert.Equal(t, time.Second, b.Delay(4), "capped at max")
	assert.Equal(t, time.Second, b.Delay(1000), "huge attempts stay capped")
}

func TestBackoff_DelayConstantMultiplier(t *testing.T) {
	b := BackoffConfig{Initial: 50 * time.Millisecond, Max: time.Second, Multiplier: 1}
	assert.Equal(t, 50*time.Millisecond, b.Delay(10))
}
