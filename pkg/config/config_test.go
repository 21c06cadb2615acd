package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	cfg := &Config{}
	cfg.Session.TTL = 20 * time.Minute
	cfg.Session.WindowCap = 1000
	cfg.Session.FlushThreshold = 900
	cfg.Session.RetryAttempts = 3
	cfg.Session.RetryBackoff = time.Second
	cfg.Session.MaxMessageBytes = 16 << 10
	cfg.Session.PresenceTTL = 2 * time.Minute
	cfg.Sync.Interval = 30 * time.Second
	cfg.Sync.BatchSize = 100
	cfg.WS.MaxRoomsPerConnection = 10
	cfg.WS.RateWindow = time.Minute
	cfg.WS.SendLimit = 10
	cfg.WS.TypingLimit = 30
	cfg.WS.JoinLimit = 5
	cfg.WS.PresenceLimit = 20
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero ttl", func(c *Config) { c.Session.TTL = 0 }},
		{"zero window cap", func(c *Config) { c.Session.WindowCap = 0 }},
		{"zero flush threshold", func(c *Config) { c.Session.FlushThreshold = 0 }},
		{"threshold above cap", func(c *Config) { c.Session.FlushThreshold = c.Session.WindowCap + 1 }},
		{"zero retry attempts", func(c *Config) { c.Session.RetryAttempts = 0 }},
		{"negative backoff", func(c *Config) { c.Session.RetryBackoff = -time.Second }},
		{"zero max message bytes", func(c *Config) { c.Session.MaxMessageBytes = 0 }},
		{"zero sync interval", func(c *Config) { c.Sync.Interval = 0 }},
		{"zero batch size", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"batch size above cap", func(c *Config) { c.Sync.BatchSize = c.Session.WindowCap + 1 }},
		{"zero max rooms", func(c *Config) { c.WS.MaxRoomsPerConnection = 0 }},
		{"zero rate window", func(c *Config) { c.WS.RateWindow = 0 }},
		{"zero send limit", func(c *Config) { c.WS.SendLimit = 0 }},
		{"zero typing limit", func(c *Config) { c.WS.TypingLimit = 0 }},
		{"zero join limit", func(c *Config) { c.WS.JoinLimit = 0 }},
		{"zero presence limit", func(c *Config) { c.WS.PresenceLimit = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
