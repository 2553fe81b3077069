package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cases := map[string]func(c *Config){
		"invalid port":          func(c *Config) { c.Server.Listen.Port = -1 },
		"negative cache ttl":    func(c *Config) { c.Server.Cache.TTLSeconds = -1 },
		"unknown backend":       func(c *Config) { c.Server.Cache.Backend = "memcached" },
		"redis without address": func(c *Config) { c.Server.Cache.Backend = "redis" },
		"missing base url":      func(c *Config) { c.Upstream.MarketData.BaseURL = " " },
		"zero attempts":         func(c *Config) { c.Upstream.Retry.MaxAttempts = 0 },
		"negative delay":        func(c *Config) { c.Upstream.Retry.BaseDelayMillis = -5 },
		"negative timeout":      func(c *Config) { c.Upstream.TimeoutSeconds = -1 },
		"negative rate limit":   func(c *Config) { c.Upstream.RateLimit.Burst = -1 },
		"negative safety ttl":   func(c *Config) { c.Safety.CacheTTLSeconds = -1 },
		"commit page too large": func(c *Config) { c.Safety.Developer.PerPage = 101 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			invalid := DefaultConfig()
			mutate(&invalid)
			require.Error(t, invalid.Validate())
		})
	}

	redis := DefaultConfig()
	redis.Server.Cache.Backend = "Redis"
	redis.Server.Cache.Redis.Address = "127.0.0.1:6379"
	require.NoError(t, redis.Validate())

	var nilCfg *Config
	require.Error(t, nilCfg.Validate())
}
