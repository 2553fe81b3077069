package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the upstream and scoring knobs.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Safety   SafetyConfig   `koanf:"safety"`
	Explorer ExplorerConfig `koanf:"explorer"`
	Analysis AnalysisConfig `koanf:"analysis"`
}

// ServerConfig collects the bootstrap knobs owned by the lifecycle agent.
type ServerConfig struct {
	Listen  ListenConfig      `koanf:"listen"`
	Logging LoggingConfig     `koanf:"logging"`
	Cache   ServerCacheConfig `koanf:"cache"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// ServerCacheConfig governs the proxy response cache. TTLSeconds of zero keeps
// entries valid for the life of the process. KeyPrefix is shared by both
// caches; each appends its own name ("proxy:", "safety:").
type ServerCacheConfig struct {
	Backend    string                 `koanf:"backend"`
	TTLSeconds int                    `koanf:"ttlSeconds"`
	Coalesce   bool                   `koanf:"coalesce"`
	KeyPrefix  string                 `koanf:"keyPrefix"`
	Redis      ServerRedisCacheConfig `koanf:"redis"`
}

type ServerRedisCacheConfig struct {
	Address  string               `koanf:"address"`
	Username string               `koanf:"username"`
	Password string               `koanf:"password"`
	DB       int                  `koanf:"db"`
	TLS      ServerRedisTLSConfig `koanf:"tls"`
}

type ServerRedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// UpstreamConfig describes the market-data API and how the retry fetcher talks to it.
type UpstreamConfig struct {
	MarketData     MarketDataConfig `koanf:"marketData"`
	Retry          RetryConfig      `koanf:"retry"`
	TimeoutSeconds int              `koanf:"timeoutSeconds"`
	RateLimit      RateLimitConfig  `koanf:"rateLimit"`
}

type MarketDataConfig struct {
	BaseURL      string `koanf:"baseURL"`
	APIKey       string `koanf:"apiKey"`
	APIKeyHeader string `koanf:"apiKeyHeader"`
}

type RetryConfig struct {
	MaxAttempts     int `koanf:"maxAttempts"`
	BaseDelayMillis int `koanf:"baseDelayMillis"`
}

// RateLimitConfig caps outbound requests. Zero disables the limiter.
type RateLimitConfig struct {
	RequestsPerMinute int `koanf:"requestsPerMinute"`
	Burst             int `koanf:"burst"`
}

// SafetyConfig carries the sources consulted by the safety score aggregator.
type SafetyConfig struct {
	CacheTTLSeconds int                   `koanf:"cacheTTLSeconds"`
	Liquidity       SafetyLiquidityConfig `koanf:"liquidity"`
	Developer       SafetyDeveloperConfig `koanf:"developer"`
}

type SafetyLiquidityConfig struct {
	GraphURL      string `koanf:"graphURL"`
	QueryTemplate string `koanf:"queryTemplate"`
}

type SafetyDeveloperConfig struct {
	APIURL   string `koanf:"apiURL"`
	TokenEnv string `koanf:"tokenEnv"`
	PerPage  int    `koanf:"perPage"`
}

// ExplorerConfig points at an etherscan-compatible explorer API.
type ExplorerConfig struct {
	BaseURL     string `koanf:"baseURL"`
	APIKey      string `koanf:"apiKey"`
	LockAddress string `koanf:"lockAddress"`
}

// AnalysisConfig names the optional file of extra contract checks.
type AnalysisConfig struct {
	ChecksFile string `koanf:"checksFile"`
}

// CacheTTL converts the configured seconds into a duration.
func (c ServerCacheConfig) CacheTTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// BaseDelay converts the configured milliseconds into a duration.
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMillis) * time.Millisecond
}

// Timeout returns the outbound HTTP client timeout.
func (c UpstreamConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheTTL converts the aggregator cache seconds into a duration.
func (c SafetyConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Cache.TTLSeconds < 0 {
		return fmt.Errorf("config: server.cache.ttlSeconds invalid: %d", c.Server.Cache.TTLSeconds)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Server.Cache.Redis.Address) == "" {
			return errors.New("config: server.cache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	if strings.TrimSpace(c.Upstream.MarketData.BaseURL) == "" {
		return errors.New("config: upstream.marketData.baseURL required")
	}
	if c.Upstream.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: upstream.retry.maxAttempts invalid: %d", c.Upstream.Retry.MaxAttempts)
	}
	if c.Upstream.Retry.BaseDelayMillis < 0 {
		return fmt.Errorf("config: upstream.retry.baseDelayMillis invalid: %d", c.Upstream.Retry.BaseDelayMillis)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("config: upstream.timeoutSeconds invalid: %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.RateLimit.RequestsPerMinute < 0 || c.Upstream.RateLimit.Burst < 0 {
		return errors.New("config: upstream.rateLimit values must not be negative")
	}
	if c.Safety.CacheTTLSeconds < 0 {
		return fmt.Errorf("config: safety.cacheTTLSeconds invalid: %d", c.Safety.CacheTTLSeconds)
	}
	if c.Safety.Developer.PerPage < 0 || c.Safety.Developer.PerPage > 100 {
		return fmt.Errorf("config: safety.developer.perPage invalid: %d", c.Safety.Developer.PerPage)
	}
	return nil
}

// DefaultConfig returns the baseline values the dashboard has always run with.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    5001,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Cache: ServerCacheConfig{
				Backend:    "memory",
				TTLSeconds: 60,
				KeyPrefix:  "coinscope:v1:",
			},
		},
		Upstream: UpstreamConfig{
			MarketData: MarketDataConfig{
				BaseURL:      "https://api.coingecko.com/api/v3",
				APIKeyHeader: "x-cg-demo-api-key",
			},
			Retry: RetryConfig{
				MaxAttempts:     3,
				BaseDelayMillis: 1000,
			},
			TimeoutSeconds: 30,
		},
		Safety: SafetyConfig{
			Liquidity: SafetyLiquidityConfig{
				GraphURL: "https://api.thegraph.com/subgraphs/name/uniswap/uniswap-v3",
			},
			Developer: SafetyDeveloperConfig{
				APIURL:   "https://api.github.com/",
				TokenEnv: "GITHUB_TOKEN",
				PerPage:  100,
			},
		},
		Explorer: ExplorerConfig{
			BaseURL: "https://api.etherscan.io/api",
		},
	}
}
