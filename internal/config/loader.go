package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence rules.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}
	// Every known key is present once defaults load, so env names can be mapped
	// back onto their camelCase spelling.
	canonical := make(map[string]string, len(k.Keys()))
	for _, key := range k.Keys() {
		canonical[strings.ToLower(key)] = key
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			lower = strings.ReplaceAll(lower, "_", "")
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			return lower
		}
		if err := k.Load(env.Provider(l.envPrefix+"_", ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported file extension %s", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"cache": map[string]any{
				"backend":    cfg.Server.Cache.Backend,
				"ttlSeconds": cfg.Server.Cache.TTLSeconds,
				"coalesce":   cfg.Server.Cache.Coalesce,
				"keyPrefix":  cfg.Server.Cache.KeyPrefix,
				"redis": map[string]any{
					"address":  cfg.Server.Cache.Redis.Address,
					"username": cfg.Server.Cache.Redis.Username,
					"password": cfg.Server.Cache.Redis.Password,
					"db":       cfg.Server.Cache.Redis.DB,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Redis.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Redis.TLS.CAFile,
					},
				},
			},
		},
		"upstream": map[string]any{
			"marketData": map[string]any{
				"baseURL":      cfg.Upstream.MarketData.BaseURL,
				"apiKey":       cfg.Upstream.MarketData.APIKey,
				"apiKeyHeader": cfg.Upstream.MarketData.APIKeyHeader,
			},
			"retry": map[string]any{
				"maxAttempts":     cfg.Upstream.Retry.MaxAttempts,
				"baseDelayMillis": cfg.Upstream.Retry.BaseDelayMillis,
			},
			"timeoutSeconds": cfg.Upstream.TimeoutSeconds,
			"rateLimit": map[string]any{
				"requestsPerMinute": cfg.Upstream.RateLimit.RequestsPerMinute,
				"burst":             cfg.Upstream.RateLimit.Burst,
			},
		},
		"safety": map[string]any{
			"cacheTTLSeconds": cfg.Safety.CacheTTLSeconds,
			"liquidity": map[string]any{
				"graphURL":      cfg.Safety.Liquidity.GraphURL,
				"queryTemplate": cfg.Safety.Liquidity.QueryTemplate,
			},
			"developer": map[string]any{
				"apiURL":   cfg.Safety.Developer.APIURL,
				"tokenEnv": cfg.Safety.Developer.TokenEnv,
				"perPage":  cfg.Safety.Developer.PerPage,
			},
		},
		"explorer": map[string]any{
			"baseURL":     cfg.Explorer.BaseURL,
			"apiKey":      cfg.Explorer.APIKey,
			"lockAddress": cfg.Explorer.LockAddress,
		},
		"analysis": map[string]any{
			"checksFile": cfg.Analysis.ChecksFile,
		},
	}
}
