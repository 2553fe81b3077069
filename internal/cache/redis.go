package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

// RedisConfig describes the valkey/redis connection. Expiry, when positive,
// is applied to every key as housekeeping so abandoned entries age out of the
// server; validity is still decided from Entry.FetchedAt.
type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	TLS       RedisTLSConfig
	KeyPrefix string
	Expiry    time.Duration
}

type redisStore struct {
	client valkey.Client
	prefix string
	expiry time.Duration
}

// NewRedis dials the configured server and verifies it with PING.
func NewRedis(cfg RedisConfig) (Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &redisStore{client: client, prefix: cfg.KeyPrefix, expiry: cfg.Expiry}, nil
}

func (c *redisStore) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	resp := c.client.Do(ctx, c.client.B().Get().Key(c.prefix+key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis get bytes: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(payload, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return entry, true, nil
}

func (c *redisStore) Store(ctx context.Context, key string, entry Entry) error {
	entry.Key = key
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	set := c.client.B().Set().Key(c.prefix + key).Value(string(payload))
	var resp valkey.ValkeyResult
	if c.expiry > 0 {
		resp = c.client.Do(ctx, set.Px(c.expiry).Build())
	} else {
		resp = c.client.Do(ctx, set.Build())
	}
	if err := resp.Error(); err != nil {
		return fmt.Errorf("cache: redis set: %w", err)
	}
	return nil
}

// Size counts the keys under this store's prefix. Other tenants of the same
// database are not included.
func (c *redisStore) Size(ctx context.Context) (int64, error) {
	pattern := globEscaper.Replace(c.prefix) + "*"
	var (
		cursor uint64
		size   int64
	)
	for {
		entry, err := c.client.Do(ctx, c.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatch).Build()).AsScanEntry()
		if err != nil {
			return 0, fmt.Errorf("cache: redis scan: %w", err)
		}
		size += int64(len(entry.Elements))
		cursor = entry.Cursor
		if cursor == 0 {
			return size, nil
		}
	}
}

const scanBatch = 500

var globEscaper = strings.NewReplacer(`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`)

func (c *redisStore) Close(context.Context) error {
	c.client.Close()
	return nil
}
