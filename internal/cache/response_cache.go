package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/l0p7/coinscope/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// FetchFunc produces a fresh payload on a cache miss.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// Options configures a ResponseCache.
type Options struct {
	// Name labels log lines and metrics ("proxy", "safety").
	Name  string
	Store Store
	// TTL of zero or less keeps entries valid forever.
	TTL   time.Duration
	Clock Clock
	// Coalesce shares one in-flight fetch between concurrent misses on a key.
	Coalesce bool
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// ResponseCache is a read-through cache in front of upstream fetches.
type ResponseCache struct {
	name     string
	store    Store
	ttl      time.Duration
	clock    Clock
	coalesce bool
	group    singleflight.Group
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// NewResponseCache wires a ResponseCache. A nil Store falls back to memory.
func NewResponseCache(opts Options) *ResponseCache {
	store := opts.Store
	if store == nil {
		store = NewMemory()
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock
	}
	name := opts.Name
	if name == "" {
		name = "default"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ResponseCache{
		name:     name,
		store:    store,
		ttl:      opts.TTL,
		clock:    clock,
		coalesce: opts.Coalesce,
		logger:   logger.With(slog.String("agent", "response_cache"), slog.String("cache", name)),
		metrics:  opts.Metrics,
	}
}

// Name reports the label used in logs and metrics.
func (c *ResponseCache) Name() string { return c.name }

// TTL reports the configured validity window.
func (c *ResponseCache) TTL() time.Duration { return c.ttl }

// Size reports how many entries the backing store holds for this cache.
func (c *ResponseCache) Size(ctx context.Context) (int64, error) {
	return c.store.Size(ctx)
}

// Close releases the backing store.
func (c *ResponseCache) Close(ctx context.Context) error {
	return c.store.Close(ctx)
}

// GetOrFetch returns the cached payload for key while it is valid, otherwise
// calls fetch, stores the result and returns it. Fetch errors are returned
// unchanged and leave the store untouched.
func (c *ResponseCache) GetOrFetch(ctx context.Context, key string, fetch FetchFunc) (json.RawMessage, error) {
	if fetch == nil {
		return nil, errors.New("cache: fetch function required")
	}
	if payload, ok := c.lookup(ctx, key); ok {
		return payload, nil
	}
	if !c.coalesce {
		return c.fill(ctx, key, fetch)
	}
	value, err, _ := c.group.Do(key, func() (any, error) {
		return c.fill(ctx, key, fetch)
	})
	if err != nil {
		return nil, err
	}
	return value.(json.RawMessage), nil
}

func (c *ResponseCache) lookup(ctx context.Context, key string) (json.RawMessage, bool) {
	start := time.Now()
	entry, ok, err := c.store.Lookup(ctx, key)
	switch {
	case err != nil:
		c.metrics.ObserveCacheLookup(c.name, metrics.CacheLookupError, time.Since(start))
		c.logger.Warn("cache lookup failed", slog.String("key", key), slog.Any("error", err))
		return nil, false
	case !ok || !c.valid(entry):
		c.metrics.ObserveCacheLookup(c.name, metrics.CacheLookupMiss, time.Since(start))
		return nil, false
	}
	c.metrics.ObserveCacheLookup(c.name, metrics.CacheLookupHit, time.Since(start))
	c.logger.Debug("cache hit", slog.String("key", key), slog.Time("fetched_at", entry.FetchedAt))
	return entry.Payload, true
}

func (c *ResponseCache) valid(entry Entry) bool {
	if c.ttl <= 0 {
		return true
	}
	return c.clock.Now().Sub(entry.FetchedAt) < c.ttl
}

func (c *ResponseCache) fill(ctx context.Context, key string, fetch FetchFunc) (json.RawMessage, error) {
	payload, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	entry := Entry{Key: key, Payload: payload, FetchedAt: c.clock.Now()}
	if err := c.store.Store(ctx, key, entry); err != nil {
		c.metrics.ObserveCacheStore(c.name, metrics.CacheStoreError, time.Since(start))
		c.logger.Warn("cache store failed", slog.String("key", key), slog.Any("error", err))
		return payload, nil
	}
	c.metrics.ObserveCacheStore(c.name, metrics.CacheStoreStored, time.Since(start))
	return payload, nil
}
