package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreLookupStore(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	_, ok, err := store.Lookup(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	fetchedAt := time.Now().UTC()
	payload := json.RawMessage(`{"id":"bitcoin"}`)
	require.NoError(t, store.Store(ctx, "/coins/bitcoin", Entry{Payload: payload, FetchedAt: fetchedAt}))
	payload[2] = 'X'

	got, ok, err := store.Lookup(ctx, "/coins/bitcoin")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/coins/bitcoin", got.Key)
	require.JSONEq(t, `{"id":"bitcoin"}`, string(got.Payload), "store must copy the payload")
	require.Equal(t, fetchedAt, got.FetchedAt)

	size, err := store.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), size)
	require.NoError(t, store.Close(ctx))
}

func TestMemoryStoreKeepsStaleEntries(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.Store(ctx, "k", Entry{Payload: json.RawMessage(`1`), FetchedAt: old}))

	got, ok, err := store.Lookup(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, old, got.FetchedAt)
}

func TestRedisStoreLookupStore(t *testing.T) {
	server := miniredis.RunT(t)

	store, err := NewRedis(RedisConfig{Address: server.Addr(), KeyPrefix: "coinscope:test:", Expiry: 500 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	fetchedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Store(ctx, "/coins/markets?vs_currency=usd", Entry{
		Payload:   json.RawMessage(`[{"id":"bitcoin"}]`),
		FetchedAt: fetchedAt,
	}))
	require.True(t, server.Exists("coinscope:test:/coins/markets?vs_currency=usd"))

	got, ok, err := store.Lookup(ctx, "/coins/markets?vs_currency=usd")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `[{"id":"bitcoin"}]`, string(got.Payload))
	require.True(t, fetchedAt.Equal(got.FetchedAt))

	server.FastForward(time.Second)
	_, ok, err = store.Lookup(ctx, "/coins/markets?vs_currency=usd")
	require.NoError(t, err)
	require.False(t, ok)

	size, err := store.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size)
	require.NoError(t, store.Close(ctx))
}

func TestRedisStoreSizeCountsOwnPrefix(t *testing.T) {
	server := miniredis.RunT(t)
	ctx := context.Background()

	proxy, err := NewRedis(RedisConfig{Address: server.Addr(), KeyPrefix: "coinscope:v1:proxy:"})
	require.NoError(t, err)
	defer func() { _ = proxy.Close(ctx) }()
	safety, err := NewRedis(RedisConfig{Address: server.Addr(), KeyPrefix: "coinscope:v1:safety:"})
	require.NoError(t, err)
	defer func() { _ = safety.Close(ctx) }()

	entry := Entry{Payload: json.RawMessage(`{}`), FetchedAt: time.Now()}
	for _, key := range []string{"simple/price", "coins/markets", "coins/bitcoin"} {
		require.NoError(t, proxy.Store(ctx, key, entry))
	}
	require.NoError(t, safety.Store(ctx, "https://api.example/coins/uniswap", entry))
	require.NoError(t, server.Set("unrelated", "x"))

	size, err := proxy.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), size)

	size, err = safety.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), size)
}

func TestRedisStoreWithoutExpiryPersists(t *testing.T) {
	server := miniredis.RunT(t)
	store, err := NewRedis(RedisConfig{Address: server.Addr()})
	require.NoError(t, err)
	defer func() { _ = store.Close(context.Background()) }()
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, "k", Entry{Payload: json.RawMessage(`{}`), FetchedAt: time.Now()}))
	require.Zero(t, server.TTL("k"))
	server.FastForward(time.Hour)
	_, ok, err := store.Lookup(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisStoreCorruptPayload(t *testing.T) {
	server := miniredis.RunT(t)
	store, err := NewRedis(RedisConfig{Address: server.Addr()})
	require.NoError(t, err)
	defer func() { _ = store.Close(context.Background()) }()

	require.NoError(t, server.Set("k", "not-json"))
	_, ok, err := store.Lookup(context.Background(), "k")
	require.Error(t, err)
	require.False(t, ok)
}

func TestNewRedisValidation(t *testing.T) {
	_, err := NewRedis(RedisConfig{})
	require.Error(t, err)

	_, err = NewRedis(RedisConfig{Address: "127.0.0.1:1", TLS: RedisTLSConfig{Enabled: true, CAFile: t.TempDir() + "/missing.pem"}})
	require.Error(t, err)
}

func TestResponseCacheOverRedis(t *testing.T) {
	server := miniredis.RunT(t)
	store, err := NewRedis(RedisConfig{Address: server.Addr(), Expiry: time.Minute})
	require.NoError(t, err)
	clock := newFakeClock()
	rc := NewResponseCache(Options{Name: "proxy", Store: store, TTL: time.Minute, Clock: clock})
	defer func() { _ = rc.Close(context.Background()) }()
	fetch := &countingFetch{payload: `{"ok":true}`}

	for i := 0; i < 3; i++ {
		_, err := rc.GetOrFetch(context.Background(), "k", fetch.Fetch)
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), fetch.calls.Load())

	clock.Advance(2 * time.Minute)
	_, err = rc.GetOrFetch(context.Background(), "k", fetch.Fetch)
	require.NoError(t, err)
	require.Equal(t, int32(2), fetch.calls.Load())
}
