package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/l0p7/coinscope/internal/metrics"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingFetch struct {
	calls   atomic.Int32
	payload string
	err     error
}

func (f *countingFetch) Fetch(context.Context) (json.RawMessage, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(f.payload), nil
}

func TestResponseCacheTTLWindow(t *testing.T) {
	clock := newFakeClock()
	rc := NewResponseCache(Options{Name: "proxy", TTL: 60 * time.Second, Clock: clock})
	ctx := context.Background()
	fetch := &countingFetch{payload: `{"bitcoin":{"usd":64000}}`}

	got, err := rc.GetOrFetch(ctx, "/simple/price?ids=bitcoin", fetch.Fetch)
	require.NoError(t, err)
	require.JSONEq(t, fetch.payload, string(got))
	require.Equal(t, int32(1), fetch.calls.Load())

	clock.Advance(30 * time.Second)
	got, err = rc.GetOrFetch(ctx, "/simple/price?ids=bitcoin", fetch.Fetch)
	require.NoError(t, err)
	require.JSONEq(t, fetch.payload, string(got))
	require.Equal(t, int32(1), fetch.calls.Load(), "entry inside the ttl must be served from cache")

	clock.Advance(40 * time.Second)
	_, err = rc.GetOrFetch(ctx, "/simple/price?ids=bitcoin", fetch.Fetch)
	require.NoError(t, err)
	require.Equal(t, int32(2), fetch.calls.Load(), "entry older than the ttl must be refetched")
}

func TestResponseCacheExpiresExactlyAtTTL(t *testing.T) {
	clock := newFakeClock()
	rc := NewResponseCache(Options{TTL: time.Minute, Clock: clock})
	fetch := &countingFetch{payload: `[]`}

	_, err := rc.GetOrFetch(context.Background(), "k", fetch.Fetch)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = rc.GetOrFetch(context.Background(), "k", fetch.Fetch)
	require.NoError(t, err)
	require.Equal(t, int32(2), fetch.calls.Load())
}

func TestResponseCacheZeroTTLNeverExpires(t *testing.T) {
	clock := newFakeClock()
	rc := NewResponseCache(Options{Name: "safety", Clock: clock})
	fetch := &countingFetch{payload: `{"id":"bitcoin"}`}

	for i := 0; i < 5; i++ {
		_, err := rc.GetOrFetch(context.Background(), "https://api.coingecko.com/api/v3/coins/bitcoin", fetch.Fetch)
		require.NoError(t, err)
		clock.Advance(24 * time.Hour)
	}
	require.Equal(t, int32(1), fetch.calls.Load())
}

func TestResponseCacheFetchErrorStoresNothing(t *testing.T) {
	rc := NewResponseCache(Options{TTL: time.Minute, Clock: newFakeClock()})
	ctx := context.Background()
	boom := errors.New("upstream down")
	failing := &countingFetch{err: boom}

	_, err := rc.GetOrFetch(ctx, "k", failing.Fetch)
	require.ErrorIs(t, err, boom)
	size, err := rc.Size(ctx)
	require.NoError(t, err)
	require.Zero(t, size)

	ok := &countingFetch{payload: `{"ok":true}`}
	got, err := rc.GetOrFetch(ctx, "k", ok.Fetch)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(got))
	require.Equal(t, int32(1), ok.calls.Load())
}

func TestResponseCacheRefreshOverwrites(t *testing.T) {
	clock := newFakeClock()
	store := NewMemory()
	rc := NewResponseCache(Options{TTL: time.Second, Clock: clock, Store: store})
	ctx := context.Background()

	_, err := rc.GetOrFetch(ctx, "k", (&countingFetch{payload: `1`}).Fetch)
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	got, err := rc.GetOrFetch(ctx, "k", (&countingFetch{payload: `2`}).Fetch)
	require.NoError(t, err)
	require.Equal(t, "2", string(got))

	entry, ok, err := store.Lookup(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "2", string(entry.Payload))
	require.Equal(t, clock.Now(), entry.FetchedAt)
	size, err := store.Size(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), size)
}

type brokenStore struct {
	lookupErr error
	storeErr  error
}

func (s brokenStore) Lookup(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, s.lookupErr
}

func (s brokenStore) Store(context.Context, string, Entry) error { return s.storeErr }

func (brokenStore) Size(context.Context) (int64, error) { return 0, nil }

func (brokenStore) Close(context.Context) error { return nil }

func TestResponseCacheStoreFailuresDegradeToFetch(t *testing.T) {
	rec := metrics.NewRecorder(nil)
	rc := NewResponseCache(Options{
		Name:    "proxy",
		Store:   brokenStore{lookupErr: errors.New("conn reset"), storeErr: errors.New("readonly")},
		TTL:     time.Minute,
		Metrics: rec,
	})
	fetch := &countingFetch{payload: `{"v":1}`}

	got, err := rc.GetOrFetch(context.Background(), "k", fetch.Fetch)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(got))
	require.Equal(t, int32(1), fetch.calls.Load())

	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	seen := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "coinscope_cache_operations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			seen[labels["operation"]+"/"+labels["result"]] += m.GetCounter().GetValue()
		}
	}
	require.Equal(t, map[string]float64{"lookup/error": 1, "store/error": 1}, seen)
}

func TestResponseCacheRequiresFetch(t *testing.T) {
	rc := NewResponseCache(Options{})
	_, err := rc.GetOrFetch(context.Background(), "k", nil)
	require.Error(t, err)
}

func TestResponseCacheCoalescesConcurrentMisses(t *testing.T) {
	rc := NewResponseCache(Options{TTL: time.Minute, Coalesce: true})
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(context.Context) (json.RawMessage, error) {
		calls.Add(1)
		<-release
		return json.RawMessage(`{"shared":true}`), nil
	}

	const callers = 8
	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	results := make([]string, callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			got, err := rc.GetOrFetch(context.Background(), "k", fetch)
			if err == nil {
				results[i] = string(got)
			}
		}(i)
	}
	started.Wait()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	done.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, got := range results {
		require.JSONEq(t, `{"shared":true}`, got)
	}
}

func TestResponseCacheWithoutCoalescingFetchesPerCaller(t *testing.T) {
	rc := NewResponseCache(Options{TTL: time.Minute})
	var calls atomic.Int32
	var gate sync.WaitGroup
	gate.Add(2)
	fetch := func(context.Context) (json.RawMessage, error) {
		calls.Add(1)
		gate.Done()
		gate.Wait()
		return json.RawMessage(`{}`), nil
	}

	var done sync.WaitGroup
	done.Add(2)
	for i := 0; i < 2; i++ {
		go func() {
			defer done.Done()
			_, _ = rc.GetOrFetch(context.Background(), "k", fetch)
		}()
	}
	done.Wait()
	require.Equal(t, int32(2), calls.Load())
}
