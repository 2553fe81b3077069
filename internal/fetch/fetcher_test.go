package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/l0p7/coinscope/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type recordingSleeper struct {
	mu     sync.Mutex
	waits  []time.Duration
	result error
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return s.result
}

func (s *recordingSleeper) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.waits...)
}

type scriptedResponse struct {
	status     int
	retryAfter string
	body       string
}

func scriptedServer(t *testing.T, script []scriptedResponse) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1)) - 1
		step := script[len(script)-1]
		if n < len(script) {
			step = script[n]
		}
		if step.retryAfter != "" {
			w.Header().Set("Retry-After", step.retryAfter)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(step.status)
		_, _ = io.WriteString(w, step.body)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestFetcherGet(t *testing.T) {
	tests := []struct {
		name      string
		script    []scriptedResponse
		attempts  int
		wantCalls int32
		wantWaits []time.Duration
		wantErr   bool
		wantBody  string
	}{
		{
			name:      "first attempt succeeds without sleeping",
			script:    []scriptedResponse{{status: 200, body: `{"ok":true}`}},
			attempts:  3,
			wantCalls: 1,
			wantBody:  `{"ok":true}`,
		},
		{
			name: "server errors back off linearly",
			script: []scriptedResponse{
				{status: 500, body: `{}`},
				{status: 502, body: `{}`},
				{status: 200, body: `[1,2,3]`},
			},
			attempts:  3,
			wantCalls: 3,
			wantWaits: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond},
			wantBody:  `[1,2,3]`,
		},
		{
			name: "retry-after header drives rate limited wait",
			script: []scriptedResponse{
				{status: 429, retryAfter: "5"},
				{status: 200, body: `{"ok":1}`},
			},
			attempts:  3,
			wantCalls: 2,
			wantWaits: []time.Duration{5 * time.Second},
			wantBody:  `{"ok":1}`,
		},
		{
			name: "rate limited without header waits the base delay every time",
			script: []scriptedResponse{
				{status: 429},
				{status: 429},
				{status: 200, body: `{}`},
			},
			attempts:  3,
			wantCalls: 3,
			wantWaits: []time.Duration{100 * time.Millisecond, 100 * time.Millisecond},
			wantBody:  `{}`,
		},
		{
			name:      "exhausts attempts without a trailing sleep",
			script:    []scriptedResponse{{status: 503}},
			attempts:  3,
			wantCalls: 3,
			wantWaits: []time.Duration{100 * time.Millisecond, 200 * time.Millisecond},
			wantErr:   true,
		},
		{
			name:      "single attempt never sleeps",
			script:    []scriptedResponse{{status: 500}},
			attempts:  1,
			wantCalls: 1,
			wantErr:   true,
		},
		{
			name:      "invalid json counts as a failed attempt",
			script:    []scriptedResponse{{status: 200, body: `<html>`}},
			attempts:  2,
			wantCalls: 2,
			wantWaits: []time.Duration{100 * time.Millisecond},
			wantErr:   true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv, calls := scriptedServer(t, tc.script)
			sleeper := &recordingSleeper{}
			f := New(Options{
				Client:      srv.Client(),
				MaxAttempts: tc.attempts,
				BaseDelay:   100 * time.Millisecond,
				Sleep:       sleeper.Sleep,
			})

			body, err := f.Get(context.Background(), srv.URL+"/coins/bitcoin")
			if tc.wantErr {
				require.Error(t, err)
				require.ErrorIs(t, err, ErrFetchExhausted)
			} else {
				require.NoError(t, err)
				require.JSONEq(t, tc.wantBody, string(body))
			}
			require.Equal(t, tc.wantCalls, atomic.LoadInt32(calls))
			if len(tc.wantWaits) == 0 {
				require.Empty(t, sleeper.Waits())
			} else {
				require.Equal(t, tc.wantWaits, sleeper.Waits())
			}
		})
	}
}

func TestFetcherNeverExceedsMaxAttempts(t *testing.T) {
	for attempts := 1; attempts <= 6; attempts++ {
		srv, calls := scriptedServer(t, []scriptedResponse{{status: 500}})
		sleeper := &recordingSleeper{}
		f := New(Options{Client: srv.Client(), MaxAttempts: attempts, Sleep: sleeper.Sleep})

		_, err := f.Get(context.Background(), srv.URL)
		require.ErrorIs(t, err, ErrFetchExhausted)
		require.LessOrEqual(t, atomic.LoadInt32(calls), int32(attempts))
		require.Len(t, sleeper.Waits(), attempts-1)
	}
}

func TestFetcherExhaustedCarriesLastStatus(t *testing.T) {
	srv, _ := scriptedServer(t, []scriptedResponse{{status: 500}, {status: 404}})
	f := New(Options{Client: srv.Client(), MaxAttempts: 2, Sleep: (&recordingSleeper{}).Sleep})

	_, err := f.Get(context.Background(), srv.URL)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 2, exhausted.Attempts)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusNotFound, statusErr.Status)
	require.Equal(t, http.StatusNotFound, UpstreamStatus(err))
}

type failingDoer struct {
	calls int
}

func (d *failingDoer) Do(*http.Request) (*http.Response, error) {
	d.calls++
	return nil, errors.New("connection refused")
}

func TestFetcherTransportErrors(t *testing.T) {
	doer := &failingDoer{}
	sleeper := &recordingSleeper{}
	f := New(Options{Client: doer, MaxAttempts: 3, BaseDelay: time.Second, Sleep: sleeper.Sleep})

	_, err := f.Get(context.Background(), "http://upstream.invalid/coins")
	require.ErrorIs(t, err, ErrFetchExhausted)
	var transport *TransportError
	require.ErrorAs(t, err, &transport)
	require.Equal(t, 3, doer.calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.Waits())
	require.Zero(t, UpstreamStatus(err))
}

func TestFetcherBaseDelayFallback(t *testing.T) {
	tests := []struct {
		name      string
		baseDelay time.Duration
		want      []time.Duration
	}{
		{name: "zero retries immediately", baseDelay: 0, want: []time.Duration{0, 0}},
		{name: "negative uses default", baseDelay: -time.Millisecond, want: []time.Duration{DefaultBaseDelay, 2 * DefaultBaseDelay}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doer := &failingDoer{}
			sleeper := &recordingSleeper{}
			f := New(Options{Client: doer, MaxAttempts: 3, BaseDelay: tt.baseDelay, Sleep: sleeper.Sleep})

			_, err := f.Get(context.Background(), "http://upstream.invalid/coins")
			require.ErrorIs(t, err, ErrFetchExhausted)
			require.Equal(t, tt.want, sleeper.Waits())
			require.Equal(t, 3, f.MaxAttempts())
		})
	}

	require.Equal(t, DefaultMaxAttempts, New(Options{MaxAttempts: -1}).MaxAttempts())
}

func TestFetcherStopsWhenContextCancelledDuringBackoff(t *testing.T) {
	srv, calls := scriptedServer(t, []scriptedResponse{{status: 500}})
	ctx, cancel := context.WithCancel(context.Background())
	f := New(Options{
		Client:      srv.Client(),
		MaxAttempts: 5,
		Sleep: func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		},
	})

	_, err := f.Get(ctx, srv.URL)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrFetchExhausted)
	require.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestFetcherDefaultSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	require.NoError(t, sleepContext(context.Background(), time.Millisecond))
}

func TestFetcherDoSendsBodyAndHeaders(t *testing.T) {
	var gotMethod, gotKey, gotTrace, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotKey = r.Header.Get("x-cg-demo-api-key")
		gotTrace = r.Header.Get("X-Trace")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"data":{"pools":[]}}`)
	}))
	defer srv.Close()

	f := New(Options{Client: srv.Client(), Headers: map[string]string{"x-cg-demo-api-key": "secret", "X-Empty": " "}})
	payload, err := f.Do(context.Background(), Request{
		Method:  http.MethodPost,
		URL:     srv.URL,
		Body:    []byte(`{"query":"{ pools { id } }"}`),
		Headers: map[string]string{"X-Trace": "abc"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":{"pools":[]}}`, string(payload))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "abc", gotTrace)
	assert.Equal(t, "application/json", gotType)
	assert.JSONEq(t, `{"query":"{ pools { id } }"}`, string(gotBody))
}

func TestFetcherRecordsAttemptMetrics(t *testing.T) {
	srv, _ := scriptedServer(t, []scriptedResponse{{status: 429}, {status: 200, body: `{}`}})
	rec := metrics.NewRecorder(nil)
	f := New(Options{Client: srv.Client(), Metrics: rec, Sleep: (&recordingSleeper{}).Sleep})

	_, err := f.Get(context.Background(), srv.URL)
	require.NoError(t, err)

	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	results := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "coinscope_upstream_attempts_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "result" {
					results[label.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	require.Equal(t, map[string]float64{"rate_limited": 1, "ok": 1}, results)
}

func TestFetcherWaitsOnLimiter(t *testing.T) {
	srv, _ := scriptedServer(t, []scriptedResponse{{status: 200, body: `{}`}})
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	require.True(t, limiter.Allow())

	f := New(Options{Client: srv.Client(), Limiter: limiter})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Get(ctx, srv.URL)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrFetchExhausted)
}

func TestNewLimiter(t *testing.T) {
	require.Nil(t, NewLimiter(0, 5))
	limiter := NewLimiter(120, 0)
	require.NotNil(t, limiter)
	require.Equal(t, rate.Limit(2), limiter.Limit())
	require.Equal(t, 1, limiter.Burst())
}

func TestParseRetryAfter(t *testing.T) {
	require.Equal(t, 5*time.Second, parseRetryAfter("5"))
	require.Equal(t, 5*time.Second, parseRetryAfter(" 5 "))
	require.Zero(t, parseRetryAfter(""))
	require.Zero(t, parseRetryAfter("-3"))
	require.Zero(t, parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}

func TestRedactURL(t *testing.T) {
	require.Equal(t,
		"https://api.etherscan.io/api?action=getsourcecode&apikey=REDACTED&module=contract",
		redactURL("https://api.etherscan.io/api?module=contract&action=getsourcecode&apikey=abc123"))
	require.Equal(t, "https://api.coingecko.com/api/v3/coins/bitcoin", redactURL("https://api.coingecko.com/api/v3/coins/bitcoin"))
}
