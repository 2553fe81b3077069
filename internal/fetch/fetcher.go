package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/l0p7/coinscope/internal/metrics"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second

	maxBodyBytes = 16 << 20
)

// HTTPDoer is the minimal client contract the fetcher needs.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Options configures a Fetcher. A non-positive MaxAttempts uses
// DefaultMaxAttempts.
type Options struct {
	Client      HTTPDoer
	MaxAttempts int
	// BaseDelay of zero retries without waiting; negative values use
	// DefaultBaseDelay.
	BaseDelay time.Duration
	// Limiter, when set, is waited on before every attempt.
	Limiter *rate.Limiter
	// Headers are applied to every outbound request.
	Headers map[string]string
	Sleep   Sleeper
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Request describes one logical upstream call. Method defaults to GET.
type Request struct {
	Method  string
	URL     string
	Body    []byte
	Headers map[string]string
}

// Fetcher issues upstream requests with a bounded retry loop. A 429 waits for
// Retry-After (or the base delay) without growth; every other failure waits
// BaseDelay*attempt.
type Fetcher struct {
	client      HTTPDoer
	maxAttempts int
	baseDelay   time.Duration
	limiter     *rate.Limiter
	headers     map[string]string
	sleep       Sleeper
	logger      *slog.Logger
	metrics     *metrics.Recorder
}

// New builds a Fetcher from opts.
func New(opts Options) *Fetcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	delay := opts.BaseDelay
	if delay < 0 {
		delay = DefaultBaseDelay
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	headers := make(map[string]string, len(opts.Headers))
	for name, value := range opts.Headers {
		if strings.TrimSpace(value) != "" {
			headers[name] = value
		}
	}
	return &Fetcher{
		client:      client,
		maxAttempts: attempts,
		baseDelay:   delay,
		limiter:     opts.Limiter,
		headers:     headers,
		sleep:       sleep,
		logger:      logger.With(slog.String("agent", "fetcher")),
		metrics:     opts.Metrics,
	}
}

// NewLimiter converts a per-minute budget into a token bucket. A non-positive
// budget disables limiting and returns nil.
func NewLimiter(requestsPerMinute, burst int) *rate.Limiter {
	if requestsPerMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(requestsPerMinute)/60, burst)
}

// MaxAttempts reports the configured attempt budget.
func (f *Fetcher) MaxAttempts() int { return f.maxAttempts }

// Get fetches target and returns its JSON body.
func (f *Fetcher) Get(ctx context.Context, target string) (json.RawMessage, error) {
	return f.Do(ctx, Request{Method: http.MethodGet, URL: target})
}

// Do runs req through the retry loop. It returns the first 2xx JSON body, a
// wrapped context error when ctx ends, or an *ExhaustedError.
func (f *Fetcher) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	safeURL := redactURL(req.URL)
	var last error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("fetch: rate limiter wait for %s: %w", safeURL, err)
			}
		}

		payload, err := f.attempt(ctx, req, safeURL)
		if err == nil {
			return payload, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("fetch: %s: %w", safeURL, ctxErr)
		}
		last = err

		wait := f.baseDelay * time.Duration(attempt)
		var limited *RateLimitedError
		if errors.As(err, &limited) {
			wait = f.baseDelay
			if limited.RetryAfter > 0 {
				wait = limited.RetryAfter
			}
		}

		attrs := []slog.Attr{
			slog.String("url", safeURL),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", f.maxAttempts),
			slog.Any("error", err),
		}
		if attempt < f.maxAttempts {
			attrs = append(attrs, slog.Duration("retry_in", wait))
		}
		f.logger.LogAttrs(ctx, slog.LevelWarn, "upstream attempt failed", attrs...)

		if attempt == f.maxAttempts {
			break
		}
		if err := f.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("fetch: backoff for %s: %w", safeURL, err)
		}
	}
	return nil, &ExhaustedError{URL: safeURL, Attempts: f.maxAttempts, Last: last}
}

func (f *Fetcher) attempt(ctx context.Context, req Request, safeURL string) (json.RawMessage, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request for %s: %w", safeURL, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for name, value := range f.headers {
		httpReq.Header.Set(name, value)
	}
	for name, value := range req.Headers {
		if strings.TrimSpace(value) != "" {
			httpReq.Header.Set(name, value)
		}
	}
	host := httpReq.URL.Host

	resp, err := f.client.Do(httpReq)
	if err != nil {
		f.metrics.ObserveUpstreamAttempt(host, metrics.UpstreamTransport)
		return nil, &TransportError{URL: safeURL, Err: err}
	}
	bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	closeErr := resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		f.metrics.ObserveUpstreamAttempt(host, metrics.UpstreamRateLimited)
		return nil, &RateLimitedError{URL: safeURL, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		f.metrics.ObserveUpstreamAttempt(host, metrics.UpstreamStatus)
		return nil, &HTTPStatusError{URL: safeURL, Status: resp.StatusCode}
	}

	if readErr != nil {
		f.metrics.ObserveUpstreamAttempt(host, metrics.UpstreamTransport)
		return nil, &TransportError{URL: safeURL, Err: fmt.Errorf("read body: %w", readErr)}
	}
	if closeErr != nil {
		f.metrics.ObserveUpstreamAttempt(host, metrics.UpstreamTransport)
		return nil, &TransportError{URL: safeURL, Err: fmt.Errorf("close body: %w", closeErr)}
	}
	trimmed := bytes.TrimSpace(bodyBytes)
	if !json.Valid(trimmed) {
		f.metrics.ObserveUpstreamAttempt(host, metrics.UpstreamDecode)
		return nil, &DecodeError{URL: safeURL, Err: errors.New("body is not valid JSON")}
	}
	f.metrics.ObserveUpstreamAttempt(host, metrics.UpstreamOK)
	return json.RawMessage(trimmed), nil
}

// parseRetryAfter reads the delta-seconds form of Retry-After.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var secretParams = []string{"apikey", "api_key", "x_cg_demo_api_key", "x_cg_pro_api_key", "access_token"}

// redactURL masks credential query parameters so URLs can be logged and returned in errors.
func redactURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.RawQuery == "" {
		return raw
	}
	query := parsed.Query()
	changed := false
	for name := range query {
		lower := strings.ToLower(name)
		for _, secret := range secretParams {
			if lower == secret {
				query.Set(name, "REDACTED")
				changed = true
			}
		}
	}
	if !changed {
		return raw
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}
