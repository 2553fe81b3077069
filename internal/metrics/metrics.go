package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records response cache lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records response cache store attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup served a still-valid payload.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no valid payload was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the lookup failed due to an error.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the payload was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the store operation failed.
	CacheStoreError CacheStoreOutcome = "error"
)

// UpstreamResult classifies a single outbound attempt made by the retry fetcher.
type UpstreamResult string

const (
	UpstreamOK          UpstreamResult = "ok"
	UpstreamRateLimited UpstreamResult = "rate_limited"
	UpstreamStatus      UpstreamResult = "status"
	UpstreamTransport   UpstreamResult = "transport"
	UpstreamDecode      UpstreamResult = "decode"
)

// Recorder publishes Prometheus metrics for proxy, cache, and scoring activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	upstreamAttempts *prometheus.CounterVec
	safetyScores     prometheus.Histogram
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinscope",
		Subsystem: "proxy",
		Name:      "requests_total",
		Help:      "Total API requests served, by route and outcome.",
	}, []string{"route", "outcome", "status_code"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coinscope",
		Subsystem: "proxy",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed API requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"route", "outcome"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinscope",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Response cache operations, by cache name.",
	}, []string{"cache", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coinscope",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for response cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"cache", "operation", "result"})

	upstreamAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinscope",
		Subsystem: "upstream",
		Name:      "attempts_total",
		Help:      "Outbound attempts made by the retry fetcher.",
	}, []string{"host", "result"})

	safetyScores := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coinscope",
		Subsystem: "safety",
		Name:      "score",
		Help:      "Distribution of computed safety scores.",
		Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 250, 1000},
	})

	reg.MustRegister(requests, requestLatency, cacheOperations, cacheLatency, upstreamAttempts, safetyScores)

	return &Recorder{
		gatherer:         reg,
		handler:          promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		requests:         requests,
		requestLatency:   requestLatency,
		cacheOperations:  cacheOperations,
		cacheLatency:     cacheLatency,
		upstreamAttempts: upstreamAttempts,
		safetyScores:     safetyScores,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveRequest records the outcome and latency for a completed API request.
func (r *Recorder) ObserveRequest(route, outcome string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	routeLabel := normalizeLabel(route)
	outcomeLabel := normalizeLabel(outcome)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.requests.WithLabelValues(routeLabel, outcomeLabel, statusLabel).Inc()
	r.requestLatency.WithLabelValues(routeLabel, outcomeLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(cache string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(normalizeLabel(cache), CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(cache string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(normalizeLabel(cache), CacheOperationStore, resultLabel, duration)
}

// ObserveUpstreamAttempt counts one outbound attempt against host.
func (r *Recorder) ObserveUpstreamAttempt(host string, result UpstreamResult) {
	if r == nil {
		return
	}
	r.upstreamAttempts.WithLabelValues(normalizeLabel(host), normalizeLabel(string(result))).Inc()
}

// ObserveSafetyScore records a computed safety score.
func (r *Recorder) ObserveSafetyScore(score int) {
	if r == nil {
		return
	}
	r.safetyScores.Observe(float64(score))
}

func (r *Recorder) observeCache(cache string, operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(cache, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(cache, opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
