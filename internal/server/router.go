package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/coinscope/internal/metrics"
)

// Routes collects the API handlers. A nil handler leaves its route answering 503.
type Routes struct {
	Proxy       http.Handler
	Coins       http.Handler
	Coin        http.Handler
	SafetyScore http.Handler
	Contract    http.Handler
	Liquidity   http.Handler
	// Health overrides the default {"status":"ok"} response.
	Health http.Handler
}

// RouterOptions configures cross-cutting request handling.
type RouterOptions struct {
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	CorrelationHeader string
}

type correlationKey struct{}

// CorrelationID returns the request's correlation ID, if the router assigned one.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// NewRouter owns URL dispatch. Every API route is instrumented with request
// metrics, a correlation ID, and an access log line.
func NewRouter(routes Routes, opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := &router{
		logger:            logger.With(slog.String("agent", "router")),
		metrics:           opts.Metrics,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
	}

	health := routes.Health
	if health == nil {
		health = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			WriteJSON(w, r.logger, http.StatusOK, map[string]string{"status": "ok"})
		})
	}

	mux := http.NewServeMux()
	r.handle(mux, "GET /api/coingecko", "coingecko", routes.Proxy)
	r.handle(mux, "GET /api/coins", "coins", routes.Coins)
	r.handle(mux, "GET /api/coins/{id}", "coin", routes.Coin)
	r.handle(mux, "GET /api/safety-score", "safety_score", routes.SafetyScore)
	r.handle(mux, "GET /api/contract/{address}", "contract", routes.Contract)
	r.handle(mux, "GET /api/liquidity/{address}", "liquidity", routes.Liquidity)
	mux.Handle("GET /healthz", health)
	mux.Handle("GET /health", health)
	mux.Handle("GET /metrics", opts.Metrics.Handler())
	return mux
}

type router struct {
	logger            *slog.Logger
	metrics           *metrics.Recorder
	correlationHeader string
}

func (r *router) handle(mux *http.ServeMux, pattern, route string, handler http.Handler) {
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			WriteError(w, r.logger, http.StatusServiceUnavailable, fmt.Sprintf("%s unavailable", route))
		})
	}
	mux.Handle(pattern, r.instrument(route, handler))
}

func (r *router) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		id := r.correlationID(req)
		if r.correlationHeader != "" {
			w.Header().Set(r.correlationHeader, id)
		}
		req = req.WithContext(context.WithValue(req.Context(), correlationKey{}, id))

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, req)

		status := sw.Status()
		duration := time.Since(start)
		r.metrics.ObserveRequest(route, outcomeFor(status), status, duration)
		r.logger.LogAttrs(req.Context(), slog.LevelInfo, "request served",
			slog.String("route", route),
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("status", status),
			slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
			slog.String("correlation_id", id),
		)
	})
}

func (r *router) correlationID(req *http.Request) string {
	if r.correlationHeader != "" {
		if candidate := strings.TrimSpace(req.Header.Get(r.correlationHeader)); candidate != "" {
			return candidate
		}
	}
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}

func outcomeFor(status int) string {
	switch {
	case status >= 500:
		return "error"
	case status >= 400:
		return "rejected"
	default:
		return "ok"
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
