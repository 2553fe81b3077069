package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/l0p7/coinscope/internal/server"
)

// ErrMissingParameter is returned when the endpoint query parameter is absent or empty.
var ErrMissingParameter = errors.New("proxy: missing endpoint query parameter")

const missingEndpointMessage = `Missing "endpoint" query parameter`

// Upstream resolves an endpoint (path plus query) to its JSON document.
type Upstream interface {
	Raw(ctx context.Context, endpoint string) (json.RawMessage, error)
}

// Handler serves GET /api/coingecko?endpoint=<url-encoded path>.
type Handler struct {
	upstream Upstream
	logger   *slog.Logger
}

func NewHandler(upstream Upstream, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{upstream: upstream, logger: logger.With(slog.String("agent", "proxy"))}
}

// Resolve returns the upstream payload for the request's endpoint parameter.
func (h *Handler) Resolve(r *http.Request) (json.RawMessage, error) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		return nil, ErrMissingParameter
	}
	return h.upstream.Raw(r.Context(), endpoint)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := h.Resolve(r)
	switch {
	case errors.Is(err, ErrMissingParameter):
		server.WriteError(w, h.logger, http.StatusBadRequest, missingEndpointMessage)
	case err != nil:
		h.logger.Error("proxy request failed",
			slog.String("endpoint", r.URL.Query().Get("endpoint")),
			slog.Any("error", err))
		server.WriteUpstreamError(w, h.logger, err)
	default:
		server.WriteRawJSON(w, h.logger, http.StatusOK, payload)
	}
}
