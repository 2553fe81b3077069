package safety

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/l0p7/coinscope/internal/server"
)

// Scorer computes a safety score.
type Scorer interface {
	Compute(ctx context.Context, coinID, tokenAddress, repoURL string) SafetyScore
}

// Handler serves GET /api/safety-score?coinId=&tokenAddress=&repoUrl=.
type Handler struct {
	scorer Scorer
	logger *slog.Logger
}

func NewHandler(scorer Scorer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{scorer: scorer, logger: logger.With(slog.String("agent", "safety_http"))}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	coinID := strings.TrimSpace(query.Get("coinId"))
	if coinID == "" {
		server.WriteError(w, h.logger, http.StatusBadRequest, `Missing "coinId" query parameter`)
		return
	}
	score := h.scorer.Compute(r.Context(), coinID, query.Get("tokenAddress"), query.Get("repoUrl"))
	server.WriteJSON(w, h.logger, http.StatusOK, score)
}
