package market

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/l0p7/coinscope/internal/server"
)

const (
	defaultVsCurrency = "usd"
	defaultPerPage    = 250
	maxPerPage        = 250
)

// Handler serves the coin listing and coin summary routes.
type Handler struct {
	client *Client
	logger *slog.Logger
}

func NewHandler(client *Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{client: client, logger: logger.With(slog.String("agent", "market"))}
}

// ServeCoins handles GET /api/coins?vs_currency=&per_page=.
func (h *Handler) ServeCoins(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	vsCurrency := strings.ToLower(strings.TrimSpace(query.Get("vs_currency")))
	if vsCurrency == "" {
		vsCurrency = defaultVsCurrency
	}
	perPage := defaultPerPage
	if raw := strings.TrimSpace(query.Get("per_page")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxPerPage {
			server.WriteError(w, h.logger, http.StatusBadRequest, "per_page must be between 1 and 250")
			return
		}
		perPage = n
	}

	coins, err := h.client.Markets(r.Context(), vsCurrency, perPage)
	if err != nil {
		h.logger.Error("coin listing failed", slog.String("vs_currency", vsCurrency), slog.Any("error", err))
		server.WriteUpstreamError(w, h.logger, err)
		return
	}
	server.WriteJSON(w, h.logger, http.StatusOK, Summarize(coins))
}

// ServeCoin handles GET /api/coins/{id}.
func (h *Handler) ServeCoin(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		server.WriteError(w, h.logger, http.StatusBadRequest, "coin id required")
		return
	}
	vsCurrency := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("vs_currency")))
	if vsCurrency == "" {
		vsCurrency = defaultVsCurrency
	}

	detail, err := h.client.Coin(r.Context(), id)
	if err != nil {
		h.logger.Error("coin detail failed", slog.String("coin_id", id), slog.Any("error", err))
		server.WriteUpstreamError(w, h.logger, err)
		return
	}
	server.WriteJSON(w, h.logger, http.StatusOK, SummaryFromDetail(detail, vsCurrency))
}
