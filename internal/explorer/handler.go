package explorer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/l0p7/coinscope/internal/server"
)

// ContractAnalyzer produces a contract analysis.
type ContractAnalyzer interface {
	Analyze(ctx context.Context, address string) (ContractAnalysis, error)
}

// LockLookup produces a liquidity lock report.
type LockLookup interface {
	Check(ctx context.Context, address string) (LiquidityLock, error)
}

// Handler serves the contract and liquidity routes.
type Handler struct {
	analyzer ContractAnalyzer
	locks    LockLookup
	logger   *slog.Logger
}

func NewHandler(analyzer ContractAnalyzer, locks LockLookup, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{analyzer: analyzer, locks: locks, logger: logger.With(slog.String("agent", "explorer"))}
}

// ServeContract handles GET /api/contract/{address}.
func (h *Handler) ServeContract(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.PathValue("address"))
	if err := ValidateAddress(address); err != nil {
		server.WriteError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	analysis, err := h.analyzer.Analyze(r.Context(), address)
	switch {
	case errors.Is(err, ErrEmptyResult):
		server.WriteError(w, h.logger, http.StatusBadGateway, "Explorer returned no contract data")
	case err != nil:
		h.logger.Error("contract analysis failed", slog.String("address", address), slog.Any("error", err))
		server.WriteError(w, h.logger, http.StatusInternalServerError, "Failed to analyze contract")
	default:
		server.WriteJSON(w, h.logger, http.StatusOK, analysis)
	}
}

// ServeLiquidity handles GET /api/liquidity/{address}.
func (h *Handler) ServeLiquidity(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(r.PathValue("address"))
	if err := ValidateAddress(address); err != nil {
		server.WriteError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	lock, err := h.locks.Check(r.Context(), address)
	if err != nil {
		h.logger.Error("liquidity lookup failed", slog.String("address", address), slog.Any("error", err))
		server.WriteError(w, h.logger, http.StatusInternalServerError, "Failed to fetch liquidity data")
		return
	}
	server.WriteJSON(w, h.logger, http.StatusOK, lock)
}
