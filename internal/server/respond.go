package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/l0p7/coinscope/internal/fetch"
)

// WriteJSON encodes payload with the given status. Encoding failures can only
// be logged because the header has already been sent.
func WriteJSON(w http.ResponseWriter, logger *slog.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("response encode failed", slog.Any("error", err))
	}
}

// WriteRawJSON writes an already-encoded JSON document verbatim.
func WriteRawJSON(w http.ResponseWriter, logger *slog.Logger, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil && logger != nil {
		logger.Warn("response write failed", slog.Any("error", err))
	}
}

// WriteError emits {"error": message}. Status values <= 0 become 500.
func WriteError(w http.ResponseWriter, logger *slog.Logger, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, logger, status, map[string]any{"error": message})
}

// WriteUpstreamError reports a failed upstream call as 500 with
// {"error": ..., "details": {"status": code}}. Details stay empty when no
// upstream response was received.
func WriteUpstreamError(w http.ResponseWriter, logger *slog.Logger, err error) {
	details := map[string]any{}
	if status := fetch.UpstreamStatus(err); status != 0 {
		details["status"] = status
	}
	WriteJSON(w, logger, http.StatusInternalServerError, map[string]any{
		"error":   err.Error(),
		"details": details,
	})
}
