package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// RawBotLookup is the slice of the backend client the proxy needs.
type RawBotLookup interface {
	RawBotByDNIS(ctx context.Context, dnis string) (json.RawMessage, error)
}

// BotProxyHandler forwards DNIS lookups to the backend so telephony hosts
// only ever talk to the relay.
type BotProxyHandler struct {
	Logger  *slog.Logger
	Backend RawBotLookup
	Timeout time.Duration
}

func (h BotProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dnis := r.PathValue("dnis")
	if dnis == "" {
		writeJSONError(w, http.StatusBadRequest, "Failed to lookup bot by DNIS", "dnis is required")
		return
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	raw, err := h.Backend.RawBotByDNIS(ctx, dnis)
	if err != nil {
		logger.Error("bot lookup by dnis failed", "dnis", dnis, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to lookup bot by DNIS", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
