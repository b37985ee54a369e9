// Package handlers holds the plain HTTP endpoints of the relay: health,
// readiness, report ingestion and the bot lookup proxy. The websocket
// transports live in their own packages.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/torisedigital/td-relay/pkg/relay/lifecycle"
	"github.com/torisedigital/td-relay/pkg/relay/session"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler answers 503 while the process drains so load balancers stop
// routing new sessions here.
type ReadyHandler struct {
	Lifecycle *lifecycle.Lifecycle
	Registry  *session.Registry
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool `json:"ok"`
		Draining       bool `json:"draining"`
		ActiveSessions int  `json:"active_sessions"`
	}

	draining := h.Lifecycle != nil && h.Lifecycle.IsDraining()
	active := 0
	if h.Registry != nil {
		active = h.Registry.Count()
	}

	status := http.StatusOK
	if draining {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             !draining,
		Draining:       draining,
		ActiveSessions: active,
	})
}
