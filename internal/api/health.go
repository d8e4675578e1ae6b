package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const healthPingTimeout = 2 * time.Second

type healthResponse struct {
	Status            string `json:"status"`
	Store             string `json:"store"`
	Breaker           string `json:"breaker,omitempty"`
	GenerationBackend string `json:"generation_backend,omitempty"`
}

// Health handles GET /api/health. An unreachable store is unhealthy; an open
// breaker only degrades service since the fallback bank still answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Store: "ok", GenerationBackend: h.backend}
	status := http.StatusOK

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := h.store.Ping(ctx); err != nil {
			slog.Warn("Health check: store ping failed", "error", err)
			resp.Store = "unavailable"
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	if h.breaker != nil {
		resp.Breaker = h.breaker.State().String()
		if resp.Breaker != "closed" && status == http.StatusOK {
			resp.Status = "degraded"
		}
	}

	JSON(w, status, resp)
}
