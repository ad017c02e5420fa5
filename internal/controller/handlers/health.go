package handlers

import (
	"log/slog"
	"net/http"

	"buildplane/internal/logger"
	"buildplane/internal/store"
	"buildplane/pkg/api"
)

// Healthz is a liveness probe.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, api.HealthResponse{Status: "ok", Version: h.config.Version})
}

// Readyz reports ready once the store answers, along with the build backlog.
// A growing pending count with nothing running points at stalled workers.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.store.Ping(ctx); err != nil {
		logger.FromContext(ctx, slog.Default()).Warn("store ping failed", "error", err)
		h.httpError(w, "Database unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := api.HealthResponse{Status: "ready", Version: h.config.Version}
	for status, dst := range map[store.BuildStatus]**int64{
		store.BuildStatusPending: &resp.PendingBuilds,
		store.BuildStatusRunning: &resp.RunningBuilds,
	} {
		n, err := h.store.CountBuildsByStatus(ctx, status)
		if err != nil {
			logger.FromContext(ctx, slog.Default()).Warn("failed to count builds", "status", status, "error", err)
			h.httpError(w, "Database unavailable", http.StatusServiceUnavailable)
			return
		}
		*dst = &n
	}
	h.respondJson(w, http.StatusOK, resp)
}
