package handlers

import (
	"net/http"
	"strconv"
	"time"

	"buildplane/internal/store"

	"github.com/google/uuid"
)

// DefaultStaleAge is how old a build must be for GET /builds/stale when older_than is omitted.
const DefaultStaleAge = time.Hour

// TriggerBuild handles POST /projects/{ref}/builds.
// The build is created pending and runs asynchronously.
func (h *Handlers) TriggerBuild(w http.ResponseWriter, r *http.Request) {
	project := h.projectFromPath(w, r)
	if project == nil {
		return
	}

	build, err := h.dispatcher.Enqueue(r.Context(), project.ID)
	if err != nil {
		h.storeError(w, r, err, "Failed to enqueue build")
		return
	}
	h.respondJson(w, http.StatusAccepted, toBuildResponse(build, false))
}

// ListBuilds handles GET /projects/{ref}/builds?limit=N, most recent first.
func (h *Handlers) ListBuilds(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	project := h.projectFromPath(w, r)
	if project == nil {
		return
	}

	builds, err := h.history.History(r.Context(), project.ID, limit)
	if err != nil {
		h.storeError(w, r, err, "Failed to list builds")
		return
	}
	h.respondJson(w, http.StatusOK, toBuildList(builds))
}

func (h *Handlers) buildFromPath(w http.ResponseWriter, r *http.Request) *store.Build {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid build id", http.StatusBadRequest)
		return nil
	}
	build, err := h.store.GetBuildByID(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err, "Failed to load build")
		return nil
	}
	return build
}

// GetBuild handles GET /builds/{id}.
func (h *Handlers) GetBuild(w http.ResponseWriter, r *http.Request) {
	build := h.buildFromPath(w, r)
	if build == nil {
		return
	}
	h.respondJson(w, http.StatusOK, toBuildResponse(build, true))
}

// GetBuildLog handles GET /builds/{id}/log.
// The captured output is returned as plain text; it is empty until the build finishes.
func (h *Handlers) GetBuildLog(w http.ResponseWriter, r *http.Request) {
	build := h.buildFromPath(w, r)
	if build == nil {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Build-Status", string(build.Status))
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(build.Output))
}

// ListStaleBuilds handles GET /builds/stale?older_than=1h&status=pending.
// It lists builds stuck in a non-terminal status, oldest first.
func (h *Handlers) ListStaleBuilds(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	age := DefaultStaleAge
	if raw := query.Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			h.httpError(w, "Invalid older_than duration", http.StatusBadRequest)
			return
		}
		age = d
	}

	status := store.BuildStatusPending
	if raw := query.Get("status"); raw != "" {
		status = store.BuildStatus(raw)
		if !status.Valid() || status.Terminal() {
			h.httpError(w, "status must be pending or running", http.StatusBadRequest)
			return
		}
	}

	builds, err := h.store.ListStaleBuilds(r.Context(), status, time.Now().UTC().Add(-age))
	if err != nil {
		h.storeError(w, r, err, "Failed to list stale builds")
		return
	}
	h.respondJson(w, http.StatusOK, toBuildList(builds))
}
