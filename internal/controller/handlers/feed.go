package handlers

import (
	"net/http"

	"buildplane/internal/feed"
)

// ProjectFeed handles GET /projects/{ref}/feed.atom.
func (h *Handlers) ProjectFeed(w http.ResponseWriter, r *http.Request) {
	project := h.projectFromPath(w, r)
	if project == nil {
		return
	}

	builds, err := h.history.History(r.Context(), project.ID, 0)
	if err != nil {
		h.storeError(w, r, err, "Failed to list builds")
		return
	}

	atom, err := feed.Atom(feed.Project(project, builds), project, h.config.BaseURL)
	if err != nil {
		h.storeError(w, r, err, "Failed to render feed")
		return
	}

	w.Header().Set("Content-Type", "application/atom+xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(atom))
}
