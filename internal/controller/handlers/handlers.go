// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"buildplane/internal/dispatch"
	"buildplane/internal/logger"
	"buildplane/internal/store"
	"buildplane/pkg/api"

	"github.com/google/uuid"
)

// Store combines the store methods the API reads and writes directly.
type Store interface {
	Ping(ctx context.Context) error
	store.ProjectStore
	GetBuildByID(ctx context.Context, id uuid.UUID) (*store.Build, error)
	ListBuilds(ctx context.Context, projectID uuid.UUID, limit int) ([]store.Build, error)
	ListStaleBuilds(ctx context.Context, status store.BuildStatus, olderThan time.Time) ([]store.Build, error)
	CountBuildsByStatus(ctx context.Context, status store.BuildStatus) (int64, error)
}

// Dispatcher creates and schedules builds.
type Dispatcher interface {
	Validate(project *store.Project) error
	Enqueue(ctx context.Context, projectID uuid.UUID) (*store.Build, error)
}

// Mover changes the project order.
type Mover interface {
	Move(ctx context.Context, id uuid.UUID, dir store.Direction) (bool, error)
}

// History serves a project's recent builds.
type History interface {
	History(ctx context.Context, projectID uuid.UUID, limit int) ([]store.Build, error)
}

// Config carries the settings handlers need beyond their dependencies.
type Config struct {
	// BaseURL prefixes links in the feeds.
	BaseURL string
	// GitHubSecret verifies GitHub push hook signatures when set.
	GitHubSecret string
	// Version is reported by the health endpoints.
	Version string
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store      Store
	dispatcher Dispatcher
	mover      Mover
	history    History
	config     Config
}

// New creates a new Handlers instance.
func New(s Store, d Dispatcher, m Mover, h History, config Config) *Handlers {
	return &Handlers{store: s, dispatcher: d, mover: m, history: h, config: config}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// storeError maps store and dispatch errors to a response. Unknown errors are logged and hidden.
func (h *Handlers) storeError(w http.ResponseWriter, r *http.Request, err error, message string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.httpError(w, "Not found", http.StatusNotFound)
	case errors.Is(err, store.ErrConflict):
		h.respondJson(w, http.StatusConflict, api.ErrorResponse{
			Error:   "Conflict",
			Code:    strconv.Itoa(http.StatusConflict),
			Details: err.Error(),
		})
	case errors.Is(err, dispatch.ErrInvalidProjectConfig):
		h.respondJson(w, http.StatusUnprocessableEntity, api.ErrorResponse{
			Error:   "Invalid project configuration",
			Code:    strconv.Itoa(http.StatusUnprocessableEntity),
			Details: err.Error(),
		})
	default:
		logger.FromContext(r.Context(), slog.Default()).Error(message, "error", err)
		h.httpError(w, message, http.StatusInternalServerError)
	}
}

// projectFromPath resolves the {ref} path value. It writes the error response and returns nil on failure.
func (h *Handlers) projectFromPath(w http.ResponseWriter, r *http.Request) *store.Project {
	id, err := store.ParseProjectRef(r.PathValue("ref"))
	if err != nil {
		h.httpError(w, "Invalid project reference", http.StatusBadRequest)
		return nil
	}
	project, err := h.store.GetProjectByID(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err, "Failed to load project")
		return nil
	}
	return project
}

func toProjectResponse(p *store.Project) api.ProjectResponse {
	return api.ProjectResponse{
		ID:        p.ID.String(),
		Ref:       p.Ref(),
		Name:      p.Name,
		Steps:     p.Steps,
		VCSType:   string(p.VCSType),
		VCSSource: p.VCSSource,
		VCSBranch: p.VCSBranch,
		HookName:  p.HookName,
		MaxBuilds: p.MaxBuilds,
		Position:  p.Position,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

func toBuildResponse(b *store.Build, withOutput bool) api.BuildResponse {
	resp := api.BuildResponse{
		ID:          b.ID.String(),
		ProjectID:   b.ProjectID.String(),
		Number:      b.Number,
		DisplayName: b.DisplayName(),
		Status:      string(b.Status),
		Revision:    b.Revision,
		CreatedAt:   b.CreatedAt,
		StartedAt:   b.StartedAt,
		FinishedAt:  b.FinishedAt,
	}
	if withOutput {
		resp.Output = b.Output
	}
	return resp
}

func toBuildList(builds []store.Build) api.ListBuildsResponse {
	resp := api.ListBuildsResponse{Builds: make([]api.BuildResponse, 0, len(builds))}
	for i := range builds {
		resp.Builds = append(resp.Builds, toBuildResponse(&builds[i], false))
	}
	return resp
}
