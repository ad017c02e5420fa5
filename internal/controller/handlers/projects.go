package handlers

import (
	"encoding/json"
	"net/http"

	"buildplane/internal/store"
	"buildplane/pkg/api"
)

func applyProjectRequest(p *store.Project, req *api.ProjectRequest) {
	p.Name = req.Name
	p.Steps = req.Steps
	p.VCSType = store.VCSType(req.VCSType)
	p.VCSSource = req.VCSSource
	p.VCSBranch = req.VCSBranch
	p.HookName = req.HookName
	p.MaxBuilds = req.MaxBuilds
}

// CreateProject handles POST /projects.
// The new project is appended to the end of the order.
func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req api.ProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	project := &store.Project{}
	applyProjectRequest(project, &req)
	if err := h.dispatcher.Validate(project); err != nil {
		h.storeError(w, r, err, "Invalid project")
		return
	}

	if err := h.store.CreateProject(r.Context(), project); err != nil {
		h.storeError(w, r, err, "Failed to create project")
		return
	}
	h.respondJson(w, http.StatusCreated, toProjectResponse(project))
}

// ListProjects handles GET /projects.
// Projects come back in display order, each with its most recent build.
func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projects, err := h.store.ListProjects(ctx)
	if err != nil {
		h.storeError(w, r, err, "Failed to list projects")
		return
	}

	resp := api.ListProjectsResponse{Projects: make([]api.ProjectResponse, 0, len(projects))}
	for i := range projects {
		item := toProjectResponse(&projects[i])
		builds, err := h.store.ListBuilds(ctx, projects[i].ID, 1)
		if err != nil {
			h.storeError(w, r, err, "Failed to list builds")
			return
		}
		if len(builds) > 0 {
			last := toBuildResponse(&builds[0], false)
			item.LastBuild = &last
		}
		resp.Projects = append(resp.Projects, item)
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetProject handles GET /projects/{ref}.
func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	project := h.projectFromPath(w, r)
	if project == nil {
		return
	}
	h.respondJson(w, http.StatusOK, toProjectResponse(project))
}

// UpdateProject handles PUT /projects/{ref}.
// Position is kept; a lower max_builds applies after the next finished build.
func (h *Handlers) UpdateProject(w http.ResponseWriter, r *http.Request) {
	project := h.projectFromPath(w, r)
	if project == nil {
		return
	}

	var req api.ProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	applyProjectRequest(project, &req)
	if err := h.dispatcher.Validate(project); err != nil {
		h.storeError(w, r, err, "Invalid project")
		return
	}
	if err := h.store.UpdateProject(r.Context(), project); err != nil {
		h.storeError(w, r, err, "Failed to update project")
		return
	}
	h.respondJson(w, http.StatusOK, toProjectResponse(project))
}

// DeleteProject handles DELETE /projects/{ref}.
// Its builds go with it.
func (h *Handlers) DeleteProject(w http.ResponseWriter, r *http.Request) {
	project := h.projectFromPath(w, r)
	if project == nil {
		return
	}
	if err := h.store.DeleteProject(r.Context(), project.ID); err != nil {
		h.storeError(w, r, err, "Failed to delete project")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// MoveProject handles POST /projects/{ref}/move?direction=up|down.
// Moving past either end succeeds with moved=false.
func (h *Handlers) MoveProject(w http.ResponseWriter, r *http.Request) {
	dir := store.Direction(r.URL.Query().Get("direction"))
	if dir != store.DirectionUp && dir != store.DirectionDown {
		h.httpError(w, "direction must be up or down", http.StatusBadRequest)
		return
	}

	project := h.projectFromPath(w, r)
	if project == nil {
		return
	}

	ctx := r.Context()
	moved, err := h.mover.Move(ctx, project.ID, dir)
	if err != nil {
		h.storeError(w, r, err, "Failed to move project")
		return
	}

	if moved {
		if project, err = h.store.GetProjectByID(ctx, project.ID); err != nil {
			h.storeError(w, r, err, "Failed to load project")
			return
		}
	}
	h.respondJson(w, http.StatusOK, api.MoveResponse{Moved: moved, Position: project.Position})
}
