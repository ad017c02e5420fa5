// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import "time"

// ProjectRequest is the request body for creating or updating a project.
type ProjectRequest struct {
	Name      string `json:"name" yaml:"name"`
	Steps     string `json:"steps" yaml:"steps"`
	VCSType   string `json:"vcs_type" yaml:"vcs_type"`
	VCSSource string `json:"vcs_source" yaml:"vcs_source"`
	VCSBranch string `json:"vcs_branch,omitempty" yaml:"vcs_branch,omitempty"`
	HookName  string `json:"hook_name,omitempty" yaml:"hook_name,omitempty"`
	// MaxBuilds of 0 keeps every build
	MaxBuilds int `json:"max_builds,omitempty" yaml:"max_builds,omitempty"`
}

// ProjectResponse represents a project in API responses.
type ProjectResponse struct {
	ID        string         `json:"id"`
	Ref       string         `json:"ref"`
	Name      string         `json:"name"`
	Steps     string         `json:"steps"`
	VCSType   string         `json:"vcs_type"`
	VCSSource string         `json:"vcs_source"`
	VCSBranch string         `json:"vcs_branch,omitempty"`
	HookName  string         `json:"hook_name,omitempty"`
	MaxBuilds int            `json:"max_builds"`
	Position  int            `json:"position"`
	LastBuild *BuildResponse `json:"last_build,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ListProjectsResponse is the response body for GET /projects, in display order.
type ListProjectsResponse struct {
	Projects []ProjectResponse `json:"projects"`
}

// BuildResponse represents a build in API responses.
type BuildResponse struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Number      int        `json:"number"`
	DisplayName string     `json:"display_name"`
	Status      string     `json:"status"`
	Revision    *string    `json:"revision,omitempty"`
	Output      string     `json:"output,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// ListBuildsResponse is the response body for build history queries, most recent first.
type ListBuildsResponse struct {
	Builds []BuildResponse `json:"builds"`
}

// MoveResponse is the response body after a move request.
type MoveResponse struct {
	Moved    bool `json:"moved"`
	Position int  `json:"position"`
}

// HealthResponse is the response body of /healthz and /readyz.
// The build counts are only filled in by /readyz.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	PendingBuilds *int64 `json:"pending_builds,omitempty"`
	RunningBuilds *int64 `json:"running_builds,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Build statuses as they appear on the wire.
const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
)
