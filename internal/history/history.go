// Package history enforces per-project build retention and serves build history.
package history

import (
	"context"
	"fmt"
	"log/slog"

	"buildplane/internal/observability"
	"buildplane/internal/store"

	"github.com/google/uuid"
)

// DefaultLimit is how many builds History returns when no limit is given.
const DefaultLimit = 20

// Store is the subset of store.Store the manager needs.
type Store interface {
	GetProjectByID(ctx context.Context, id uuid.UUID) (*store.Project, error)
	ListBuilds(ctx context.Context, projectID uuid.UUID, limit int) ([]store.Build, error)
	PruneBuilds(ctx context.Context, projectID uuid.UUID, keep int) (int64, error)
}

// Manager applies the retention policy after builds finish.
type Manager struct {
	store   Store
	metrics *observability.BuildMetrics
}

// NewManager creates a history manager. metrics may be nil.
func NewManager(s Store, metrics *observability.BuildMetrics) *Manager {
	return &Manager{store: s, metrics: metrics}
}

// RecordFinalized prunes the owning project's oldest builds beyond its max builds.
// Pruning happens only here, after a build finishes; changing a project's limit
// takes effect with its next finished build.
func (m *Manager) RecordFinalized(ctx context.Context, build *store.Build) (int64, error) {
	project, err := m.store.GetProjectByID(ctx, build.ProjectID)
	if err != nil {
		return 0, fmt.Errorf("failed to load project %s: %w", build.ProjectID, err)
	}
	if project.MaxBuilds <= 0 {
		return 0, nil
	}

	deleted, err := m.store.PruneBuilds(ctx, project.ID, project.MaxBuilds)
	if err != nil {
		return 0, fmt.Errorf("failed to prune builds of project %s: %w", project.ID, err)
	}
	if deleted > 0 {
		slog.Info("pruned builds", "project_id", project.ID, "deleted", deleted, "max_builds", project.MaxBuilds)
		m.metrics.BuildsPruned(ctx, deleted)
	}
	return deleted, nil
}

// History returns the project's builds, most recent first.
// limit <= 0 means DefaultLimit.
func (m *Manager) History(ctx context.Context, projectID uuid.UUID, limit int) ([]store.Build, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return m.store.ListBuilds(ctx, projectID, limit)
}
