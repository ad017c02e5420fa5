package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a uniqueness rule, such as a reused hook name.
var ErrConflict = errors.New("conflict")

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx is a unit of work spanning several repository calls.
// Rollback after Commit is a no-op.
type Tx interface {
	Commit() error
	Rollback() error
}

// ProjectStore handles project configuration and the global project order.
type ProjectStore interface {
	// CreateProject inserts a project at the end of the order and sets its Position.
	CreateProject(ctx context.Context, project *Project) error

	// UpdateProject saves the configuration fields. Position is not touched.
	UpdateProject(ctx context.Context, project *Project) error

	// GetProjectByID returns a project by its ID.
	GetProjectByID(ctx context.Context, id uuid.UUID) (*Project, error)

	// GetProjectByHook returns the project whose hook name matches.
	GetProjectByHook(ctx context.Context, hookName string) (*Project, error)

	// ListProjects returns all projects ordered by position.
	ListProjects(ctx context.Context) ([]Project, error)

	// DeleteProject removes the project and all of its builds, and closes the gap in the order.
	DeleteProject(ctx context.Context, id uuid.UUID) error

	// SwapPosition atomically swaps the project with its neighbour in the given direction.
	// It reports false when the project is already at that boundary.
	SwapPosition(ctx context.Context, id uuid.UUID, dir Direction) (bool, error)
}

// BuildStore handles build records.
type BuildStore interface {
	// CreateBuild inserts a pending build and assigns its per-project Number.
	CreateBuild(ctx context.Context, tx Tx, build *Build) error

	// GetBuildByID returns a build by its ID.
	GetBuildByID(ctx context.Context, id uuid.UUID) (*Build, error)

	// StartBuild moves a pending build to running. It reports false if the build was not pending.
	StartBuild(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error)

	// SetBuildRevision records the checked out revision of a running build.
	SetBuildRevision(ctx context.Context, id uuid.UUID, revision string) error

	// FinishBuild moves a running build to a terminal status with its output.
	// It reports false if the build was not running.
	FinishBuild(ctx context.Context, id uuid.UUID, status BuildStatus, output string, finishedAt time.Time) (bool, error)

	// ListBuilds returns the project's builds, newest first. limit <= 0 means all.
	ListBuilds(ctx context.Context, projectID uuid.UUID, limit int) ([]Build, error)

	// PruneBuilds keeps the newest keep builds of the project and deletes the rest.
	// Count and delete happen atomically with respect to other PruneBuilds calls for the same project.
	PruneBuilds(ctx context.Context, projectID uuid.UUID, keep int) (int64, error)

	// ListStaleBuilds returns builds in the given status created before olderThan, oldest first.
	ListStaleBuilds(ctx context.Context, status BuildStatus, olderThan time.Time) ([]Build, error)

	// CountBuildsByStatus returns how many builds are in the given status.
	CountBuildsByStatus(ctx context.Context, status BuildStatus) (int64, error)
}

// Store is everything the control plane needs from a backend.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
	ProjectStore
	BuildStore
	Queue
}
