package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"buildplane/internal/store"

	"github.com/google/uuid"
)

const buildColumns = `id, project_id, number, status, output, revision, created_at, started_at, finished_at`

func scanBuild(row rowScanner) (*store.Build, error) {
	var b store.Build
	err := row.Scan(
		&b.ID, &b.ProjectID, &b.Number, &b.Status, &b.Output, &b.Revision,
		&b.CreatedAt, &b.StartedAt, &b.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func scanBuilds(rows *sql.Rows) ([]store.Build, error) {
	defer rows.Close()

	var builds []store.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *b)
	}
	return builds, rows.Err()
}

// CreateBuild inserts a pending build. The per-project build number comes from
// an atomic increment on the owning project row.
func (s *Store) CreateBuild(ctx context.Context, tx store.Tx, build *store.Build) error {
	executor := s.getExecutor(tx)

	if build.ID == uuid.Nil {
		build.ID = uuid.New()
	}
	if build.CreatedAt.IsZero() {
		build.CreatedAt = time.Now().UTC()
	}
	build.Status = store.BuildStatusPending

	var number int
	err := executor.QueryRowContext(ctx, `
		UPDATE projects SET build_counter = build_counter + 1
		WHERE id = $1
		RETURNING build_counter
	`, build.ProjectID).Scan(&number)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to allocate build number: %w", err)
	}

	_, err = executor.ExecContext(ctx, `
		INSERT INTO builds (id, project_id, number, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, build.ID, build.ProjectID, number, build.Status, build.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert build: %w", err)
	}

	build.Number = number
	return nil
}

// GetBuildByID returns a build by its ID.
func (s *Store) GetBuildByID(ctx context.Context, id uuid.UUID) (*store.Build, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = $1`, id)
	b, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return b, err
}

// StartBuild claims a pending build. The status guard makes a redelivered job a no-op.
func (s *Store) StartBuild(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE builds SET status = $1, started_at = $2
		WHERE id = $3 AND status = $4
	`, store.BuildStatusRunning, startedAt, id, store.BuildStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to start build %s: %w", id, err)
	}
	return affected(res)
}

// SetBuildRevision records the checked out revision.
func (s *Store) SetBuildRevision(ctx context.Context, id uuid.UUID, revision string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE builds SET revision = $1
		WHERE id = $2 AND status = $3
	`, revision, id, store.BuildStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to set revision of build %s: %w", id, err)
	}
	return expectOneRow(res)
}

// FinishBuild writes the terminal status and output exactly once.
func (s *Store) FinishBuild(ctx context.Context, id uuid.UUID, status store.BuildStatus, output string, finishedAt time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE builds SET status = $1, output = $2, finished_at = $3
		WHERE id = $4 AND status = $5
	`, status, output, finishedAt, id, store.BuildStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to finish build %s: %w", id, err)
	}
	return affected(res)
}

// ListBuilds returns the project's builds, newest first.
func (s *Store) ListBuilds(ctx context.Context, projectID uuid.UUID, limit int) ([]store.Build, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE project_id = $1 ORDER BY created_at DESC, id DESC`
	args := []interface{}{projectID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanBuilds(rows)
}

// PruneBuilds deletes finished builds beyond the newest keep.
// The project-scoped advisory lock makes count-then-delete atomic against
// concurrently finalizing builds of the same project.
func (s *Store) PruneBuilds(ctx context.Context, projectID uuid.UUID, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, retentionLockClass, projectID.String()); err != nil {
		return 0, fmt.Errorf("failed to lock project %s: %w", projectID, err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM builds WHERE project_id = $1`, projectID).Scan(&count); err != nil {
		return 0, err
	}
	if count <= keep {
		return 0, tx.Commit()
	}

	// Builds still pending or running are left alone; they prune themselves when they finish.
	res, err := tx.ExecContext(ctx, `
		DELETE FROM builds
		WHERE project_id = $1
		  AND status IN ($3, $4, $5)
		  AND id NOT IN (
			SELECT id FROM builds
			WHERE project_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		  )
	`, projectID, keep, store.BuildStatusSuccess, store.BuildStatusFailed, store.BuildStatusError)
	if err != nil {
		return 0, fmt.Errorf("failed to prune builds of project %s: %w", projectID, err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return deleted, nil
}

// ListStaleBuilds returns builds stuck in status since before olderThan, oldest first.
func (s *Store) ListStaleBuilds(ctx context.Context, status store.BuildStatus, olderThan time.Time) ([]store.Build, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+buildColumns+` FROM builds
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC, id ASC
	`, status, olderThan)
	if err != nil {
		return nil, err
	}
	return scanBuilds(rows)
}

// CountBuildsByStatus returns how many builds are in the given status.
func (s *Store) CountBuildsByStatus(ctx context.Context, status store.BuildStatus) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM builds WHERE status = $1`, status).Scan(&count)
	return count, err
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
