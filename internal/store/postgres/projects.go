package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"buildplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const projectColumns = `id, name, steps, vcs_type, vcs_source, vcs_branch, hook_name, max_builds, position, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (*store.Project, error) {
	var p store.Project
	err := row.Scan(
		&p.ID, &p.Name, &p.Steps, &p.VCSType, &p.VCSSource, &p.VCSBranch,
		&p.HookName, &p.MaxBuilds, &p.Position, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateProject appends the project to the end of the order.
func (s *Store) CreateProject(ctx context.Context, project *store.Project) error {
	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, orderingLockKey); err != nil {
		return fmt.Errorf("failed to lock project order: %w", err)
	}

	var position int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) + 1 FROM projects`).Scan(&position); err != nil {
		return fmt.Errorf("failed to compute position: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO projects (id, name, steps, vcs_type, vcs_source, vcs_branch, hook_name, max_builds, position, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		project.ID, project.Name, project.Steps, project.VCSType, project.VCSSource,
		project.VCSBranch, project.HookName, project.MaxBuilds, position,
		project.CreatedAt, project.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert project: %w", uniqueViolation(err))
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	project.Position = position
	return nil
}

// UpdateProject saves the configuration fields of an existing project.
func (s *Store) UpdateProject(ctx context.Context, project *store.Project) error {
	project.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE projects
		SET name = $1, steps = $2, vcs_type = $3, vcs_source = $4, vcs_branch = $5,
		    hook_name = $6, max_builds = $7, updated_at = $8
		WHERE id = $9
	`,
		project.Name, project.Steps, project.VCSType, project.VCSSource, project.VCSBranch,
		project.HookName, project.MaxBuilds, project.UpdatedAt, project.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update project %s: %w", project.ID, uniqueViolation(err))
	}
	return expectOneRow(res)
}

// uniqueViolation maps a duplicate hook name to store.ErrConflict.
func uniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("%w: %s", store.ErrConflict, pqErr.Message)
	}
	return err
}

// GetProjectByID returns a project by its ID.
func (s *Store) GetProjectByID(ctx context.Context, id uuid.UUID) (*store.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return p, err
}

// GetProjectByHook returns the project whose hook name matches.
func (s *Store) GetProjectByHook(ctx context.Context, hookName string) (*store.Project, error) {
	if hookName == "" {
		return nil, store.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE hook_name = $1`, hookName)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return p, err
}

// ListProjects returns all projects in display order.
func (s *Store) ListProjects(ctx context.Context) ([]store.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY position ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []store.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// DeleteProject removes the project; builds and queue rows go with it through ON DELETE CASCADE.
// Projects after it shift up by one so positions stay dense.
func (s *Store) DeleteProject(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, orderingLockKey); err != nil {
		return fmt.Errorf("failed to lock project order: %w", err)
	}

	var position int
	err = tx.QueryRowContext(ctx, `SELECT position FROM projects WHERE id = $1 FOR UPDATE`, id).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete project %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE projects SET position = position - 1 WHERE position > $1`, position); err != nil {
		return fmt.Errorf("failed to compact positions: %w", err)
	}

	return tx.Commit()
}

// SwapPosition exchanges the positions of the project and its neighbour inside one transaction.
func (s *Store) SwapPosition(ctx context.Context, id uuid.UUID, dir store.Direction) (bool, error) {
	var neighbourQuery string
	switch dir {
	case store.DirectionUp:
		neighbourQuery = `SELECT id, position FROM projects WHERE position < $1 ORDER BY position DESC LIMIT 1 FOR UPDATE`
	case store.DirectionDown:
		neighbourQuery = `SELECT id, position FROM projects WHERE position > $1 ORDER BY position ASC LIMIT 1 FOR UPDATE`
	default:
		return false, fmt.Errorf("invalid direction %q", dir)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, orderingLockKey); err != nil {
		return false, fmt.Errorf("failed to lock project order: %w", err)
	}

	var position int
	err = tx.QueryRowContext(ctx, `SELECT position FROM projects WHERE id = $1 FOR UPDATE`, id).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return false, store.ErrNotFound
	}
	if err != nil {
		return false, err
	}

	var neighbourID uuid.UUID
	var neighbourPosition int
	err = tx.QueryRowContext(ctx, neighbourQuery, position).Scan(&neighbourID, &neighbourPosition)
	if errors.Is(err, sql.ErrNoRows) {
		// Already first (or last).
		return false, nil
	}
	if err != nil {
		return false, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE projects
		SET position = CASE WHEN id = $1 THEN $2::int ELSE $3::int END, updated_at = NOW()
		WHERE id = $1 OR id = $4
	`, id, neighbourPosition, position, neighbourID)
	if err != nil {
		return false, fmt.Errorf("failed to swap positions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
