package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"buildplane/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

var projectRowColumns = []string{
	"id", "name", "steps", "vcs_type", "vcs_source", "vcs_branch",
	"hook_name", "max_builds", "position", "created_at", "updated_at",
}

func TestCreateProject_AppendsAtEnd(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	project := &store.Project{
		Name:      "Koss",
		Steps:     "ls",
		VCSType:   store.VCSGit,
		VCSSource: "no/such",
		VCSBranch: "master",
	}

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(orderingLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(position\), 0\) \+ 1 FROM projects`).
		WillReturnRows(sqlmock.NewRows([]string{"position"}).AddRow(4))
	mock.ExpectExec(`INSERT INTO projects`).
		WithArgs(sqlmock.AnyArg(), "Koss", "ls", store.VCSGit, "no/such", "master", "", 0, 4, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	if project.ID == uuid.Nil {
		t.Error("expected an ID to be assigned")
	}
	if project.Position != 4 {
		t.Errorf("expected position 4, got %d", project.Position)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestCreateProject_InsertError(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COALESCE`).WillReturnRows(sqlmock.NewRows([]string{"position"}).AddRow(1))
	mock.ExpectExec(`INSERT INTO projects`).WillReturnError(&pq.Error{
		Code:    "23505",
		Message: `duplicate key value violates unique constraint "projects_hook_name_key"`,
	})
	mock.ExpectRollback()

	project := &store.Project{Name: "dup", VCSType: store.VCSGit, VCSSource: "x", HookName: "koss"}
	err := s.CreateProject(context.Background(), project)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if project.Position != 0 {
		t.Errorf("position must stay unset on failure, got %d", project.Position)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUpdateProject_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	mock.ExpectExec(`UPDATE projects`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateProject(context.Background(), &store.Project{ID: id, Name: "x"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetProjectByID(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM projects WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(projectRowColumns).
			AddRow(id.String(), "Koss", "ls\necho ok", "git", "repo", "main", "koss", 3, 1, now, now))

	p, err := s.GetProjectByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetProjectByID failed: %v", err)
	}
	if p.ID != id {
		t.Errorf("got id %v, want %v", p.ID, id)
	}
	if p.VCSType != store.VCSGit {
		t.Errorf("got vcs type %q", p.VCSType)
	}
	if p.MaxBuilds != 3 {
		t.Errorf("got max builds %d", p.MaxBuilds)
	}
	if len(p.StepList()) != 2 {
		t.Errorf("expected 2 steps, got %v", p.StepList())
	}
}

func TestGetProjectByID_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT .* FROM projects WHERE id = \$1`).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetProjectByID(context.Background(), uuid.New())
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetProjectByHook_EmptyName(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	_, err := s.GetProjectByHook(context.Background(), "")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// No query may be issued for an empty hook.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database calls: %v", err)
	}
}

func TestListProjects_OrderedByPosition(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	a, b := uuid.New(), uuid.New()
	now := time.Now()

	mock.ExpectQuery(`SELECT .* FROM projects ORDER BY position ASC`).
		WillReturnRows(sqlmock.NewRows(projectRowColumns).
			AddRow(a.String(), "a", "", "git", "x", "", "", 0, 1, now, now).
			AddRow(b.String(), "b", "", "svn", "y", "", "", 0, 2, now, now))

	projects, err := s.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	if len(projects) != 2 || projects[0].ID != a || projects[1].ID != b {
		t.Errorf("unexpected projects: %+v", projects)
	}
}

func TestDeleteProject_CompactsPositions(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(orderingLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT position FROM projects WHERE id = \$1 FOR UPDATE`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"position"}).AddRow(2))
	mock.ExpectExec(`DELETE FROM projects WHERE id = \$1`).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE projects SET position = position - 1 WHERE position > \$1`).
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	if err := s.DeleteProject(context.Background(), id); err != nil {
		t.Fatalf("DeleteProject failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDeleteProject_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT position FROM projects`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.DeleteProject(context.Background(), uuid.New())
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSwapPosition(t *testing.T) {
	tests := []struct {
		name          string
		dir           store.Direction
		neighbourExpr string
		hasNeighbour  bool
		wantMoved     bool
	}{
		{"up swaps with previous", store.DirectionUp, `position < \$1 ORDER BY position DESC`, true, true},
		{"down swaps with next", store.DirectionDown, `position > \$1 ORDER BY position ASC`, true, true},
		{"up at top is a no-op", store.DirectionUp, `position < \$1`, false, false},
		{"down at bottom is a no-op", store.DirectionDown, `position > \$1`, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			defer s.db.Close()

			id := uuid.New()
			neighbour := uuid.New()

			mock.ExpectBegin()
			mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
				WithArgs(orderingLockKey).
				WillReturnResult(sqlmock.NewResult(0, 0))
			mock.ExpectQuery(`SELECT position FROM projects WHERE id = \$1 FOR UPDATE`).
				WithArgs(id).
				WillReturnRows(sqlmock.NewRows([]string{"position"}).AddRow(2))

			neighbourQuery := mock.ExpectQuery(`SELECT id, position FROM projects WHERE ` + tt.neighbourExpr).
				WithArgs(2)
			if tt.hasNeighbour {
				neighbourPos := 1
				if tt.dir == store.DirectionDown {
					neighbourPos = 3
				}
				neighbourQuery.WillReturnRows(sqlmock.NewRows([]string{"id", "position"}).
					AddRow(neighbour.String(), neighbourPos))
				mock.ExpectExec(`UPDATE projects\s+SET position = CASE WHEN id = \$1`).
					WithArgs(id, neighbourPos, 2, neighbour).
					WillReturnResult(sqlmock.NewResult(0, 2))
				mock.ExpectCommit()
			} else {
				neighbourQuery.WillReturnError(sql.ErrNoRows)
				mock.ExpectRollback()
			}

			moved, err := s.SwapPosition(context.Background(), id, tt.dir)
			if err != nil {
				t.Fatalf("SwapPosition failed: %v", err)
			}
			if moved != tt.wantMoved {
				t.Errorf("moved = %v, want %v", moved, tt.wantMoved)
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSwapPosition_InvalidDirection(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	if _, err := s.SwapPosition(context.Background(), uuid.New(), store.Direction("sideways")); err == nil {
		t.Error("expected error for invalid direction")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database calls: %v", err)
	}
}

func TestSwapPosition_UnknownProject(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT position FROM projects WHERE id = \$1`).WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.SwapPosition(context.Background(), uuid.New(), store.DirectionUp)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
