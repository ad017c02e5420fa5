package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"buildplane/internal/store"

	"github.com/google/uuid"
)

func newProject(t *testing.T, s *Store, name string) *store.Project {
	t.Helper()
	p := &store.Project{Name: name, VCSType: store.VCSGit, VCSSource: "repo", Steps: "true"}
	if err := s.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject(%s) failed: %v", name, err)
	}
	return p
}

func positions(t *testing.T, s *Store) []string {
	t.Helper()
	projects, err := s.ListProjects(context.Background())
	if err != nil {
		t.Fatalf("ListProjects failed: %v", err)
	}
	var names []string
	for i, p := range projects {
		if p.Position != i+1 {
			t.Errorf("project %s has position %d, want %d", p.Name, p.Position, i+1)
		}
		names = append(names, p.Name)
	}
	return names
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCreateProject_Appends(t *testing.T) {
	s := New()
	newProject(t, s, "a")
	newProject(t, s, "b")
	c := newProject(t, s, "c")

	if c.Position != 3 {
		t.Errorf("got position %d, want 3", c.Position)
	}
	if got := positions(t, s); !equal(got, []string{"a", "b", "c"}) {
		t.Errorf("order = %v", got)
	}
}

func TestCreateProject_DuplicateHook(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.CreateProject(ctx, &store.Project{Name: "a", HookName: "koss"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.CreateProject(ctx, &store.Project{Name: "b", HookName: "koss"}); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected duplicate hook name to be rejected with ErrConflict, got %v", err)
	}
}

func TestSwapPosition(t *testing.T) {
	s := New()
	ctx := context.Background()
	newProject(t, s, "a")
	b := newProject(t, s, "b")
	c := newProject(t, s, "c")

	moved, err := s.SwapPosition(ctx, b.ID, store.DirectionUp)
	if err != nil || !moved {
		t.Fatalf("SwapPosition(up) = %v, %v", moved, err)
	}
	if got := positions(t, s); !equal(got, []string{"b", "a", "c"}) {
		t.Errorf("after up: %v", got)
	}

	moved, err = s.SwapPosition(ctx, b.ID, store.DirectionUp)
	if err != nil || moved {
		t.Errorf("moving the first project up should be a no-op, got %v, %v", moved, err)
	}

	moved, err = s.SwapPosition(ctx, c.ID, store.DirectionDown)
	if err != nil || moved {
		t.Errorf("moving the last project down should be a no-op, got %v, %v", moved, err)
	}

	if _, err := s.SwapPosition(ctx, b.ID, store.DirectionDown); err != nil {
		t.Fatalf("SwapPosition(down) failed: %v", err)
	}
	if got := positions(t, s); !equal(got, []string{"a", "b", "c"}) {
		t.Errorf("round trip: %v", got)
	}

	if _, err := s.SwapPosition(ctx, uuid.New(), store.DirectionUp); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteProject_CascadesAndCompacts(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := newProject(t, s, "a")
	newProject(t, s, "b")
	newProject(t, s, "c")

	build := &store.Build{ProjectID: a.ID}
	if err := s.CreateBuild(ctx, nil, build); err != nil {
		t.Fatalf("CreateBuild failed: %v", err)
	}
	if _, err := s.Enqueue(ctx, nil, build.ID, json.RawMessage(`{}`), time.Time{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := s.DeleteProject(ctx, a.ID); err != nil {
		t.Fatalf("DeleteProject failed: %v", err)
	}

	if got := positions(t, s); !equal(got, []string{"b", "c"}) {
		t.Errorf("order = %v", got)
	}
	if _, err := s.GetBuildByID(ctx, build.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected build to be removed with its project, got %v", err)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Errorf("expected queue to be empty, got %d", n)
	}
}

func TestBuildLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := newProject(t, s, "a")

	build := &store.Build{ProjectID: p.ID}
	if err := s.CreateBuild(ctx, nil, build); err != nil {
		t.Fatalf("CreateBuild failed: %v", err)
	}
	if build.Number != 1 || build.Status != store.BuildStatusPending {
		t.Fatalf("unexpected build %+v", build)
	}

	if ok, _ := s.FinishBuild(ctx, build.ID, store.BuildStatusSuccess, "", time.Now()); ok {
		t.Error("pending build must not finish directly")
	}

	ok, err := s.StartBuild(ctx, build.ID, time.Now())
	if err != nil || !ok {
		t.Fatalf("StartBuild = %v, %v", ok, err)
	}
	if ok, _ := s.StartBuild(ctx, build.ID, time.Now()); ok {
		t.Error("second StartBuild must be a no-op")
	}

	if err := s.SetBuildRevision(ctx, build.ID, "abc"); err != nil {
		t.Fatalf("SetBuildRevision failed: %v", err)
	}
	if ok, err := s.FinishBuild(ctx, build.ID, store.BuildStatusFailed, "boom", time.Now()); err != nil || !ok {
		t.Fatalf("FinishBuild = %v, %v", ok, err)
	}
	if ok, _ := s.FinishBuild(ctx, build.ID, store.BuildStatusSuccess, "again", time.Now()); ok {
		t.Error("a terminal build must not be finished twice")
	}

	got, err := s.GetBuildByID(ctx, build.ID)
	if err != nil {
		t.Fatalf("GetBuildByID failed: %v", err)
	}
	if got.Status != store.BuildStatusFailed || got.Output != "boom" || *got.Revision != "abc" {
		t.Errorf("unexpected build %+v", got)
	}
}

func TestCreateBuild_RollbackUndoes(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := newProject(t, s, "a")

	tx, _ := s.BeginTx(ctx)
	build := &store.Build{ProjectID: p.ID}
	if err := s.CreateBuild(ctx, tx, build); err != nil {
		t.Fatalf("CreateBuild failed: %v", err)
	}
	if _, err := s.Enqueue(ctx, tx, build.ID, nil, time.Time{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// a build created while the transaction is open keeps its own number
	concurrent := &store.Build{ProjectID: p.ID}
	if err := s.CreateBuild(ctx, nil, concurrent); err != nil {
		t.Fatalf("CreateBuild failed: %v", err)
	}

	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if _, err := s.GetBuildByID(ctx, build.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected rolled back build to be gone, got %v", err)
	}
	if n, _ := s.Count(ctx); n != 0 {
		t.Errorf("expected empty queue, got %d", n)
	}

	next := &store.Build{ProjectID: p.ID}
	if err := s.CreateBuild(ctx, nil, next); err != nil {
		t.Fatalf("CreateBuild failed: %v", err)
	}
	if build.Number != 1 || concurrent.Number != 2 || next.Number != 3 {
		t.Errorf("expected numbers 1, 2, 3 with a gap at 1, got %d, %d, %d", build.Number, concurrent.Number, next.Number)
	}
}

func TestEnqueue_HiddenUntilCommit(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := newProject(t, s, "a")

	tx, _ := s.BeginTx(ctx)
	build := &store.Build{ProjectID: p.ID}
	if err := s.CreateBuild(ctx, tx, build); err != nil {
		t.Fatalf("CreateBuild failed: %v", err)
	}
	if _, err := s.Enqueue(ctx, tx, build.ID, nil, time.Time{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	items, err := s.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatalf("DequeueBatch failed: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no items before commit, got %d", len(items))
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	items, _ = s.DequeueBatch(ctx, 10)
	if len(items) != 1 || items[0].BuildID != build.ID || items[0].Attempts != 1 {
		t.Fatalf("expected the committed build once, got %+v", items)
	}
	if err := tx.Rollback(); !errors.Is(err, errTxDone) {
		t.Errorf("expected errTxDone after commit, got %v", err)
	}
}

func TestPruneBuilds_KeepsNewestTerminal(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := newProject(t, s, "a")

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		b := &store.Build{ProjectID: p.ID, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.CreateBuild(ctx, nil, b); err != nil {
			t.Fatalf("CreateBuild failed: %v", err)
		}
		s.StartBuild(ctx, b.ID, time.Now())
		s.FinishBuild(ctx, b.ID, store.BuildStatusSuccess, "", time.Now())
		ids = append(ids, b.ID)
	}

	deleted, err := s.PruneBuilds(ctx, p.ID, 3)
	if err != nil {
		t.Fatalf("PruneBuilds failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted %d, want 2", deleted)
	}

	builds, _ := s.ListBuilds(ctx, p.ID, 0)
	if len(builds) != 3 {
		t.Fatalf("expected 3 builds, got %d", len(builds))
	}
	for i, want := range []uuid.UUID{ids[4], ids[3], ids[2]} {
		if builds[i].ID != want {
			t.Errorf("build %d = %v, want %v", i, builds[i].ID, want)
		}
	}
}

func TestPruneBuilds_SkipsActiveBuilds(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := newProject(t, s, "a")

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	oldest := &store.Build{ProjectID: p.ID, CreatedAt: base}
	s.CreateBuild(ctx, nil, oldest)
	for i := 1; i < 3; i++ {
		b := &store.Build{ProjectID: p.ID, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		s.CreateBuild(ctx, nil, b)
		s.StartBuild(ctx, b.ID, time.Now())
		s.FinishBuild(ctx, b.ID, store.BuildStatusSuccess, "", time.Now())
	}

	deleted, _ := s.PruneBuilds(ctx, p.ID, 1)
	if deleted != 1 {
		t.Errorf("deleted %d, want 1", deleted)
	}
	if _, err := s.GetBuildByID(ctx, oldest.ID); err != nil {
		t.Errorf("pending build must survive pruning: %v", err)
	}
}

func TestQueue_DequeueHidesClaimedItems(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := newProject(t, s, "a")

	var builds []uuid.UUID
	for i := 0; i < 3; i++ {
		b := &store.Build{ProjectID: p.ID}
		s.CreateBuild(ctx, nil, b)
		if _, err := s.Enqueue(ctx, nil, b.ID, json.RawMessage(`{"i":1}`), time.Time{}); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		builds = append(builds, b.ID)
	}

	items, _ := s.DequeueBatch(ctx, 2)
	if len(items) != 2 || items[0].BuildID != builds[0] || items[0].Attempts != 1 {
		t.Fatalf("unexpected first batch %+v", items)
	}

	items, _ = s.DequeueBatch(ctx, 5)
	if len(items) != 1 || items[0].BuildID != builds[2] {
		t.Fatalf("unexpected second batch %+v", items)
	}

	if err := s.SetVisibleAfter(ctx, builds[0], time.Now().Add(-time.Second)); err != nil {
		t.Fatal(err)
	}
	items, _ = s.DequeueBatch(ctx, 5)
	if len(items) != 1 || items[0].Attempts != 2 {
		t.Fatalf("expected redelivery with attempts 2, got %+v", items)
	}

	s.Ack(ctx, builds[0])
	if n, _ := s.Count(ctx); n != 2 {
		t.Errorf("expected 2 queued, got %d", n)
	}
}

func TestListStaleBuilds(t *testing.T) {
	s := New()
	ctx := context.Background()
	p := newProject(t, s, "a")

	old := &store.Build{ProjectID: p.ID, CreatedAt: time.Now().Add(-2 * time.Hour)}
	fresh := &store.Build{ProjectID: p.ID}
	s.CreateBuild(ctx, nil, old)
	s.CreateBuild(ctx, nil, fresh)

	stale, err := s.ListStaleBuilds(ctx, store.BuildStatusPending, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListStaleBuilds failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Errorf("unexpected stale builds %+v", stale)
	}

	n, _ := s.CountBuildsByStatus(ctx, store.BuildStatusPending)
	if n != 2 {
		t.Errorf("expected 2 pending, got %d", n)
	}
}
