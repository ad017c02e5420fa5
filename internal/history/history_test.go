package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"buildplane/internal/store"
	"buildplane/internal/store/memory"

	"github.com/google/uuid"
)

func finishedBuild(t *testing.T, s *memory.Store, projectID uuid.UUID, createdAt time.Time) *store.Build {
	t.Helper()
	ctx := context.Background()
	b := &store.Build{ProjectID: projectID, CreatedAt: createdAt}
	if err := s.CreateBuild(ctx, nil, b); err != nil {
		t.Fatalf("CreateBuild failed: %v", err)
	}
	s.StartBuild(ctx, b.ID, createdAt)
	s.FinishBuild(ctx, b.ID, store.BuildStatusSuccess, "", createdAt)
	return b
}

func TestRecordFinalized_KeepsNewest(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	project := &store.Project{Name: "Koss", VCSType: store.VCSGit, VCSSource: "repo", MaxBuilds: 3}
	s.CreateProject(ctx, project)
	m := NewManager(s, nil)

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var builds []*store.Build
	for i := 0; i < 5; i++ {
		b := finishedBuild(t, s, project.ID, base.Add(time.Duration(i)*time.Hour))
		builds = append(builds, b)
		if _, err := m.RecordFinalized(ctx, b); err != nil {
			t.Fatalf("RecordFinalized failed: %v", err)
		}
	}

	got, err := m.History(ctx, project.ID, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 builds to remain, got %d", len(got))
	}
	for i, want := range []*store.Build{builds[4], builds[3], builds[2]} {
		if got[i].ID != want.ID {
			t.Errorf("history[%d] = build #%d, want #%d", i, got[i].Number, want.Number)
		}
	}
}

func TestRecordFinalized_Unlimited(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	project := &store.Project{Name: "Koss", VCSType: store.VCSGit, VCSSource: "repo"}
	s.CreateProject(ctx, project)
	m := NewManager(s, nil)

	for i := 0; i < 4; i++ {
		b := finishedBuild(t, s, project.ID, time.Now().Add(time.Duration(i)*time.Second))
		if n, err := m.RecordFinalized(ctx, b); err != nil || n != 0 {
			t.Fatalf("RecordFinalized = %d, %v", n, err)
		}
	}

	got, _ := m.History(ctx, project.ID, 0)
	if len(got) != 4 {
		t.Errorf("expected all 4 builds to remain, got %d", len(got))
	}
}

func TestRecordFinalized_LimitChangeIsReactive(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	project := &store.Project{Name: "Koss", VCSType: store.VCSGit, VCSSource: "repo"}
	s.CreateProject(ctx, project)
	m := NewManager(s, nil)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		finishedBuild(t, s, project.ID, base.Add(time.Duration(i)*time.Minute))
	}

	project.MaxBuilds = 2
	if err := s.UpdateProject(ctx, project); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.History(ctx, project.ID, 0); len(got) != 4 {
		t.Fatalf("lowering max builds must not prune by itself, got %d builds", len(got))
	}

	b := finishedBuild(t, s, project.ID, time.Now())
	if _, err := m.RecordFinalized(ctx, b); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.History(ctx, project.ID, 0); len(got) != 2 {
		t.Errorf("expected 2 builds after the next finished build, got %d", len(got))
	}
}

func TestRecordFinalized_Concurrent(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	project := &store.Project{Name: "Koss", VCSType: store.VCSGit, VCSSource: "repo", MaxBuilds: 2}
	s.CreateProject(ctx, project)
	m := NewManager(s, nil)

	var builds []*store.Build
	for i := 0; i < 10; i++ {
		builds = append(builds, finishedBuild(t, s, project.ID, time.Now().Add(time.Duration(i)*time.Millisecond)))
	}

	var wg sync.WaitGroup
	for _, b := range builds {
		wg.Add(1)
		go func(b *store.Build) {
			defer wg.Done()
			m.RecordFinalized(ctx, b)
		}(b)
	}
	wg.Wait()

	if got, _ := m.History(ctx, project.ID, 0); len(got) != 2 {
		t.Errorf("expected exactly 2 builds, got %d", len(got))
	}
}

func TestHistory_DefaultLimit(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	project := &store.Project{Name: "Koss", VCSType: store.VCSGit, VCSSource: "repo"}
	s.CreateProject(ctx, project)
	m := NewManager(s, nil)

	for i := 0; i < DefaultLimit+5; i++ {
		finishedBuild(t, s, project.ID, time.Now().Add(time.Duration(i)*time.Second))
	}

	got, _ := m.History(ctx, project.ID, 0)
	if len(got) != DefaultLimit {
		t.Errorf("expected %d builds, got %d", DefaultLimit, len(got))
	}
	got, _ = m.History(ctx, project.ID, 3)
	if len(got) != 3 {
		t.Errorf("expected 3 builds, got %d", len(got))
	}
}

func TestRecordFinalized_UnknownProject(t *testing.T) {
	m := NewManager(memory.New(), nil)

	_, err := m.RecordFinalized(context.Background(), &store.Build{ProjectID: uuid.New()})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
