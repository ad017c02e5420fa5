package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"buildplane/internal/dispatch"
	"buildplane/internal/history"
	"buildplane/internal/ordering"
	"buildplane/internal/store"
	"buildplane/internal/store/memory"
	"buildplane/internal/vcs"

	"github.com/google/uuid"
)

// mockStore wraps the memory store with injectable failures.
type mockStore struct {
	*memory.Store

	pingErr         error
	listProjectsErr error
	countErr        error

	capturedOlderThan time.Time
	capturedStatus    store.BuildStatus
}

func (m *mockStore) Ping(ctx context.Context) error { return m.pingErr }

func (m *mockStore) CountBuildsByStatus(ctx context.Context, status store.BuildStatus) (int64, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	return m.Store.CountBuildsByStatus(ctx, status)
}

func (m *mockStore) ListProjects(ctx context.Context) ([]store.Project, error) {
	if m.listProjectsErr != nil {
		return nil, m.listProjectsErr
	}
	return m.Store.ListProjects(ctx)
}

func (m *mockStore) ListStaleBuilds(ctx context.Context, status store.BuildStatus, olderThan time.Time) ([]store.Build, error) {
	m.capturedStatus = status
	m.capturedOlderThan = olderThan
	return m.Store.ListStaleBuilds(ctx, status, olderThan)
}

type fixture struct {
	store      *mockStore
	dispatcher *dispatch.Dispatcher
	handlers   *Handlers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := &mockStore{Store: memory.New()}
	d := dispatch.New(s.Store, vcs.DefaultRegistry(), dispatch.NewQueueTransport(s.Store))
	h := New(s, d, ordering.NewManager(s.Store), history.NewManager(s.Store, nil), Config{
		BaseURL: "http://ci.example.com",
		Version: "1.2.3",
	})
	return &fixture{store: s, dispatcher: d, handlers: h}
}

func (f *fixture) project(t *testing.T, name, hook string) *store.Project {
	t.Helper()
	p := &store.Project{
		Name:      name,
		Steps:     "make test",
		VCSType:   store.VCSGit,
		VCSSource: "https://example.com/" + name + ".git",
		HookName:  hook,
	}
	if err := f.store.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	return p
}

func (f *fixture) build(t *testing.T, projectID uuid.UUID) *store.Build {
	t.Helper()
	b, err := f.dispatcher.Enqueue(context.Background(), projectID)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return b
}

func (f *fixture) finish(t *testing.T, id uuid.UUID, status store.BuildStatus, output string) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.StartBuild(ctx, id, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.FinishBuild(ctx, id, status, output, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
}

// request builds a request with the given path values set, as the mux would.
func request(method, target string, body interface{}, pathValues map[string]string) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	for k, v := range pathValues {
		req.SetPathValue(k, v)
	}
	return req
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}
