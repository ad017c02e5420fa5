// Package memory is an in-process implementation of store.Store.
// It backs single-binary setups (controller --embedded-worker) and tests.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"buildplane/internal/store"

	"github.com/google/uuid"
)

// VisibilityTimeout mirrors the postgres queue.
const VisibilityTimeout = 5 * time.Minute

var errTxDone = errors.New("memory: transaction already committed or rolled back")

type queueRow struct {
	id           int64
	buildID      uuid.UUID
	payload      json.RawMessage
	attempts     int
	visibleAfter time.Time
	createdAt    time.Time
	// uncommitted rows are not handed to workers
	uncommitted bool
}

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	projects map[uuid.UUID]*store.Project
	counters map[uuid.UUID]int
	builds   map[uuid.UUID]*store.Build
	queue    []*queueRow
	queueSeq int64

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		projects: make(map[uuid.UUID]*store.Project),
		counters: make(map[uuid.UUID]int),
		builds:   make(map[uuid.UUID]*store.Build),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Tx applies writes immediately and undoes them on Rollback. Reads outside
// the transaction see its writes before Commit; only queue rows are held back
// from DequeueBatch until then. Build numbers are never given back, so a
// rolled back build leaves a gap.
type Tx struct {
	s        *Store
	undo     []func()
	onCommit []func()
	done     bool
}

func (s *Store) BeginTx(ctx context.Context) (store.Tx, error) {
	return &Tx{s: s}, nil
}

func (tx *Tx) Commit() error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	if tx.done {
		return errTxDone
	}
	tx.done = true
	for _, fn := range tx.onCommit {
		fn()
	}
	tx.undo, tx.onCommit = nil, nil
	return nil
}

func (tx *Tx) Rollback() error {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	if tx.done {
		return errTxDone
	}
	tx.done = true
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo, tx.onCommit = nil, nil
	return nil
}

// openTx returns tx when it is a live memory transaction.
func openTx(tx store.Tx) *Tx {
	if mtx, ok := tx.(*Tx); ok && mtx != nil && !mtx.done {
		return mtx
	}
	return nil
}

// record must be called with s.mu held.
func (s *Store) record(tx store.Tx, fn func()) {
	if mtx := openTx(tx); mtx != nil {
		mtx.undo = append(mtx.undo, fn)
	}
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) CreateProject(ctx context.Context, project *store.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if project.ID == uuid.Nil {
		project.ID = uuid.New()
	}
	if _, exists := s.projects[project.ID]; exists {
		return fmt.Errorf("project %s already exists", project.ID)
	}
	if err := s.checkHookLocked(project); err != nil {
		return err
	}

	now := s.now()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now

	position := 0
	for _, p := range s.projects {
		if p.Position > position {
			position = p.Position
		}
	}
	project.Position = position + 1

	cp := *project
	s.projects[cp.ID] = &cp
	return nil
}

func (s *Store) checkHookLocked(project *store.Project) error {
	if project.HookName == "" {
		return nil
	}
	for _, p := range s.projects {
		if p.ID != project.ID && p.HookName == project.HookName {
			return fmt.Errorf("%w: hook name %q is already used by project %s", store.ErrConflict, project.HookName, p.ID)
		}
	}
	return nil
}

func (s *Store) UpdateProject(ctx context.Context, project *store.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.projects[project.ID]
	if !ok {
		return store.ErrNotFound
	}
	if err := s.checkHookLocked(project); err != nil {
		return err
	}

	project.UpdatedAt = s.now()
	existing.Name = project.Name
	existing.Steps = project.Steps
	existing.VCSType = project.VCSType
	existing.VCSSource = project.VCSSource
	existing.VCSBranch = project.VCSBranch
	existing.HookName = project.HookName
	existing.MaxBuilds = project.MaxBuilds
	existing.UpdatedAt = project.UpdatedAt
	project.Position = existing.Position
	return nil
}

func (s *Store) GetProjectByID(ctx context.Context, id uuid.UUID) (*store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *Store) GetProjectByHook(ctx context.Context, hookName string) (*store.Project, error) {
	if hookName == "" {
		return nil, store.ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.projects {
		if p.HookName == hookName {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListProjects(ctx context.Context) ([]store.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	projects := make([]store.Project, 0, len(s.projects))
	for _, p := range s.projects {
		projects = append(projects, *p)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].Position < projects[j].Position })
	return projects, nil
}

func (s *Store) DeleteProject(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.projects, id)
	delete(s.counters, id)

	for _, other := range s.projects {
		if other.Position > p.Position {
			other.Position--
		}
	}

	for bid, b := range s.builds {
		if b.ProjectID == id {
			delete(s.builds, bid)
			s.dropQueueRowLocked(bid)
		}
	}
	return nil
}

func (s *Store) SwapPosition(ctx context.Context, id uuid.UUID, dir store.Direction) (bool, error) {
	if dir != store.DirectionUp && dir != store.DirectionDown {
		return false, fmt.Errorf("invalid direction %q", dir)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	self, ok := s.projects[id]
	if !ok {
		return false, store.ErrNotFound
	}

	var neighbour *store.Project
	for _, p := range s.projects {
		switch dir {
		case store.DirectionUp:
			if p.Position < self.Position && (neighbour == nil || p.Position > neighbour.Position) {
				neighbour = p
			}
		case store.DirectionDown:
			if p.Position > self.Position && (neighbour == nil || p.Position < neighbour.Position) {
				neighbour = p
			}
		}
	}
	if neighbour == nil {
		return false, nil
	}

	now := s.now()
	self.Position, neighbour.Position = neighbour.Position, self.Position
	self.UpdatedAt, neighbour.UpdatedAt = now, now
	return true, nil
}

func (s *Store) CreateBuild(ctx context.Context, tx store.Tx, build *store.Build) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[build.ProjectID]; !ok {
		return store.ErrNotFound
	}
	if build.ID == uuid.Nil {
		build.ID = uuid.New()
	}
	if build.CreatedAt.IsZero() {
		build.CreatedAt = s.now()
	}
	build.Status = store.BuildStatusPending

	projectID := build.ProjectID
	s.counters[projectID]++
	build.Number = s.counters[projectID]

	cp := *build
	s.builds[cp.ID] = &cp

	s.record(tx, func() { delete(s.builds, cp.ID) })
	return nil
}

func (s *Store) GetBuildByID(ctx context.Context, id uuid.UUID) (*store.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyBuild(b), nil
}

func (s *Store) StartBuild(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[id]
	if !ok || b.Status != store.BuildStatusPending {
		return false, nil
	}
	b.Status = store.BuildStatusRunning
	b.StartedAt = &startedAt
	return true, nil
}

func (s *Store) SetBuildRevision(ctx context.Context, id uuid.UUID, revision string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[id]
	if !ok || b.Status != store.BuildStatusRunning {
		return store.ErrNotFound
	}
	b.Revision = &revision
	return nil
}

func (s *Store) FinishBuild(ctx context.Context, id uuid.UUID, status store.BuildStatus, output string, finishedAt time.Time) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[id]
	if !ok || b.Status != store.BuildStatusRunning {
		return false, nil
	}
	b.Status = status
	b.Output = output
	b.FinishedAt = &finishedAt
	return true, nil
}

// newestFirstLocked returns the project's builds ordered like the postgres store.
func (s *Store) newestFirstLocked(projectID uuid.UUID) []*store.Build {
	var builds []*store.Build
	for _, b := range s.builds {
		if b.ProjectID == projectID {
			builds = append(builds, b)
		}
	}
	sort.Slice(builds, func(i, j int) bool {
		if !builds[i].CreatedAt.Equal(builds[j].CreatedAt) {
			return builds[i].CreatedAt.After(builds[j].CreatedAt)
		}
		return builds[i].Number > builds[j].Number
	})
	return builds
}

func (s *Store) ListBuilds(ctx context.Context, projectID uuid.UUID, limit int) ([]store.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := s.newestFirstLocked(projectID)
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}

	builds := make([]store.Build, 0, len(ordered))
	for _, b := range ordered {
		builds = append(builds, *copyBuild(b))
	}
	return builds, nil
}

func (s *Store) PruneBuilds(ctx context.Context, projectID uuid.UUID, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := s.newestFirstLocked(projectID)
	if len(ordered) <= keep {
		return 0, nil
	}

	var deleted int64
	for _, b := range ordered[keep:] {
		if !b.Status.Terminal() {
			continue
		}
		delete(s.builds, b.ID)
		s.dropQueueRowLocked(b.ID)
		deleted++
	}
	return deleted, nil
}

func (s *Store) ListStaleBuilds(ctx context.Context, status store.BuildStatus, olderThan time.Time) ([]store.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var builds []store.Build
	for _, b := range s.builds {
		if b.Status == status && b.CreatedAt.Before(olderThan) {
			builds = append(builds, *copyBuild(b))
		}
	}
	sort.Slice(builds, func(i, j int) bool { return builds[i].CreatedAt.Before(builds[j].CreatedAt) })
	return builds, nil
}

func (s *Store) CountBuildsByStatus(ctx context.Context, status store.BuildStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, b := range s.builds {
		if b.Status == status {
			n++
		}
	}
	return n, nil
}

func copyBuild(b *store.Build) *store.Build {
	cp := *b
	if b.Revision != nil {
		r := *b.Revision
		cp.Revision = &r
	}
	if b.StartedAt != nil {
		t := *b.StartedAt
		cp.StartedAt = &t
	}
	if b.FinishedAt != nil {
		t := *b.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

func (s *Store) Enqueue(ctx context.Context, tx store.Tx, buildID uuid.UUID, payload json.RawMessage, visibleAfter time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.builds[buildID]; !ok {
		return 0, fmt.Errorf("failed to enqueue build %s: %w", buildID, store.ErrNotFound)
	}
	for _, row := range s.queue {
		if row.buildID == buildID {
			return 0, fmt.Errorf("build %s is already queued", buildID)
		}
	}

	now := s.now()
	if visibleAfter.IsZero() {
		visibleAfter = now
	}
	s.queueSeq++
	row := &queueRow{
		id:           s.queueSeq,
		buildID:      buildID,
		payload:      append(json.RawMessage(nil), payload...),
		visibleAfter: visibleAfter,
		createdAt:    now,
	}
	s.queue = append(s.queue, row)

	if mtx := openTx(tx); mtx != nil {
		row.uncommitted = true
		mtx.onCommit = append(mtx.onCommit, func() { row.uncommitted = false })
		mtx.undo = append(mtx.undo, func() { s.dropQueueRowLocked(buildID) })
	}
	return row.id, nil
}

func (s *Store) DequeueBatch(ctx context.Context, limit int) ([]store.QueueItem, error) {
	if limit <= 0 {
		limit = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var items []store.QueueItem
	for _, row := range s.queue {
		if len(items) == limit {
			break
		}
		if row.uncommitted || row.visibleAfter.After(now) {
			continue
		}
		row.attempts++
		row.visibleAfter = now.Add(VisibilityTimeout)
		items = append(items, store.QueueItem{
			BuildID:  row.buildID,
			Payload:  append(json.RawMessage(nil), row.payload...),
			Attempts: row.attempts,
		})
	}
	return items, nil
}

func (s *Store) Ack(ctx context.Context, buildID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropQueueRowLocked(buildID)
	return nil
}

func (s *Store) SetVisibleAfter(ctx context.Context, buildID uuid.UUID, visibleAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.queue {
		if row.buildID == buildID {
			row.visibleAfter = visibleAfter
		}
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queue)), nil
}

func (s *Store) dropQueueRowLocked(buildID uuid.UUID) {
	kept := s.queue[:0]
	for _, row := range s.queue {
		if row.buildID != buildID {
			kept = append(kept, row)
		}
	}
	s.queue = kept
}
