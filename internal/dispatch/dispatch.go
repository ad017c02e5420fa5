// Package dispatch turns a build request into a pending build and hands it
// to a transport that delivers it to a worker.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"buildplane/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ErrInvalidProjectConfig is returned by Enqueue when the project cannot be built.
// No build is created in that case.
var ErrInvalidProjectConfig = errors.New("invalid project config")

// Store is the subset of store.Store the dispatcher needs.
type Store interface {
	BeginTx(ctx context.Context) (store.Tx, error)
	GetProjectByID(ctx context.Context, id uuid.UUID) (*store.Project, error)
	CreateBuild(ctx context.Context, tx store.Tx, build *store.Build) error
}

// Backends reports which VCS types can be materialized.
type Backends interface {
	Supports(t store.VCSType) bool
}

// Transport delivers a created build to the workers. tx is the transaction
// that created the build; transports that can join it should.
type Transport interface {
	Send(ctx context.Context, tx store.Tx, build *store.Build) error
}

// Payload is the message body every transport carries.
type Payload struct {
	BuildID   uuid.UUID              `json:"build_id"`
	ProjectID uuid.UUID              `json:"project_id"`
	Trace     propagation.MapCarrier `json:"trace,omitempty"`
}

// NewPayload captures the build and the current trace context.
func NewPayload(ctx context.Context, build *store.Build) Payload {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return Payload{BuildID: build.ID, ProjectID: build.ProjectID, Trace: carrier}
}

// DecodePayload parses a message body.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("invalid build payload: %w", err)
	}
	if p.BuildID == uuid.Nil {
		return p, errors.New("invalid build payload: missing build_id")
	}
	return p, nil
}

// Context returns ctx carrying the trace context of the enqueuing request.
func (p Payload) Context(ctx context.Context) context.Context {
	if len(p.Trace) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, p.Trace)
}

// Dispatcher creates builds and schedules them.
type Dispatcher struct {
	store     Store
	backends  Backends
	transport Transport
}

func New(s Store, backends Backends, transport Transport) *Dispatcher {
	return &Dispatcher{store: s, backends: backends, transport: transport}
}

// Validate reports what keeps project from being built.
func (d *Dispatcher) Validate(project *store.Project) error {
	var problems []string
	if strings.TrimSpace(project.Name) == "" {
		problems = append(problems, "name is required")
	}
	if project.VCSType == "" {
		problems = append(problems, "vcs_type is required")
	} else if d.backends != nil && !d.backends.Supports(project.VCSType) {
		problems = append(problems, fmt.Sprintf("vcs_type %q is not supported", project.VCSType))
	}
	if strings.TrimSpace(project.VCSSource) == "" {
		problems = append(problems, "vcs_source is required")
	}
	if project.MaxBuilds < 0 {
		problems = append(problems, "max_builds must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidProjectConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Enqueue creates a pending build for the project and schedules it.
// The build exists when Enqueue returns; it runs asynchronously.
func (d *Dispatcher) Enqueue(ctx context.Context, projectID uuid.UUID) (*store.Build, error) {
	project, err := d.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load project %s: %w", projectID, err)
	}
	if err := d.Validate(project); err != nil {
		return nil, err
	}

	tx, err := d.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	build := &store.Build{ProjectID: project.ID}
	if err := d.store.CreateBuild(ctx, tx, build); err != nil {
		return nil, fmt.Errorf("failed to create build: %w", err)
	}
	if err := d.transport.Send(ctx, tx, build); err != nil {
		return nil, fmt.Errorf("failed to dispatch build: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit build: %w", err)
	}

	slog.Info("build enqueued", "build_id", build.ID, "project_id", project.ID, "number", build.Number)
	return build, nil
}
