// Package pipeline drives a single build through its lifecycle:
// checkout, steps, finalization and retention.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"buildplane/internal/observability"
	"buildplane/internal/steps"
	"buildplane/internal/store"
	"buildplane/internal/vcs"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrBuildNotFound is returned by Invoke when the build does not exist.
var ErrBuildNotFound = errors.New("build not found")

// Store is the subset of store.Store the pipeline needs.
type Store interface {
	GetBuildByID(ctx context.Context, id uuid.UUID) (*store.Build, error)
	GetProjectByID(ctx context.Context, id uuid.UUID) (*store.Project, error)
	StartBuild(ctx context.Context, id uuid.UUID, startedAt time.Time) (bool, error)
	SetBuildRevision(ctx context.Context, id uuid.UUID, revision string) error
	FinishBuild(ctx context.Context, id uuid.UUID, status store.BuildStatus, output string, finishedAt time.Time) (bool, error)
}

// Retention is notified after every finalized build.
type Retention interface {
	RecordFinalized(ctx context.Context, build *store.Build) (int64, error)
}

// Config holds pipeline settings.
type Config struct {
	// WorkRoot is the parent of every build working directory.
	WorkRoot string
	// KeepWorkDirs leaves working directories on disk after a build finishes.
	KeepWorkDirs bool
}

// Pipeline runs builds. It is safe for concurrent use; each build gets its
// own working directory under WorkRoot.
type Pipeline struct {
	store     Store
	vcs       *vcs.Registry
	runner    *steps.Runner
	retention Retention
	metrics   *observability.BuildMetrics
	config    Config
	now       func() time.Time
}

// New creates a pipeline. retention and metrics may be nil.
func New(s Store, registry *vcs.Registry, runner *steps.Runner, retention Retention, metrics *observability.BuildMetrics, config Config) *Pipeline {
	if config.WorkRoot == "" {
		config.WorkRoot = filepath.Join(os.TempDir(), "buildplane", "builds")
	}
	return &Pipeline{
		store:     s,
		vcs:       registry,
		runner:    runner,
		retention: retention,
		metrics:   metrics,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WorkDir is where the build's source is materialized.
func (p *Pipeline) WorkDir(build *store.Build) string {
	return filepath.Join(p.config.WorkRoot, build.ProjectID.String(), build.ID.String())
}

// Invoke runs a pending build to a terminal status.
// Invoking a build that is no longer pending does nothing, so redelivered
// dispatches are harmless. Checkout and step failures end up in the build
// record; the returned error only reports problems persisting it.
func (p *Pipeline) Invoke(ctx context.Context, buildID uuid.UUID) error {
	tracer := otel.Tracer("buildplane-pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.invoke",
		trace.WithAttributes(attribute.String("build.id", buildID.String())))
	defer span.End()

	build, err := p.store.GetBuildByID(ctx, buildID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrBuildNotFound, buildID)
		}
		span.RecordError(err)
		return fmt.Errorf("failed to load build %s: %w", buildID, err)
	}
	span.SetAttributes(attribute.String("project.id", build.ProjectID.String()))

	if build.Status != store.BuildStatusPending {
		slog.Debug("build already picked up", "build_id", buildID, "status", build.Status)
		return nil
	}

	project, err := p.store.GetProjectByID(ctx, build.ProjectID)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to load project %s: %w", build.ProjectID, err)
	}

	startedAt := p.now()
	started, err := p.store.StartBuild(ctx, buildID, startedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to start build %s: %w", buildID, err)
	}
	if !started {
		slog.Debug("build started elsewhere", "build_id", buildID)
		return nil
	}
	build.Status = store.BuildStatusRunning
	build.StartedAt = &startedAt

	logger := slog.With("build_id", buildID, "project_id", project.ID, "build", build.DisplayName())
	logger.Info("build started")

	status, output := p.run(ctx, logger, project, build)

	span.SetAttributes(attribute.String("build.status", string(status)))
	if status == store.BuildStatusError {
		span.SetStatus(codes.Error, "build errored")
	}
	return p.finish(ctx, logger, build, status, output)
}

// run materializes the source and executes the steps. It returns the
// terminal status and the output to store.
func (p *Pipeline) run(ctx context.Context, logger *slog.Logger, project *store.Project, build *store.Build) (store.BuildStatus, string) {
	adapter, err := p.vcs.Get(project.VCSType)
	if err != nil {
		logger.Warn("no vcs backend", "vcs_type", project.VCSType, "error", err)
		return store.BuildStatusError, err.Error() + "\n"
	}

	workDir := p.WorkDir(build)
	if err := os.MkdirAll(filepath.Dir(workDir), 0o755); err != nil {
		return store.BuildStatusError, fmt.Sprintf("failed to prepare working directory: %v\n", err)
	}
	if !p.config.KeepWorkDirs {
		defer func() {
			if err := os.RemoveAll(workDir); err != nil {
				logger.Warn("failed to remove working directory", "dir", workDir, "error", err)
			}
		}()
	}

	revision, err := adapter.Materialize(ctx, project.VCSSource, project.VCSBranch, workDir)
	if err != nil {
		var checkoutErr *vcs.CheckoutError
		if errors.As(err, &checkoutErr) {
			logger.Info("checkout failed", "backend", checkoutErr.Backend, "error", checkoutErr.Err)
			return store.BuildStatusError, checkoutErr.Diagnostic()
		}
		logger.Warn("checkout failed", "error", err)
		return store.BuildStatusError, err.Error() + "\n"
	}

	if revision != "" {
		if err := p.store.SetBuildRevision(ctx, build.ID, revision); err != nil {
			logger.Warn("failed to record revision", "revision", revision, "error", err)
		} else {
			build.Revision = &revision
		}
	}

	env := map[string]string{
		"BUILDPLANE_BUILD_ID":     build.ID.String(),
		"BUILDPLANE_BUILD_NUMBER": strconv.Itoa(build.Number),
		"BUILDPLANE_PROJECT_ID":   project.ID.String(),
		"BUILDPLANE_REVISION":     revision,
	}

	res, err := p.runner.Run(ctx, project.StepList(), workDir, env)
	if err != nil {
		logger.Warn("step execution failed", "error", err)
		return store.BuildStatusError, res.Output + err.Error() + "\n"
	}
	if res.Failed {
		logger.Info("step failed", "step", res.FailedAt+1, "exit_code", res.Steps[res.FailedAt].ExitCode)
		return store.BuildStatusFailed, res.Output
	}
	return store.BuildStatusSuccess, res.Output
}

func (p *Pipeline) finish(ctx context.Context, logger *slog.Logger, build *store.Build, status store.BuildStatus, output string) error {
	// The outcome is recorded even when the caller's context is gone.
	ctx = context.WithoutCancel(ctx)
	finishedAt := p.now()

	finished, err := p.store.FinishBuild(ctx, build.ID, status, output, finishedAt)
	if err != nil {
		return fmt.Errorf("failed to finish build %s: %w", build.ID, err)
	}
	if !finished {
		logger.Warn("build was no longer running", "status", status)
		return nil
	}
	build.Status = status
	build.Output = output
	build.FinishedAt = &finishedAt

	logger.Info("build finished", "status", status, "duration", finishedAt.Sub(*build.StartedAt))
	p.metrics.BuildFinished(ctx, status, finishedAt.Sub(*build.StartedAt))

	if p.retention != nil {
		if _, err := p.retention.RecordFinalized(ctx, build); err != nil {
			logger.Error("retention failed", "error", err)
		}
	}
	return nil
}
