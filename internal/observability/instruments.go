package observability

import (
	"context"
	"time"

	"buildplane/internal/store"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "buildplane"

// BuildMetrics records build outcomes. A nil *BuildMetrics records nothing.
type BuildMetrics struct {
	finished metric.Int64Counter
	pruned   metric.Int64Counter
	duration metric.Float64Histogram
}

func newBuildMetrics(meter metric.Meter) (*BuildMetrics, error) {
	finished, err := meter.Int64Counter("buildplane.builds.finished",
		metric.WithDescription("Builds that reached a terminal status"))
	if err != nil {
		return nil, err
	}
	pruned, err := meter.Int64Counter("buildplane.builds.pruned",
		metric.WithDescription("Builds deleted by retention"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("buildplane.build.duration",
		metric.WithDescription("Time from start to finish of a build"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &BuildMetrics{finished: finished, pruned: pruned, duration: duration}, nil
}

// BuildFinished counts a terminal build and records how long it ran.
func (m *BuildMetrics) BuildFinished(ctx context.Context, status store.BuildStatus, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	m.finished.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

// BuildsPruned counts builds removed by retention.
func (m *BuildMetrics) BuildsPruned(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.Add(ctx, n)
}

// BacklogSource is what the backlog gauges read from.
type BacklogSource interface {
	Count(ctx context.Context) (int64, error)
	CountBuildsByStatus(ctx context.Context, status store.BuildStatus) (int64, error)
}

// registerBacklogGauges exposes the queue depth and the number of pending builds.
// Pending builds that never leave pending are how lost dispatches show up.
func registerBacklogGauges(meter metric.Meter, src BacklogSource) error {
	depth, err := meter.Int64ObservableGauge("buildplane.queue.depth",
		metric.WithDescription("Builds waiting in the durable queue"))
	if err != nil {
		return err
	}
	pending, err := meter.Int64ObservableGauge("buildplane.builds.pending",
		metric.WithDescription("Builds in pending status"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if n, err := src.Count(ctx); err == nil {
			o.ObserveInt64(depth, n)
		}
		if n, err := src.CountBuildsByStatus(ctx, store.BuildStatusPending); err == nil {
			o.ObserveInt64(pending, n)
		}
		return nil
	}, depth, pending)
	return err
}
