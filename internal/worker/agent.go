// Package worker pulls dispatched builds and runs them through the pipeline.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"buildplane/internal/dispatch"
	"buildplane/internal/pipeline"
	"buildplane/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Invoker runs one build to completion.
type Invoker interface {
	Invoke(ctx context.Context, buildID uuid.UUID) error
}

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID                  string
	Concurrency         int
	PollInterval        time.Duration
	MaxBackoff          time.Duration // Maximum backoff when queue is empty (default: 30s)
	HeartbeatInterval   time.Duration // Interval between heartbeat calls (default: 2m)
	VisibilityExtension time.Duration // How long to extend visibility on heartbeat (default: 5m)
	MaxAttempts         int           // Deliveries before a queue entry is dropped (default: 5)
}

// Agent is the pull-loop over the durable build queue.
type Agent struct {
	queue   store.Queue
	invoker Invoker
	config  AgentConfig
	done    chan struct{}
}

// New creates a new worker agent.
func New(q store.Queue, invoker Invoker, config AgentConfig) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 2 * time.Minute
	}

	if config.VisibilityExtension <= 0 {
		config.VisibilityExtension = 5 * time.Minute
	}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}

	return &Agent{
		queue:   q,
		invoker: invoker,
		config:  config,
		done:    make(chan struct{}),
	}
}

// Run starts the main pull-loop. It blocks until the context is cancelled.
// On SIGTERM, it stops dequeuing new work and allows in-flight builds to finish.
func (a *Agent) Run(ctx context.Context) error {
	log.Printf("Agent %s starting with concurrency %d", a.config.ID, a.config.Concurrency)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// Channel to signal when a slot becomes available (adaptive polling)
	pollNow := make(chan struct{}, 1)

	// Current backoff duration (increases on empty queue, resets on work found)
	currentBackoff := a.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
			// Already a poll pending
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			log.Println("Context cancelled, waiting for running builds to finish...")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			items, err := a.queue.DequeueBatch(ctx, availableSlots)
			if err != nil {
				log.Printf("DequeueBatch error: %v", err)
				continue
			}

			if len(items) == 0 {
				// Empty queue - increase backoff (exponential, capped at MaxBackoff)
				currentBackoff = currentBackoff * 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}

			currentBackoff = a.config.PollInterval

			log.Printf("Claimed %d builds", len(items))

			for _, item := range items {
				sem <- struct{}{}

				wg.Add(1)
				go func(item store.QueueItem) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					a.processItem(ctx, item)
				}(item)
			}

			// If we got builds and there are still slots available, poll again immediately
			if len(items) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// processItem runs a single build that has already been dequeued.
// The queue entry is acked once the build reached a terminal status or can
// never run; otherwise it becomes visible again and is redelivered.
func (a *Agent) processItem(ctx context.Context, item store.QueueItem) {
	// Builds run to completion even when the agent is draining.
	runCtx := context.WithoutCancel(ctx)

	payload, err := dispatch.DecodePayload(item.Payload)
	if err != nil {
		log.Printf("Dropping build %s: %v", item.BuildID, err)
		a.ack(item.BuildID)
		return
	}
	runCtx = payload.Context(runCtx)

	tracer := otel.Tracer("worker-agent")
	spanCtx, span := tracer.Start(runCtx, "process_build",
		trace.WithAttributes(
			attribute.String("build.id", item.BuildID.String()),
			attribute.String("project.id", payload.ProjectID.String()),
			attribute.Int("queue.attempts", item.Attempts),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	if item.Attempts > a.config.MaxAttempts {
		log.Printf("Build %s was delivered %d times, giving up; it stays pending", item.BuildID, item.Attempts)
		a.ack(item.BuildID)
		return
	}

	log.Printf("Processing build %s (attempt %d)", item.BuildID, item.Attempts)

	// Refresh the visibility timeout while the build runs
	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.Background())
	defer cancelHeartbeat()
	go a.runHeartbeat(heartbeatCtx, item.BuildID)

	err = a.invoker.Invoke(spanCtx, item.BuildID)
	cancelHeartbeat()

	switch {
	case err == nil:
		a.ack(item.BuildID)
	case errors.Is(err, pipeline.ErrBuildNotFound):
		log.Printf("Build %s no longer exists, dropping it", item.BuildID)
		a.ack(item.BuildID)
	default:
		span.RecordError(err)
		log.Printf("Build %s could not be recorded, leaving it for redelivery: %v", item.BuildID, err)
	}
}

func (a *Agent) ack(buildID uuid.UUID) {
	if err := a.queue.Ack(context.Background(), buildID); err != nil {
		log.Printf("Ack failed for %s: %v", buildID, err)
	}
}

// runHeartbeat refreshes the visibility timeout periodically while a build is executing.
// This prevents long-running builds from being picked up by another worker.
func (a *Agent) runHeartbeat(ctx context.Context, buildID uuid.UUID) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			visibleAfter := time.Now().Add(a.config.VisibilityExtension)
			if err := a.queue.SetVisibleAfter(context.Background(), buildID, visibleAfter); err != nil {
				log.Printf("Heartbeat failed for %s: %v", buildID, err)
			}
		}
	}
}
