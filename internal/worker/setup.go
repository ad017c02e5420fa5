package worker

import (
	"context"
	"log"

	"buildplane/internal/config"
	"buildplane/internal/dispatch"
	"buildplane/internal/observability"
	"buildplane/internal/pipeline"
	"buildplane/internal/steps"
	"buildplane/internal/store"
	"buildplane/internal/vcs"
	"buildplane/internal/worker/runtime"

	"github.com/ThreeDotsLabs/watermill"
)

// RuntimeFromConfig selects the step runtime.
func RuntimeFromConfig(cfg *config.Config) (runtime.Runtime, error) {
	switch cfg.Runtime {
	case "kubernetes":
		log.Printf("Using kubernetes runtime (namespace: %s)", cfg.KubernetesNamespace)
		return runtime.NewKubernetesRuntime(runtime.KubernetesConfig{
			Namespace:      cfg.KubernetesNamespace,
			ServiceAccount: cfg.KubernetesServiceAccount,
			CPULimit:       cfg.KubernetesCPULimit,
			MemoryLimit:    cfg.KubernetesMemoryLimit,
			NodeName:       cfg.KubernetesNodeName,
		})
	case "docker":
		log.Printf("Using docker runtime (image: %s)", cfg.RuntimeImage)
		return runtime.NewDockerRuntime()
	default:
		log.Printf("Using exec runtime (work root: %s)", cfg.WorkRoot)
		return runtime.NewExecRuntime(cfg.WorkRoot), nil
	}
}

// NewPipeline assembles the build pipeline on the configured runtime.
func NewPipeline(s pipeline.Store, registry *vcs.Registry, retention pipeline.Retention, metrics *observability.BuildMetrics, cfg *config.Config) (*pipeline.Pipeline, error) {
	rt, err := RuntimeFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	runner := steps.NewRunner(rt, steps.WithImage(cfg.RuntimeImage))
	return pipeline.New(s, registry, runner, retention, metrics, pipeline.Config{
		WorkRoot:     cfg.WorkRoot,
		KeepWorkDirs: cfg.KeepWorkDirs,
	}), nil
}

// Start runs the queue agent, or the Kafka consumer when dispatch is kafka, until ctx is cancelled.
// The returned channel closes once in-flight builds are finished.
func Start(ctx context.Context, cfg *config.Config, q store.Queue, invoker Invoker) (<-chan struct{}, error) {
	if cfg.Dispatch == "kafka" {
		logger := watermill.NewStdLogger(false, false)
		sub, err := dispatch.NewKafkaSubscriber(dispatch.KafkaConfig{
			Brokers:       cfg.KafkaBrokers,
			ConsumerGroup: cfg.KafkaConsumerGroup,
		}, logger)
		if err != nil {
			return nil, err
		}
		consumer, err := NewConsumer(sub, invoker, ConsumerConfig{Topic: cfg.KafkaTopic}, logger)
		if err != nil {
			return nil, err
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := consumer.Run(ctx); err != nil {
				log.Printf("Consumer stopped: %v", err)
			}
			consumer.Close()
		}()
		log.Printf("Consuming builds from Kafka topic %s", cfg.KafkaTopic)
		return done, nil
	}

	agent := New(q, invoker, AgentConfig{
		Concurrency:         cfg.WorkerConcurrency,
		PollInterval:        cfg.WorkerPollInterval,
		MaxBackoff:          cfg.WorkerMaxBackoff,
		HeartbeatInterval:   cfg.WorkerHeartbeatInterval,
		VisibilityExtension: cfg.HeartVisibilityExtension,
		MaxAttempts:         cfg.WorkerMaxAttempts,
	})
	go agent.Run(ctx)
	log.Printf("Worker started with concurrency %d", cfg.WorkerConcurrency)
	return agent.Done(), nil
}
