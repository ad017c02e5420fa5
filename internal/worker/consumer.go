package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"buildplane/internal/dispatch"
	"buildplane/internal/pipeline"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
)

// ConsumerConfig holds configuration for the message consumer.
type ConsumerConfig struct {
	Topic      string
	MaxRetries int           // Redeliveries of a failing message (default: 3)
	RetryDelay time.Duration // Initial retry delay (default: 1s)
}

// Consumer runs builds published by dispatch.MessageTransport.
type Consumer struct {
	router *message.Router
}

// NewConsumer wires a watermill router that invokes the pipeline for every message on the topic.
func NewConsumer(sub message.Subscriber, invoker Invoker, config ConsumerConfig, logger watermill.LoggerAdapter) (*Consumer, error) {
	if config.Topic == "" {
		config.Topic = dispatch.DefaultTopic
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, err
	}
	router.AddMiddleware(
		middleware.Retry{
			MaxRetries:      config.MaxRetries,
			InitialInterval: config.RetryDelay,
			Logger:          logger,
		}.Middleware,
		middleware.Recoverer,
	)
	router.AddNoPublisherHandler("buildplane_builds", config.Topic, sub, handleBuild(invoker))

	return &Consumer{router: router}, nil
}

func handleBuild(invoker Invoker) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		payload, err := dispatch.DecodePayload(msg.Payload)
		if err != nil {
			log.Printf("Dropping message %s: %v", msg.UUID, err)
			return nil
		}

		// Builds run to completion even when the consumer is shutting down.
		ctx := payload.Context(context.WithoutCancel(msg.Context()))
		err = invoker.Invoke(ctx, payload.BuildID)
		if errors.Is(err, pipeline.ErrBuildNotFound) {
			log.Printf("Build %s no longer exists, dropping message %s", payload.BuildID, msg.UUID)
			return nil
		}
		return err
	}
}

// Run blocks until ctx is cancelled and in-flight messages are handled.
func (c *Consumer) Run(ctx context.Context) error {
	return c.router.Run(ctx)
}

// Running is closed once the router subscribed to its topic.
func (c *Consumer) Running() chan struct{} {
	return c.router.Running()
}

func (c *Consumer) Close() error {
	return c.router.Close()
}
