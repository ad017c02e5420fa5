package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// Service identifies a buildplane process in traces and metrics.
type Service struct {
	// Name is buildplane-controller or buildplane-worker.
	Name    string
	Version string
	// Instance tells replicas apart; usually the host name.
	Instance string
}

// Resource describes the service to OpenTelemetry. Attributes from
// OTEL_RESOURCE_ATTRIBUTES are merged in, the explicit fields win.
func (s Service) Resource(ctx context.Context) (*resource.Resource, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("service name is required")
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceNamespace("buildplane"),
		semconv.ServiceName(s.Name),
	}
	if s.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(s.Version))
	}
	if s.Instance != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(s.Instance))
	}

	res, err := resource.New(ctx, resource.WithFromEnv(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource for %s: %w", s.Name, err)
	}
	return res, nil
}
