package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"buildplane/internal/store"
	"buildplane/internal/store/memory"
	"buildplane/internal/vcs"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type failingTransport struct{}

func (failingTransport) Send(ctx context.Context, tx store.Tx, build *store.Build) error {
	return errors.New("broker unavailable")
}

func newProject(t *testing.T, s *memory.Store, p *store.Project) *store.Project {
	t.Helper()
	if err := s.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	return p
}

func validProject() *store.Project {
	return &store.Project{Name: "Valid", VCSType: store.VCSGit, VCSSource: "/srv/repo", Steps: "true"}
}

func TestEnqueue_QueueTransport(t *testing.T) {
	s := memory.New()
	d := New(s, vcs.DefaultRegistry(), NewQueueTransport(s))
	project := newProject(t, s, validProject())
	ctx := context.Background()

	build, err := d.Enqueue(ctx, project.ID)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if build.Status != store.BuildStatusPending || build.Number != 1 {
		t.Errorf("unexpected build %+v", build)
	}

	stored, err := s.GetBuildByID(ctx, build.ID)
	if err != nil {
		t.Fatalf("build was not persisted: %v", err)
	}
	if stored.Status != store.BuildStatusPending {
		t.Errorf("status = %s, want pending", stored.Status)
	}

	items, err := s.DequeueBatch(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].BuildID != build.ID {
		t.Fatalf("expected the build on the queue, got %+v", items)
	}
	payload, err := DecodePayload(items[0].Payload)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if payload.BuildID != build.ID || payload.ProjectID != project.ID {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestEnqueue_InvalidProjectConfig(t *testing.T) {
	tests := []struct {
		name    string
		project *store.Project
	}{
		{"missing source", &store.Project{Name: "a", VCSType: store.VCSGit}},
		{"unknown vcs", &store.Project{Name: "a", VCSType: "hg", VCSSource: "repo"}},
		{"missing vcs", &store.Project{Name: "a", VCSSource: "repo"}},
		{"blank name", &store.Project{Name: "  ", VCSType: store.VCSGit, VCSSource: "repo"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New()
			d := New(s, vcs.DefaultRegistry(), NewQueueTransport(s))
			project := newProject(t, s, tt.project)

			_, err := d.Enqueue(context.Background(), project.ID)
			if !errors.Is(err, ErrInvalidProjectConfig) {
				t.Fatalf("expected ErrInvalidProjectConfig, got %v", err)
			}
			builds, _ := s.ListBuilds(context.Background(), project.ID, 0)
			if len(builds) != 0 {
				t.Errorf("no build may be created, got %d", len(builds))
			}
		})
	}
}

func TestEnqueue_UnknownProject(t *testing.T) {
	s := memory.New()
	d := New(s, vcs.DefaultRegistry(), NewQueueTransport(s))

	_, err := d.Enqueue(context.Background(), uuid.New())
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEnqueue_TransportFailureRollsBack(t *testing.T) {
	s := memory.New()
	project := newProject(t, s, validProject())
	ctx := context.Background()

	if _, err := New(s, nil, failingTransport{}).Enqueue(ctx, project.ID); err == nil {
		t.Fatal("expected an error")
	}
	if builds, _ := s.ListBuilds(ctx, project.ID, 0); len(builds) != 0 {
		t.Fatalf("the build must be rolled back, got %d", len(builds))
	}

	build, err := New(s, nil, NewQueueTransport(s)).Enqueue(ctx, project.ID)
	if err != nil {
		t.Fatal(err)
	}
	if build.Number != 1 {
		t.Errorf("expected the rolled back number to be reused, got %d", build.Number)
	}
}

func TestEnqueue_MessageTransport(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	defer pubSub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	messages, err := pubSub.Subscribe(ctx, DefaultTopic)
	if err != nil {
		t.Fatal(err)
	}

	s := memory.New()
	project := newProject(t, s, validProject())
	d := New(s, vcs.DefaultRegistry(), NewMessageTransport(pubSub, ""))

	build, err := d.Enqueue(ctx, project.ID)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case msg := <-messages:
		msg.Ack()
		payload, err := DecodePayload(msg.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if payload.BuildID != build.ID {
			t.Errorf("payload build = %s, want %s", payload.BuildID, build.ID)
		}
		if got := msg.Metadata.Get("project_id"); got != project.ID.String() {
			t.Errorf("project_id metadata = %q", got)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for the build message")
	}

	if n, _ := s.Count(ctx); n != 0 {
		t.Errorf("the message transport must not touch the store queue, got %d rows", n)
	}
}

func TestPayload_PropagatesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	p := NewPayload(ctx, &store.Build{ID: uuid.New(), ProjectID: uuid.New()})
	if p.Trace.Get("traceparent") == "" {
		t.Fatal("expected a traceparent header in the payload")
	}

	got := trace.SpanContextFromContext(p.Context(context.Background()))
	if got.TraceID() != traceID {
		t.Errorf("trace id = %s, want %s", got.TraceID(), traceID)
	}
}

func TestDecodePayload_Invalid(t *testing.T) {
	for _, raw := range []string{`not json`, `{}`} {
		if _, err := DecodePayload([]byte(raw)); err == nil {
			t.Errorf("DecodePayload(%q) expected an error", raw)
		}
	}
}
