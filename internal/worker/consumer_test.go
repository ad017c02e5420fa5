package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"buildplane/internal/dispatch"
	"buildplane/internal/pipeline"
	"buildplane/internal/store"
	"buildplane/internal/store/memory"
	"buildplane/internal/vcs"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

type recordingInvoker struct {
	mu    sync.Mutex
	seen  []uuid.UUID
	errs  map[uuid.UUID]error
	calls chan uuid.UUID
}

func newRecordingInvoker() *recordingInvoker {
	return &recordingInvoker{errs: make(map[uuid.UUID]error), calls: make(chan uuid.UUID, 16)}
}

func (r *recordingInvoker) Invoke(ctx context.Context, buildID uuid.UUID) error {
	r.mu.Lock()
	r.seen = append(r.seen, buildID)
	err := r.errs[buildID]
	r.mu.Unlock()
	select {
	case r.calls <- buildID:
	default:
	}
	return err
}

func startConsumer(t *testing.T, pubSub *gochannel.GoChannel, invoker Invoker) {
	t.Helper()
	c, err := NewConsumer(pubSub, invoker, ConsumerConfig{RetryDelay: 10 * time.Millisecond}, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("NewConsumer failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		c.Close()
	})

	select {
	case <-c.Running():
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not start")
	}
}

func TestConsumer_InvokesDispatchedBuild(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	defer pubSub.Close()

	s := memory.New()
	project := &store.Project{Name: "Valid", VCSType: store.VCSGit, VCSSource: "repo"}
	if err := s.CreateProject(context.Background(), project); err != nil {
		t.Fatal(err)
	}
	d := dispatch.New(s, vcs.DefaultRegistry(), dispatch.NewMessageTransport(pubSub, ""))

	invoker := newRecordingInvoker()
	startConsumer(t, pubSub, invoker)

	build, err := d.Enqueue(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	select {
	case got := <-invoker.calls:
		if got != build.ID {
			t.Errorf("invoked %s, want %s", got, build.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("build was never invoked")
	}
}

func TestConsumer_RetriesFailedInvoke(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	defer pubSub.Close()

	buildID := uuid.New()
	invoker := newRecordingInvoker()
	invoker.errs[buildID] = fmt.Errorf("database is down")
	startConsumer(t, pubSub, invoker)

	raw := fmt.Sprintf(`{"build_id":%q,"project_id":%q}`, buildID, uuid.New())
	if err := pubSub.Publish(dispatch.DefaultTopic, message.NewMessage(watermill.NewUUID(), []byte(raw))); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-invoker.calls:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected a retry, got %d invocations", i)
		}
	}
}

func TestHandleBuild(t *testing.T) {
	buildID := uuid.New()
	tests := []struct {
		name    string
		payload string
		err     error
		wantErr bool
	}{
		{name: "success", payload: fmt.Sprintf(`{"build_id":%q}`, buildID)},
		{name: "invalid payload is dropped", payload: `nope`},
		{name: "missing build is dropped", payload: fmt.Sprintf(`{"build_id":%q}`, buildID), err: fmt.Errorf("%w: x", pipeline.ErrBuildNotFound)},
		{name: "store failure is retried", payload: fmt.Sprintf(`{"build_id":%q}`, buildID), err: fmt.Errorf("timeout"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			invoker := &MockInvoker{
				InvokeFunc: func(ctx context.Context, id uuid.UUID) error { return tt.err },
			}
			err := handleBuild(invoker)(message.NewMessage(watermill.NewUUID(), []byte(tt.payload)))
			if (err != nil) != tt.wantErr {
				t.Errorf("handler error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
