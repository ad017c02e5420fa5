package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Queue defines the interface for build queue operations.
// Implementations must use SELECT ... FOR UPDATE SKIP LOCKED semantics (or equivalent).
type Queue interface {
	// Enqueue adds a build to the queue.
	Enqueue(ctx context.Context, tx Tx, buildID uuid.UUID, payload json.RawMessage, visibleAfter time.Time) (int64, error)

	// DequeueBatch claims up to 'limit' visible items atomically and hides them for the visibility timeout.
	// Returns nil slice if queue is empty.
	DequeueBatch(ctx context.Context, limit int) ([]QueueItem, error)

	// Ack removes the build from the queue once a worker is done with it.
	Ack(ctx context.Context, buildID uuid.UUID) error

	// SetVisibleAfter extends the visibility timeout (heartbeat).
	SetVisibleAfter(ctx context.Context, buildID uuid.UUID, visibleAfter time.Time) error

	// Count tracks count of items in queue
	Count(ctx context.Context) (int64, error)
}

// QueueItem represents a dequeued build from the queue.
type QueueItem struct {
	BuildID  uuid.UUID
	Payload  json.RawMessage
	Attempts int
}
