package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"buildplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// VisibilityTimeout is how long a claimed item stays hidden before another worker may claim it.
const VisibilityTimeout = 5 * time.Minute

// Enqueue adds a build to the build_queue.
func (s *Store) Enqueue(ctx context.Context, tx store.Tx, buildID uuid.UUID, payload json.RawMessage, visibleAfter time.Time) (int64, error) {
	if visibleAfter.IsZero() {
		visibleAfter = time.Now()
	}

	query := `
		INSERT INTO build_queue (build_id, payload, visible_after)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	var id int64
	err := s.getExecutor(tx).QueryRowContext(ctx, query, buildID, []byte(payload), visibleAfter).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue build %s: %w", buildID, err)
	}

	return id, nil
}

// DequeueBatch claims up to 'limit' available builds atomically using SELECT ... FOR UPDATE SKIP LOCKED.
// Returns nil slice if no builds are available.
func (s *Store) DequeueBatch(ctx context.Context, limit int) ([]store.QueueItem, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, build_id, payload, attempts
		FROM build_queue
		WHERE visible_after <= NOW()
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("batch dequeue query failed: %w", err)
	}
	defer rows.Close()

	var items []store.QueueItem
	var queueIDs []int64

	for rows.Next() {
		var queueID int64
		var item store.QueueItem
		var payload []byte
		if err := rows.Scan(&queueID, &item.BuildID, &payload, &item.Attempts); err != nil {
			return nil, fmt.Errorf("batch dequeue scan failed: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		item.Attempts++
		items = append(items, item)
		queueIDs = append(queueIDs, queueID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch dequeue rows error: %w", err)
	}

	// Empty queue
	if len(items) == 0 {
		return nil, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE build_queue
		SET visible_after = NOW() + ($1 * INTERVAL '1 second'), attempts = attempts + 1
		WHERE id = ANY($2)
	`, VisibilityTimeout.Seconds(), pq.Array(queueIDs))
	if err != nil {
		return nil, fmt.Errorf("batch visibility update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return items, nil
}

// Ack deletes the queue entry of a build that a worker has finished with.
func (s *Store) Ack(ctx context.Context, buildID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM build_queue WHERE build_id = $1`, buildID)
	if err != nil {
		return fmt.Errorf("failed to ack build %s: %w", buildID, err)
	}
	return nil
}

// SetVisibleAfter extends the heartbeat.
func (s *Store) SetVisibleAfter(ctx context.Context, buildID uuid.UUID, visibleAfter time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE build_queue
		SET visible_after = $1
		WHERE build_id = $2
	`, visibleAfter, buildID)
	return err
}

// Count returns the number of queued builds, visible or not.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM build_queue`).Scan(&count)
	return count, err
}
