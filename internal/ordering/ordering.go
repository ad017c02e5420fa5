// Package ordering maintains the total order of projects.
package ordering

import (
	"context"
	"fmt"

	"buildplane/internal/store"

	"github.com/google/uuid"
)

// Store swaps adjacent projects atomically.
type Store interface {
	SwapPosition(ctx context.Context, id uuid.UUID, dir store.Direction) (bool, error)
}

// Manager moves projects one slot at a time. Moving past either end is a no-op.
type Manager struct {
	store Store
}

func NewManager(s Store) *Manager {
	return &Manager{store: s}
}

// MoveUp swaps the project with the one before it. It reports whether anything moved.
func (m *Manager) MoveUp(ctx context.Context, id uuid.UUID) (bool, error) {
	return m.Move(ctx, id, store.DirectionUp)
}

// MoveDown swaps the project with the one after it. It reports whether anything moved.
func (m *Manager) MoveDown(ctx context.Context, id uuid.UUID) (bool, error) {
	return m.Move(ctx, id, store.DirectionDown)
}

// Move dispatches on dir.
func (m *Manager) Move(ctx context.Context, id uuid.UUID, dir store.Direction) (bool, error) {
	switch dir {
	case store.DirectionUp, store.DirectionDown:
	default:
		return false, fmt.Errorf("invalid direction %q", dir)
	}

	moved, err := m.store.SwapPosition(ctx, id, dir)
	if err != nil {
		return false, fmt.Errorf("failed to move project %s %s: %w", id, dir, err)
	}
	return moved, nil
}
