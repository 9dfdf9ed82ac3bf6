// Package checkpoint persists opaque per-thread agent state between
// turns, so a stateful strategy survives process restarts.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zerg-ai/zerg/internal/store"
)

// ErrNoCheckpoint is returned by Load when a thread has none.
var ErrNoCheckpoint = errors.New("no checkpoint")

// Manager reads and writes JSON checkpoints keyed by thread id.
type Manager struct {
	store *store.Store
}

// NewManager wraps the store's checkpoint table.
func NewManager(st *store.Store) *Manager {
	return &Manager{store: st}
}

// Save marshals state and upserts it for the thread.
func (m *Manager) Save(ctx context.Context, threadID string, state any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return m.store.SaveCheckpoint(ctx, threadID, data)
}

// Load unmarshals the thread's checkpoint into out.
func (m *Manager) Load(ctx context.Context, threadID string, out any) error {
	data, err := m.store.LoadCheckpoint(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoCheckpoint
		}
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	return nil
}

// Clear removes the thread's checkpoint. Clearing a thread without one
// is not an error.
func (m *Manager) Clear(ctx context.Context, threadID string) error {
	return m.store.DeleteCheckpoint(ctx, threadID)
}
