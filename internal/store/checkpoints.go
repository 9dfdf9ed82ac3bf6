package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveCheckpoint stores the opaque agent state blob for a thread,
// replacing any earlier snapshot.
func (s *Store) SaveCheckpoint(ctx context.Context, threadID string, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
		threadID, state, toMicro(time.Now()))
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the stored blob, or ErrNotFound.
func (s *Store) LoadCheckpoint(ctx context.Context, threadID string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE thread_id = ?`, threadID).Scan(&state)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return state, nil
}

// DeleteCheckpoint removes a thread's snapshot. Missing rows are not an error.
func (s *Store) DeleteCheckpoint(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}
