package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateThread inserts a new thread.
func (s *Store) CreateThread(ctx context.Context, t *Thread) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Kind == "" {
		t.Kind = ThreadChat
	}

	wake, err := marshalNullable(t.WakeCondition)
	if err != nil {
		return fmt.Errorf("marshal wake condition: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (id, owner_id, agent_id, title, kind, agent_state,
			memory_strategy, wake_condition, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.AgentID, t.Title, t.Kind, nullableRaw(t.AgentState),
		t.MemoryStrategy, wake, toMicro(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

// GetThread fetches a thread by id.
func (s *Store) GetThread(ctx context.Context, id string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, agent_id, title, kind, agent_state,
			memory_strategy, wake_condition, created_at
		FROM threads WHERE id = ?`, id)

	var t Thread
	var state, wake sql.NullString
	var created int64
	err := row.Scan(&t.ID, &t.OwnerID, &t.AgentID, &t.Title, &t.Kind,
		&state, &t.MemoryStrategy, &wake, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get thread: %w", err)
	}

	if state.Valid {
		t.AgentState = json.RawMessage(state.String)
	}
	if wake.Valid && wake.String != "" {
		var wc WakeCondition
		if err := json.Unmarshal([]byte(wake.String), &wc); err != nil {
			return nil, fmt.Errorf("unmarshal wake condition: %w", err)
		}
		t.WakeCondition = &wc
	}
	t.CreatedAt = fromMicro(created)
	return &t, nil
}

// SetThreadWake stores (or clears, with nil) a thread's wake condition.
func (s *Store) SetThreadWake(ctx context.Context, threadID string, wc *WakeCondition) error {
	wake, err := marshalNullable(wc)
	if err != nil {
		return fmt.Errorf("marshal wake condition: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET wake_condition = ? WHERE id = ?`, wake, threadID)
	if err != nil {
		return fmt.Errorf("set thread wake: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetThreadAgentState rewrites the opaque agent_state blob.
func (s *Store) SetThreadAgentState(ctx context.Context, threadID string, state json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE threads SET agent_state = ? WHERE id = ?`, nullableRaw(state), threadID)
	if err != nil {
		return fmt.Errorf("set thread agent state: %w", err)
	}
	return nil
}

// ListDueTimeWakes returns threads whose time-based wake condition is due.
func (s *Store) ListDueTimeWakes(ctx context.Context, now time.Time) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM threads WHERE wake_condition IS NOT NULL AND wake_condition != ''`)
	if err != nil {
		return nil, fmt.Errorf("list wakes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Wake conditions are sparse; filter in Go rather than teaching SQLite
	// about the JSON shape.
	var due []*Thread
	for _, id := range ids {
		t, err := s.GetThread(ctx, id)
		if err != nil {
			continue
		}
		if t.WakeCondition != nil && t.WakeCondition.Type == "time" && !t.WakeCondition.At.After(now) {
			due = append(due, t)
		}
	}
	return due, nil
}

// DeleteThread removes a thread and cascades to its messages. Runs keep
// their thread_id for history.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func marshalNullable(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch x := v.(type) {
	case *WakeCondition:
		if x == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
