package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// AppendMessages inserts messages in order within one transaction. Callers
// assign monotonic SentAt values before appending.
func (s *Store) AppendMessages(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, thread_id, role, content, tool_calls,
			tool_call_id, tool_name, parent_id, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		var calls any
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			calls = string(data)
		}
		if _, err := stmt.ExecContext(ctx, m.ID, m.ThreadID, m.Role, m.Content,
			calls, m.ToolCallID, m.ToolName, m.ParentID, toMicro(m.SentAt)); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	return tx.Commit()
}

// ListMessages returns a thread's messages ordered by sent_at.
// limit <= 0 means no limit; offset skips from the start.
func (s *Store) ListMessages(ctx context.Context, threadID string, offset, limit int) ([]*Message, error) {
	q := `SELECT id, thread_id, role, content, tool_calls, tool_call_id,
			tool_name, parent_id, sent_at
		FROM messages WHERE thread_id = ? ORDER BY sent_at`
	args := []any{threadID}
	if limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var calls sql.NullString
		var sent int64
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &calls,
			&m.ToolCallID, &m.ToolName, &m.ParentID, &sent); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if calls.Valid && calls.String != "" {
			if err := json.Unmarshal([]byte(calls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		m.SentAt = fromMicro(sent)
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of messages in a thread.
func (s *Store) CountMessages(ctx context.Context, threadID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE thread_id = ?`, threadID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
