package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateRun inserts a new run row.
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = RunQueued
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, owner_id, agent_id, workflow_id, thread_id, status,
			trigger_source, started_at, finished_at, duration_ms,
			total_tokens, total_cost_usd, summary, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerID, r.AgentID, r.WorkflowID, r.ThreadID, r.Status,
		r.TriggerSource, toMicro(r.StartedAt), nullMicro(r.FinishedAt),
		r.DurationMs, r.TotalTokens, r.TotalCostUSD, r.Summary, r.Error)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// MarkRunRunning transitions queued → running.
func (s *Store) MarkRunRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ? WHERE id = ? AND status = ?`,
		RunRunning, id, RunQueued)
	if err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTerminal
	}
	return nil
}

// FinishRun writes the terminal status and totals. Terminal rows are
// immutable: a second transition is rejected.
func (s *Store) FinishRun(ctx context.Context, r *Run) error {
	if !r.Status.Terminal() {
		return fmt.Errorf("finish run: %q is not terminal", r.Status)
	}
	now := time.Now().UTC()
	if r.FinishedAt == nil {
		r.FinishedAt = &now
	}
	r.DurationMs = r.FinishedAt.Sub(r.StartedAt).Milliseconds()

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?, duration_ms = ?,
			total_tokens = ?, total_cost_usd = ?, summary = ?, error = ?
		WHERE id = ? AND status IN (?, ?)`,
		r.Status, nullMicro(r.FinishedAt), r.DurationMs,
		r.TotalTokens, r.TotalCostUSD, r.Summary, r.Error,
		r.ID, RunQueued, RunRunning)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTerminal
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, agent_id, workflow_id, thread_id, status,
			trigger_source, started_at, finished_at, duration_ms,
			total_tokens, total_cost_usd, summary, error
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// CountRunningForAgent counts non-terminal runs referencing an agent.
func (s *Store) CountRunningForAgent(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE agent_id = ? AND status IN (?, ?)`,
		agentID, RunQueued, RunRunning).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running: %w", err)
	}
	return n, nil
}

// CountRunsSince counts runs started at or after t. ownerID "" counts globally.
func (s *Store) CountRunsSince(ctx context.Context, ownerID string, t time.Time) (int, error) {
	q := `SELECT COUNT(*) FROM runs WHERE started_at >= ?`
	args := []any{toMicro(t)}
	if ownerID != "" {
		q += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// SumCostSince sums total_cost_usd for runs started at or after t.
// ownerID "" sums globally. Null costs count as zero.
func (s *Store) SumCostSince(ctx context.Context, ownerID string, t time.Time) (float64, error) {
	q := `SELECT COALESCE(SUM(total_cost_usd), 0) FROM runs WHERE started_at >= ?`
	args := []any{toMicro(t)}
	if ownerID != "" {
		q += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	var sum float64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum cost: %w", err)
	}
	return sum, nil
}

// ListRuns returns an owner's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, ownerID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, agent_id, workflow_id, thread_id, status,
			trigger_source, started_at, finished_at, duration_ms,
			total_tokens, total_cost_usd, summary, error
		FROM runs WHERE owner_id = ? ORDER BY started_at DESC LIMIT ?`,
		ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var started int64
	var finished sql.NullInt64
	var tokens sql.NullInt64
	var cost sql.NullFloat64

	err := row.Scan(&r.ID, &r.OwnerID, &r.AgentID, &r.WorkflowID, &r.ThreadID,
		&r.Status, &r.TriggerSource, &started, &finished, &r.DurationMs,
		&tokens, &cost, &r.Summary, &r.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}

	r.StartedAt = fromMicro(started)
	if finished.Valid {
		t := fromMicro(finished.Int64)
		r.FinishedAt = &t
	}
	if tokens.Valid {
		n := int(tokens.Int64)
		r.TotalTokens = &n
	}
	if cost.Valid {
		c := cost.Float64
		r.TotalCostUSD = &c
	}
	return &r, nil
}
