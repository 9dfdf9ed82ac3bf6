package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateAgent inserts a new agent.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = AgentIdle
	}

	tools, err := json.Marshal(a.AllowedTools)
	if err != nil {
		return fmt.Errorf("marshal allowed tools: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, owner_id, name, model, system_instructions,
			task_instructions, allowed_tools, cron_spec, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerID, a.Name, a.Model, a.SystemInstructions,
		a.TaskInstructions, string(tools), a.CronSpec, a.Status,
		toMicro(a.CreatedAt), toMicro(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// UpdateAgent rewrites the mutable fields of an agent.
func (s *Store) UpdateAgent(ctx context.Context, a *Agent) error {
	a.UpdatedAt = time.Now().UTC()

	tools, err := json.Marshal(a.AllowedTools)
	if err != nil {
		return fmt.Errorf("marshal allowed tools: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, model = ?, system_instructions = ?,
			task_instructions = ?, allowed_tools = ?, cron_spec = ?, updated_at = ?
		WHERE id = ?`,
		a.Name, a.Model, a.SystemInstructions, a.TaskInstructions,
		string(tools), a.CronSpec, toMicro(a.UpdatedAt), a.ID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAgentStatus flips the idle/running marker.
func (s *Store) SetAgentStatus(ctx context.Context, id string, status AgentStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`,
		status, toMicro(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteAgent removes an agent and its triggers. Runs keep their weak
// reference and remain readable.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE agent_id = ?`, id); err != nil {
		return fmt.Errorf("delete agent triggers: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, model, system_instructions, task_instructions,
			allowed_tools, cron_spec, status, created_at, updated_at
		FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// ListAgents returns all agents for an owner.
func (s *Store) ListAgents(ctx context.Context, ownerID string) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, model, system_instructions, task_instructions,
			allowed_tools, cron_spec, status, created_at, updated_at
		FROM agents WHERE owner_id = ? ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// ListScheduledAgents returns agents with a non-empty cron spec.
func (s *Store) ListScheduledAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, model, system_instructions, task_instructions,
			allowed_tools, cron_spec, status, created_at, updated_at
		FROM agents WHERE cron_spec != ''`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var tools string
	var created, updated int64

	err := row.Scan(&a.ID, &a.OwnerID, &a.Name, &a.Model, &a.SystemInstructions,
		&a.TaskInstructions, &tools, &a.CronSpec, &a.Status, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}

	if err := json.Unmarshal([]byte(tools), &a.AllowedTools); err != nil {
		return nil, fmt.Errorf("unmarshal allowed tools: %w", err)
	}
	a.CreatedAt = fromMicro(created)
	a.UpdatedAt = fromMicro(updated)
	return &a, nil
}
