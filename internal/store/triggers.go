package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateTrigger inserts a new trigger.
func (s *Store) CreateTrigger(ctx context.Context, t *Trigger) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO triggers (id, owner_id, agent_id, type, secret, config, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.AgentID, t.Type, t.Secret,
		nullableRaw(t.Config), toMicro(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("create trigger: %w", err)
	}
	return nil
}

// GetTrigger fetches a trigger by id.
func (s *Store) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, agent_id, type, secret, config, created_at
		FROM triggers WHERE id = ?`, id)
	return scanTrigger(row)
}

// ListTriggersForAgent returns all triggers bound to an agent.
func (s *Store) ListTriggersForAgent(ctx context.Context, agentID string) ([]*Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, agent_id, type, secret, config, created_at
		FROM triggers WHERE agent_id = ? ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// ListEmailTriggersForOwner returns email triggers for an owner.
func (s *Store) ListEmailTriggersForOwner(ctx context.Context, ownerID string) ([]*Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, agent_id, type, secret, config, created_at
		FROM triggers WHERE owner_id = ? AND type = ? ORDER BY created_at`,
		ownerID, TriggerEmail)
	if err != nil {
		return nil, fmt.Errorf("list email triggers: %w", err)
	}
	defer rows.Close()

	var triggers []*Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// DeleteTrigger removes a trigger by id.
func (s *Store) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete trigger: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTrigger(row rowScanner) (*Trigger, error) {
	var t Trigger
	var cfg sql.NullString
	var created int64

	err := row.Scan(&t.ID, &t.OwnerID, &t.AgentID, &t.Type, &t.Secret, &cfg, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan trigger: %w", err)
	}
	if cfg.Valid {
		t.Config = []byte(cfg.String)
	}
	t.CreatedAt = fromMicro(created)
	return &t, nil
}
