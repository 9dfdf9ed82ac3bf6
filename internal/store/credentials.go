package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertAccountCredential inserts or replaces the secret for
// (owner, connector_type).
func (s *Store) UpsertAccountCredential(ctx context.Context, c *AccountCredential) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.TestStatus == "" {
		c.TestStatus = CredUntested
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_credentials (id, owner_id, connector_type,
			encrypted_value, display_name, test_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, connector_type) DO UPDATE SET
			encrypted_value = excluded.encrypted_value,
			display_name = excluded.display_name,
			test_status = excluded.test_status,
			updated_at = excluded.updated_at`,
		c.ID, c.OwnerID, c.ConnectorType, c.EncryptedValue, c.DisplayName,
		c.TestStatus, toMicro(c.CreatedAt), toMicro(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert account credential: %w", err)
	}
	return nil
}

// GetAccountCredential fetches the secret for (owner, connector_type).
func (s *Store) GetAccountCredential(ctx context.Context, ownerID, connectorType string) (*AccountCredential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, connector_type, encrypted_value, display_name,
			test_status, created_at, updated_at
		FROM account_credentials WHERE owner_id = ? AND connector_type = ?`,
		ownerID, connectorType)

	var c AccountCredential
	var created, updated int64
	err := row.Scan(&c.ID, &c.OwnerID, &c.ConnectorType, &c.EncryptedValue,
		&c.DisplayName, &c.TestStatus, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get account credential: %w", err)
	}
	c.CreatedAt = fromMicro(created)
	c.UpdatedAt = fromMicro(updated)
	return &c, nil
}

// ListAccountCredentials returns an owner's credentials (encrypted).
func (s *Store) ListAccountCredentials(ctx context.Context, ownerID string) ([]*AccountCredential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, connector_type, encrypted_value, display_name,
			test_status, created_at, updated_at
		FROM account_credentials WHERE owner_id = ? ORDER BY connector_type`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list account credentials: %w", err)
	}
	defer rows.Close()

	var out []*AccountCredential
	for rows.Next() {
		var c AccountCredential
		var created, updated int64
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.ConnectorType, &c.EncryptedValue,
			&c.DisplayName, &c.TestStatus, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan account credential: %w", err)
		}
		c.CreatedAt = fromMicro(created)
		c.UpdatedAt = fromMicro(updated)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// DeleteAccountCredential removes the secret for (owner, connector_type).
func (s *Store) DeleteAccountCredential(ctx context.Context, ownerID, connectorType string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM account_credentials WHERE owner_id = ? AND connector_type = ?`,
		ownerID, connectorType)
	if err != nil {
		return fmt.Errorf("delete account credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertAgentCredential inserts or replaces a per-agent override.
func (s *Store) UpsertAgentCredential(ctx context.Context, c *AgentCredential) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_credential_overrides (id, agent_id, owner_id,
			connector_type, encrypted_value, display_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, connector_type) DO UPDATE SET
			encrypted_value = excluded.encrypted_value,
			display_name = excluded.display_name`,
		c.ID, c.AgentID, c.OwnerID, c.ConnectorType, c.EncryptedValue,
		c.DisplayName, toMicro(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert agent credential: %w", err)
	}
	return nil
}

// GetAgentCredential fetches the override for (agent, connector_type).
func (s *Store) GetAgentCredential(ctx context.Context, agentID, connectorType string) (*AgentCredential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, owner_id, connector_type, encrypted_value,
			display_name, created_at
		FROM agent_credential_overrides WHERE agent_id = ? AND connector_type = ?`,
		agentID, connectorType)

	var c AgentCredential
	var created int64
	err := row.Scan(&c.ID, &c.AgentID, &c.OwnerID, &c.ConnectorType,
		&c.EncryptedValue, &c.DisplayName, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get agent credential: %w", err)
	}
	c.CreatedAt = fromMicro(created)
	return &c, nil
}

// DeleteAgentCredential removes an override.
func (s *Store) DeleteAgentCredential(ctx context.Context, agentID, connectorType string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_credential_overrides WHERE agent_id = ? AND connector_type = ?`,
		agentID, connectorType)
	if err != nil {
		return fmt.Errorf("delete agent credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
