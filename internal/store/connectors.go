package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// UpsertConnector inserts or replaces a connector row. The (owner, type,
// provider) key is unique.
func (s *Store) UpsertConnector(ctx context.Context, c *Connector) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	cfg, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("marshal connector config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connectors (id, owner_id, type, provider, credential, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id, type, provider) DO UPDATE SET
			credential = excluded.credential,
			config = excluded.config,
			updated_at = excluded.updated_at`,
		c.ID, c.OwnerID, c.Type, c.Provider, c.Credential, string(cfg),
		toMicro(c.CreatedAt), toMicro(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert connector: %w", err)
	}
	return nil
}

// UpdateConnectorConfig rewrites only the config column. Used by the Gmail
// ingress to advance dedupe state atomically.
func (s *Store) UpdateConnectorConfig(ctx context.Context, id string, cfg ConnectorConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal connector config: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE connectors SET config = ?, updated_at = ? WHERE id = ?`,
		string(data), toMicro(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update connector config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetConnector fetches a connector by id.
func (s *Store) GetConnector(ctx context.Context, id string) (*Connector, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, type, provider, credential, config, created_at, updated_at
		FROM connectors WHERE id = ?`, id)
	return scanConnector(row)
}

// GetConnectorByEmail finds the connector watching a Gmail address.
func (s *Store) GetConnectorByEmail(ctx context.Context, email string) (*Connector, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, type, provider, credential, config, created_at, updated_at
		FROM connectors WHERE type = 'email'`)
	if err != nil {
		return nil, fmt.Errorf("get connector by email: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		if c.Config.EmailAddress == email {
			return c, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// ListConnectors returns an owner's connectors.
func (s *Store) ListConnectors(ctx context.Context, ownerID string) ([]*Connector, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, type, provider, credential, config, created_at, updated_at
		FROM connectors WHERE owner_id = ? ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer rows.Close()

	var out []*Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListEmailConnectors returns every email connector, for watch renewal.
func (s *Store) ListEmailConnectors(ctx context.Context) ([]*Connector, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, type, provider, credential, config, created_at, updated_at
		FROM connectors WHERE type = 'email'`)
	if err != nil {
		return nil, fmt.Errorf("list email connectors: %w", err)
	}
	defer rows.Close()

	var out []*Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConnector removes a connector by id.
func (s *Store) DeleteConnector(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM connectors WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete connector: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConnector(row rowScanner) (*Connector, error) {
	var c Connector
	var cfg string
	var created, updated int64

	err := row.Scan(&c.ID, &c.OwnerID, &c.Type, &c.Provider, &c.Credential,
		&cfg, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan connector: %w", err)
	}
	if err := json.Unmarshal([]byte(cfg), &c.Config); err != nil {
		return nil, fmt.Errorf("unmarshal connector config: %w", err)
	}
	c.CreatedAt = fromMicro(created)
	c.UpdatedAt = fromMicro(updated)
	return &c, nil
}
