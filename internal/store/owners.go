package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Timestamps are stored as unix microseconds so message ordering survives
// sub-millisecond appends.
func toMicro(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicro(us int64) time.Time { return time.UnixMicro(us).UTC() }

func nullMicro(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMicro(*t)
}

// CreateOwner inserts a new owner row.
func (s *Store) CreateOwner(ctx context.Context, o *Owner) error {
	if o.Role == "" {
		o.Role = RoleUser
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO owners (id, email, role, created_at) VALUES (?, ?, ?, ?)`,
		o.ID, o.Email, o.Role, toMicro(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("create owner: %w", err)
	}
	return nil
}

// GetOwner fetches an owner by id.
func (s *Store) GetOwner(ctx context.Context, id string) (*Owner, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, role, created_at FROM owners WHERE id = ?`, id)

	var o Owner
	var created int64
	if err := row.Scan(&o.ID, &o.Email, &o.Role, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get owner: %w", err)
	}
	o.CreatedAt = fromMicro(created)
	return &o, nil
}

// GetOwnerByEmail fetches an owner by email.
func (s *Store) GetOwnerByEmail(ctx context.Context, email string) (*Owner, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, role, created_at FROM owners WHERE email = ?`, email)

	var o Owner
	var created int64
	if err := row.Scan(&o.ID, &o.Email, &o.Role, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get owner by email: %w", err)
	}
	o.CreatedAt = fromMicro(created)
	return &o, nil
}
