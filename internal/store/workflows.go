package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// canvas is the serialized graph column.
type canvas struct {
	Nodes []WorkflowNode `json:"nodes"`
	Edges []WorkflowEdge `json:"edges"`
}

// CreateWorkflow inserts a new workflow.
func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) error {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	data, err := json.Marshal(canvas{Nodes: w.Nodes, Edges: w.Edges})
	if err != nil {
		return fmt.Errorf("marshal canvas: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, owner_id, name, canvas, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.OwnerID, w.Name, string(data), toMicro(w.CreatedAt), toMicro(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create workflow: %w", err)
	}
	return nil
}

// UpdateWorkflow rewrites name and canvas.
func (s *Store) UpdateWorkflow(ctx context.Context, w *Workflow) error {
	w.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(canvas{Nodes: w.Nodes, Edges: w.Edges})
	if err != nil {
		return fmt.Errorf("marshal canvas: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET name = ?, canvas = ?, updated_at = ? WHERE id = ?`,
		w.Name, string(data), toMicro(w.UpdatedAt), w.ID)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetWorkflow fetches a workflow by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, canvas, created_at, updated_at
		FROM workflows WHERE id = ?`, id)
	return scanWorkflow(row)
}

// ListWorkflows returns an owner's workflows.
func (s *Store) ListWorkflows(ctx context.Context, ownerID string) ([]*Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, name, canvas, created_at, updated_at
		FROM workflows WHERE owner_id = ? ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWorkflow removes a workflow.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	var w Workflow
	var data string
	var created, updated int64

	err := row.Scan(&w.ID, &w.OwnerID, &w.Name, &data, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan workflow: %w", err)
	}

	var c canvas
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("unmarshal canvas: %w", err)
	}
	w.Nodes = c.Nodes
	w.Edges = c.Edges
	w.CreatedAt = fromMicro(created)
	w.UpdatedAt = fromMicro(updated)
	return &w, nil
}
