package store

import (
	"context"
	"database/sql"
	"fmt"
)

// validNodeTransitions encodes the monotonic phase machine:
// pending → running → {succeeded|failed|skipped}, plus pending → skipped.
var validNodeTransitions = map[NodePhase]map[NodePhase]bool{
	NodePending: {NodeRunning: true, NodeSkipped: true},
	NodeRunning: {NodeSucceeded: true, NodeFailed: true, NodeSkipped: true},
}

// UpsertNodeState writes the per (run, node) record, rejecting phase
// regressions.
func (s *Store) UpsertNodeState(ctx context.Context, ns *NodeExecutionState) error {
	existing, err := s.GetNodeState(ctx, ns.RunID, ns.NodeID)
	if err != nil && err != ErrNotFound {
		return err
	}
	if existing != nil && existing.Phase != ns.Phase {
		if !validNodeTransitions[existing.Phase][ns.Phase] {
			return fmt.Errorf("invalid node phase transition %s → %s", existing.Phase, ns.Phase)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO node_execution_states (run_id, node_id, phase, envelope, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, node_id) DO UPDATE SET
			phase = excluded.phase,
			envelope = excluded.envelope,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		ns.RunID, ns.NodeID, ns.Phase, nullableRaw(ns.Envelope), ns.Error,
		nullMicro(ns.StartedAt), nullMicro(ns.FinishedAt))
	if err != nil {
		return fmt.Errorf("upsert node state: %w", err)
	}
	return nil
}

// GetNodeState fetches one (run, node) record.
func (s *Store) GetNodeState(ctx context.Context, runID, nodeID string) (*NodeExecutionState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, node_id, phase, envelope, error, started_at, finished_at
		FROM node_execution_states WHERE run_id = ? AND node_id = ?`, runID, nodeID)

	ns, err := scanNodeState(row)
	if err != nil {
		return nil, err
	}
	return ns, nil
}

// ListNodeStates returns all node records for a run.
func (s *Store) ListNodeStates(ctx context.Context, runID string) ([]*NodeExecutionState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, node_id, phase, envelope, error, started_at, finished_at
		FROM node_execution_states WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("list node states: %w", err)
	}
	defer rows.Close()

	var out []*NodeExecutionState
	for rows.Next() {
		ns, err := scanNodeState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func scanNodeState(row rowScanner) (*NodeExecutionState, error) {
	var ns NodeExecutionState
	var envelope sql.NullString
	var started, finished sql.NullInt64

	err := row.Scan(&ns.RunID, &ns.NodeID, &ns.Phase, &envelope, &ns.Error,
		&started, &finished)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan node state: %w", err)
	}

	if envelope.Valid {
		ns.Envelope = []byte(envelope.String)
	}
	if started.Valid {
		t := fromMicro(started.Int64)
		ns.StartedAt = &t
	}
	if finished.Valid {
		t := fromMicro(finished.Int64)
		ns.FinishedAt = &t
	}
	return &ns, nil
}
