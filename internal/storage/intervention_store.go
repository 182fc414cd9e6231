package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"rag-core/pkg/types"
)

// InterventionStore persists intervention tasks so manual-attention items
// survive restarts.
type InterventionStore struct {
	db *DB
}

// NewInterventionStore creates an InterventionStore over an open database.
func NewInterventionStore(db *DB) *InterventionStore {
	return &InterventionStore{db: db}
}

// Save upserts a task.
func (s *InterventionStore) Save(ctx context.Context, task *types.InterventionTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal intervention task: %w", err)
	}
	if _, err := s.db.conn.ExecContext(ctx, `
		INSERT INTO intervention_tasks (id, task, priority, status, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET task = excluded.task, priority = excluded.priority, status = excluded.status`,
		task.ID, data, string(task.Priority), string(task.Status), task.CreatedAt); err != nil {
		return types.NewError(types.ErrorCodePersistence, "persist intervention task", err)
	}
	return nil
}

// Get fetches one task; missing ids return (nil, nil).
func (s *InterventionStore) Get(ctx context.Context, id string) (*types.InterventionTask, error) {
	var data []byte
	err := s.db.conn.QueryRowContext(ctx,
		`SELECT task FROM intervention_tasks WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load intervention task %s: %w", id, err)
	}
	var task types.InterventionTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("decode intervention task %s: %w", id, err)
	}
	return &task, nil
}

// List returns tasks, newest first, optionally filtered by status.
func (s *InterventionStore) List(ctx context.Context, status types.TaskStatus, limit int) ([]*types.InterventionTask, error) {
	query := `SELECT task FROM intervention_tasks ORDER BY created_at DESC LIMIT ?`
	args := []interface{}{limit}
	if status != "" {
		query = `SELECT task FROM intervention_tasks WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		args = []interface{}{string(status), limit}
	}

	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list intervention tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.InterventionTask
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan intervention row: %w", err)
		}
		var task types.InterventionTask
		if err := json.Unmarshal(data, &task); err != nil {
			return nil, fmt.Errorf("decode intervention row: %w", err)
		}
		out = append(out, &task)
	}
	return out, rows.Err()
}

// CountSince counts tasks created after the cutoff, for health derivation
// and escalation windows.
func (s *InterventionStore) CountSince(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	if err := s.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM intervention_tasks WHERE created_at >= ?`, cutoff).Scan(&n); err != nil {
		return 0, fmt.Errorf("count intervention tasks: %w", err)
	}
	return n, nil
}

// PendingCount counts tasks still awaiting attention.
func (s *InterventionStore) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM intervention_tasks WHERE status IN ('pending', 'in-progress', 'escalated')`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending intervention tasks: %w", err)
	}
	return n, nil
}

// PruneOlderThan deletes terminal tasks created before the cutoff.
func (s *InterventionStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.conn.ExecContext(ctx,
		`DELETE FROM intervention_tasks WHERE created_at < ? AND status IN ('resolved', 'dismissed')`, cutoff)
	if err != nil {
		return 0, types.NewError(types.ErrorCodePersistence, "prune intervention tasks", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
