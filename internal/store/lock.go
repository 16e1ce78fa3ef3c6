package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/examhall/internal/model"
)

const lockColumns = `id, scope, start_at, end_at, status, policy, created_by, overridden_by, override_reason, override_until`

func scanLock(row rowScanner) (model.LockWindow, error) {
	var w model.LockWindow
	var policy string
	if err := row.Scan(&w.ID, &w.Scope, &w.StartAt, &w.EndAt, &w.Status, &policy, &w.CreatedBy,
		&w.OverriddenBy, &w.OverrideReason, &w.OverrideUntil); err != nil {
		return w, err
	}
	if err := json.Unmarshal([]byte(policy), &w.Policy); err != nil {
		return w, fmt.Errorf("decode lock %d policy: %w", w.ID, err)
	}
	return w, nil
}

// InsertLockWindow stores a new active window.
func (s *Store) InsertLockWindow(ctx context.Context, w model.LockWindow) (model.LockWindow, error) {
	policy, err := json.Marshal(w.Policy)
	if err != nil {
		return w, err
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO lock_windows (scope, start_at, end_at, status, policy, created_by) VALUES (?, ?, ?, ?, ?, ?)`,
		w.Scope, w.StartAt.UTC(), w.EndAt.UTC(), model.LockActive, string(policy), w.CreatedBy,
	)
	if err != nil {
		return w, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return w, err
	}
	return s.GetLockWindow(ctx, id)
}

// GetLockWindow returns a lock window by ID.
func (s *Store) GetLockWindow(ctx context.Context, id int64) (model.LockWindow, error) {
	w, err := scanLock(s.q.QueryRowContext(ctx, `SELECT `+lockColumns+` FROM lock_windows WHERE id = ?`, id))
	return w, notFound(err)
}

// ListLockWindows returns the windows of a scope that are not expired.
func (s *Store) ListLockWindows(ctx context.Context, scope string) ([]model.LockWindow, error) {
	return s.queryLocks(ctx,
		`SELECT `+lockColumns+` FROM lock_windows WHERE scope = ? AND status != ? ORDER BY start_at`,
		scope, model.LockExpired)
}

// ListActiveLockWindows returns every window still in the active status.
func (s *Store) ListActiveLockWindows(ctx context.Context) ([]model.LockWindow, error) {
	return s.queryLocks(ctx, `SELECT `+lockColumns+` FROM lock_windows WHERE status = ? ORDER BY id`, model.LockActive)
}

func (s *Store) queryLocks(ctx context.Context, query string, args ...any) ([]model.LockWindow, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var windows []model.LockWindow
	for rows.Next() {
		w, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

// OverrideLockWindow marks an active window overridden until the given instant.
func (s *Store) OverrideLockWindow(ctx context.Context, id, actorID int64, reason string, until time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE lock_windows SET status = ?, overridden_by = ?, override_reason = ?, override_until = ?
		 WHERE id = ? AND status = ?`,
		model.LockOverridden, actorID, reason, until.UTC(), id, model.LockActive,
	)
	if err != nil {
		return false, err
	}
	return changed(res)
}

// ExpireLockWindow marks a window expired.
func (s *Store) ExpireLockWindow(ctx context.Context, id int64) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE lock_windows SET status = ? WHERE id = ? AND status = ?`, model.LockExpired, id, model.LockActive)
	if err != nil {
		return false, err
	}
	return changed(res)
}
