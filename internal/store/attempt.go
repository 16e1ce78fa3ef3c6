package store

import (
	"context"
	"time"

	"github.com/pavelanni/examhall/internal/model"
)

const attemptColumns = `id, exam_id, student_id, status, started_at, submitted_at, autosubmitted`

func scanAttempt(row rowScanner) (model.Attempt, error) {
	var a model.Attempt
	err := row.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.Status, &a.StartedAt, &a.SubmittedAt, &a.AutoSubmitted)
	return a, err
}

// CreateAttempt inserts an in-progress attempt. The (exam, student) pair is unique.
func (s *Store) CreateAttempt(ctx context.Context, examID, studentID int64, startedAt time.Time) (model.Attempt, error) {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO attempts (exam_id, student_id, status, started_at) VALUES (?, ?, ?, ?)`,
		examID, studentID, model.AttemptInProgress, startedAt.UTC(),
	)
	if err != nil {
		return model.Attempt{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Attempt{}, err
	}
	return s.GetAttempt(ctx, id)
}

// GetAttempt returns an attempt by ID.
func (s *Store) GetAttempt(ctx context.Context, id int64) (model.Attempt, error) {
	a, err := scanAttempt(s.q.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = ?`, id))
	return a, notFound(err)
}

// FindAttempt returns the attempt of a student for an exam.
func (s *Store) FindAttempt(ctx context.Context, examID, studentID int64) (model.Attempt, error) {
	a, err := scanAttempt(s.q.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE exam_id = ? AND student_id = ?`, examID, studentID))
	return a, notFound(err)
}

// FinishAttempt moves an in-progress attempt to a terminal status and sets
// submitted_at. It reports false if the attempt was not in progress, so at
// most one caller ever wins.
func (s *Store) FinishAttempt(ctx context.Context, id int64, status model.AttemptStatus, at time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE attempts SET status = ?, submitted_at = ?, autosubmitted = ?
		 WHERE id = ? AND status = ? AND submitted_at IS NULL`,
		status, at.UTC(), status == model.AttemptAutoSubmitted, id, model.AttemptInProgress,
	)
	if err != nil {
		return false, err
	}
	return changed(res)
}

// ListAttemptsByStatus returns an exam's attempts in the given status.
func (s *Store) ListAttemptsByStatus(ctx context.Context, examID int64, status model.AttemptStatus) ([]model.Attempt, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE exam_id = ? AND status = ? ORDER BY id`, examID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// CountAttemptsByStatus returns attempt counts per status for an exam.
func (s *Store) CountAttemptsByStatus(ctx context.Context, examID int64) (map[model.AttemptStatus]int, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM attempts WHERE exam_id = ? GROUP BY status`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[model.AttemptStatus]int{
		model.AttemptNotStarted:    0,
		model.AttemptInProgress:    0,
		model.AttemptSubmitted:     0,
		model.AttemptAutoSubmitted: 0,
	}
	for rows.Next() {
		var st model.AttemptStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}
