package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pavelanni/examhall/internal/model"
)

const examColumns = `id, title, section_ref, question_set, start_at, end_at, join_window_seconds, status, settings, created_by, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExam(row rowScanner) (model.Exam, error) {
	var e model.Exam
	var joinSeconds int64
	var settings string
	if err := row.Scan(&e.ID, &e.Title, &e.SectionRef, &e.QuestionSet, &e.StartAt, &e.EndAt,
		&joinSeconds, &e.Status, &settings, &e.CreatedBy, &e.CreatedAt); err != nil {
		return e, err
	}
	e.JoinWindow = time.Duration(joinSeconds) * time.Second
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &e.Settings); err != nil {
			return e, fmt.Errorf("decode exam %d settings: %w", e.ID, err)
		}
	}
	return e, nil
}

// CreateExam inserts a draft exam.
func (s *Store) CreateExam(ctx context.Context, e model.Exam) (int64, error) {
	if !e.EndAt.After(e.StartAt) {
		return 0, fmt.Errorf("%w: end must be after start", model.ErrInvalidInput)
	}
	settings, err := json.Marshal(e.Settings)
	if err != nil {
		return 0, err
	}
	if e.Settings == nil {
		settings = []byte("{}")
	}
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO exams (title, section_ref, question_set, start_at, end_at, join_window_seconds, status, settings, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Title, e.SectionRef, e.QuestionSet, utc(e.StartAt), utc(e.EndAt), int64(e.JoinWindow/time.Second),
		model.ExamDraft, string(settings), e.CreatedBy, time.Now().UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetExam returns an exam by ID.
func (s *Store) GetExam(ctx context.Context, id int64) (model.Exam, error) {
	e, err := scanExam(s.q.QueryRowContext(ctx, `SELECT `+examColumns+` FROM exams WHERE id = ?`, id))
	return e, notFound(err)
}

// ListExamsByStatus returns all exams in the given status.
func (s *Store) ListExamsByStatus(ctx context.Context, status model.ExamStatus) ([]model.Exam, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+examColumns+` FROM exams WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var exams []model.Exam
	for rows.Next() {
		e, err := scanExam(rows)
		if err != nil {
			return nil, err
		}
		exams = append(exams, e)
	}
	return exams, rows.Err()
}

// SetExamStatus moves an exam from one status to another. It reports false
// when the exam was no longer in the expected status.
func (s *Store) SetExamStatus(ctx context.Context, id int64, from, to model.ExamStatus) (bool, error) {
	res, err := s.q.ExecContext(ctx, `UPDATE exams SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, err
	}
	return changed(res)
}

// AttachQuestions appends questions to an exam's question set.
func (s *Store) AttachQuestions(ctx context.Context, examID int64, questionIDs []int64) error {
	return s.InTx(ctx, func(tx *Store) error {
		var next int
		if err := tx.q.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq_no), 0) FROM exam_questions WHERE exam_id = ?`, examID,
		).Scan(&next); err != nil {
			return err
		}
		for _, qID := range questionIDs {
			next++
			if _, err := tx.q.ExecContext(ctx,
				`INSERT INTO exam_questions (exam_id, question_id, seq_no) VALUES (?, ?, ?)
				 ON CONFLICT(exam_id, question_id) DO NOTHING`,
				examID, qID, next,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// ExamQuestionIDs returns the question IDs attached to an exam in order.
func (s *Store) ExamQuestionIDs(ctx context.Context, examID int64) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT question_id FROM exam_questions WHERE exam_id = ? ORDER BY seq_no`, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ExamHasQuestion reports whether the question belongs to the exam.
func (s *Store) ExamHasQuestion(ctx context.Context, examID, questionID int64) (bool, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM exam_questions WHERE exam_id = ? AND question_id = ?`, examID, questionID,
	).Scan(&n)
	return n > 0, err
}

// SetExamEnd moves an exam's end time.
func (s *Store) SetExamEnd(ctx context.Context, id int64, end time.Time) error {
	res, err := s.q.ExecContext(ctx, `UPDATE exams SET end_at = ? WHERE id = ?`, utc(end), id)
	if err != nil {
		return err
	}
	if ok, err := changed(res); err != nil {
		return err
	} else if !ok {
		return model.ErrNotFound
	}
	return nil
}
