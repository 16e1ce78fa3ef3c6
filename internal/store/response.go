package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pavelanni/examhall/internal/model"
)

const responseColumns = `id, attempt_id, question_id, answer, ai_score, teacher_score, final_score, final_source, feedback, annotations, updated_at`

func scanResponse(row rowScanner) (model.Response, error) {
	var r model.Response
	var answer, annotations string
	err := row.Scan(&r.ID, &r.AttemptID, &r.QuestionID, &answer, &r.AIScore, &r.TeacherScore,
		&r.FinalScore, &r.FinalSource, &r.Feedback, &annotations, &r.UpdatedAt)
	r.Answer = json.RawMessage(answer)
	r.Annotations = json.RawMessage(annotations)
	return r, err
}

// UpsertAnswer stores the answer payload for (attempt, question) and returns the response.
func (s *Store) UpsertAnswer(ctx context.Context, attemptID, questionID int64, answer json.RawMessage, at time.Time) (model.Response, error) {
	if len(answer) == 0 {
		answer = json.RawMessage("null")
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO responses (attempt_id, question_id, answer, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(attempt_id, question_id) DO UPDATE SET answer = excluded.answer, updated_at = excluded.updated_at`,
		attemptID, questionID, string(answer), at.UTC(),
	)
	if err != nil {
		return model.Response{}, err
	}
	r, err := scanResponse(s.q.QueryRowContext(ctx,
		`SELECT `+responseColumns+` FROM responses WHERE attempt_id = ? AND question_id = ?`, attemptID, questionID))
	return r, notFound(err)
}

// GetResponse returns a response by ID.
func (s *Store) GetResponse(ctx context.Context, id int64) (model.Response, error) {
	r, err := scanResponse(s.q.QueryRowContext(ctx, `SELECT `+responseColumns+` FROM responses WHERE id = ?`, id))
	return r, notFound(err)
}

// SetHumanScore records a grader's score, which becomes the final score.
func (s *Store) SetHumanScore(ctx context.Context, id int64, score float64, feedback string, at time.Time) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE responses SET teacher_score = ?, final_score = ?, final_source = ?, feedback = ?, updated_at = ?
		 WHERE id = ?`,
		score, score, model.ScoreSourceHuman, feedback, at.UTC(), id,
	)
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

// SetAIScore stores an oracle score. When finalize is true the score also
// becomes final, but never over a human-set final score.
func (s *Store) SetAIScore(ctx context.Context, id int64, score float64, feedback string, finalize bool, at time.Time) error {
	if _, err := s.q.ExecContext(ctx,
		`UPDATE responses SET ai_score = ?, updated_at = ? WHERE id = ?`, score, at.UTC(), id,
	); err != nil {
		return err
	}
	if !finalize {
		return nil
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE responses SET final_score = ?, final_source = ?, feedback = ?
		 WHERE id = ? AND final_source != ?`,
		score, model.ScoreSourceAI, feedback, id, model.ScoreSourceHuman,
	)
	return err
}

// CountUngradedResponses counts responses of an exam without a final score.
func (s *Store) CountUngradedResponses(ctx context.Context, examID int64) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM responses r JOIN attempts a ON a.id = r.attempt_id
		 WHERE a.exam_id = ? AND r.final_score IS NULL`, examID,
	).Scan(&n)
	return n, err
}
