package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/pavelanni/examhall/internal/ledger"
	"github.com/pavelanni/examhall/internal/lockwin"
	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/store"
)

// SaveAnswer upserts the student's answer for a question of an in-progress attempt.
func (e *Engine) SaveAnswer(ctx context.Context, actor model.Actor, attemptID, questionID int64, answer json.RawMessage) (model.Response, error) {
	if len(answer) > 0 && !json.Valid(answer) {
		return model.Response{}, fmt.Errorf("%w: answer is not valid JSON", model.ErrInvalidInput)
	}
	var out model.Response
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		a, exam, err := e.ownedInProgress(ctx, tx, actor, attemptID)
		if err != nil {
			return err
		}
		if !e.now().Before(e.Deadline(exam, a)) {
			return fmt.Errorf("%w: attempt %d is past its deadline", model.ErrInvalidState, a.ID)
		}
		ok, err := tx.ExamHasQuestion(ctx, a.ExamID, questionID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: question %d is not part of exam %d", model.ErrInvalidInput, questionID, a.ExamID)
		}
		out, err = tx.UpsertAnswer(ctx, a.ID, questionID, answer, e.now())
		return err
	})
	return out, err
}

// RecordProctorEvent appends a proctoring signal for an in-progress attempt.
func (e *Engine) RecordProctorEvent(ctx context.Context, actor model.Actor, attemptID int64, kind model.ProctorEventKind, payload json.RawMessage) (model.ProctorEvent, error) {
	switch kind {
	case model.EventTabSwitch, model.EventFocusLoss, model.EventNetworkDrop, model.EventPaste, model.EventFullscreenExit:
	default:
		return model.ProctorEvent{}, fmt.Errorf("%w: unknown event type %q", model.ErrInvalidInput, kind)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return model.ProctorEvent{}, fmt.Errorf("%w: payload is not valid JSON", model.ErrInvalidInput)
	}
	var out model.ProctorEvent
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		a, _, err := e.ownedInProgress(ctx, tx, actor, attemptID)
		if err != nil {
			return err
		}
		out, err = tx.InsertProctorEvent(ctx, model.ProctorEvent{
			AttemptID: a.ID,
			Kind:      kind,
			Payload:   payload,
			CreatedAt: e.now(),
		})
		return err
	})
	if err != nil {
		return model.ProctorEvent{}, err
	}
	if kind.Alerting() {
		slog.Info("proctor alert", "attempt_id", attemptID, "event_type", kind)
	}
	return out, nil
}

func (e *Engine) ownedInProgress(ctx context.Context, tx *store.Store, actor model.Actor, attemptID int64) (model.Attempt, model.Exam, error) {
	a, err := tx.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.Attempt{}, model.Exam{}, err
	}
	if a.StudentID != actor.ID {
		return model.Attempt{}, model.Exam{}, model.ErrPermissionDenied
	}
	if a.Status.Terminal() {
		return model.Attempt{}, model.Exam{}, fmt.Errorf("%w: attempt %d is %s", model.ErrAlreadySubmitted, a.ID, a.Status)
	}
	if a.Status != model.AttemptInProgress {
		return model.Attempt{}, model.Exam{}, fmt.Errorf("%w: attempt %d is %s", model.ErrInvalidState, a.ID, a.Status)
	}
	exam, err := tx.GetExam(ctx, a.ExamID)
	if err != nil {
		return model.Attempt{}, model.Exam{}, err
	}
	return a, exam, nil
}

// gradeTarget loads a response with its attempt and question and checks
// that the attempt is finished.
func gradeTarget(ctx context.Context, s *store.Store, responseID int64) (model.Response, model.Attempt, model.Question, error) {
	r, err := s.GetResponse(ctx, responseID)
	if err != nil {
		return model.Response{}, model.Attempt{}, model.Question{}, err
	}
	a, err := s.GetAttempt(ctx, r.AttemptID)
	if err != nil {
		return model.Response{}, model.Attempt{}, model.Question{}, err
	}
	if !a.Status.Terminal() {
		return model.Response{}, model.Attempt{}, model.Question{},
			fmt.Errorf("%w: attempt %d is still %s", model.ErrInvalidState, a.ID, a.Status)
	}
	q, err := s.GetQuestion(ctx, r.QuestionID)
	if err != nil {
		return model.Response{}, model.Attempt{}, model.Question{}, fmt.Errorf("question %d: %w", r.QuestionID, err)
	}
	return r, a, q, nil
}

func gradeScopes(examID, responseID int64) []string {
	return []string{
		lockwin.ScopeGrades,
		lockwin.EntityScope("exam", examID),
		lockwin.EntityScope("response", responseID),
	}
}

func scoreSnapshot(r model.Response) map[string]any {
	return map[string]any{
		"ai_score":      r.AIScore,
		"teacher_score": r.TeacherScore,
		"final_score":   r.FinalScore,
		"final_source":  r.FinalSource,
	}
}

// SetHumanScore records a grader's score as the final score. The write is
// refused while any of the grades, exam or response scopes is locked.
func (e *Engine) SetHumanScore(ctx context.Context, actor model.Actor, responseID int64, score float64, feedback, reason string) (model.Response, error) {
	if !model.Can(actor.Role, model.ActionGrade) {
		return model.Response{}, model.ErrPermissionDenied
	}
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	var out model.Response
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		r, a, q, err := gradeTarget(ctx, tx, responseID)
		if err != nil {
			return err
		}
		if math.IsNaN(score) || score < 0 || score > float64(q.MaxPoints) {
			return fmt.Errorf("%w: score must be between 0 and %d", model.ErrInvalidInput, q.MaxPoints)
		}
		if err := e.locks.GuardTx(ctx, tx, gradeScopes(a.ExamID, r.ID)...); err != nil {
			return err
		}
		if err := tx.SetHumanScore(ctx, r.ID, score, feedback, e.now()); err != nil {
			return err
		}
		out, err = tx.GetResponse(ctx, r.ID)
		if err != nil {
			return err
		}
		_, err = e.ledger.AppendTx(ctx, tx, ledger.Entry{
			Actor:      actor,
			EntityType: "response",
			EntityID:   r.ID,
			Action:     "response.grade",
			Before:     scoreSnapshot(r),
			After:      scoreSnapshot(out),
			Reason:     reason,
		})
		return err
	})
	if err != nil {
		return model.Response{}, err
	}
	slog.Info("response graded", "response_id", responseID, "grader", actor.ID, "score", score)
	return out, nil
}

// ApplyAIScore asks the scoring oracle for a score and stores it as the AI
// score. It becomes final only when the exam allows it and no human score
// exists.
func (e *Engine) ApplyAIScore(ctx context.Context, actor model.Actor, responseID int64) (model.Response, error) {
	if !model.Can(actor.Role, model.ActionGrade) {
		return model.Response{}, model.ErrPermissionDenied
	}
	if e.scorer == nil {
		return model.Response{}, fmt.Errorf("%w: no scoring oracle configured", model.ErrInvalidState)
	}

	// The oracle call happens outside any transaction.
	r, _, q, err := gradeTarget(ctx, e.store, responseID)
	if err != nil {
		return model.Response{}, err
	}
	score, feedback, err := e.scorer.ScoreResponse(ctx, q, answerText(r.Answer))
	if err != nil {
		return model.Response{}, fmt.Errorf("score response %d: %w", responseID, err)
	}
	score = math.Max(0, math.Min(score, float64(q.MaxPoints)))

	ctx, cancel := e.bounded(ctx)
	defer cancel()

	var out model.Response
	err = e.store.InTx(ctx, func(tx *store.Store) error {
		cur, a, _, err := gradeTarget(ctx, tx, responseID)
		if err != nil {
			return err
		}
		if err := e.locks.GuardTx(ctx, tx, gradeScopes(a.ExamID, cur.ID)...); err != nil {
			return err
		}
		exam, err := tx.GetExam(ctx, a.ExamID)
		if err != nil {
			return err
		}
		finalize := exam.SettingBool(model.SettingAIFinalizes) && cur.FinalSource != model.ScoreSourceHuman
		if err := tx.SetAIScore(ctx, cur.ID, score, feedback, finalize, e.now()); err != nil {
			return err
		}
		out, err = tx.GetResponse(ctx, cur.ID)
		if err != nil {
			return err
		}
		_, err = e.ledger.AppendTx(ctx, tx, ledger.Entry{
			Actor:      actor,
			EntityType: "response",
			EntityID:   cur.ID,
			Action:     "response.ai_score",
			Before:     scoreSnapshot(cur),
			After:      scoreSnapshot(out),
		})
		return err
	})
	if err != nil {
		return model.Response{}, err
	}
	slog.Info("response scored by oracle", "response_id", responseID, "score", score, "final", out.FinalSource == model.ScoreSourceAI)
	return out, nil
}

// answerText renders an answer payload for the oracle. JSON strings are
// unquoted; anything else is passed through as JSON.
func answerText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
