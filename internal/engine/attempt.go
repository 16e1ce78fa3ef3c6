package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/examhall/internal/ledger"
	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/store"
)

// Join creates the student's attempt or resumes it. New attempts are only
// created while the exam is Started and inside the join window.
func (e *Engine) Join(ctx context.Context, actor model.Actor, examID int64) (model.Attempt, error) {
	if !model.Can(actor.Role, model.ActionJoinExam) {
		return model.Attempt{}, model.ErrPermissionDenied
	}
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	var (
		out     model.Attempt
		created bool
	)
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		exam, err := tx.GetExam(ctx, examID)
		if err != nil {
			return err
		}
		existing, err := tx.FindAttempt(ctx, examID, actor.ID)
		switch {
		case err == nil:
			if existing.Status.Terminal() {
				return fmt.Errorf("%w: attempt %d is %s", model.ErrAlreadySubmitted, existing.ID, existing.Status)
			}
			if existing.Status == model.AttemptInProgress && exam.Status == model.ExamStarted {
				out = existing
				return nil
			}
			return fmt.Errorf("%w: attempt %d is %s and exam is %s", model.ErrInvalidState,
				existing.ID, existing.Status, exam.Status)
		case !errors.Is(err, model.ErrNotFound):
			return err
		}

		if exam.Status != model.ExamStarted {
			return fmt.Errorf("%w: exam %d is %s", model.ErrInvalidState, examID, exam.Status)
		}
		now := e.now()
		if now.Before(exam.StartAt) {
			return fmt.Errorf("%w: exam %d has not started", model.ErrInvalidState, examID)
		}
		if !now.Before(exam.JoinDeadline()) || !now.Before(exam.EndAt) {
			return fmt.Errorf("%w: joining exam %d closed at %s", model.ErrJoinWindowExpired,
				examID, exam.JoinDeadline().Format(time.RFC3339))
		}
		out, err = tx.CreateAttempt(ctx, examID, actor.ID, now)
		if err != nil {
			return fmt.Errorf("create attempt: %w", err)
		}
		created = true
		_, err = e.ledger.AppendTx(ctx, tx, ledger.Entry{
			Actor:      actor,
			EntityType: "attempt",
			EntityID:   out.ID,
			Action:     "attempt.join",
			After:      attemptSnapshot(out),
		})
		return err
	})
	if err != nil {
		return model.Attempt{}, err
	}
	if created {
		slog.Info("attempt started", "attempt_id", out.ID, "exam_id", examID, "student_id", actor.ID)
	}
	return out, nil
}

func attemptSnapshot(a model.Attempt) map[string]any {
	m := map[string]any{
		"status":        a.Status,
		"autosubmitted": a.AutoSubmitted,
	}
	if a.StartedAt != nil {
		m["started_at"] = a.StartedAt.UTC()
	}
	if a.SubmittedAt != nil {
		m["submitted_at"] = a.SubmittedAt.UTC()
	}
	return m
}

// Submit is the student's manual submission. A submission after the exam end
// or the attempt's time budget is recorded as AutoSubmitted. The loser of a
// race with a forced submit gets ErrAlreadySubmitted.
func (e *Engine) Submit(ctx context.Context, actor model.Actor, attemptID int64) (model.Attempt, error) {
	if !model.Can(actor.Role, model.ActionSubmitAttempt) {
		return model.Attempt{}, model.ErrPermissionDenied
	}
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	var out model.Attempt
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		a, err := tx.GetAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		if a.StudentID != actor.ID {
			return model.ErrPermissionDenied
		}
		if a.Status.Terminal() {
			return fmt.Errorf("%w: attempt %d is %s", model.ErrAlreadySubmitted, a.ID, a.Status)
		}
		if a.Status != model.AttemptInProgress {
			return fmt.Errorf("%w: attempt %d is %s", model.ErrInvalidState, a.ID, a.Status)
		}
		exam, err := tx.GetExam(ctx, a.ExamID)
		if err != nil {
			return err
		}

		now := e.now()
		status, action, reason := model.AttemptSubmitted, "attempt.submit", ""
		if now.After(hardDeadline(exam, a)) {
			status, action, reason = model.AttemptAutoSubmitted, "attempt.auto_submit", "submitted after deadline"
		}
		out, err = e.finishTx(ctx, tx, actor, a, status, action, reason, now)
		return err
	})
	if err != nil {
		return model.Attempt{}, err
	}
	slog.Info("attempt submitted", "attempt_id", out.ID, "status", out.Status)
	e.notifyFinished([]model.Attempt{out}, false)
	return out, nil
}

// ForceSubmit lets an admin end an in-progress attempt early. The attempt
// becomes AutoSubmitted and the reason is kept in the audit record.
func (e *Engine) ForceSubmit(ctx context.Context, actor model.Actor, attemptID int64, reason string) (model.Attempt, error) {
	if !model.Can(actor.Role, model.ActionForceSubmit) {
		return model.Attempt{}, model.ErrPermissionDenied
	}
	if strings.TrimSpace(reason) == "" {
		return model.Attempt{}, fmt.Errorf("%w: reason is required", model.ErrInvalidInput)
	}
	ctx, cancel := e.bounded(ctx)
	defer cancel()

	var out model.Attempt
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		a, err := tx.GetAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		if a.Status.Terminal() {
			return fmt.Errorf("%w: attempt %d is %s", model.ErrAlreadySubmitted, a.ID, a.Status)
		}
		var ok bool
		out, ok, err = e.forceSubmitTx(ctx, tx, actor, a, e.now(), reason)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: attempt %d", model.ErrAlreadySubmitted, a.ID)
		}
		return nil
	})
	if err != nil {
		return model.Attempt{}, err
	}
	slog.Info("attempt force-submitted", "attempt_id", out.ID, "actor_id", actor.ID, "reason", reason)
	e.notifyFinished([]model.Attempt{out}, true)
	return out, nil
}

// ForceSubmitIfDue force-submits an attempt whose individual deadline has
// passed while its exam is still Started. Once the exam has ended the
// exam-level transition owns the attempt, so nothing happens here.
func (e *Engine) ForceSubmitIfDue(ctx context.Context, attemptID int64) (bool, error) {
	var (
		out  model.Attempt
		done bool
	)
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		a, err := tx.GetAttempt(ctx, attemptID)
		if err != nil {
			return err
		}
		if a.Status != model.AttemptInProgress {
			return nil
		}
		exam, err := tx.GetExam(ctx, a.ExamID)
		if err != nil {
			return err
		}
		if exam.Status != model.ExamStarted {
			return nil
		}
		now := e.now()
		if now.Before(e.Deadline(exam, a)) {
			return nil
		}
		out, done, err = e.forceSubmitTx(ctx, tx, model.SystemActor, a, now, "attempt deadline passed")
		return err
	})
	if err != nil || !done {
		return false, err
	}
	slog.Info("attempt auto-submitted at deadline", "attempt_id", out.ID, "exam_id", out.ExamID)
	e.notifyFinished([]model.Attempt{out}, true)
	return true, nil
}

// forceSubmitTx moves a to AutoSubmitted inside tx. ok is false when another
// writer finished the attempt first.
func (e *Engine) forceSubmitTx(ctx context.Context, tx *store.Store, actor model.Actor, a model.Attempt,
	at time.Time, reason string) (model.Attempt, bool, error) {
	out, err := e.finishTx(ctx, tx, actor, a, model.AttemptAutoSubmitted, "attempt.auto_submit", reason, at)
	if errors.Is(err, model.ErrAlreadySubmitted) {
		return a, false, nil
	}
	if err != nil {
		return a, false, err
	}
	return out, true, nil
}

// finishTx performs the compare-and-set from InProgress to a terminal status
// and audits it.
func (e *Engine) finishTx(ctx context.Context, tx *store.Store, actor model.Actor, a model.Attempt,
	status model.AttemptStatus, action, reason string, at time.Time) (model.Attempt, error) {
	ok, err := tx.FinishAttempt(ctx, a.ID, status, at)
	if err != nil {
		return model.Attempt{}, fmt.Errorf("finish attempt: %w", err)
	}
	if !ok {
		return model.Attempt{}, fmt.Errorf("%w: attempt %d", model.ErrAlreadySubmitted, a.ID)
	}
	out, err := tx.GetAttempt(ctx, a.ID)
	if err != nil {
		return model.Attempt{}, err
	}
	if _, err := e.ledger.AppendTx(ctx, tx, ledger.Entry{
		Actor:      actor,
		EntityType: "attempt",
		EntityID:   a.ID,
		Action:     action,
		Before:     attemptSnapshot(a),
		After:      attemptSnapshot(out),
		Reason:     reason,
	}); err != nil {
		return model.Attempt{}, err
	}
	return out, nil
}

// AttemptSession validates that the student owns an in-progress attempt of
// the exam and returns it with the exam.
func (e *Engine) AttemptSession(ctx context.Context, actor model.Actor, examID, attemptID int64) (model.Attempt, model.Exam, error) {
	a, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return model.Attempt{}, model.Exam{}, err
	}
	if a.StudentID != actor.ID || (examID != 0 && a.ExamID != examID) {
		return model.Attempt{}, model.Exam{}, model.ErrPermissionDenied
	}
	if a.Status.Terminal() {
		return model.Attempt{}, model.Exam{}, fmt.Errorf("%w: attempt %d is %s", model.ErrAlreadySubmitted, a.ID, a.Status)
	}
	if a.Status != model.AttemptInProgress {
		return model.Attempt{}, model.Exam{}, fmt.Errorf("%w: attempt %d is %s", model.ErrInvalidState, a.ID, a.Status)
	}
	exam, err := e.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return model.Attempt{}, model.Exam{}, err
	}
	return a, exam, nil
}

// AttemptTimeRemaining reloads the attempt and its exam and returns the
// seconds left, zero once the attempt is no longer in progress.
func (e *Engine) AttemptTimeRemaining(ctx context.Context, attemptID int64) (int64, error) {
	a, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return 0, err
	}
	if a.Status != model.AttemptInProgress {
		return 0, nil
	}
	exam, err := e.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return 0, err
	}
	return e.TimeRemaining(exam, a), nil
}
