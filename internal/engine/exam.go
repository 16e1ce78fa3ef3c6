package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/examhall/internal/ledger"
	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/store"
)

// CreateExam stores a draft exam owned by actor and attaches questionIDs to
// it. Nothing is stored when any of the questions is unknown.
func (e *Engine) CreateExam(ctx context.Context, actor model.Actor, exam model.Exam, questionIDs ...int64) (model.Exam, error) {
	if !model.Can(actor.Role, model.ActionManageExam) {
		return model.Exam{}, model.ErrPermissionDenied
	}
	if strings.TrimSpace(exam.Title) == "" {
		return model.Exam{}, fmt.Errorf("%w: title is required", model.ErrInvalidInput)
	}
	if exam.JoinWindow < 0 {
		return model.Exam{}, fmt.Errorf("%w: join window must not be negative", model.ErrInvalidInput)
	}
	exam.CreatedBy = actor.ID

	var created model.Exam
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		id, err := tx.CreateExam(ctx, exam)
		if err != nil {
			return err
		}
		if len(questionIDs) > 0 {
			if err := attachTx(ctx, tx, id, questionIDs); err != nil {
				return err
			}
		}
		created, err = tx.GetExam(ctx, id)
		if err != nil {
			return err
		}
		_, err = e.ledger.AppendTx(ctx, tx, ledger.Entry{
			Actor:      actor,
			EntityType: "exam",
			EntityID:   id,
			Action:     "exam.create",
			After:      examSnapshot(created),
		})
		return err
	})
	if err != nil {
		return model.Exam{}, err
	}
	slog.Info("exam created", "exam_id", created.ID, "title", created.Title)
	return created, nil
}

// AttachQuestions adds bank questions to a draft exam.
func (e *Engine) AttachQuestions(ctx context.Context, actor model.Actor, examID int64, questionIDs []int64) error {
	if !model.Can(actor.Role, model.ActionManageExam) {
		return model.ErrPermissionDenied
	}
	if len(questionIDs) == 0 {
		return fmt.Errorf("%w: no questions given", model.ErrInvalidInput)
	}
	return e.store.InTx(ctx, func(tx *store.Store) error {
		exam, err := tx.GetExam(ctx, examID)
		if err != nil {
			return err
		}
		if exam.Status != model.ExamDraft {
			return fmt.Errorf("%w: exam %d is %s", model.ErrInvalidState, examID, exam.Status)
		}
		return attachTx(ctx, tx, examID, questionIDs)
	})
}

func attachTx(ctx context.Context, tx *store.Store, examID int64, questionIDs []int64) error {
	for _, qID := range questionIDs {
		if _, err := tx.GetQuestion(ctx, qID); err != nil {
			return fmt.Errorf("question %d: %w", qID, err)
		}
	}
	return tx.AttachQuestions(ctx, examID, questionIDs)
}

func examSnapshot(exam model.Exam) map[string]any {
	return map[string]any{
		"status":   exam.Status,
		"start_at": exam.StartAt.UTC(),
		"end_at":   exam.EndAt.UTC(),
	}
}

// transition moves exam to the next status and appends one audit record.
// It must run inside tx.
func (e *Engine) transition(ctx context.Context, tx *store.Store, actor model.Actor, exam model.Exam,
	to model.ExamStatus, action, reason string, extra map[string]any) (model.Exam, error) {
	ok, err := tx.SetExamStatus(ctx, exam.ID, exam.Status, to)
	if err != nil {
		return model.Exam{}, fmt.Errorf("set exam status: %w", err)
	}
	if !ok {
		return model.Exam{}, fmt.Errorf("%w: exam %d changed concurrently", model.ErrInvalidState, exam.ID)
	}
	before := map[string]any{"status": exam.Status}
	exam.Status = to
	after := examSnapshot(exam)
	for k, v := range extra {
		after[k] = v
	}
	if _, err := e.ledger.AppendTx(ctx, tx, ledger.Entry{
		Actor:      actor,
		EntityType: "exam",
		EntityID:   exam.ID,
		Action:     action,
		Before:     before,
		After:      after,
		Reason:     reason,
	}); err != nil {
		return model.Exam{}, err
	}
	return exam, nil
}

// Publish moves a draft exam with at least one question and a future start
// to Published.
func (e *Engine) Publish(ctx context.Context, actor model.Actor, examID int64) (model.Exam, error) {
	if !model.Can(actor.Role, model.ActionPublishExam) {
		return model.Exam{}, model.ErrPermissionDenied
	}
	var out model.Exam
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		exam, err := tx.GetExam(ctx, examID)
		if err != nil {
			return err
		}
		if exam.Status != model.ExamDraft {
			return fmt.Errorf("%w: exam %d is %s", model.ErrInvalidState, examID, exam.Status)
		}
		qids, err := tx.ExamQuestionIDs(ctx, examID)
		if err != nil {
			return err
		}
		if len(qids) == 0 {
			return fmt.Errorf("%w: exam %d has no questions", model.ErrInvalidState, examID)
		}
		if !exam.StartAt.After(e.now()) {
			return fmt.Errorf("%w: exam %d start time is not in the future", model.ErrInvalidState, examID)
		}
		out, err = e.transition(ctx, tx, actor, exam, model.ExamPublished, "exam.publish", "",
			map[string]any{"questions": len(qids)})
		return err
	})
	if err != nil {
		return model.Exam{}, err
	}
	slog.Info("exam published", "exam_id", examID)
	return out, nil
}

// Start moves a published exam to Started once its start time is reached.
// Starting an already started exam is a no-op.
func (e *Engine) Start(ctx context.Context, actor model.Actor, examID int64) (model.Exam, error) {
	if !model.Can(actor.Role, model.ActionStartExam) {
		return model.Exam{}, model.ErrPermissionDenied
	}
	var (
		out     model.Exam
		changed bool
	)
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		exam, err := tx.GetExam(ctx, examID)
		if err != nil {
			return err
		}
		if exam.Status == model.ExamStarted {
			out = exam
			return nil
		}
		if exam.Status != model.ExamPublished {
			return fmt.Errorf("%w: exam %d is %s", model.ErrInvalidState, examID, exam.Status)
		}
		if e.now().Before(exam.StartAt) {
			return fmt.Errorf("%w: exam %d starts at %s", model.ErrInvalidState, examID, exam.StartAt.Format(time.RFC3339))
		}
		out, err = e.transition(ctx, tx, actor, exam, model.ExamStarted, "exam.start", "",
			map[string]any{"started_at": e.now().UTC()})
		changed = err == nil
		return err
	})
	if err != nil {
		return model.Exam{}, err
	}
	if changed {
		slog.Info("exam started", "exam_id", examID)
	}
	return out, nil
}

// End force-submits every in-progress attempt and marks the exam Ended, all
// in one transaction. A join racing with End either commits first and is
// force-submitted here, or observes the Ended status. Ending an already
// ended exam is a no-op.
func (e *Engine) End(ctx context.Context, actor model.Actor, examID int64) (model.Exam, error) {
	if !model.Can(actor.Role, model.ActionEndExam) {
		return model.Exam{}, model.ErrPermissionDenied
	}
	var (
		out    model.Exam
		forced []model.Attempt
		ended  bool
	)
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		forced = nil
		exam, err := tx.GetExam(ctx, examID)
		if err != nil {
			return err
		}
		if exam.Status == model.ExamEnded {
			out = exam
			return nil
		}
		if exam.Status != model.ExamStarted {
			return fmt.Errorf("%w: exam %d is %s", model.ErrInvalidState, examID, exam.Status)
		}
		active, err := tx.ListAttemptsByStatus(ctx, examID, model.AttemptInProgress)
		if err != nil {
			return err
		}
		now := e.now()
		for _, a := range active {
			done, ok, err := e.forceSubmitTx(ctx, tx, actor, a, now, "exam ended")
			if err != nil {
				return fmt.Errorf("force submit attempt %d: %w", a.ID, err)
			}
			if ok {
				forced = append(forced, done)
			}
		}
		out, err = e.transition(ctx, tx, actor, exam, model.ExamEnded, "exam.end", "",
			map[string]any{"ended_at": now.UTC(), "force_submitted": len(forced)})
		ended = err == nil
		return err
	})
	if err != nil {
		return model.Exam{}, err
	}
	if ended {
		slog.Info("exam ended", "exam_id", examID, "force_submitted", len(forced))
	}
	e.notifyFinished(forced, true)
	return out, nil
}

// PublishResults moves an ended exam to ResultsPublished once every response
// has a final score.
func (e *Engine) PublishResults(ctx context.Context, actor model.Actor, examID int64) (model.Exam, error) {
	if !model.Can(actor.Role, model.ActionPublishResults) {
		return model.Exam{}, model.ErrPermissionDenied
	}
	var out model.Exam
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		exam, err := tx.GetExam(ctx, examID)
		if err != nil {
			return err
		}
		if exam.Status != model.ExamEnded {
			return fmt.Errorf("%w: exam %d is %s", model.ErrInvalidState, examID, exam.Status)
		}
		pending, err := tx.CountUngradedResponses(ctx, examID)
		if err != nil {
			return err
		}
		if pending > 0 {
			return &model.IncompleteGradingError{Pending: pending}
		}
		out, err = e.transition(ctx, tx, actor, exam, model.ExamResultsPublished, "exam.publish_results", "", nil)
		return err
	})
	if err != nil {
		return model.Exam{}, err
	}
	slog.Info("exam results published", "exam_id", examID)
	return out, nil
}

// Reopen is the administrative backward transition Ended -> Started. A
// non-zero newEnd replaces the exam's end time and must lie in the future.
// Attempts already submitted stay terminal.
func (e *Engine) Reopen(ctx context.Context, actor model.Actor, examID int64, newEnd time.Time, reason string) (model.Exam, error) {
	if !model.Can(actor.Role, model.ActionReopenExam) {
		return model.Exam{}, model.ErrPermissionDenied
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.Exam{}, fmt.Errorf("%w: reason is required", model.ErrInvalidInput)
	}
	var out model.Exam
	err := e.store.InTx(ctx, func(tx *store.Store) error {
		exam, err := tx.GetExam(ctx, examID)
		if err != nil {
			return err
		}
		if exam.Status != model.ExamEnded {
			return fmt.Errorf("%w: exam %d is %s", model.ErrInvalidState, examID, exam.Status)
		}
		if !newEnd.IsZero() {
			if !newEnd.After(e.now()) || !newEnd.After(exam.StartAt) {
				return fmt.Errorf("%w: new end must be in the future", model.ErrInvalidInput)
			}
			if err := tx.SetExamEnd(ctx, examID, newEnd); err != nil {
				return err
			}
			exam.EndAt = newEnd.UTC()
		}
		if !exam.EndAt.After(e.now()) {
			return fmt.Errorf("%w: exam %d end time has passed", model.ErrInvalidState, examID)
		}
		out, err = e.transition(ctx, tx, actor, exam, model.ExamStarted, "exam.reopen", reason, nil)
		return err
	})
	if err != nil {
		return model.Exam{}, err
	}
	slog.Warn("exam reopened", "exam_id", examID, "actor", actor.ID, "reason", reason)
	return out, nil
}

// StatusSnapshot summarizes an exam for monitors.
func (e *Engine) StatusSnapshot(ctx context.Context, examID int64, recent int) (model.ExamStatusSnapshot, error) {
	exam, err := e.store.GetExam(ctx, examID)
	if err != nil {
		return model.ExamStatusSnapshot{}, err
	}
	counts, err := e.store.CountAttemptsByStatus(ctx, examID)
	if err != nil {
		return model.ExamStatusSnapshot{}, fmt.Errorf("count attempts: %w", err)
	}
	events, err := e.store.RecentProctorEvents(ctx, examID, recent)
	if err != nil {
		return model.ExamStatusSnapshot{}, fmt.Errorf("recent events: %w", err)
	}
	if events == nil {
		events = []model.ProctorEvent{}
	}
	var remaining int64
	if exam.Status == model.ExamStarted {
		remaining = secondsUntil(e.now(), exam.EndAt)
	}
	return model.ExamStatusSnapshot{
		Status:        exam.Status,
		TimeRemaining: remaining,
		AttemptCounts: counts,
		RecentEvents:  events,
	}, nil
}

// InProgressAttempts lists an exam's attempts currently in progress.
func (e *Engine) InProgressAttempts(ctx context.Context, examID int64) ([]model.Attempt, error) {
	return e.store.ListAttemptsByStatus(ctx, examID, model.AttemptInProgress)
}

// ExamsDueToStart returns published exams whose start time has passed.
func (e *Engine) ExamsDueToStart(ctx context.Context) ([]model.Exam, error) {
	return e.dueExams(ctx, model.ExamPublished, func(ex model.Exam) time.Time { return ex.StartAt })
}

// ExamsDueToEnd returns started exams whose end time has passed.
func (e *Engine) ExamsDueToEnd(ctx context.Context) ([]model.Exam, error) {
	return e.dueExams(ctx, model.ExamStarted, func(ex model.Exam) time.Time { return ex.EndAt })
}

func (e *Engine) dueExams(ctx context.Context, status model.ExamStatus, at func(model.Exam) time.Time) ([]model.Exam, error) {
	exams, err := e.store.ListExamsByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list %s exams: %w", status, err)
	}
	now := e.now()
	var due []model.Exam
	for _, ex := range exams {
		if !now.Before(at(ex)) {
			due = append(due, ex)
		}
	}
	return due, nil
}

// StartedExams lists exams currently running.
func (e *Engine) StartedExams(ctx context.Context) ([]model.Exam, error) {
	return e.store.ListExamsByStatus(ctx, model.ExamStarted)
}
