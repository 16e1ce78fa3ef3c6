// Package engine implements the exam and attempt state machines and the
// grading entry points. Every transition runs in a single store transaction
// together with its audit record.
package engine

import (
	"context"
	"time"

	"github.com/pavelanni/examhall/internal/ledger"
	"github.com/pavelanni/examhall/internal/lockwin"
	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/store"
)

// Notifier receives attempt completions after they commit. Implementations
// must not block.
type Notifier interface {
	AttemptFinished(a model.Attempt, forced bool)
}

// Scorer is the AI scoring oracle.
type Scorer interface {
	ScoreResponse(ctx context.Context, q model.Question, answer string) (score float64, feedback string, err error)
}

// Config holds engine tuning parameters.
type Config struct {
	// AutoSubmitMargin moves attempt deadlines before the exam end. An exam's
	// auto_submit_margin_seconds setting takes precedence.
	AutoSubmitMargin time.Duration
	// OpTimeout bounds join, submit and lock-checked grade writes.
	OpTimeout time.Duration
}

// Engine drives exams and attempts through their lifecycles.
type Engine struct {
	store  *store.Store
	ledger *ledger.Ledger
	locks  *lockwin.Manager
	scorer Scorer
	notify Notifier
	cfg    Config
	now    func() time.Time
}

// New creates an engine. A nil clock means time.Now.
func New(s *store.Store, l *ledger.Ledger, locks *lockwin.Manager, cfg Config, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: s, ledger: l, locks: locks, cfg: cfg, now: now}
}

// SetNotifier installs the receiver of attempt completions.
func (e *Engine) SetNotifier(n Notifier) { e.notify = n }

// SetScorer installs the AI scoring oracle.
func (e *Engine) SetScorer(s Scorer) { e.scorer = s }

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time { return e.now() }

func (e *Engine) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.OpTimeout)
}

func (e *Engine) notifyFinished(attempts []model.Attempt, forced bool) {
	if e.notify == nil {
		return
	}
	for _, a := range attempts {
		e.notify.AttemptFinished(a, forced)
	}
}

// GetExam returns an exam by ID.
func (e *Engine) GetExam(ctx context.Context, id int64) (model.Exam, error) {
	return e.store.GetExam(ctx, id)
}

// GetAttempt returns an attempt by ID.
func (e *Engine) GetAttempt(ctx context.Context, id int64) (model.Attempt, error) {
	return e.store.GetAttempt(ctx, id)
}

// margin returns the early auto-submit margin for an exam.
func (e *Engine) margin(exam model.Exam) time.Duration {
	if s := exam.SettingInt(model.SettingAutoSubmitMargin); s > 0 {
		return time.Duration(s) * time.Second
	}
	return e.cfg.AutoSubmitMargin
}

// hardDeadline is the instant after which a submission counts as late:
// the exam end or the attempt's time budget, whichever comes first.
func hardDeadline(exam model.Exam, a model.Attempt) time.Time {
	d := exam.EndAt
	if mins := exam.SettingInt(model.SettingDurationMinutes); mins > 0 && a.StartedAt != nil {
		if budget := a.StartedAt.Add(time.Duration(mins) * time.Minute); budget.Before(d) {
			d = budget
		}
	}
	return d
}

// Deadline is the instant the scheduler force-submits the attempt:
// min(exam end - margin, started_at + duration).
func (e *Engine) Deadline(exam model.Exam, a model.Attempt) time.Time {
	d := exam.EndAt.Add(-e.margin(exam))
	if hd := hardDeadline(exam, a); hd.Before(d) {
		d = hd
	}
	return d
}

// TimeRemaining returns whole seconds until the attempt's deadline, never negative.
func (e *Engine) TimeRemaining(exam model.Exam, a model.Attempt) int64 {
	return secondsUntil(e.now(), e.Deadline(exam, a))
}

func secondsUntil(now, t time.Time) int64 {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}
