// Package scheduler periodically drives exams and attempts through their
// time-triggered transitions. It holds no state of its own: every effect is
// guarded by the engine's idempotent transitions, so a crashed or repeated
// cycle never duplicates work.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/pavelanni/examhall/internal/engine"
	"github.com/pavelanni/examhall/internal/lockwin"
	"github.com/pavelanni/examhall/internal/model"
)

// Result counts the effects of one cycle.
type Result struct {
	Started       int
	Ended         int
	AutoSubmitted int
	LocksExpired  int
	Failures      int
}

// Scheduler runs the periodic scans.
type Scheduler struct {
	eng      *engine.Engine
	locks    *lockwin.Manager
	interval time.Duration
}

// New creates a scheduler. A non-positive interval defaults to 20 seconds.
func New(eng *engine.Engine, locks *lockwin.Manager, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return &Scheduler{eng: eng, locks: locks, interval: interval}
}

// Run performs a catch-up cycle immediately and then one per interval until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs one cycle: start due exams, end due exams, force-submit
// attempts past their individual deadline, expire lock windows. A failing
// scan or item is logged and retried on the next cycle.
func (s *Scheduler) RunOnce(ctx context.Context) Result {
	var res Result
	s.startDue(ctx, &res)
	s.endDue(ctx, &res)
	s.submitDue(ctx, &res)
	s.expireLocks(ctx, &res)

	if res != (Result{}) {
		slog.Info("scheduler cycle",
			"started", res.Started,
			"ended", res.Ended,
			"auto_submitted", res.AutoSubmitted,
			"locks_expired", res.LocksExpired,
			"failures", res.Failures,
		)
	}
	return res
}

func (s *Scheduler) startDue(ctx context.Context, res *Result) {
	exams, err := s.eng.ExamsDueToStart(ctx)
	if err != nil {
		slog.Error("start scan failed", "error", err)
		res.Failures++
		return
	}
	for _, ex := range exams {
		if _, err := s.eng.Start(ctx, model.SystemActor, ex.ID); err != nil {
			slog.Error("start exam failed", "exam_id", ex.ID, "error", err)
			res.Failures++
			continue
		}
		res.Started++
	}
}

func (s *Scheduler) endDue(ctx context.Context, res *Result) {
	exams, err := s.eng.ExamsDueToEnd(ctx)
	if err != nil {
		slog.Error("end scan failed", "error", err)
		res.Failures++
		return
	}
	for _, ex := range exams {
		if _, err := s.eng.End(ctx, model.SystemActor, ex.ID); err != nil {
			slog.Error("end exam failed", "exam_id", ex.ID, "error", err)
			res.Failures++
			continue
		}
		res.Ended++
	}
}

func (s *Scheduler) submitDue(ctx context.Context, res *Result) {
	exams, err := s.eng.StartedExams(ctx)
	if err != nil {
		slog.Error("auto-submit scan failed", "error", err)
		res.Failures++
		return
	}
	now := s.eng.Now()
	for _, ex := range exams {
		attempts, err := s.eng.InProgressAttempts(ctx, ex.ID)
		if err != nil {
			slog.Error("list attempts failed", "exam_id", ex.ID, "error", err)
			res.Failures++
			continue
		}
		for _, a := range attempts {
			if now.Before(s.eng.Deadline(ex, a)) {
				continue
			}
			done, err := s.eng.ForceSubmitIfDue(ctx, a.ID)
			if err != nil {
				slog.Error("auto-submit failed", "attempt_id", a.ID, "exam_id", ex.ID, "error", err)
				res.Failures++
				continue
			}
			if done {
				res.AutoSubmitted++
			}
		}
	}
}

func (s *Scheduler) expireLocks(ctx context.Context, res *Result) {
	n, err := s.locks.ExpireDue(ctx)
	if err != nil {
		slog.Error("lock expiry scan failed", "error", err)
		res.Failures++
		return
	}
	res.LocksExpired += n
}
