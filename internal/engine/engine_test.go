package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pavelanni/examhall/internal/ledger"
	"github.com/pavelanni/examhall/internal/lockwin"
	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/store"
)

// T is the scheduled start of test exams.
var T = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

var (
	teacherActor = model.Actor{ID: 10, Role: model.UserRoleTeacher}
	adminActor   = model.Actor{ID: 1, Role: model.UserRoleAdmin}
)

func student(id int64) model.Actor {
	return model.Actor{ID: id, Role: model.UserRoleStudent}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type finished struct {
	attempt model.Attempt
	forced  bool
}

type recorder struct {
	mu   sync.Mutex
	seen []finished
}

func (r *recorder) AttemptFinished(a model.Attempt, forced bool) {
	r.mu.Lock()
	r.seen = append(r.seen, finished{a, forced})
	r.mu.Unlock()
}

func (r *recorder) all() []finished {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]finished(nil), r.seen...)
}

type testEnv struct {
	eng    *Engine
	store  *store.Store
	ledger *ledger.Ledger
	locks  *lockwin.Manager
	clock  *clock
	notes  *recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	c := &clock{now: T.Add(-time.Hour)}
	l := ledger.New(s, c.Now)
	locks := lockwin.New(s, l, lockwin.Config{MinReasonLen: 10}, c.Now)
	eng := New(s, l, locks, Config{OpTimeout: 5 * time.Second}, c.Now)
	notes := &recorder{}
	eng.SetNotifier(notes)
	return &testEnv{eng: eng, store: s, ledger: l, locks: locks, clock: c, notes: notes}
}

type examOpts struct {
	joinWindow time.Duration
	settings   map[string]any
}

// startedExam creates an exam [T, T+60m) with one question, publishes it an
// hour before T and starts it at T. The clock is left at T.
func (env *testEnv) startedExam(t *testing.T, opts examOpts) (model.Exam, int64) {
	t.Helper()
	ctx := context.Background()
	env.clock.Set(T.Add(-time.Hour))

	qid, err := env.store.InsertQuestion(ctx, model.Question{Text: "Explain TCP slow start.", MaxPoints: 10})
	require.NoError(t, err)
	exam, err := env.eng.CreateExam(ctx, teacherActor, model.Exam{
		Title:      "Networks midterm",
		StartAt:    T,
		EndAt:      T.Add(60 * time.Minute),
		JoinWindow: opts.joinWindow,
		Settings:   opts.settings,
	})
	require.NoError(t, err)
	require.NoError(t, env.eng.AttachQuestions(ctx, teacherActor, exam.ID, []int64{qid}))
	_, err = env.eng.Publish(ctx, teacherActor, exam.ID)
	require.NoError(t, err)

	env.clock.Set(T)
	exam, err = env.eng.Start(ctx, model.SystemActor, exam.ID)
	require.NoError(t, err)
	require.Equal(t, model.ExamStarted, exam.Status)
	return exam, qid
}

func (env *testEnv) history(t *testing.T, entityType string, id int64) []model.AuditRecord {
	t.Helper()
	recs, err := env.ledger.History(context.Background(), entityType, id)
	require.NoError(t, err)
	return recs
}

func actions(recs []model.AuditRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Action
	}
	return out
}
