package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/examhall/internal/model"
)

func TestPublishPreconditions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	exam, err := env.eng.CreateExam(ctx, teacherActor, model.Exam{Title: "Quiz", StartAt: T, EndAt: T.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, model.ExamDraft, exam.Status)

	_, err = env.eng.Publish(ctx, teacherActor, exam.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState, "no questions attached")

	qid, err := env.store.InsertQuestion(ctx, model.Question{Text: "Q1", MaxPoints: 5})
	require.NoError(t, err)
	require.NoError(t, env.eng.AttachQuestions(ctx, teacherActor, exam.ID, []int64{qid}))

	_, err = env.eng.Publish(ctx, student(100), exam.ID)
	assert.ErrorIs(t, err, model.ErrPermissionDenied)

	env.clock.Set(T)
	_, err = env.eng.Publish(ctx, teacherActor, exam.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState, "start is not in the future")

	env.clock.Set(T.Add(-time.Minute))
	exam, err = env.eng.Publish(ctx, teacherActor, exam.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExamPublished, exam.Status)

	_, err = env.eng.Publish(ctx, teacherActor, exam.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	err = env.eng.AttachQuestions(ctx, teacherActor, exam.ID, []int64{qid})
	assert.ErrorIs(t, err, model.ErrInvalidState, "questions are frozen after publish")

	recs := env.history(t, "exam", exam.ID)
	assert.Equal(t, []string{"exam.create", "exam.publish"}, actions(recs))
	var after map[string]any
	require.NoError(t, json.Unmarshal(recs[1].After, &after))
	assert.Equal(t, "published", after["status"])
	assert.Contains(t, after, "start_at")
}

func TestCreateExamWithQuestions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	qid, err := env.store.InsertQuestion(ctx, model.Question{Text: "Q1", MaxPoints: 5})
	require.NoError(t, err)

	_, err = env.eng.CreateExam(ctx, teacherActor, model.Exam{Title: "Quiz", StartAt: T, EndAt: T.Add(time.Hour)}, qid, 999)
	assert.ErrorIs(t, err, model.ErrNotFound)

	drafts, err := env.store.ListExamsByStatus(ctx, model.ExamDraft)
	require.NoError(t, err)
	assert.Empty(t, drafts, "failed create leaves no draft behind")
	report, err := env.ledger.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Total, "failed create leaves no audit record")

	exam, err := env.eng.CreateExam(ctx, teacherActor, model.Exam{Title: "Quiz", StartAt: T, EndAt: T.Add(time.Hour)}, qid)
	require.NoError(t, err)
	ids, err := env.store.ExamQuestionIDs(ctx, exam.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{qid}, ids)
}

func TestCreateExamRejectsBadWindow(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.eng.CreateExam(context.Background(), teacherActor, model.Exam{Title: "Bad", StartAt: T, EndAt: T})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestStartIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	exam, _ := env.startedExam(t, examOpts{})
	before := env.history(t, "exam", exam.ID)

	again, err := env.eng.Start(ctx, model.SystemActor, exam.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExamStarted, again.Status)
	assert.Len(t, env.history(t, "exam", exam.ID), len(before), "no duplicate audit record")
}

func TestStartBeforeStartTime(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	qid, err := env.store.InsertQuestion(ctx, model.Question{Text: "Q"})
	require.NoError(t, err)
	exam, err := env.eng.CreateExam(ctx, teacherActor, model.Exam{Title: "Early", StartAt: T, EndAt: T.Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, env.eng.AttachQuestions(ctx, teacherActor, exam.ID, []int64{qid}))
	_, err = env.eng.Publish(ctx, teacherActor, exam.ID)
	require.NoError(t, err)

	_, err = env.eng.Start(ctx, teacherActor, exam.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestEndForceSubmitsInProgress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exam, _ := env.startedExam(t, examOpts{joinWindow: 10 * time.Minute})

	env.clock.Set(T.Add(time.Minute))
	a1, err := env.eng.Join(ctx, student(100), exam.ID)
	require.NoError(t, err)
	a2, err := env.eng.Join(ctx, student(101), exam.ID)
	require.NoError(t, err)
	_, err = env.eng.Submit(ctx, student(101), a2.ID)
	require.NoError(t, err)

	env.clock.Set(T.Add(30 * time.Minute))
	ended, err := env.eng.End(ctx, teacherActor, exam.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExamEnded, ended.Status)

	got, err := env.store.GetAttempt(ctx, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptAutoSubmitted, got.Status)
	assert.True(t, got.AutoSubmitted)
	require.NotNil(t, got.SubmittedAt)
	assert.True(t, got.SubmittedAt.Equal(T.Add(30*time.Minute)))

	got, err = env.store.GetAttempt(ctx, a2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptSubmitted, got.Status)

	// Joining after End is rejected.
	_, err = env.eng.Join(ctx, student(102), exam.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	// Idempotent: no extra audit record.
	n := len(env.history(t, "exam", exam.ID))
	_, err = env.eng.End(ctx, teacherActor, exam.ID)
	require.NoError(t, err)
	assert.Len(t, env.history(t, "exam", exam.ID), n)

	var forced []int64
	for _, f := range env.notes.all() {
		if f.forced {
			forced = append(forced, f.attempt.ID)
		}
	}
	assert.Equal(t, []int64{a1.ID}, forced)
}

func TestPublishResultsGate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exam, qid := env.startedExam(t, examOpts{joinWindow: 5 * time.Minute})

	env.clock.Set(T.Add(2 * time.Minute))
	a, err := env.eng.Join(ctx, student(100), exam.ID)
	require.NoError(t, err)
	resp, err := env.eng.SaveAnswer(ctx, student(100), a.ID, qid, json.RawMessage(`"cwnd doubles every RTT"`))
	require.NoError(t, err)

	_, err = env.eng.PublishResults(ctx, teacherActor, exam.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState, "exam not ended yet")

	env.clock.Set(T.Add(61 * time.Minute))
	_, err = env.eng.End(ctx, model.SystemActor, exam.ID)
	require.NoError(t, err)

	_, err = env.eng.PublishResults(ctx, teacherActor, exam.ID)
	require.ErrorIs(t, err, model.ErrIncompleteGrading)
	var ig *model.IncompleteGradingError
	require.ErrorAs(t, err, &ig)
	assert.Equal(t, 1, ig.Pending)

	_, err = env.eng.SetHumanScore(ctx, teacherActor, resp.ID, 8, "good", "")
	require.NoError(t, err)

	out, err := env.eng.PublishResults(ctx, teacherActor, exam.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ExamResultsPublished, out.Status)
}

func TestReopen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exam, _ := env.startedExam(t, examOpts{})

	env.clock.Set(T.Add(10 * time.Minute))
	_, err := env.eng.End(ctx, teacherActor, exam.ID)
	require.NoError(t, err)

	_, err = env.eng.Reopen(ctx, teacherActor, exam.ID, time.Time{}, "power outage")
	assert.ErrorIs(t, err, model.ErrPermissionDenied)

	_, err = env.eng.Reopen(ctx, adminActor, exam.ID, time.Time{}, " ")
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	out, err := env.eng.Reopen(ctx, adminActor, exam.ID, T.Add(90*time.Minute), "power outage in room 4")
	require.NoError(t, err)
	assert.Equal(t, model.ExamStarted, out.Status)
	assert.True(t, out.EndAt.Equal(T.Add(90*time.Minute)))

	recs := env.history(t, "exam", exam.ID)
	last := recs[len(recs)-1]
	assert.Equal(t, "exam.reopen", last.Action)
	assert.Equal(t, "power outage in room 4", last.Reason)
}

func TestStatusSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exam, _ := env.startedExam(t, examOpts{joinWindow: 5 * time.Minute})

	env.clock.Set(T.Add(time.Minute))
	a, err := env.eng.Join(ctx, student(100), exam.ID)
	require.NoError(t, err)
	_, err = env.eng.RecordProctorEvent(ctx, student(100), a.ID, model.EventTabSwitch, nil)
	require.NoError(t, err)

	snap, err := env.eng.StatusSnapshot(ctx, exam.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, model.ExamStarted, snap.Status)
	assert.Equal(t, int64(59*60), snap.TimeRemaining)
	assert.Equal(t, 1, snap.AttemptCounts[model.AttemptInProgress])
	assert.Equal(t, 0, snap.AttemptCounts[model.AttemptSubmitted])
	require.Len(t, snap.RecentEvents, 1)
	assert.Equal(t, model.EventTabSwitch, snap.RecentEvents[0].Kind)
}
