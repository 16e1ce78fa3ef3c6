package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/examhall/internal/model"
)

func TestJoinIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exam, _ := env.startedExam(t, examOpts{joinWindow: 5 * time.Minute})

	env.clock.Set(T.Add(2 * time.Minute))
	first, err := env.eng.Join(ctx, student(100), exam.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptInProgress, first.Status)
	require.NotNil(t, first.StartedAt)
	assert.True(t, first.StartedAt.Equal(T.Add(2*time.Minute)))

	env.clock.Set(T.Add(3 * time.Minute))
	second, err := env.eng.Join(ctx, student(100), exam.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.StartedAt.Equal(*first.StartedAt), "resume keeps started_at")

	counts, err := env.store.CountAttemptsByStatus(ctx, exam.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.AttemptInProgress])
	assert.Equal(t, []string{"attempt.join"}, actions(env.history(t, "attempt", first.ID)))
}

func TestJoinWindow(t *testing.T) {
	tests := []struct {
		name    string
		window  time.Duration
		at      time.Duration
		wantErr error
	}{
		{"inside window", 5 * time.Minute, 2 * time.Minute, nil},
		{"at start", 5 * time.Minute, 0, nil},
		{"window closed", 5 * time.Minute, 5 * time.Minute, model.ErrJoinWindowExpired},
		{"zero window joins until end", 0, 59 * time.Minute, nil},
		{"zero window at end", 0, 60 * time.Minute, model.ErrJoinWindowExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			exam, _ := env.startedExam(t, examOpts{joinWindow: tt.window})
			env.clock.Set(T.Add(tt.at))

			_, err := env.eng.Join(context.Background(), student(100), exam.ID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestJoinResumesAfterWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exam, _ := env.startedExam(t, examOpts{joinWindow: 5 * time.Minute})

	env.clock.Set(T.Add(time.Minute))
	a, err := env.eng.Join(ctx, student(100), exam.ID)
	require.NoError(t, err)

	env.clock.Set(T.Add(30 * time.Minute))
	again, err := env.eng.Join(ctx, student(100), exam.ID)
	require.NoError(t, err, "reconnect after the join window resumes the attempt")
	assert.Equal(t, a.ID, again.ID)
}

func TestJoinRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exam, _ := env.startedExam(t, examOpts{joinWindow: 5 * time.Minute})

	env.clock.Set(T.Add(time.Minute))
	_, err := env.eng.Join(ctx, teacherActor, exam.ID)
	assert.ErrorIs(t, err, model.ErrPermissionDenied)

	_, err = env.eng.Join(ctx, student(100), 999)
	assert.ErrorIs(t, err, model.ErrNotFound)

	a, err := env.eng.Join(ctx, student(100), exam.ID)
	require.NoError(t, err)
	_, err = env.eng.Submit(ctx, student(100), a.ID)
	require.NoError(t, err)

	_, err = env.eng.Join(ctx, student(100), exam.ID)
	assert.ErrorIs(t, err, model.ErrAlreadySubmitted)
}

func TestSubmit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exam, _ := env.startedExam(t, examOpts{joinWindow: 5 * time.Minute})

	env.clock.Set(T.Add(time.Minute))
	a, err := env.eng.Join(ctx, student(100), exam.ID)
	require.NoError(t, err)

	_, err = env.eng.Submit(ctx, student(101), a.ID)
	assert.ErrorIs(t, err, model.ErrPermissionDenied, "only the owner submits")

	env.clock.Set(T.Add(40 * time.Minute))
	out, err := env.eng.Submit(ctx, student(100), a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptSubmitted, out.Status)
	assert.False(t, out.AutoSubmitted)
	require.NotNil(t, out.SubmittedAt)
	assert.True(t, out.SubmittedAt.Equal(T.Add(40*time.Minute)))

	env.clock.Set(T.Add(41 * time.Minute))
	_, err = env.eng.Submit(ctx, student(100), a.ID)
	assert.ErrorIs(t, err, model.ErrAlreadySubmitted)

	got, err := env.store.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.SubmittedAt.Equal(T.Add(40*time.Minute)), "submitted_at is immutable")
}

func TestSubmitAfterDeadlineIsAutoSubmitted(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]any
		submitAt time.Duration
		want     model.AttemptStatus
	}{
		{"before end", nil, 59 * time.Minute, model.AttemptSubmitted},
		{"after exam end", nil, 61 * time.Minute, model.AttemptAutoSubmitted},
		{"after time budget", map[string]any{model.SettingDurationMinutes: 20}, 25 * time.Minute, model.AttemptAutoSubmitted},
		{"inside time budget", map[string]any{model.SettingDurationMinutes: 20}, 15 * time.Minute, model.AttemptSubmitted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			exam, _ := env.startedExam(t, examOpts{joinWindow: 5 * time.Minute, settings: tt.settings})

			env.clock.Set(T.Add(time.Minute))
			a, err := env.eng.Join(ctx, student(100), exam.ID)
			require.NoError(t, err)

			env.clock.Set(T.Add(tt.submitAt))
			out, err := env.eng.Submit(ctx, student(100), a.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Status)
			assert.Equal(t, tt.want == model.AttemptAutoSubmitted, out.AutoSubmitted)
		})
	}
}

func TestConcurrentSubmitAndForceSubmit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exam, _ := env.startedExam(t, examOpts{})
	env.clock.Set(T.Add(time.Minute))

	for i := int64(0); i < 20; i++ {
		studentID := 100 + i
		a, err := env.eng.Join(ctx, student(studentID), exam.ID)
		require.NoError(t, err)

		var (
			wg    sync.WaitGroup
			start = make(chan struct{})
			errs  = make([]error, 2)
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, errs[0] = env.eng.Submit(ctx, student(studentID), a.ID)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, errs[1] = env.eng.ForceSubmit(ctx, model.SystemActor, a.ID, "test")
		}()
		close(start)
		wg.Wait()

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
				continue
			}
			assert.True(t, errors.Is(err, model.ErrAlreadySubmitted), "loser error: %v", err)
		}
		assert.Equal(t, 1, winners, "round %d", i)

		got, err := env.store.GetAttempt(ctx, a.ID)
		require.NoError(t, err)
		assert.True(t, got.Status.Terminal())
		assert.Len(t, env.history(t, "attempt", a.ID), 2, "join plus exactly one terminal record")
	}
}

func TestDeadline(t *testing.T) {
	env := newTestEnv(t)
	env.eng.cfg.AutoSubmitMargin = 2 * time.Minute
	started := T.Add(10 * time.Minute)
	a := model.Attempt{StartedAt: &started}

	tests := []struct {
		name     string
		settings map[string]any
		want     time.Time
	}{
		{"global margin", nil, T.Add(58 * time.Minute)},
		{"exam margin wins", map[string]any{model.SettingAutoSubmitMargin: float64(300)}, T.Add(55 * time.Minute)},
		{"budget earlier", map[string]any{model.SettingDurationMinutes: float64(30)}, T.Add(40 * time.Minute)},
		{"budget later than end", map[string]any{model.SettingDurationMinutes: float64(90)}, T.Add(58 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exam := model.Exam{StartAt: T, EndAt: T.Add(time.Hour), Settings: tt.settings}
			assert.True(t, env.eng.Deadline(exam, a).Equal(tt.want), "got %s", env.eng.Deadline(exam, a))
		})
	}

	exam := model.Exam{StartAt: T, EndAt: T.Add(time.Hour)}
	env.clock.Set(T.Add(57*time.Minute + 30*time.Second))
	assert.Equal(t, int64(30), env.eng.TimeRemaining(exam, a))
	env.clock.Set(T.Add(2 * time.Hour))
	assert.Equal(t, int64(0), env.eng.TimeRemaining(exam, a), "clamped at zero")
}

func TestForceSubmitIfDue(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exam, _ := env.startedExam(t, examOpts{settings: map[string]any{model.SettingAutoSubmitMargin: 120}})

	env.clock.Set(T.Add(time.Minute))
	a, err := env.eng.Join(ctx, student(100), exam.ID)
	require.NoError(t, err)

	env.clock.Set(T.Add(57 * time.Minute))
	done, err := env.eng.ForceSubmitIfDue(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, done)

	env.clock.Set(T.Add(58 * time.Minute))
	done, err = env.eng.ForceSubmitIfDue(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := env.store.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptAutoSubmitted, got.Status)

	done, err = env.eng.ForceSubmitIfDue(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, done, "second call has no effect")
}

func TestForceSubmitIfDueDefersToExamEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exam, _ := env.startedExam(t, examOpts{})

	env.clock.Set(T.Add(time.Minute))
	a, err := env.eng.Join(ctx, student(100), exam.ID)
	require.NoError(t, err)

	env.clock.Set(T.Add(61 * time.Minute))
	_, err = env.eng.End(ctx, model.SystemActor, exam.ID)
	require.NoError(t, err)

	done, err := env.eng.ForceSubmitIfDue(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, done)

	recs := env.history(t, "attempt", a.ID)
	require.Len(t, recs, 2)
	assert.Equal(t, "exam ended", recs[1].Reason)
}

func TestForceSubmitByAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	exam, _ := env.startedExam(t, examOpts{})

	env.clock.Set(T.Add(time.Minute))
	a, err := env.eng.Join(ctx, student(100), exam.ID)
	require.NoError(t, err)

	_, err = env.eng.ForceSubmit(ctx, teacherActor, a.ID, "student left the room")
	assert.ErrorIs(t, err, model.ErrPermissionDenied)
	_, err = env.eng.ForceSubmit(ctx, adminActor, a.ID, "  ")
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	out, err := env.eng.ForceSubmit(ctx, adminActor, a.ID, "student left the room")
	require.NoError(t, err)
	assert.Equal(t, model.AttemptAutoSubmitted, out.Status)
	assert.True(t, out.AutoSubmitted)

	recs := env.history(t, "attempt", a.ID)
	require.Len(t, recs, 2)
	assert.Equal(t, "attempt.auto_submit", recs[1].Action)
	assert.Equal(t, "student left the room", recs[1].Reason)
	assert.Equal(t, adminActor.ID, recs[1].ActorID)

	notes := env.notes.all()
	require.Len(t, notes, 1)
	assert.True(t, notes[0].forced)

	_, err = env.eng.ForceSubmit(ctx, adminActor, a.ID, "student left the room")
	assert.ErrorIs(t, err, model.ErrAlreadySubmitted)
}
