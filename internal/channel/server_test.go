package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/examhall/internal/engine"
	"github.com/pavelanni/examhall/internal/ledger"
	"github.com/pavelanni/examhall/internal/lockwin"
	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/store"
)

var T = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type sessionFixture struct {
	srv     *httptest.Server
	eng     *engine.Engine
	store   *store.Store
	reg     *Registry
	users   map[string]*model.User
	exam    model.Exam
	qid     int64
	attempt model.Attempt

	mu  sync.Mutex
	now time.Time
}

func (f *sessionFixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *sessionFixture) setNow(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// newSessionFixture starts exam [T, T+60m), joins student "alice" at T+1m
// and serves the websocket endpoints. ?as=<username> selects the caller.
func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &sessionFixture{store: s, now: T.Add(-time.Hour)}
	l := ledger.New(s, f.clock)
	locks := lockwin.New(s, l, lockwin.Config{MinReasonLen: 10}, f.clock)
	f.eng = engine.New(s, l, locks, engine.Config{}, f.clock)
	f.reg = NewRegistry()
	f.eng.SetNotifier(f.reg)
	t.Cleanup(f.reg.Close)

	f.users = map[string]*model.User{
		"teacher": {ID: 10, Username: "teacher", Role: model.UserRoleTeacher},
		"proctor": {ID: 11, Username: "proctor", Role: model.UserRoleProctor},
		"alice":   {ID: 100, Username: "alice", Role: model.UserRoleStudent},
		"bob":     {ID: 101, Username: "bob", Role: model.UserRoleStudent},
	}
	teacher := model.ActorOf(f.users["teacher"])

	f.qid, err = s.InsertQuestion(ctx, model.Question{Text: "Q", MaxPoints: 10})
	require.NoError(t, err)
	f.exam, err = f.eng.CreateExam(ctx, teacher, model.Exam{
		Title: "Live", StartAt: T, EndAt: T.Add(time.Hour), JoinWindow: 5 * time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, f.eng.AttachQuestions(ctx, teacher, f.exam.ID, []int64{f.qid}))
	_, err = f.eng.Publish(ctx, teacher, f.exam.ID)
	require.NoError(t, err)
	f.setNow(T)
	_, err = f.eng.Start(ctx, teacher, f.exam.ID)
	require.NoError(t, err)
	f.setNow(T.Add(time.Minute))
	f.attempt, err = f.eng.Join(ctx, model.ActorOf(f.users["alice"]), f.exam.ID)
	require.NoError(t, err)

	ws := NewServer(f.eng, f.reg, Config{SendBuffer: 16})
	withUser := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			u := f.users[r.URL.Query().Get("as")]
			if u != nil {
				r = r.WithContext(model.ContextWithUser(r.Context(), u))
			}
			h(w, r)
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/student", withUser(ws.ServeStudent))
	mux.HandleFunc("/ws/monitor", withUser(ws.ServeMonitor))
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *sessionFixture) dial(t *testing.T, path string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Cleanup(func() { conn.CloseNow() })
	}
	return conn, resp, err
}

func (f *sessionFixture) studentPath(user string) string {
	return fmt.Sprintf("/ws/student?as=%s&exam_id=%d&attempt_id=%d", user, f.exam.ID, f.attempt.ID)
}

func (f *sessionFixture) monitorPath(user string) string {
	return "/ws/monitor?as=" + user + "&exam_id=" + strconv.FormatInt(f.exam.ID, 10)
}

func read(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var m Message
	require.NoError(t, wsjson.Read(ctx, conn, &m))
	return m
}

// readType skips frames until one of the wanted type arrives.
func readType(t *testing.T, conn *websocket.Conn, typ string) Message {
	t.Helper()
	for i := 0; i < 10; i++ {
		if m := read(t, conn); m.Type == typ {
			return m
		}
	}
	t.Fatalf("no %s message received", typ)
	return Message{}
}

func write(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, conn, v))
}

func TestStudentAndMonitorSession(t *testing.T) {
	f := newSessionFixture(t)

	mon, _, err := f.dial(t, f.monitorPath("proctor"))
	require.NoError(t, err)
	status := read(t, mon)
	require.Equal(t, TypeExamStatus, status.Type)
	require.NotNil(t, status.Data)
	assert.Equal(t, model.ExamStarted, status.Data.Status)
	assert.Equal(t, 1, status.Data.AttemptCounts[model.AttemptInProgress])

	st, _, err := f.dial(t, f.studentPath("alice"))
	require.NoError(t, err)
	hello := read(t, st)
	assert.Equal(t, TypeConnected, hello.Type)
	assert.Equal(t, f.attempt.ID, hello.AttemptID)
	require.NotNil(t, hello.TimeRemaining)
	assert.Equal(t, int64(59*60), *hello.TimeRemaining)

	joined := readType(t, mon, TypeStudentConnected)
	assert.Equal(t, f.attempt.ID, joined.AttemptID)

	write(t, st, map[string]any{"type": "save_response", "question_id": f.qid, "answer": "TCP uses AIMD"})
	saved := read(t, st)
	assert.Equal(t, TypeResponseSaved, saved.Type)
	assert.Equal(t, f.qid, saved.QuestionID)
	require.NotNil(t, saved.Timestamp)

	write(t, st, map[string]any{"type": "proctor_event", "event_type": "tab_switch", "payload": map[string]any{"to": "search"}})
	alert := readType(t, mon, TypeProctorAlert)
	assert.Equal(t, f.attempt.ID, alert.AttemptID)
	assert.Equal(t, model.EventTabSwitch, alert.EventType)

	write(t, st, map[string]any{"type": "request_time"})
	tu := read(t, st)
	assert.Equal(t, TypeTimeUpdate, tu.Type)
	require.NotNil(t, tu.TimeRemaining)

	write(t, mon, map[string]any{"type": "send_announcement", "message": "Ten minutes left"})
	ann := read(t, st)
	assert.Equal(t, TypeAnnouncement, ann.Type)
	assert.Equal(t, "Ten minutes left", ann.Message)

	write(t, mon, map[string]any{"type": "request_status"})
	status = readType(t, mon, TypeExamStatus)
	require.NotEmpty(t, status.Data.RecentEvents)
	assert.Equal(t, model.EventTabSwitch, status.Data.RecentEvents[0].Kind)

	require.NoError(t, st.Close(websocket.StatusNormalClosure, "bye"))
	left := readType(t, mon, TypeStudentDisconnected)
	assert.Equal(t, f.attempt.ID, left.AttemptID)

	got, err := f.store.GetAttempt(context.Background(), f.attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptInProgress, got.Status, "disconnecting does not submit")
}

func TestStudentConnectRejected(t *testing.T) {
	f := newSessionFixture(t)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"anonymous", f.studentPath(""), http.StatusUnauthorized},
		{"not the owner", f.studentPath("bob"), http.StatusForbidden},
		{"missing attempt", "/ws/student?as=alice&attempt_id=999", http.StatusNotFound},
		{"student as monitor", f.monitorPath("alice"), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := f.dial(t, tt.path)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestInvalidStudentMessages(t *testing.T) {
	f := newSessionFixture(t)
	st, _, err := f.dial(t, f.studentPath("alice"))
	require.NoError(t, err)
	read(t, st)

	msgs := []map[string]any{
		{"type": "dance"},
		{"type": "proctor_event", "event_type": "screenshot"},
		{"type": "save_response"},
		{"type": "save_response", "question_id": f.qid + 50, "answer": "x"},
	}
	for _, m := range msgs {
		write(t, st, m)
		got := read(t, st)
		assert.Equal(t, TypeError, got.Type, "message %v", m)
		assert.NotEmpty(t, got.Message)
	}
}

func TestForcedSubmitReachesStudent(t *testing.T) {
	f := newSessionFixture(t)
	st, _, err := f.dial(t, f.studentPath("alice"))
	require.NoError(t, err)
	read(t, st)

	f.setNow(T.Add(61 * time.Minute))
	_, err = f.eng.End(context.Background(), model.SystemActor, f.exam.ID)
	require.NoError(t, err)

	tu := read(t, st)
	assert.Equal(t, TypeTimeUpdate, tu.Type)
	assert.Equal(t, int64(0), *tu.TimeRemaining)
	done := read(t, st)
	assert.Equal(t, TypeAttemptSubmitted, done.Type)
	assert.Equal(t, model.AttemptAutoSubmitted, done.Status)
}
