package model

import (
	"context"
	"encoding/json"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a student user role.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher is a teacher user role.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleProctor watches live attempts but cannot grade.
	UserRoleProctor UserRole = "proctor"
	// UserRoleAdmin is the superuser role.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthSession represents an issued bearer token.
type AuthSession struct {
	ID        string
	UserID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// Actor identifies who performs a mutation. System-driven transitions use SystemActor.
type Actor struct {
	ID   int64    `json:"id"`
	Role UserRole `json:"role"`
}

// SystemActor is the actor recorded for scheduler-driven transitions.
var SystemActor = Actor{ID: 0, Role: UserRoleAdmin}

// ActorOf converts a user to an actor.
func ActorOf(u *User) Actor {
	return Actor{ID: u.ID, Role: u.Role}
}

// ExamStatus is the lifecycle state of an exam.
type ExamStatus string

const (
	ExamDraft            ExamStatus = "draft"
	ExamPublished        ExamStatus = "published"
	ExamStarted          ExamStatus = "started"
	ExamEnded            ExamStatus = "ended"
	ExamResultsPublished ExamStatus = "results_published"
)

// AttemptStatus is the lifecycle state of a student's attempt.
type AttemptStatus string

const (
	AttemptNotStarted    AttemptStatus = "not_started"
	AttemptInProgress    AttemptStatus = "in_progress"
	AttemptSubmitted     AttemptStatus = "submitted"
	AttemptAutoSubmitted AttemptStatus = "auto_submitted"
)

// Terminal reports whether no further transition is possible.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptSubmitted || s == AttemptAutoSubmitted
}

// ProctorEventKind classifies proctoring signals sent by the student client.
type ProctorEventKind string

const (
	EventTabSwitch      ProctorEventKind = "tab_switch"
	EventFocusLoss      ProctorEventKind = "focus_loss"
	EventNetworkDrop    ProctorEventKind = "network_drop"
	EventPaste          ProctorEventKind = "paste"
	EventFullscreenExit ProctorEventKind = "fullscreen_exit"
)

// Alerting reports whether monitors must be alerted immediately.
func (k ProctorEventKind) Alerting() bool {
	switch k {
	case EventTabSwitch, EventFocusLoss, EventPaste:
		return true
	}
	return false
}

// LockStatus is the state of a lock window.
type LockStatus string

const (
	LockActive     LockStatus = "active"
	LockExpired    LockStatus = "expired"
	LockOverridden LockStatus = "overridden"
)

// ScoreSource records who produced the final score of a response.
type ScoreSource string

const (
	ScoreSourceNone  ScoreSource = ""
	ScoreSourceAI    ScoreSource = "ai"
	ScoreSourceHuman ScoreSource = "human"
)

// Exam settings keys.
const (
	SettingDurationMinutes  = "duration_minutes"
	SettingAutoSubmitMargin = "auto_submit_margin_seconds"
	SettingAIFinalizes      = "ai_finalizes"
)

// Question represents a question-bank entry. The core only needs its
// identity and grading material for the scoring oracle.
type Question struct {
	ID          int64  `json:"id"`
	Text        string `json:"text"`
	Topic       string `json:"topic"`
	Rubric      string `json:"rubric"`
	ModelAnswer string `json:"model_answer"`
	MaxPoints   int    `json:"max_points"`
}

// QuestionImport is one entry of a question-bank JSON file.
type QuestionImport struct {
	Text        string `json:"text"`
	Topic       string `json:"topic"`
	Rubric      string `json:"rubric"`
	ModelAnswer string `json:"model_answer"`
	MaxPoints   int    `json:"max_points"`
}

// Exam is a scheduled exam owned by a class/section.
type Exam struct {
	ID          int64          `json:"id"`
	Title       string         `json:"title"`
	SectionRef  string         `json:"section_ref"`
	QuestionSet string         `json:"question_set"`
	StartAt     time.Time      `json:"start_at"`
	EndAt       time.Time      `json:"end_at"`
	JoinWindow  time.Duration  `json:"join_window"`
	Status      ExamStatus     `json:"status"`
	Settings    map[string]any `json:"settings,omitempty"`
	CreatedBy   int64          `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
}

// JoinDeadline is the last instant (exclusive) a new attempt may be created.
// A zero join window allows joining until the exam ends.
func (e Exam) JoinDeadline() time.Time {
	if e.JoinWindow <= 0 {
		return e.EndAt
	}
	return e.StartAt.Add(e.JoinWindow)
}

// SettingInt reads an integer setting, accepting JSON numbers.
func (e Exam) SettingInt(key string) int64 {
	switch v := e.Settings[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

// SettingBool reads a boolean setting.
func (e Exam) SettingBool(key string) bool {
	b, _ := e.Settings[key].(bool)
	return b
}

// Attempt is one student's sitting of one exam.
type Attempt struct {
	ID            int64         `json:"id"`
	ExamID        int64         `json:"exam_id"`
	StudentID     int64         `json:"student_id"`
	Status        AttemptStatus `json:"status"`
	StartedAt     *time.Time    `json:"started_at,omitempty"`
	SubmittedAt   *time.Time    `json:"submitted_at,omitempty"`
	AutoSubmitted bool          `json:"autosubmitted"`
}

// Response holds a student's answer to one question and its scores.
type Response struct {
	ID           int64           `json:"id"`
	AttemptID    int64           `json:"attempt_id"`
	QuestionID   int64           `json:"question_id"`
	Answer       json.RawMessage `json:"answer"`
	AIScore      *float64        `json:"ai_score,omitempty"`
	TeacherScore *float64        `json:"teacher_score,omitempty"`
	FinalScore   *float64        `json:"final_score,omitempty"`
	FinalSource  ScoreSource     `json:"final_source,omitempty"`
	Feedback     string          `json:"feedback"`
	Annotations  json.RawMessage `json:"annotations,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ProctorEvent is an append-only proctoring signal.
type ProctorEvent struct {
	ID        int64            `json:"id"`
	AttemptID int64            `json:"attempt_id"`
	Kind      ProctorEventKind `json:"event_type"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	CreatedAt time.Time        `json:"timestamp"`
}

// AuditRecord is one link of the global hash chain.
type AuditRecord struct {
	ID         int64           `json:"id"`
	Timestamp  string          `json:"ts"`
	ActorID    int64           `json:"actor_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Reason     string          `json:"reason"`
	Hash       string          `json:"hash"`
	PrevHash   string          `json:"prev_hash"`
}

// LockPolicy configures who may override a lock window.
type LockPolicy struct {
	OverrideRoles []UserRole `json:"override_roles,omitempty"`
}

// LockWindow freezes mutation of a scope during [StartAt, EndAt).
type LockWindow struct {
	ID             int64      `json:"id"`
	Scope          string     `json:"scope"`
	StartAt        time.Time  `json:"start_at"`
	EndAt          time.Time  `json:"end_at"`
	Status         LockStatus `json:"status"`
	Policy         LockPolicy `json:"policy"`
	CreatedBy      int64      `json:"created_by"`
	OverriddenBy   *int64     `json:"overridden_by,omitempty"`
	OverrideReason string     `json:"override_reason,omitempty"`
	OverrideUntil  *time.Time `json:"override_until,omitempty"`
}

// Covers reports whether the window's range contains at.
func (w LockWindow) Covers(at time.Time) bool {
	return !at.Before(w.StartAt) && at.Before(w.EndAt)
}

// LocksAt reports whether the window forbids mutation at the given instant.
// An overridden window is suspended until OverrideUntil.
func (w LockWindow) LocksAt(at time.Time) bool {
	if !w.Covers(at) {
		return false
	}
	switch w.Status {
	case LockActive:
		return true
	case LockOverridden:
		return w.OverrideUntil != nil && !at.Before(*w.OverrideUntil)
	}
	return false
}

// Overlaps reports whether [start, end) intersects the window's range.
func (w LockWindow) Overlaps(start, end time.Time) bool {
	return start.Before(w.EndAt) && w.StartAt.Before(end)
}
