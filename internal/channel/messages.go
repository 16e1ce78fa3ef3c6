package channel

import (
	"context"
	"encoding/json"
	"time"

	appI18n "github.com/pavelanni/examhall/internal/i18n"
	"github.com/pavelanni/examhall/internal/model"
)

// Message types.
const (
	TypeSaveResponse     = "save_response"
	TypeProctorEvent     = "proctor_event"
	TypeHeartbeat        = "heartbeat"
	TypeRequestTime      = "request_time"
	TypeRequestStatus    = "request_status"
	TypeSendAnnouncement = "send_announcement"

	TypeConnected           = "connected"
	TypeResponseSaved       = "response_saved"
	TypeTimeUpdate          = "time_update"
	TypeAnnouncement        = "announcement"
	TypeError               = "error"
	TypeExamStatus          = "exam_status"
	TypeProctorAlert        = "proctor_alert"
	TypeStudentConnected    = "student_connected"
	TypeStudentDisconnected = "student_disconnected"
	TypeAttemptSubmitted    = "attempt_submitted"
)

// Message is an outbound frame. Only the fields relevant to Type are set.
type Message struct {
	Type          string                    `json:"type"`
	AttemptID     int64                     `json:"attempt_id,omitempty"`
	QuestionID    int64                     `json:"question_id,omitempty"`
	TimeRemaining *int64                    `json:"time_remaining,omitempty"`
	Timestamp     *time.Time                `json:"timestamp,omitempty"`
	EventType     model.ProctorEventKind    `json:"event_type,omitempty"`
	Status        model.AttemptStatus       `json:"status,omitempty"`
	Message       string                    `json:"message,omitempty"`
	Data          *model.ExamStatusSnapshot `json:"data,omitempty"`
}

func connectedMsg(attemptID, remaining int64) Message {
	return Message{Type: TypeConnected, AttemptID: attemptID, TimeRemaining: &remaining}
}

func responseSavedMsg(questionID int64, at time.Time) Message {
	at = at.UTC()
	return Message{Type: TypeResponseSaved, QuestionID: questionID, Timestamp: &at}
}

func timeUpdateMsg(remaining int64) Message {
	return Message{Type: TypeTimeUpdate, TimeRemaining: &remaining}
}

func announcementMsg(text string) Message {
	return Message{Type: TypeAnnouncement, Message: text}
}

func errorMsg(text string) Message {
	return Message{Type: TypeError, Message: text}
}

func examStatusMsg(s model.ExamStatusSnapshot) Message {
	return Message{Type: TypeExamStatus, Data: &s}
}

func proctorAlertMsg(attemptID int64, kind model.ProctorEventKind, at time.Time) Message {
	at = at.UTC()
	return Message{Type: TypeProctorAlert, AttemptID: attemptID, EventType: kind, Timestamp: &at}
}

func presenceMsg(typ string, attemptID int64) Message {
	return Message{Type: typ, AttemptID: attemptID}
}

func attemptSubmittedMsg(a model.Attempt, forced bool) Message {
	text := appI18n.T(context.Background(), "AttemptSubmitted")
	if forced {
		text = appI18n.T(context.Background(), "TimeIsUp")
	}
	return Message{Type: TypeAttemptSubmitted, AttemptID: a.ID, Status: a.Status, Message: text}
}

// envelope is decoded first to dispatch on the message type.
type envelope struct {
	Type string `json:"type" validate:"required"`
}

type saveResponseIn struct {
	QuestionID int64           `json:"question_id" validate:"required,gt=0"`
	Answer     json.RawMessage `json:"answer"`
}

type proctorEventIn struct {
	EventType string          `json:"event_type" validate:"required,oneof=tab_switch focus_loss network_drop paste fullscreen_exit"`
	Payload   json.RawMessage `json:"payload"`
}

type announcementIn struct {
	Message string `json:"message" validate:"required,max=2000"`
}
