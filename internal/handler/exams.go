package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/pavelanni/examhall/internal/model"
)

type createExamRequest struct {
	Title             string         `json:"title" validate:"required,max=200"`
	SectionRef        string         `json:"section_ref" validate:"max=100"`
	QuestionSet       string         `json:"question_set" validate:"max=100"`
	StartAt           time.Time      `json:"start_at"`
	EndAt             time.Time      `json:"end_at" validate:"gtfield=StartAt"`
	JoinWindowMinutes int            `json:"join_window_minutes" validate:"gte=0"`
	Settings          map[string]any `json:"settings"`
	QuestionIDs       []int64        `json:"question_ids" validate:"dive,gt=0"`
}

func (h *Handler) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	var req createExamRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	actor := actorOf(r)
	exam, err := h.eng.CreateExam(r.Context(), actor, model.Exam{
		Title:       req.Title,
		SectionRef:  req.SectionRef,
		QuestionSet: req.QuestionSet,
		StartAt:     req.StartAt,
		EndAt:       req.EndAt,
		JoinWindow:  time.Duration(req.JoinWindowMinutes) * time.Minute,
		Settings:    req.Settings,
	}, req.QuestionIDs...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exam)
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	examID, err := pathID(r, "examID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	exam, err := h.eng.GetExam(r.Context(), examID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exam)
}

type attachQuestionsRequest struct {
	QuestionIDs []int64 `json:"question_ids" validate:"required,min=1,dive,gt=0"`
}

func (h *Handler) handleAttachQuestions(w http.ResponseWriter, r *http.Request) {
	examID, err := pathID(r, "examID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req attachQuestionsRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.eng.AttachQuestions(r.Context(), actorOf(r), examID, req.QuestionIDs); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type examTransition func(ctx context.Context, actor model.Actor, examID int64) (model.Exam, error)

// handleExamTransition serves the forward lifecycle transitions, which all
// take only the exam id.
func (h *Handler) handleExamTransition(fn examTransition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		examID, err := pathID(r, "examID")
		if err != nil {
			writeError(w, r, err)
			return
		}
		exam, err := fn(r.Context(), actorOf(r), examID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, exam)
	}
}

type reopenRequest struct {
	Reason string    `json:"reason" validate:"required"`
	EndAt  time.Time `json:"end_at"`
}

func (h *Handler) handleReopen(w http.ResponseWriter, r *http.Request) {
	examID, err := pathID(r, "examID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req reopenRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	exam, err := h.eng.Reopen(r.Context(), actorOf(r), examID, req.EndAt, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exam)
}

func (h *Handler) handleExamStatus(w http.ResponseWriter, r *http.Request) {
	examID, err := pathID(r, "examID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !model.Can(actorOf(r).Role, model.ActionMonitor) {
		writeError(w, r, model.ErrPermissionDenied)
		return
	}
	snap, err := h.eng.StatusSnapshot(r.Context(), examID, h.cfg.RecentEvents)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type attemptView struct {
	model.Attempt
	TimeRemaining int64 `json:"time_remaining"`
}

func (h *Handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	examID, err := pathID(r, "examID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.eng.Join(r.Context(), actorOf(r), examID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	remaining, err := h.eng.AttemptTimeRemaining(r.Context(), a.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, attemptView{Attempt: a, TimeRemaining: remaining})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	attemptID, err := pathID(r, "attemptID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.eng.Submit(r.Context(), actorOf(r), attemptID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type forceSubmitRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) handleForceSubmit(w http.ResponseWriter, r *http.Request) {
	attemptID, err := pathID(r, "attemptID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req forceSubmitRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.eng.ForceSubmit(r.Context(), actorOf(r), attemptID, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type scoreRequest struct {
	Score    *float64 `json:"score" validate:"required"`
	Feedback string   `json:"feedback" validate:"max=5000"`
	Reason   string   `json:"reason" validate:"max=500"`
}

func (h *Handler) handleScore(w http.ResponseWriter, r *http.Request) {
	responseID, err := pathID(r, "responseID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req scoreRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.eng.SetHumanScore(r.Context(), actorOf(r), responseID, *req.Score, req.Feedback, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleAIScore(w http.ResponseWriter, r *http.Request) {
	responseID, err := pathID(r, "responseID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp, err := h.eng.ApplyAIScore(r.Context(), actorOf(r), responseID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
