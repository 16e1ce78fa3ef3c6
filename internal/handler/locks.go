package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examhall/internal/model"
)

type createLockRequest struct {
	Scope         string           `json:"scope" validate:"required,max=200"`
	StartAt       time.Time        `json:"start_at"`
	EndAt         time.Time        `json:"end_at" validate:"gtfield=StartAt"`
	OverrideRoles []model.UserRole `json:"override_roles" validate:"dive,oneof=student teacher proctor admin"`
}

func (h *Handler) handleCreateLock(w http.ResponseWriter, r *http.Request) {
	var req createLockRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	win, err := h.locks.Create(r.Context(), actorOf(r), req.Scope, req.StartAt, req.EndAt,
		model.LockPolicy{OverrideRoles: req.OverrideRoles})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, win)
}

type overrideLockRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

func (h *Handler) handleOverrideLock(w http.ResponseWriter, r *http.Request) {
	windowID, err := pathID(r, "windowID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req overrideLockRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	win, err := h.locks.Override(r.Context(), actorOf(r), windowID, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, win)
}

// handleCheckLock answers GET /api/locks/check?scope=&entity_type=&entity_id=.
func (h *Handler) handleCheckLock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var entityID int64
	if raw := q.Get("entity_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, r, model.ErrInvalidInput)
			return
		}
		entityID = id
	}
	check, err := h.locks.Check(r.Context(), actorOf(r), q.Get("scope"), q.Get("entity_type"), entityID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (h *Handler) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	if !model.Can(actorOf(r).Role, model.ActionVerifyAudit) {
		writeError(w, r, model.ErrPermissionDenied)
		return
	}
	report, err := h.ledger.VerifyChain(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleAuditHistory(w http.ResponseWriter, r *http.Request) {
	if !model.Can(actorOf(r).Role, model.ActionVerifyAudit) {
		writeError(w, r, model.ErrPermissionDenied)
		return
	}
	entityID, err := pathID(r, "entityID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	records, err := h.ledger.History(r.Context(), chi.URLParam(r, "entityType"), entityID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if records == nil {
		records = []model.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
