// Package handler serves the JSON HTTP API and mounts the websocket channel.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/examhall/internal/channel"
	"github.com/pavelanni/examhall/internal/engine"
	appI18n "github.com/pavelanni/examhall/internal/i18n"
	"github.com/pavelanni/examhall/internal/ledger"
	"github.com/pavelanni/examhall/internal/lockwin"
	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/store"
)

// Config holds API settings.
type Config struct {
	RecentEvents int
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	cfg      Config
	store    *store.Store
	eng      *engine.Engine
	locks    *lockwin.Manager
	ledger   *ledger.Ledger
	ws       *channel.Server
	validate *validator.Validate
}

// New creates a new Handler.
func New(s *store.Store, eng *engine.Engine, locks *lockwin.Manager, l *ledger.Ledger, ws *channel.Server, cfg Config) *Handler {
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = 20
	}
	return &Handler{
		cfg:      cfg,
		store:    s,
		eng:      eng,
		locks:    locks,
		ledger:   l,
		ws:       ws,
		validate: validator.New(),
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Post("/api/login", h.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(h.requireAuth)

		r.Post("/api/logout", h.handleLogout)

		r.Post("/api/exams", h.handleCreateExam)
		r.Get("/api/exams/{examID}", h.handleGetExam)
		r.Post("/api/exams/{examID}/questions", h.handleAttachQuestions)
		r.Post("/api/exams/{examID}/publish", h.handleExamTransition(h.eng.Publish))
		r.Post("/api/exams/{examID}/start", h.handleExamTransition(h.eng.Start))
		r.Post("/api/exams/{examID}/end", h.handleExamTransition(h.eng.End))
		r.Post("/api/exams/{examID}/publish-results", h.handleExamTransition(h.eng.PublishResults))
		r.Post("/api/exams/{examID}/reopen", h.handleReopen)
		r.Get("/api/exams/{examID}/status", h.handleExamStatus)
		r.Post("/api/exams/{examID}/join", h.handleJoin)

		r.Post("/api/attempts/{attemptID}/submit", h.handleSubmit)
		r.Post("/api/attempts/{attemptID}/force-submit", h.handleForceSubmit)

		r.Post("/api/responses/{responseID}/score", h.handleScore)
		r.Post("/api/responses/{responseID}/ai-score", h.handleAIScore)

		r.Post("/api/locks", h.handleCreateLock)
		r.Post("/api/locks/{windowID}/override", h.handleOverrideLock)
		r.Get("/api/locks/check", h.handleCheckLock)

		r.Get("/api/audit/verify", h.handleVerifyAudit)
		r.Get("/api/audit/{entityType}/{entityID}", h.handleAuditHistory)

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(requireRole(model.UserRoleAdmin))
			r.Post("/users", h.handleCreateUser)
			r.Post("/questions", h.handleUploadQuestions)
			r.Get("/topics", h.handleListTopics)
		})

		r.Get("/ws/student", h.ws.ServeStudent)
		r.Get("/ws/monitor", h.ws.ServeMonitor)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Error    string     `json:"error"`
	Message  string     `json:"message"`
	WindowID int64      `json:"window_id,omitempty"`
	EndsAt   *time.Time `json:"ends_at,omitempty"`
	Pending  int        `json:"pending,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, model.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrAlreadySubmitted),
		errors.Is(err, model.ErrJoinWindowExpired),
		errors.Is(err, model.ErrIncompleteGrading),
		errors.Is(err, model.ErrOverlapConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError maps err onto the error taxonomy. Internal errors are logged
// and not echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: model.ErrorCode(err), Message: err.Error()}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		body.Message = "internal error"
	}
	var le *model.LockedError
	if errors.As(err, &le) {
		body.WindowID = le.WindowID
		body.EndsAt = &le.EndsAt
	}
	var ie *model.IncompleteGradingError
	if errors.As(err, &ie) {
		body.Pending = ie.Pending
		body.Message = appI18n.Tp(r.Context(), "PendingResponses", ie.Pending)
	}
	writeJSON(w, status, body)
}

// decode reads and validates a JSON request body into v.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	if err := h.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", model.ErrInvalidInput, name)
	}
	return id, nil
}

func actorOf(r *http.Request) model.Actor {
	return model.ActorOf(model.UserFromContext(r.Context()))
}
