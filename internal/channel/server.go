package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/examhall/internal/engine"
	appI18n "github.com/pavelanni/examhall/internal/i18n"
	"github.com/pavelanni/examhall/internal/model"
)

const writeTimeout = 5 * time.Second

// Config tunes connection handling.
type Config struct {
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
	// RecentEvents is how many proctor events an exam_status carries.
	RecentEvents int
	// OpTimeout bounds each store operation triggered by a message.
	OpTimeout time.Duration
	// OriginPatterns are the allowed websocket origins; empty means same origin.
	OriginPatterns []string
}

// Server accepts student and monitor websocket sessions.
type Server struct {
	eng      *engine.Engine
	reg      *Registry
	validate *validator.Validate
	cfg      Config
}

// NewServer creates a websocket server over the engine and registry.
func NewServer(eng *engine.Engine, reg *Registry, cfg Config) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	if cfg.RecentEvents <= 0 {
		cfg.RecentEvents = 20
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	return &Server{eng: eng, reg: reg, validate: validator.New(), cfg: cfg}
}

func queryID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	return id, err == nil && id > 0
}

func rejectStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	}
	return http.StatusConflict
}

// ServeStudent runs a student session for ?exam_id=&attempt_id=. The caller
// must own the attempt and it must be in progress.
func (s *Server) ServeStudent(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	examID, _ := queryID(r, "exam_id")
	attemptID, ok := queryID(r, "attempt_id")
	if !ok {
		http.Error(w, "attempt_id is required", http.StatusBadRequest)
		return
	}
	actor := model.ActorOf(user)
	attempt, exam, err := s.eng.AttemptSession(r.Context(), actor, examID, attemptID)
	if err != nil {
		http.Error(w, err.Error(), rejectStatus(err))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		slog.Warn("websocket accept failed", "attempt_id", attemptID, "error", err)
		return
	}
	peer := NewPeer(exam.ID, attempt.ID, s.cfg.SendBuffer)
	if err := s.reg.RegisterStudent(peer); err != nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	slog.Info("student connected", "attempt_id", attempt.ID, "exam_id", exam.ID, "peer", peer.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.writeLoop(ctx, conn, peer)

	peer.send(connectedMsg(attempt.ID, s.eng.TimeRemaining(exam, attempt)))
	s.reg.SendMonitors(exam.ID, presenceMsg(TypeStudentConnected, attempt.ID))

	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			break
		}
		s.handleStudent(ctx, actor, peer, raw)
	}

	peer.Close()
	if s.reg.UnregisterStudent(peer) {
		s.reg.SendMonitors(exam.ID, presenceMsg(TypeStudentDisconnected, attempt.ID))
	}
	slog.Info("student disconnected", "attempt_id", attempt.ID, "peer", peer.ID)
}

// ServeMonitor runs a monitor session for ?exam_id=.
func (s *Server) ServeMonitor(w http.ResponseWriter, r *http.Request) {
	user := model.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	actor := model.ActorOf(user)
	if !model.Can(actor.Role, model.ActionMonitor) {
		http.Error(w, model.ErrPermissionDenied.Error(), http.StatusForbidden)
		return
	}
	examID, ok := queryID(r, "exam_id")
	if !ok {
		http.Error(w, "exam_id is required", http.StatusBadRequest)
		return
	}
	if _, err := s.eng.GetExam(r.Context(), examID); err != nil {
		http.Error(w, err.Error(), rejectStatus(err))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		slog.Warn("websocket accept failed", "exam_id", examID, "error", err)
		return
	}
	peer := NewPeer(examID, 0, s.cfg.SendBuffer)
	if err := s.reg.RegisterMonitor(peer); err != nil {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.reg.UnregisterMonitor(peer)
	slog.Info("monitor connected", "exam_id", examID, "user_id", actor.ID, "peer", peer.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.writeLoop(ctx, conn, peer)

	s.sendStatus(ctx, peer)
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			break
		}
		s.handleMonitor(ctx, actor, peer, raw)
	}
	peer.Close()
	slog.Info("monitor disconnected", "exam_id", examID, "peer", peer.ID)
}

// writeLoop is the only writer of conn. It ends when the peer is closed,
// the session ends or a write fails.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, p *Peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.Done():
			conn.Close(websocket.StatusPolicyViolation, "connection closed by server")
			return
		case m := <-p.Outbound():
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, m)
			cancel()
			if err != nil {
				slog.Debug("websocket write failed", "peer", p.ID, "error", err)
				p.Close()
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// decode unmarshals a message body into v and validates it.
func (s *Server) decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return err
	}
	return s.validate.Struct(v)
}

func (s *Server) invalid(ctx context.Context, p *Peer, err error) {
	p.send(errorMsg(appI18n.Td(ctx, "InvalidMessage", map[string]any{"Detail": err.Error()})))
}

func (s *Server) handleStudent(ctx context.Context, actor model.Actor, p *Peer, raw json.RawMessage) {
	var env envelope
	if err := s.decode(raw, &env); err != nil {
		s.invalid(ctx, p, err)
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	switch env.Type {
	case TypeSaveResponse:
		var in saveResponseIn
		if err := s.decode(raw, &in); err != nil {
			s.invalid(ctx, p, err)
			return
		}
		resp, err := s.eng.SaveAnswer(opCtx, actor, p.AttemptID, in.QuestionID, in.Answer)
		if err != nil {
			slog.Warn("save response failed", "attempt_id", p.AttemptID, "question_id", in.QuestionID, "error", err)
			p.send(errorMsg(s.studentError(ctx, err, in.QuestionID, "SaveFailed")))
			return
		}
		p.send(responseSavedMsg(in.QuestionID, resp.UpdatedAt))

	case TypeProctorEvent:
		var in proctorEventIn
		if err := s.decode(raw, &in); err != nil {
			s.invalid(ctx, p, err)
			return
		}
		ev, err := s.eng.RecordProctorEvent(opCtx, actor, p.AttemptID, model.ProctorEventKind(in.EventType), in.Payload)
		if err != nil {
			slog.Warn("record proctor event failed", "attempt_id", p.AttemptID, "error", err)
			p.send(errorMsg(s.studentError(ctx, err, 0, "EventFailed")))
			return
		}
		if ev.Kind.Alerting() {
			s.reg.SendMonitors(p.ExamID, proctorAlertMsg(p.AttemptID, ev.Kind, ev.CreatedAt))
		}

	case TypeHeartbeat:

	case TypeRequestTime:
		remaining, err := s.eng.AttemptTimeRemaining(opCtx, p.AttemptID)
		if err != nil {
			slog.Warn("time request failed", "attempt_id", p.AttemptID, "error", err)
			p.send(errorMsg(appI18n.T(ctx, "StatusFailed")))
			return
		}
		p.send(timeUpdateMsg(remaining))

	default:
		p.send(errorMsg(appI18n.Td(ctx, "UnknownMessage", map[string]any{"Type": env.Type})))
	}
}

func (s *Server) studentError(ctx context.Context, err error, questionID int64, fallback string) string {
	switch {
	case errors.Is(err, model.ErrAlreadySubmitted), errors.Is(err, model.ErrInvalidState):
		return appI18n.T(ctx, "AttemptNotInProgress")
	case errors.Is(err, model.ErrInvalidInput) && questionID > 0:
		return appI18n.Td(ctx, "QuestionNotInExam", map[string]any{"ID": questionID})
	}
	return appI18n.T(ctx, fallback)
}

func (s *Server) handleMonitor(ctx context.Context, actor model.Actor, p *Peer, raw json.RawMessage) {
	var env envelope
	if err := s.decode(raw, &env); err != nil {
		s.invalid(ctx, p, err)
		return
	}

	switch env.Type {
	case TypeRequestStatus:
		s.sendStatus(ctx, p)

	case TypeSendAnnouncement:
		if !model.Can(actor.Role, model.ActionAnnounce) {
			p.send(errorMsg(model.ErrPermissionDenied.Error()))
			return
		}
		var in announcementIn
		if err := json.Unmarshal(raw, &in); err != nil {
			s.invalid(ctx, p, err)
			return
		}
		in.Message = strings.TrimSpace(in.Message)
		if err := s.validate.Struct(in); err != nil {
			p.send(errorMsg(appI18n.T(ctx, "AnnouncementEmpty")))
			return
		}
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		defer cancel()
		attempts, err := s.eng.InProgressAttempts(opCtx, p.ExamID)
		if err != nil {
			slog.Error("list attempts for announcement failed", "exam_id", p.ExamID, "error", err)
			p.send(errorMsg(appI18n.T(ctx, "StatusFailed")))
			return
		}
		ids := make([]int64, len(attempts))
		for i, a := range attempts {
			ids[i] = a.ID
		}
		n := s.reg.Announce(ids, in.Message)
		slog.Info("announcement sent", "exam_id", p.ExamID, "from", actor.ID, "delivered", n)

	case TypeHeartbeat:

	default:
		p.send(errorMsg(appI18n.Td(ctx, "UnknownMessage", map[string]any{"Type": env.Type})))
	}
}

func (s *Server) sendStatus(ctx context.Context, p *Peer) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	snap, err := s.eng.StatusSnapshot(opCtx, p.ExamID, s.cfg.RecentEvents)
	if err != nil {
		slog.Error("status snapshot failed", "exam_id", p.ExamID, "error", err)
		p.send(errorMsg(appI18n.T(ctx, "StatusFailed")))
		return
	}
	p.send(examStatusMsg(snap))
}
