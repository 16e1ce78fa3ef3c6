// Package channel relays live exam traffic between a student's connection
// and the monitors watching the exam. Delivery is best-effort: state lives
// in the store, so a dropped connection only loses transient pushes.
package channel

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/pavelanni/examhall/internal/model"
)

// ErrClosed is returned when registering on a closed registry.
var ErrClosed = errors.New("registry closed")

// Peer is one registered connection with a bounded outbound queue.
type Peer struct {
	ID        string
	ExamID    int64
	AttemptID int64

	out  chan Message
	done chan struct{}
	once sync.Once
}

// NewPeer creates a peer whose queue holds up to buffer messages.
func NewPeer(examID, attemptID int64, buffer int) *Peer {
	if buffer <= 0 {
		buffer = 1
	}
	return &Peer{
		ID:        uuid.NewString(),
		ExamID:    examID,
		AttemptID: attemptID,
		out:       make(chan Message, buffer),
		done:      make(chan struct{}),
	}
}

// Outbound yields queued messages for the peer's writer.
func (p *Peer) Outbound() <-chan Message { return p.out }

// Done is closed when the peer must be disconnected.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Close marks the peer for disconnection. It is safe to call repeatedly.
func (p *Peer) Close() {
	p.once.Do(func() { close(p.done) })
}

// send enqueues m without blocking. A full queue means the client stalled:
// the peer is closed and the message dropped.
func (p *Peer) send(m Message) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- m:
		return true
	default:
		slog.Warn("dropping stalled connection", "peer", p.ID, "exam_id", p.ExamID, "attempt_id", p.AttemptID)
		p.Close()
		return false
	}
}

// Registry maps attempts to their student connection and exams to their
// monitor connections. It is created at server start and closed at shutdown.
type Registry struct {
	mu       sync.RWMutex
	students map[int64]*Peer            // attempt id
	monitors map[int64]map[string]*Peer // exam id -> peer id
	closed   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		students: make(map[int64]*Peer),
		monitors: make(map[int64]map[string]*Peer),
	}
}

// RegisterStudent installs p as the attempt's student connection. A previous
// connection for the same attempt is closed.
func (r *Registry) RegisterStudent(p *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if old, ok := r.students[p.AttemptID]; ok && old != p {
		old.Close()
	}
	r.students[p.AttemptID] = p
	return nil
}

// UnregisterStudent removes p if it is still the attempt's connection.
func (r *Registry) UnregisterStudent(p *Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.students[p.AttemptID] != p {
		return false
	}
	delete(r.students, p.AttemptID)
	return true
}

// RegisterMonitor adds a monitor connection for p.ExamID.
func (r *Registry) RegisterMonitor(p *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	m, ok := r.monitors[p.ExamID]
	if !ok {
		m = make(map[string]*Peer)
		r.monitors[p.ExamID] = m
	}
	m[p.ID] = p
	return nil
}

// UnregisterMonitor removes a monitor connection.
func (r *Registry) UnregisterMonitor(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.monitors[p.ExamID]; ok {
		delete(m, p.ID)
		if len(m) == 0 {
			delete(r.monitors, p.ExamID)
		}
	}
}

// SendStudent pushes m to the attempt's student, if connected.
func (r *Registry) SendStudent(attemptID int64, m Message) bool {
	r.mu.RLock()
	p, ok := r.students[attemptID]
	r.mu.RUnlock()
	return ok && p.send(m)
}

// SendMonitors pushes m to every monitor of the exam and returns how many
// accepted it.
func (r *Registry) SendMonitors(examID int64, m Message) int {
	r.mu.RLock()
	peers := make([]*Peer, 0, len(r.monitors[examID]))
	for _, p := range r.monitors[examID] {
		peers = append(peers, p)
	}
	r.mu.RUnlock()

	n := 0
	for _, p := range peers {
		if p.send(m) {
			n++
		}
	}
	return n
}

// Announce sends text to the connected students of the given attempts and
// returns how many received it.
func (r *Registry) Announce(attemptIDs []int64, text string) int {
	n := 0
	for _, id := range attemptIDs {
		if r.SendStudent(id, announcementMsg(text)) {
			n++
		}
	}
	return n
}

// Counts returns the number of connected students and monitors of an exam.
func (r *Registry) Counts(examID int64) (students, monitors int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.students {
		if p.ExamID == examID {
			students++
		}
	}
	return students, len(r.monitors[examID])
}

// AttemptFinished tells the student and the exam's monitors that an attempt
// reached a terminal status. Forced submissions also zero the student's clock.
func (r *Registry) AttemptFinished(a model.Attempt, forced bool) {
	if forced {
		r.SendStudent(a.ID, timeUpdateMsg(0))
	}
	msg := attemptSubmittedMsg(a, forced)
	r.SendStudent(a.ID, msg)
	r.SendMonitors(a.ExamID, msg)
}

// Close disconnects every peer and rejects further registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, p := range r.students {
		p.Close()
	}
	for _, m := range r.monitors {
		for _, p := range m {
			p.Close()
		}
	}
	r.students = make(map[int64]*Peer)
	r.monitors = make(map[int64]map[string]*Peer)
	slog.Info("channel registry closed")
}
