package store

import (
	"context"
	"encoding/json"

	"github.com/pavelanni/examhall/internal/model"
)

// InsertProctorEvent appends a proctoring event. Events are never updated.
func (s *Store) InsertProctorEvent(ctx context.Context, ev model.ProctorEvent) (model.ProctorEvent, error) {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO proctor_events (attempt_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		ev.AttemptID, ev.Kind, string(payload), ev.CreatedAt,
	)
	if err != nil {
		return ev, err
	}
	ev.ID, err = res.LastInsertId()
	ev.Payload = payload
	return ev, err
}

// RecentProctorEvents returns the newest events across an exam's attempts.
func (s *Store) RecentProctorEvents(ctx context.Context, examID int64, limit int) ([]model.ProctorEvent, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT e.id, e.attempt_id, e.kind, e.payload, e.created_at
		 FROM proctor_events e JOIN attempts a ON a.id = e.attempt_id
		 WHERE a.exam_id = ? ORDER BY e.id DESC LIMIT ?`, examID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []model.ProctorEvent
	for rows.Next() {
		var ev model.ProctorEvent
		var payload string
		if err := rows.Scan(&ev.ID, &ev.AttemptID, &ev.Kind, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}
