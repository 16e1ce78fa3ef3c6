package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/pavelanni/examhall/internal/model"
)

// LastAuditHash returns the hash of the most recently appended record, or
// ok=false when the chain is empty.
func (s *Store) LastAuditHash(ctx context.Context) (hash string, ok bool, err error) {
	err = s.q.QueryRowContext(ctx, `SELECT hash FROM audit_records ORDER BY id DESC LIMIT 1`).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

// InsertAuditRecord appends a record. prev_hash is unique, so two appends
// that read the same chain head cannot both commit.
func (s *Store) InsertAuditRecord(ctx context.Context, r model.AuditRecord) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`INSERT INTO audit_records (ts, actor_id, entity_type, entity_id, action, before_json, after_json, reason, hash, prev_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Timestamp, r.ActorID, r.EntityType, r.EntityID, r.Action,
		nullJSON(r.Before), nullJSON(r.After), r.Reason, r.Hash, r.PrevHash,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListAuditRecords returns every record in insertion order.
func (s *Store) ListAuditRecords(ctx context.Context) ([]model.AuditRecord, error) {
	return s.queryAudit(ctx,
		`SELECT id, ts, actor_id, entity_type, entity_id, action, before_json, after_json, reason, hash, prev_hash
		 FROM audit_records ORDER BY id`)
}

// ListAuditRecordsFor returns the records of one entity in insertion order.
func (s *Store) ListAuditRecordsFor(ctx context.Context, entityType, entityID string) ([]model.AuditRecord, error) {
	return s.queryAudit(ctx,
		`SELECT id, ts, actor_id, entity_type, entity_id, action, before_json, after_json, reason, hash, prev_hash
		 FROM audit_records WHERE entity_type = ? AND entity_id = ? ORDER BY id`, entityType, entityID)
}

func (s *Store) queryAudit(ctx context.Context, query string, args ...any) ([]model.AuditRecord, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []model.AuditRecord
	for rows.Next() {
		var r model.AuditRecord
		var before, after sql.NullString
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.ActorID, &r.EntityType, &r.EntityID, &r.Action,
			&before, &after, &r.Reason, &r.Hash, &r.PrevHash); err != nil {
			return nil, err
		}
		if before.Valid {
			r.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			r.After = json.RawMessage(after.String)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
