// Package ledger keeps the tamper-evident audit trail. Every record's hash
// covers its own fields and the previous record's hash, forming a single
// global chain ordered by insertion.
package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/store"
)

// GenesisHash is the prev_hash of the first record.
var GenesisHash = strings.Repeat("0", 64)

// Entry is a mutation to be recorded.
type Entry struct {
	Actor      model.Actor
	EntityType string
	EntityID   int64
	Action     string
	Before     any
	After      any
	Reason     string
}

// Ledger appends to and verifies the audit chain.
type Ledger struct {
	store *store.Store
	now   func() time.Time
}

// New creates a ledger over the entity store. A nil clock means time.Now.
func New(s *store.Store, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: s, now: now}
}

// Append records an entry in its own transaction.
func (l *Ledger) Append(ctx context.Context, e Entry) (model.AuditRecord, error) {
	var rec model.AuditRecord
	err := l.store.InTx(ctx, func(tx *store.Store) error {
		var err error
		rec, err = l.AppendTx(ctx, tx, e)
		return err
	})
	return rec, err
}

// AppendTx records an entry inside the caller's transaction so the audit
// record commits or rolls back together with the mutation it describes.
// Reading the chain head and inserting happen under the same write lock.
func (l *Ledger) AppendTx(ctx context.Context, tx *store.Store, e Entry) (model.AuditRecord, error) {
	before, err := canonical(e.Before)
	if err != nil {
		return model.AuditRecord{}, fmt.Errorf("encode before: %w", err)
	}
	after, err := canonical(e.After)
	if err != nil {
		return model.AuditRecord{}, fmt.Errorf("encode after: %w", err)
	}

	prev, ok, err := tx.LastAuditHash(ctx)
	if err != nil {
		return model.AuditRecord{}, fmt.Errorf("read chain head: %w", err)
	}
	if !ok {
		prev = GenesisHash
	}

	rec := model.AuditRecord{
		Timestamp:  l.now().UTC().Format(time.RFC3339Nano),
		ActorID:    e.Actor.ID,
		EntityType: e.EntityType,
		EntityID:   strconv.FormatInt(e.EntityID, 10),
		Action:     e.Action,
		Before:     before,
		After:      after,
		Reason:     e.Reason,
		PrevHash:   prev,
	}
	rec.Hash, err = Hash(rec)
	if err != nil {
		return model.AuditRecord{}, err
	}
	rec.ID, err = tx.InsertAuditRecord(ctx, rec)
	if err != nil {
		return model.AuditRecord{}, fmt.Errorf("insert audit record: %w", err)
	}
	slog.Debug("audit appended", "id", rec.ID, "action", rec.Action, "entity", rec.EntityType+":"+rec.EntityID)
	return rec, nil
}

type hashInput struct {
	TS         string          `json:"ts"`
	Actor      int64           `json:"actor"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Action     string          `json:"action"`
	Before     json.RawMessage `json:"before"`
	After      json.RawMessage `json:"after"`
	Reason     string          `json:"reason"`
}

// Hash computes SHA256(canonical_json(fields) ++ prev_hash) from a record's
// stored fields.
func Hash(r model.AuditRecord) (string, error) {
	body, err := json.Marshal(hashInput{
		TS:         r.Timestamp,
		Actor:      r.ActorID,
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		Action:     r.Action,
		Before:     r.Before,
		After:      r.After,
		Reason:     r.Reason,
	})
	if err != nil {
		return "", fmt.Errorf("encode audit record: %w", err)
	}
	h := sha256.New()
	h.Write(body)
	h.Write([]byte(r.PrevHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonical encodes v as compact JSON with sorted object keys. nil stays nil.
func canonical(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	if generic == nil {
		return nil, nil
	}
	return json.Marshal(generic)
}

// VerifyChain replays a snapshot of the chain. It never blocks appends for
// longer than the snapshot read and never modifies records.
func (l *Ledger) VerifyChain(ctx context.Context) (model.ChainReport, error) {
	var records []model.AuditRecord
	err := l.store.InTx(ctx, func(tx *store.Store) error {
		var err error
		records, err = tx.ListAuditRecords(ctx)
		return err
	})
	if err != nil {
		return model.ChainReport{}, fmt.Errorf("read audit chain: %w", err)
	}
	report := Verify(records)
	if !report.IsValid {
		slog.Warn("audit chain broken", "breaks", len(report.BrokenChains), "total", report.Total)
	}
	return report, nil
}

// Verify checks records given in insertion order.
func Verify(records []model.AuditRecord) model.ChainReport {
	report := model.ChainReport{Total: len(records), BrokenChains: []model.ChainBreak{}}
	expectedPrev := GenesisHash
	// The successor of an edited record still links to its original hash,
	// which is the recomputed one when only the stored hash was changed.
	altPrev := GenesisHash
	for _, r := range records {
		recomputed, err := Hash(r)
		if err != nil {
			recomputed = ""
		}
		linked := r.PrevHash == expectedPrev || (altPrev != "" && r.PrevHash == altPrev)
		if recomputed != r.Hash || !linked {
			report.BrokenChains = append(report.BrokenChains, model.ChainBreak{
				ID:           r.ID,
				ExpectedHash: recomputed,
				ActualHash:   r.Hash,
				ExpectedPrev: expectedPrev,
				ActualPrev:   r.PrevHash,
			})
		}
		expectedPrev, altPrev = r.Hash, recomputed
	}
	report.VerifiedCount = report.Total - len(report.BrokenChains)
	report.IsValid = len(report.BrokenChains) == 0
	return report
}

// Export returns every record together with a verification report.
func (l *Ledger) Export(ctx context.Context) (model.AuditExport, error) {
	var records []model.AuditRecord
	err := l.store.InTx(ctx, func(tx *store.Store) error {
		var err error
		records, err = tx.ListAuditRecords(ctx)
		return err
	})
	if err != nil {
		return model.AuditExport{}, err
	}
	return model.AuditExport{
		ExportedAt: l.now().UTC(),
		Report:     Verify(records),
		Records:    records,
	}, nil
}

// History returns the audit trail of one entity.
func (l *Ledger) History(ctx context.Context, entityType string, entityID int64) ([]model.AuditRecord, error) {
	return l.store.ListAuditRecordsFor(ctx, entityType, strconv.FormatInt(entityID, 10))
}
