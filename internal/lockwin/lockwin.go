// Package lockwin manages time-bounded freeze windows over mutation scopes
// such as "grades" or "exam:42".
package lockwin

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	appI18n "github.com/pavelanni/examhall/internal/i18n"
	"github.com/pavelanni/examhall/internal/ledger"
	"github.com/pavelanni/examhall/internal/model"
	"github.com/pavelanni/examhall/internal/store"
)

// ScopeGrades freezes every grade mutation.
const ScopeGrades = "grades"

// EntityScope builds the scope string of a single entity.
func EntityScope(entityType string, id int64) string {
	return fmt.Sprintf("%s:%d", entityType, id)
}

// Config tunes override behavior.
type Config struct {
	// MinReasonLen is the minimum rune length of an override justification.
	MinReasonLen int
	// OverrideDuration is how long an override suspends the window.
	OverrideDuration time.Duration
}

// Manager decides whether mutations of a scope are currently permitted.
type Manager struct {
	store  *store.Store
	ledger *ledger.Ledger
	cfg    Config
	now    func() time.Time
}

// New creates a lock window manager. A nil clock means time.Now.
func New(s *store.Store, l *ledger.Ledger, cfg Config, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	if cfg.OverrideDuration <= 0 {
		cfg.OverrideDuration = time.Hour
	}
	return &Manager{store: s, ledger: l, cfg: cfg, now: now}
}

// IsLocked reports the window locking scope at the given instant, if any.
func (m *Manager) IsLocked(ctx context.Context, scope string, at time.Time) (bool, *model.LockWindow, error) {
	return isLocked(ctx, m.store, scope, at)
}

func isLocked(ctx context.Context, s *store.Store, scope string, at time.Time) (bool, *model.LockWindow, error) {
	windows, err := s.ListLockWindows(ctx, scope)
	if err != nil {
		return false, nil, fmt.Errorf("list lock windows: %w", err)
	}
	for _, w := range windows {
		if w.LocksAt(at) {
			return true, &w, nil
		}
	}
	return false, nil, nil
}

// Create opens a new active window. It fails with ErrOverlapConflict when
// another live window of the same scope intersects [start, end).
func (m *Manager) Create(ctx context.Context, actor model.Actor, scope string, start, end time.Time, policy model.LockPolicy) (model.LockWindow, error) {
	if !model.Can(actor.Role, model.ActionCreateLock) {
		return model.LockWindow{}, model.ErrPermissionDenied
	}
	scope = strings.TrimSpace(scope)
	if scope == "" {
		return model.LockWindow{}, fmt.Errorf("%w: scope is required", model.ErrInvalidInput)
	}
	if !end.After(start) {
		return model.LockWindow{}, fmt.Errorf("%w: end must be after start", model.ErrInvalidInput)
	}
	for _, r := range policy.OverrideRoles {
		if !model.ValidRole(r) {
			return model.LockWindow{}, fmt.Errorf("%w: unknown role %q", model.ErrInvalidInput, r)
		}
	}

	var created model.LockWindow
	err := m.store.InTx(ctx, func(tx *store.Store) error {
		existing, err := tx.ListLockWindows(ctx, scope)
		if err != nil {
			return err
		}
		for _, w := range existing {
			if live(w) && w.Overlaps(start, end) {
				return fmt.Errorf("%w: window %d covers [%s, %s)", model.ErrOverlapConflict,
					w.ID, w.StartAt.Format(time.RFC3339), w.EndAt.Format(time.RFC3339))
			}
		}
		created, err = tx.InsertLockWindow(ctx, model.LockWindow{
			Scope:     scope,
			StartAt:   start,
			EndAt:     end,
			Policy:    policy,
			CreatedBy: actor.ID,
		})
		if err != nil {
			return err
		}
		_, err = m.ledger.AppendTx(ctx, tx, ledger.Entry{
			Actor:      actor,
			EntityType: "lock_window",
			EntityID:   created.ID,
			Action:     "lock.create",
			After:      created,
		})
		return err
	})
	if err != nil {
		return model.LockWindow{}, err
	}
	slog.Info("lock window created", "id", created.ID, "scope", scope, "start", start, "end", end)
	return created, nil
}

// live reports whether a window can still lock some instant.
func live(w model.LockWindow) bool {
	switch w.Status {
	case model.LockActive:
		return true
	case model.LockOverridden:
		return w.OverrideUntil != nil && w.OverrideUntil.Before(w.EndAt)
	}
	return false
}

// CanOverride reports whether actor may override the window.
func CanOverride(actor model.Actor, w model.LockWindow) bool {
	if actor.Role == model.UserRoleAdmin {
		return true
	}
	return model.Can(actor.Role, model.ActionOverrideLock) || slices.Contains(w.Policy.OverrideRoles, actor.Role)
}

// Override suspends an active window until min(end, now + override duration)
// and records the caller's justification in the audit ledger.
func (m *Manager) Override(ctx context.Context, actor model.Actor, windowID int64, reason string) (model.LockWindow, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) < m.cfg.MinReasonLen {
		return model.LockWindow{}, fmt.Errorf("%w: override reason must be at least %d characters",
			model.ErrInvalidInput, m.cfg.MinReasonLen)
	}

	var updated model.LockWindow
	err := m.store.InTx(ctx, func(tx *store.Store) error {
		w, err := tx.GetLockWindow(ctx, windowID)
		if err != nil {
			return err
		}
		if w.Status != model.LockActive {
			return fmt.Errorf("%w: window %d is %s", model.ErrInvalidState, w.ID, w.Status)
		}
		if !CanOverride(actor, w) {
			return model.ErrPermissionDenied
		}
		until := m.now().Add(m.cfg.OverrideDuration)
		if until.After(w.EndAt) {
			until = w.EndAt
		}
		ok, err := tx.OverrideLockWindow(ctx, w.ID, actor.ID, reason, until)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: window %d changed concurrently", model.ErrInvalidState, w.ID)
		}
		updated, err = tx.GetLockWindow(ctx, w.ID)
		if err != nil {
			return err
		}
		_, err = m.ledger.AppendTx(ctx, tx, ledger.Entry{
			Actor:      actor,
			EntityType: "lock_window",
			EntityID:   w.ID,
			Action:     "lock.override",
			Before:     w,
			After:      updated,
			Reason:     reason,
		})
		return err
	})
	if err != nil {
		return model.LockWindow{}, err
	}
	slog.Warn("lock window overridden", "id", windowID, "actor", actor.ID, "until", updated.OverrideUntil)
	return updated, nil
}

// Check answers a lock query for a scope and/or a specific entity.
func (m *Manager) Check(ctx context.Context, actor model.Actor, scope, entityType string, entityID int64) (model.LockCheck, error) {
	var scopes []string
	if scope != "" {
		scopes = append(scopes, scope)
	}
	if entityType != "" && entityID > 0 {
		scopes = append(scopes, EntityScope(entityType, entityID))
	}
	if len(scopes) == 0 {
		return model.LockCheck{}, fmt.Errorf("%w: scope or entity is required", model.ErrInvalidInput)
	}

	now := m.now()
	for _, sc := range scopes {
		locked, w, err := m.IsLocked(ctx, sc, now)
		if err != nil {
			return model.LockCheck{}, err
		}
		if locked {
			ends := w.EndAt
			id := w.ID
			return model.LockCheck{
				IsLocked:    true,
				WindowID:    &id,
				EndsAt:      &ends,
				CanOverride: CanOverride(actor, *w),
				Message: appI18n.Td(ctx, "LockActive", map[string]any{
					"Scope":  sc,
					"EndsAt": ends.Format(time.RFC3339),
				}),
			}, nil
		}
	}
	return model.LockCheck{Message: appI18n.T(ctx, "LockNone")}, nil
}

// Guard returns a *model.LockedError if any of the scopes is locked now.
func (m *Manager) Guard(ctx context.Context, scopes ...string) error {
	return m.GuardTx(ctx, m.store, scopes...)
}

// GuardTx is Guard evaluated inside the caller's transaction, so the lock
// decision and the guarded write commit together.
func (m *Manager) GuardTx(ctx context.Context, tx *store.Store, scopes ...string) error {
	now := m.now()
	for _, sc := range scopes {
		locked, w, err := isLocked(ctx, tx, sc, now)
		if err != nil {
			return err
		}
		if locked {
			return &model.LockedError{Scope: sc, WindowID: w.ID, EndsAt: w.EndAt}
		}
	}
	return nil
}

// ExpireDue marks active windows whose end has passed as expired.
func (m *Manager) ExpireDue(ctx context.Context) (int, error) {
	windows, err := m.store.ListActiveLockWindows(ctx)
	if err != nil {
		return 0, err
	}
	now := m.now()
	expired := 0
	for _, w := range windows {
		if now.Before(w.EndAt) {
			continue
		}
		ok, err := m.store.ExpireLockWindow(ctx, w.ID)
		if err != nil {
			slog.Error("expire lock window failed", "id", w.ID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}
