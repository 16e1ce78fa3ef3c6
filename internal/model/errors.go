package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrInvalidState             = errors.New("invalid state")
	ErrAlreadySubmitted         = errors.New("attempt already submitted")
	ErrJoinWindowExpired        = errors.New("join window expired")
	ErrIncompleteGrading        = errors.New("incomplete grading")
	ErrLocked                   = errors.New("locked")
	ErrOverlapConflict          = errors.New("lock window overlaps an active window")
	ErrPermissionDenied         = errors.New("permission denied")
	ErrChainVerificationFailure = errors.New("audit chain verification failed")
	ErrInvalidInput             = errors.New("invalid input")
)

// IncompleteGradingError names how many responses still lack a final score.
type IncompleteGradingError struct {
	Pending int
}

func (e *IncompleteGradingError) Error() string {
	return fmt.Sprintf("incomplete grading: %d responses without final score", e.Pending)
}

func (e *IncompleteGradingError) Is(target error) bool {
	return target == ErrIncompleteGrading
}

// LockedError reports the window that blocked a mutation.
type LockedError struct {
	Scope    string
	WindowID int64
	EndsAt   time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("scope %q locked by window %d until %s", e.Scope, e.WindowID, e.EndsAt.Format(time.RFC3339))
}

func (e *LockedError) Is(target error) bool {
	return target == ErrLocked
}

// ErrorCode maps an error to its taxonomy name for API responses.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrAlreadySubmitted):
		return "AlreadySubmitted"
	case errors.Is(err, ErrJoinWindowExpired):
		return "JoinWindowExpired"
	case errors.Is(err, ErrIncompleteGrading):
		return "IncompleteGrading"
	case errors.Is(err, ErrLocked):
		return "LockedError"
	case errors.Is(err, ErrOverlapConflict):
		return "OverlapConflict"
	case errors.Is(err, ErrPermissionDenied):
		return "PermissionDenied"
	case errors.Is(err, ErrChainVerificationFailure):
		return "ChainVerificationFailure"
	case errors.Is(err, ErrInvalidState):
		return "InvalidState"
	case errors.Is(err, ErrInvalidInput):
		return "InvalidInput"
	}
	return "Internal"
}
