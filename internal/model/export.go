package model

import "time"

// ChainBreak describes one record whose stored hashes do not match.
type ChainBreak struct {
	ID           int64  `json:"id"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	ExpectedPrev string `json:"expected_prev"`
	ActualPrev   string `json:"actual_prev"`
}

// ChainReport is the result of replaying the audit chain.
type ChainReport struct {
	Total         int          `json:"total"`
	VerifiedCount int          `json:"verified_count"`
	BrokenChains  []ChainBreak `json:"broken_chains"`
	IsValid       bool         `json:"is_valid"`
}

// LockCheck answers whether a scope is currently frozen.
type LockCheck struct {
	IsLocked    bool       `json:"is_locked"`
	WindowID    *int64     `json:"window_id,omitempty"`
	EndsAt      *time.Time `json:"ends_at,omitempty"`
	CanOverride bool       `json:"can_override"`
	Message     string     `json:"message"`
}

// ExamStatusSnapshot is pushed to monitors on request_status.
type ExamStatusSnapshot struct {
	Status        ExamStatus            `json:"status"`
	TimeRemaining int64                 `json:"time_remaining"`
	AttemptCounts map[AttemptStatus]int `json:"attempt_counts"`
	RecentEvents  []ProctorEvent        `json:"recent_events"`
}

// AuditExport is the top-level JSON structure written by export-audit.
type AuditExport struct {
	ExportedAt time.Time     `json:"exported_at"`
	Report     ChainReport   `json:"report"`
	Records    []AuditRecord `json:"records"`
}
