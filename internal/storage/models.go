package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// User is an account known to the system. Quota counters live on the user
// row so the monthly reset and the limit check can share one transaction.
type User struct {
	ID                  string
	Email               string
	Name                string
	Tier                string // "free", "pro", "enterprise"
	DocumentsThisPeriod int
	AnalysesThisPeriod  int
	PeriodAnchor        time.Time
	CreatedAt           time.Time
}

// Submission ties an externally issued OCR job id to the user that
// submitted it, the original filename, and the requested analysis
// category. The category travels with the job id, never with a session.
type Submission struct {
	JobID     string
	UserID    string
	Filename  string
	Category  string // empty when no analysis was requested
	SizeBytes int64
	PageCount int
	CreatedAt time.Time
}

// Finalization is the one-time processing claim for an OCR job. At most
// one row per job id ever exists; its presence decides whether side
// effects have already run.
type Finalization struct {
	JobID           string
	UserID          string
	Status          string // "pending", "succeeded"
	ClaimedAt       time.Time
	LLMCounted      bool
	TextKey         string
	AnalysisKey     string
	AnalysisSkipped string // "" or "quota"
	HistoryID       string
	CompletedAt     time.Time
}

// Finalization statuses.
const (
	FinalizationPending   = "pending"
	FinalizationSucceeded = "succeeded"
)

// HistoryRecord is an immutable row describing one completed document.
type HistoryRecord struct {
	ID          string
	JobID       string
	UserID      string
	Filename    string
	Category    string
	UploadedAt  time.Time
	TextKey     string
	AnalysisKey string
	SizeBytes   int64
	PageCount   int
	CreatedAt   time.Time
}

// APIKey is a programmatic credential owned by exactly one user.
// A revoked key keeps its row (revoked_at set) and never authenticates.
type APIKey struct {
	ID        string
	UserID    string
	Secret    string
	CreatedAt time.Time
	RevokedAt time.Time // zero while the key is active
}
