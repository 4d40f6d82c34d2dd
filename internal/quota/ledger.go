// Package quota enforces per-tier monthly usage ceilings. Counters live on
// the user row in storage; this package owns the limits table, the
// calendar-month reset rule, and the capacity decisions built on both.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/kalambet/scanline/internal/storage"
)

// Kind selects which counter a capacity check is about.
type Kind string

const (
	KindDocument Kind = "document"
	KindAnalysis Kind = "analysis"
)

// Limits is the ceiling set for one tier within a single period.
type Limits struct {
	Documents int
	Analyses  int
	Pages     int
	MaxBytes  int64
}

// tierLimits is the authoritative table. An absent tier gets the zero
// value, which denies everything.
var tierLimits = map[string]Limits{
	"free":       {Documents: 5, Analyses: 2, Pages: 3, MaxBytes: 2 * 1024 * 1024},
	"pro":        {Documents: 200, Analyses: 50, Pages: 50, MaxBytes: 20 * 1024 * 1024},
	"enterprise": {Documents: 2000, Analyses: 500, Pages: 200, MaxBytes: 100 * 1024 * 1024},
}

// LimitsFor returns the ceilings for a tier. Unknown tiers fail closed.
func LimitsFor(tier string) Limits {
	return tierLimits[tier]
}

// AllowsSize reports whether a payload of n bytes fits under the tier's
// per-document size ceiling.
func (l Limits) AllowsSize(n int64) bool {
	return n <= l.MaxBytes
}

// AllowsPages reports whether a document of n pages fits under the tier's
// per-document page ceiling.
func (l Limits) AllowsPages(n int) bool {
	return n <= l.Pages
}

// PeriodStart returns the start of the calendar month containing now, in UTC.
func PeriodStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Usage is a read-only snapshot of one user's position in the current period.
type Usage struct {
	Tier          string
	Limits        Limits
	DocumentsUsed int
	AnalysesUsed  int
	PeriodStart   time.Time
}

// Ledger answers capacity questions against stored counters.
type Ledger struct {
	store *storage.Store
}

func NewLedger(store *storage.Store) *Ledger {
	return &Ledger{store: store}
}

// CheckAndReserve reports whether the user has capacity for one more unit
// of the given kind. It applies the period reset first, so a stale window
// never denies a request the new month would allow. The unit itself is
// consumed later, inside the finalization claim, which repeats the reset
// under the same transaction; this call only answers "may we start".
func (l *Ledger) CheckAndReserve(ctx context.Context, userID string, kind Kind, now time.Time) (bool, error) {
	u, err := l.store.ResetAndGetUser(userID, PeriodStart(now))
	if err != nil {
		return false, fmt.Errorf("loading quota state: %w", err)
	}

	limits := LimitsFor(u.Tier)
	switch kind {
	case KindDocument:
		return u.DocumentsThisPeriod < limits.Documents, nil
	case KindAnalysis:
		return u.AnalysesThisPeriod < limits.Analyses, nil
	default:
		return false, fmt.Errorf("unknown quota kind %q", kind)
	}
}

// Snapshot returns the user's post-reset usage for the current period.
func (l *Ledger) Snapshot(ctx context.Context, userID string, now time.Time) (Usage, error) {
	u, err := l.store.ResetAndGetUser(userID, PeriodStart(now))
	if err != nil {
		return Usage{}, fmt.Errorf("loading quota state: %w", err)
	}
	return Usage{
		Tier:          u.Tier,
		Limits:        LimitsFor(u.Tier),
		DocumentsUsed: u.DocumentsThisPeriod,
		AnalysesUsed:  u.AnalysesThisPeriod,
		PeriodStart:   u.PeriodAnchor,
	}, nil
}
