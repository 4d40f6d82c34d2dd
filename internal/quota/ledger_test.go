package quota

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/scanline/internal/storage"
)

func openTestLedger(t *testing.T) (*Ledger, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewLedger(s), s
}

func seedUser(t *testing.T, s *storage.Store, id, tier string, anchor time.Time) {
	t.Helper()
	u := storage.User{
		ID:           id,
		Email:        id + "@example.com",
		Tier:         tier,
		PeriodAnchor: anchor,
		CreatedAt:    anchor,
	}
	if err := s.CreateUser(u); err != nil {
		t.Fatalf("CreateUser(%q): %v", id, err)
	}
}

func TestPeriodStart(t *testing.T) {
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2025, 3, 15, 10, 30, 0, 0, time.UTC), time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC), time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)},
		// Non-UTC input normalizes to the UTC month.
		{time.Date(2025, 6, 1, 3, 0, 0, 0, time.FixedZone("UTC+5", 5*3600)), time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := PeriodStart(tt.now); !got.Equal(tt.want) {
			t.Errorf("PeriodStart(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

func TestLimitsFor_UnknownTierFailsClosed(t *testing.T) {
	l := LimitsFor("platinum")
	if l.Documents != 0 || l.Analyses != 0 || l.Pages != 0 || l.MaxBytes != 0 {
		t.Errorf("unknown tier limits = %+v, want all zero", l)
	}
	if l.AllowsSize(1) {
		t.Error("zero limits should deny any size")
	}
	if l.AllowsPages(1) {
		t.Error("zero limits should deny any page count")
	}
}

func TestLimitsTable(t *testing.T) {
	tests := []struct {
		tier string
		docs int
		llm  int
	}{
		{"free", 5, 2},
		{"pro", 200, 50},
		{"enterprise", 2000, 500},
	}
	for _, tt := range tests {
		l := LimitsFor(tt.tier)
		if l.Documents != tt.docs {
			t.Errorf("%s Documents = %d, want %d", tt.tier, l.Documents, tt.docs)
		}
		if l.Analyses != tt.llm {
			t.Errorf("%s Analyses = %d, want %d", tt.tier, l.Analyses, tt.llm)
		}
	}
}

func TestCheckAndReserve_DocumentCeiling(t *testing.T) {
	ledger, s := openTestLedger(t)
	ctx := context.Background()

	now := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)
	seedUser(t, s, "u-doc", "free", PeriodStart(now))

	ok, err := ledger.CheckAndReserve(ctx, "u-doc", KindDocument, now)
	if err != nil {
		t.Fatalf("CheckAndReserve: %v", err)
	}
	if !ok {
		t.Error("fresh free user should have document capacity")
	}

	// Consume the full free allowance through finalization claims.
	for i := 0; i < 5; i++ {
		jobID := "job-" + string(rune('a'+i))
		if _, _, err := s.ClaimFinalization(jobID, "u-doc", PeriodStart(now), now); err != nil {
			t.Fatalf("ClaimFinalization %d: %v", i, err)
		}
	}

	ok, err = ledger.CheckAndReserve(ctx, "u-doc", KindDocument, now)
	if err != nil {
		t.Fatalf("CheckAndReserve at limit: %v", err)
	}
	if ok {
		t.Error("free user at 5 documents should be denied")
	}
}

func TestCheckAndReserve_ResetsAcrossMonths(t *testing.T) {
	ledger, s := openTestLedger(t)
	ctx := context.Background()

	march := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	seedUser(t, s, "u-month", "free", march)

	for i := 0; i < 5; i++ {
		jobID := "mj-" + string(rune('a'+i))
		if _, _, err := s.ClaimFinalization(jobID, "u-month", march, march.Add(time.Hour)); err != nil {
			t.Fatalf("ClaimFinalization %d: %v", i, err)
		}
	}

	ok, err := ledger.CheckAndReserve(ctx, "u-month", KindDocument, march.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("CheckAndReserve in March: %v", err)
	}
	if ok {
		t.Error("exhausted March window should deny")
	}

	april := time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC)
	ok, err = ledger.CheckAndReserve(ctx, "u-month", KindDocument, april)
	if err != nil {
		t.Fatalf("CheckAndReserve in April: %v", err)
	}
	if !ok {
		t.Error("new month should restore capacity")
	}
}

func TestCheckAndReserve_AnalysisCeiling(t *testing.T) {
	ledger, s := openTestLedger(t)
	ctx := context.Background()

	now := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)
	seedUser(t, s, "u-llm", "free", PeriodStart(now))

	for i := 0; i < 2; i++ {
		jobID := "lj-" + string(rune('a'+i))
		if _, _, err := s.ClaimFinalization(jobID, "u-llm", PeriodStart(now), now); err != nil {
			t.Fatalf("ClaimFinalization %d: %v", i, err)
		}
		if _, err := s.ConsumeAnalysisOnce(jobID, "u-llm"); err != nil {
			t.Fatalf("ConsumeAnalysisOnce %d: %v", i, err)
		}
	}

	ok, err := ledger.CheckAndReserve(ctx, "u-llm", KindAnalysis, now)
	if err != nil {
		t.Fatalf("CheckAndReserve: %v", err)
	}
	if ok {
		t.Error("free user at 2 analyses should be denied")
	}

	ok, err = ledger.CheckAndReserve(ctx, "u-llm", KindDocument, now)
	if err != nil {
		t.Fatalf("CheckAndReserve document: %v", err)
	}
	if !ok {
		t.Error("analysis ceiling must not affect document capacity")
	}
}

func TestCheckAndReserve_UnknownUser(t *testing.T) {
	ledger, _ := openTestLedger(t)

	if _, err := ledger.CheckAndReserve(context.Background(), "ghost", KindDocument, time.Now()); err == nil {
		t.Error("expected error for unknown user")
	}
}

func TestSnapshot(t *testing.T) {
	ledger, s := openTestLedger(t)
	ctx := context.Background()

	now := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)
	seedUser(t, s, "u-snap", "pro", PeriodStart(now))
	if _, _, err := s.ClaimFinalization("sj-1", "u-snap", PeriodStart(now), now); err != nil {
		t.Fatalf("ClaimFinalization: %v", err)
	}

	u, err := ledger.Snapshot(ctx, "u-snap", now)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if u.Tier != "pro" {
		t.Errorf("Tier = %q, want %q", u.Tier, "pro")
	}
	if u.DocumentsUsed != 1 {
		t.Errorf("DocumentsUsed = %d, want 1", u.DocumentsUsed)
	}
	if u.Limits.Documents != 200 {
		t.Errorf("Limits.Documents = %d, want 200", u.Limits.Documents)
	}
	if !u.PeriodStart.Equal(PeriodStart(now)) {
		t.Errorf("PeriodStart = %v, want %v", u.PeriodStart, PeriodStart(now))
	}
}
