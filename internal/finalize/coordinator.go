// Package finalize runs the exactly-once completion sequence for a finished
// OCR job: count the document against quota, optionally invoke analysis,
// persist artifacts, and append the history record. Any number of callers
// may ask for the same job concurrently; exactly one performs the work.
package finalize

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/kalambet/scanline/internal/analysis"
	"github.com/kalambet/scanline/internal/artifact"
	"github.com/kalambet/scanline/internal/quota"
	"github.com/kalambet/scanline/internal/storage"
)

// ErrInProgress means another caller holds the claim and has not finished.
// The job will be finalized; ask again later.
var ErrInProgress = errors.New("finalization in progress")

// DefaultClaimGrace is how long a pending claim is trusted before a new
// caller may adopt it and resume the remaining steps.
const DefaultClaimGrace = time.Minute

// SkippedQuota marks an analysis that was requested but not run because the
// user had no analysis capacity left.
const SkippedQuota = "quota"

// Request carries everything needed to finalize one finished OCR job.
type Request struct {
	JobID      string
	UserID     string
	Filename   string
	Category   string // empty when no analysis was requested
	Lines      []string
	Pages      int
	SizeBytes  int64
	UploadedAt time.Time
}

// Outcome is the durable result of finalization. Identical for the caller
// that did the work and for every caller after it.
type Outcome struct {
	JobID           string
	TextKey         string
	AnalysisKey     string
	AnalysisSkipped string
	HistoryID       string
}

// Analyzer is the slice of the analysis package the coordinator needs.
type Analyzer interface {
	Analyze(ctx context.Context, text string, category analysis.Category) analysis.Result
}

// Coordinator drives finalization against storage and the artifact store.
type Coordinator struct {
	store     *storage.Store
	ledger    *quota.Ledger
	analyzer  Analyzer
	artifacts artifact.Store
	log       *slog.Logger
	grace     time.Duration
	group     singleflight.Group

	now func() time.Time
}

func New(store *storage.Store, ledger *quota.Ledger, analyzer Analyzer, artifacts artifact.Store, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:     store,
		ledger:    ledger,
		analyzer:  analyzer,
		artifacts: artifacts,
		log:       log,
		grace:     DefaultClaimGrace,
		now:       time.Now,
	}
}

// Finalize completes the job's side effects exactly once. Safe to call any
// number of times from any number of goroutines; repeat calls return the
// stored outcome, and callers racing an unfinished claim get ErrInProgress.
func (c *Coordinator) Finalize(ctx context.Context, req Request) (Outcome, error) {
	// Coalesce same-job callers in this process; the sqlite claim still
	// protects against other processes.
	v, err, _ := c.group.Do(req.JobID, func() (any, error) {
		return c.finalize(ctx, req)
	})
	if err != nil {
		return Outcome{}, err
	}
	return v.(Outcome), nil
}

func (c *Coordinator) finalize(ctx context.Context, req Request) (Outcome, error) {
	now := c.now().UTC()

	state, rec, err := c.store.ClaimFinalization(req.JobID, req.UserID, quota.PeriodStart(now), now)
	if err != nil {
		return Outcome{}, fmt.Errorf("claiming finalization: %w", err)
	}

	switch state {
	case storage.ClaimCompleted:
		return outcomeFromRecord(rec), nil
	case storage.ClaimPending:
		adopted, err := c.store.AdoptClaim(req.JobID, now, c.grace)
		if err != nil {
			return Outcome{}, fmt.Errorf("adopting stale claim: %w", err)
		}
		if !adopted {
			return Outcome{}, ErrInProgress
		}
		c.log.Warn("adopted stale finalization claim", "job_id", req.JobID)
		// rec reflects the pre-adoption state; llm_counted is what matters
		// for the resume and only ever moves false -> true.
	}

	return c.run(ctx, req, rec.LLMCounted, now)
}

// run executes the finalization steps. Every step is idempotent (fixed
// artifact keys, once-guarded counter, unique history job id), so a crash
// here leaves a pending claim a later caller can safely resume.
func (c *Coordinator) run(ctx context.Context, req Request, llmCounted bool, now time.Time) (Outcome, error) {
	base := fmt.Sprintf("users/%s/%s", req.UserID, req.JobID)
	textKey := base + "/text.csv"

	analysisKey := ""
	analysisSkipped := ""
	if req.Category != "" {
		key, skipped, err := c.runAnalysis(ctx, req, base, llmCounted, now)
		if err != nil {
			return Outcome{}, err
		}
		analysisKey, analysisSkipped = key, skipped
	}

	csvBody, err := encodeLinesCSV(req.Lines)
	if err != nil {
		return Outcome{}, fmt.Errorf("encoding text artifact: %w", err)
	}
	if err := c.putWithRetry(ctx, textKey, "text/csv", csvBody); err != nil {
		return Outcome{}, fmt.Errorf("storing text artifact: %w", err)
	}

	stored, err := c.store.InsertHistory(storage.HistoryRecord{
		ID:          uuid.NewString(),
		JobID:       req.JobID,
		UserID:      req.UserID,
		Filename:    req.Filename,
		Category:    req.Category,
		UploadedAt:  req.UploadedAt,
		TextKey:     textKey,
		AnalysisKey: analysisKey,
		SizeBytes:   req.SizeBytes,
		PageCount:   req.Pages,
		CreatedAt:   now,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("recording history: %w", err)
	}

	if err := c.store.CompleteFinalization(req.JobID, textKey, analysisKey, analysisSkipped, stored.ID, c.now().UTC()); err != nil {
		return Outcome{}, fmt.Errorf("completing finalization: %w", err)
	}

	c.log.Info("job finalized",
		"job_id", req.JobID,
		"user_id", req.UserID,
		"history_id", stored.ID,
		"analysis_skipped", analysisSkipped != "")

	return Outcome{
		JobID:           req.JobID,
		TextKey:         textKey,
		AnalysisKey:     analysisKey,
		AnalysisSkipped: analysisSkipped,
		HistoryID:       stored.ID,
	}, nil
}

// runAnalysis performs the optional LLM step. The analysis counter moves at
// most once per job; a resumed claim that already paid keeps its seat and
// skips the capacity check.
func (c *Coordinator) runAnalysis(ctx context.Context, req Request, base string, llmCounted bool, now time.Time) (key, skipped string, err error) {
	if !llmCounted {
		ok, err := c.ledger.CheckAndReserve(ctx, req.UserID, quota.KindAnalysis, now)
		if err != nil {
			return "", "", fmt.Errorf("checking analysis quota: %w", err)
		}
		if !ok {
			c.log.Info("analysis skipped, quota exhausted", "job_id", req.JobID, "user_id", req.UserID)
			return "", SkippedQuota, nil
		}
		if _, err := c.store.ConsumeAnalysisOnce(req.JobID, req.UserID); err != nil {
			return "", "", fmt.Errorf("counting analysis: %w", err)
		}
	}

	res := c.analyzer.Analyze(ctx, strings.Join(req.Lines, "\n"), analysis.ParseCategory(req.Category))
	if res.Errored() {
		c.log.Warn("analysis degraded", "job_id", req.JobID, "error", res.Data["error"])
	}

	blob, err := json.Marshal(res.Data)
	if err != nil {
		return "", "", fmt.Errorf("encoding analysis artifact: %w", err)
	}
	analysisKey := base + "/analysis.json"
	if err := c.putWithRetry(ctx, analysisKey, "application/json", blob); err != nil {
		return "", "", fmt.Errorf("storing analysis artifact: %w", err)
	}
	return analysisKey, "", nil
}

func (c *Coordinator) putWithRetry(ctx context.Context, key, contentType string, body []byte) error {
	return retry.Do(
		func() error { return c.artifacts.Put(ctx, key, contentType, body) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

// encodeLinesCSV renders detected lines one per row under a single header.
func encodeLinesCSV(lines []string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"DetectedText"}); err != nil {
		return nil, err
	}
	for _, line := range lines {
		if err := w.Write([]string{line}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func outcomeFromRecord(rec storage.Finalization) Outcome {
	return Outcome{
		JobID:           rec.JobID,
		TextKey:         rec.TextKey,
		AnalysisKey:     rec.AnalysisKey,
		AnalysisSkipped: rec.AnalysisSkipped,
		HistoryID:       rec.HistoryID,
	}
}
