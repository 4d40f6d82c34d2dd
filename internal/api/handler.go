// Package api is the HTTP gateway for document submission and retrieval,
// plus the operator MCP surface. All state lives in storage; handlers stay
// stateless and safe to call concurrently.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"

	"github.com/kalambet/scanline/internal/analysis"
	"github.com/kalambet/scanline/internal/artifact"
	"github.com/kalambet/scanline/internal/finalize"
	"github.com/kalambet/scanline/internal/ocr"
	"github.com/kalambet/scanline/internal/quota"
	"github.com/kalambet/scanline/internal/storage"
)

// multipartOverhead is slack added to the body cap above the tier's file
// size limit, to cover multipart framing and the category field.
const multipartOverhead = 1 << 20

// JobTracker is the OCR surface the gateway drives.
type JobTracker interface {
	Submit(ctx context.Context, bucket, key string) (string, error)
	Poll(ctx context.Context, jobID string) (ocr.Result, error)
}

// Finalizer completes finished jobs exactly once.
type Finalizer interface {
	Finalize(ctx context.Context, req finalize.Request) (finalize.Outcome, error)
}

// GatewayDeps holds dependencies for the HTTP gateway.
type GatewayDeps struct {
	Store     *storage.Store
	Ledger    *quota.Ledger
	Tracker   JobTracker
	Finalizer Finalizer
	Artifacts artifact.Store
	Bucket    string // object storage bucket OCR reads uploads from
	RateLimit int    // requests per key per trailing hour; 0 means default
	Log       *slog.Logger
	Now       func() time.Time // test hook; nil means time.Now
}

// NewGatewayHandler builds the chi router with auth and rate limiting
// applied to the versioned API.
func NewGatewayHandler(deps GatewayDeps) http.Handler {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(KeyAuth(deps.Store))
		r.Use(RateLimit(deps.Store, deps.RateLimit, deps.Now))

		r.Post("/analyze", handleAnalyze(deps))
		r.Get("/status/{jobID}", handleStatus(deps))
		r.Get("/result/{jobID}", handleResult(deps))
	})

	return r
}

func handleAnalyze(deps GatewayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := userFrom(r)
		limits := quota.LimitsFor(user.Tier)

		r.Body = http.MaxBytesReader(w, r.Body, limits.MaxBytes+multipartOverhead)
		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "multipart field %q is required: %v", "file", err)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "failed to read upload: %v", err)
			return
		}
		if int64(len(data)) > limits.MaxBytes {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error",
				"file exceeds the %d byte limit for the %s tier", limits.MaxBytes, user.Tier)
			return
		}

		filename := filepath.Base(header.Filename)
		pages, err := countPages(filename, data)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unreadable document: %v", err)
			return
		}
		if !limits.AllowsPages(pages) {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error",
				"document has %d pages, over the %d page limit for the %s tier", pages, limits.Pages, user.Tier)
			return
		}

		// Unknown categories silently analyze as general; only absence
		// means "no analysis".
		category := ""
		if raw := r.FormValue("category"); raw != "" {
			category = string(analysis.ParseCategory(raw))
		}

		now := deps.Now().UTC()
		ok, err := deps.Ledger.CheckAndReserve(r.Context(), user.ID, quota.KindDocument, now)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to check quota: %v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusPaymentRequired, "quota_exceeded",
				"monthly document limit of %d reached for the %s tier", limits.Documents, user.Tier)
			return
		}

		uploadKey := fmt.Sprintf("users/%s/uploads/%s/%s", user.ID, uuid.NewString(), filename)
		contentType := header.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := deps.Artifacts.Put(r.Context(), uploadKey, contentType, data); err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to stage upload: %v", err)
			return
		}

		jobID, err := deps.Tracker.Submit(r.Context(), deps.Bucket, uploadKey)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "failed to start text detection: %v", err)
			return
		}

		sub := storage.Submission{
			JobID:     jobID,
			UserID:    user.ID,
			Filename:  filename,
			Category:  category,
			SizeBytes: int64(len(data)),
			PageCount: pages,
			CreatedAt: now,
		}
		if err := deps.Store.SaveSubmission(sub); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to record submission: %v", err)
			return
		}

		deps.Log.Info("document submitted",
			"job_id", jobID, "user_id", user.ID, "filename", filename, "pages", pages, "category", category)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"job_id":     jobID,
			"status":     "processing",
			"status_url": "/api/v1/status/" + jobID,
		})
	}
}

// loadSubmission resolves the job for the requesting user. Jobs that do
// not exist and jobs owned by someone else are indistinguishable.
func loadSubmission(deps GatewayDeps, w http.ResponseWriter, r *http.Request) (storage.Submission, bool) {
	jobID := chi.URLParam(r, "jobID")
	sub, err := deps.Store.GetSubmission(jobID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && sub.UserID != userFrom(r).ID) {
		httpError(w, http.StatusNotFound, "not_found", "job not found")
		return storage.Submission{}, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to load job: %v", err)
		return storage.Submission{}, false
	}
	return sub, true
}

// finalizeJob runs the idempotent completion sequence for a done OCR
// result. ErrInProgress is not a failure; the work is happening elsewhere.
func finalizeJob(deps GatewayDeps, r *http.Request, sub storage.Submission, res ocr.Result) (finalize.Outcome, error) {
	pages := res.Pages
	if pages == 0 {
		pages = sub.PageCount
	}
	return deps.Finalizer.Finalize(r.Context(), finalize.Request{
		JobID:      sub.JobID,
		UserID:     sub.UserID,
		Filename:   sub.Filename,
		Category:   sub.Category,
		Lines:      res.Lines,
		Pages:      pages,
		SizeBytes:  sub.SizeBytes,
		UploadedAt: sub.CreatedAt,
	})
}

func handleStatus(deps GatewayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, ok := loadSubmission(deps, w, r)
		if !ok {
			return
		}

		writeStatus := func(status string) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{
				"job_id": sub.JobID,
				"status": status,
			})
		}

		// Already finalized: no need to ask the OCR service again.
		fin, err := deps.Store.GetFinalization(sub.JobID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			deps.Log.Error("failed to load finalization", "job_id", sub.JobID, "error", err)
		}
		if err == nil && fin.Status == storage.FinalizationSucceeded {
			writeStatus("completed")
			return
		}

		res, err := deps.Tracker.Poll(r.Context(), sub.JobID)
		if err != nil {
			// Transient; the job may well be fine. Report it as running.
			deps.Log.Warn("status poll failed", "job_id", sub.JobID, "error", err)
			writeStatus("processing")
			return
		}

		switch res.Status {
		case ocr.StatusErrored:
			writeStatus("failed")
		case ocr.StatusDone:
			if _, err := finalizeJob(deps, r, sub, res); err != nil {
				if !errors.Is(err, finalize.ErrInProgress) {
					deps.Log.Error("finalization failed", "job_id", sub.JobID, "error", err)
				}
				writeStatus("processing")
				return
			}
			writeStatus("completed")
		default:
			writeStatus("processing")
		}
	}
}

func handleResult(deps GatewayDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub, ok := loadSubmission(deps, w, r)
		if !ok {
			return
		}

		fin, err := deps.Store.GetFinalization(sub.JobID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load result: %v", err)
			return
		}

		var outcome finalize.Outcome
		if err == nil && fin.Status == storage.FinalizationSucceeded {
			outcome = finalize.Outcome{
				JobID:           fin.JobID,
				TextKey:         fin.TextKey,
				AnalysisKey:     fin.AnalysisKey,
				AnalysisSkipped: fin.AnalysisSkipped,
				HistoryID:       fin.HistoryID,
			}
		} else {
			// Not finalized yet. If OCR finished in the meantime, do it
			// now rather than making the caller hit status first.
			res, pollErr := deps.Tracker.Poll(r.Context(), sub.JobID)
			if pollErr != nil || res.Status != ocr.StatusDone {
				httpError(w, http.StatusNotFound, "not_found", "result not ready")
				return
			}
			outcome, err = finalizeJob(deps, r, sub, res)
			if err != nil {
				httpError(w, http.StatusNotFound, "not_found", "result not ready")
				return
			}
		}

		resp := map[string]any{"job_id": sub.JobID}

		csvURL, err := deps.Artifacts.Presign(r.Context(), outcome.TextKey, artifact.DefaultPresignTTL)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to sign download url: %v", err)
			return
		}
		resp["csv_url"] = csvURL

		if outcome.AnalysisKey != "" {
			jsonURL, err := deps.Artifacts.Presign(r.Context(), outcome.AnalysisKey, artifact.DefaultPresignTTL)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to sign download url: %v", err)
				return
			}
			resp["json_url"] = jsonURL

			blob, err := deps.Artifacts.Get(r.Context(), outcome.AnalysisKey)
			if err == nil {
				var data map[string]any
				if json.Unmarshal(blob, &data) == nil {
					resp["analysis"] = data
				}
			}
		}
		if outcome.AnalysisSkipped != "" {
			resp["analysis_skipped"] = outcome.AnalysisSkipped
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

// countPages inspects an upload before it is sent anywhere. PDFs report
// their real page count; single-image formats count as one page.
func countPages(filename string, data []byte) (int, error) {
	if !strings.EqualFold(filepath.Ext(filename), ".pdf") {
		return 1, nil
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing pdf: %w", err)
	}
	return reader.NumPage(), nil
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
