package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/scanline/internal/analysis"
	"github.com/kalambet/scanline/internal/artifact"
	"github.com/kalambet/scanline/internal/finalize"
	"github.com/kalambet/scanline/internal/ocr"
	"github.com/kalambet/scanline/internal/quota"
	"github.com/kalambet/scanline/internal/storage"
)

type fakeTracker struct {
	submitID  string
	submitErr error
	res       ocr.Result
	pollErr   error
}

func (f *fakeTracker) Submit(ctx context.Context, bucket, key string) (string, error) {
	return f.submitID, f.submitErr
}

func (f *fakeTracker) Poll(ctx context.Context, jobID string) (ocr.Result, error) {
	return f.res, f.pollErr
}

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(ctx context.Context, text string, category analysis.Category) analysis.Result {
	return analysis.Result{
		Category: category,
		Data:     map[string]any{"summary": "stub", "analysis_type": string(category)},
	}
}

type gatewayFixture struct {
	store   *storage.Store
	tracker *fakeTracker
	server  *httptest.Server
	secret  string
	logs    *bytes.Buffer
}

func newGatewayFixture(t *testing.T, rateLimit int) *gatewayFixture {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	now := time.Date(2025, 5, 10, 10, 0, 0, 0, time.UTC)
	if err := s.CreateUser(storage.User{
		ID: "u-ent", Email: "ent@example.com", Tier: "enterprise",
		PeriodAnchor: quota.PeriodStart(now), CreatedAt: now,
	}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	secret := "sk_test_enterprise"
	if err := s.CreateAPIKey(storage.APIKey{ID: "k-ent", UserID: "u-ent", Secret: secret, CreatedAt: now}); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	mem := artifact.NewMemStore()
	tracker := &fakeTracker{submitID: "job-ocr-1"}
	ledger := quota.NewLedger(s)
	coord := finalize.New(s, ledger, stubAnalyzer{}, mem, nil)

	logs := &bytes.Buffer{}
	h := NewGatewayHandler(GatewayDeps{
		Store:     s,
		Ledger:    ledger,
		Tracker:   tracker,
		Finalizer: coord,
		Artifacts: mem,
		Bucket:    "scanline-test",
		RateLimit: rateLimit,
		Log:       slog.New(slog.NewTextHandler(logs, nil)),
		Now:       func() time.Time { return now },
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &gatewayFixture{store: s, tracker: tracker, server: srv, secret: secret, logs: logs}
}

func (f *gatewayFixture) request(t *testing.T, method, path string, body *bytes.Buffer, contentType string) *http.Response {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, f.server.URL+path, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.secret)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	return resp
}

func multipartUpload(t *testing.T, filename, category string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	if category != "" {
		if err := w.WriteField("category", category); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return out
}

func TestGateway_MissingKey(t *testing.T) {
	f := newGatewayFixture(t, 0)

	resp, err := http.Get(f.server.URL + "/api/v1/status/whatever")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestGateway_RevokedKey(t *testing.T) {
	f := newGatewayFixture(t, 0)
	if err := f.store.RevokeAPIKey("k-ent", time.Now().UTC()); err != nil {
		t.Fatalf("RevokeAPIKey: %v", err)
	}

	resp := f.request(t, http.MethodGet, "/api/v1/status/whatever", nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

// TestGateway_NearMissKeySecret verifies a secret one character off from a
// real key is rejected like any unknown key.
func TestGateway_NearMissKeySecret(t *testing.T) {
	f := newGatewayFixture(t, 0)
	f.secret += "x"

	resp := f.request(t, http.MethodGet, "/api/v1/status/whatever", nil, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestGateway_NonEnterpriseTier(t *testing.T) {
	f := newGatewayFixture(t, 0)
	if err := f.store.SetUserTier("u-ent", "pro"); err != nil {
		t.Fatalf("SetUserTier: %v", err)
	}

	resp := f.request(t, http.MethodGet, "/api/v1/status/whatever", nil, "")
	body := decodeJSON(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	errObj, _ := body["error"].(map[string]any)
	if errObj["type"] != "authentication_error" {
		t.Errorf("error type = %v, want authentication_error", errObj["type"])
	}
}

func TestGateway_AnalyzeSubmitFlow(t *testing.T) {
	f := newGatewayFixture(t, 0)

	buf, ct := multipartUpload(t, "scan.png", "invoice", []byte("fake image bytes"))
	resp := f.request(t, http.MethodPost, "/api/v1/analyze", buf, ct)
	body := decodeJSON(t, resp)

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %v", resp.StatusCode, body)
	}
	if body["job_id"] != "job-ocr-1" {
		t.Errorf("job_id = %v", body["job_id"])
	}
	if body["status"] != "processing" {
		t.Errorf("status = %v, want processing", body["status"])
	}
	if body["status_url"] != "/api/v1/status/job-ocr-1" {
		t.Errorf("status_url = %v", body["status_url"])
	}

	sub, err := f.store.GetSubmission("job-ocr-1")
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if sub.Category != "invoice" || sub.Filename != "scan.png" || sub.PageCount != 1 {
		t.Errorf("submission = %+v", sub)
	}
}

// TestGateway_AnalyzeUnknownCategory verifies unknown categories degrade to
// general instead of failing the submit.
func TestGateway_AnalyzeUnknownCategory(t *testing.T) {
	f := newGatewayFixture(t, 0)

	buf, ct := multipartUpload(t, "scan.png", "receipt", []byte("bytes"))
	resp := f.request(t, http.MethodPost, "/api/v1/analyze", buf, ct)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	sub, err := f.store.GetSubmission("job-ocr-1")
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if sub.Category != "general" {
		t.Errorf("Category = %q, want general", sub.Category)
	}
}

func TestGateway_AnalyzeQuotaExceeded(t *testing.T) {
	f := newGatewayFixture(t, 0)

	// Exhaust the enterprise document allowance directly, inside the same
	// period the fixture's clock reports.
	fixedNow := time.Date(2025, 5, 10, 10, 0, 0, 0, time.UTC)
	for i := 0; i < quota.LimitsFor("enterprise").Documents; i++ {
		jobID := fmt.Sprintf("burn-%d", i)
		if _, _, err := f.store.ClaimFinalization(jobID, "u-ent", quota.PeriodStart(fixedNow), fixedNow); err != nil {
			t.Fatalf("ClaimFinalization %d: %v", i, err)
		}
	}

	buf, ct := multipartUpload(t, "scan.png", "", []byte("bytes"))
	resp := f.request(t, http.MethodPost, "/api/v1/analyze", buf, ct)
	body := decodeJSON(t, resp)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402: %v", resp.StatusCode, body)
	}
	errObj, _ := body["error"].(map[string]any)
	if errObj["type"] != "quota_exceeded" {
		t.Errorf("error type = %v, want quota_exceeded", errObj["type"])
	}
}

func TestGateway_RateLimit(t *testing.T) {
	f := newGatewayFixture(t, 3)

	for i := 0; i < 3; i++ {
		resp := f.request(t, http.MethodGet, "/api/v1/status/nope", nil, "")
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			t.Fatalf("request %d rejected below the limit", i)
		}
	}

	resp := f.request(t, http.MethodGet, "/api/v1/status/nope", nil, "")
	body := decodeJSON(t, resp)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	errObj, _ := body["error"].(map[string]any)
	if errObj["type"] != "rate_limit_error" {
		t.Errorf("error type = %v, want rate_limit_error", errObj["type"])
	}
}

func TestGateway_StatusLifecycle(t *testing.T) {
	f := newGatewayFixture(t, 0)

	buf, ct := multipartUpload(t, "doc.png", "general", []byte("bytes"))
	resp := f.request(t, http.MethodPost, "/api/v1/analyze", buf, ct)
	resp.Body.Close()

	// Still running.
	f.tracker.res = ocr.Result{Status: ocr.StatusNotDone}
	body := decodeJSON(t, f.request(t, http.MethodGet, "/api/v1/status/job-ocr-1", nil, ""))
	if body["status"] != "processing" {
		t.Errorf("status = %v, want processing", body["status"])
	}

	// Done: status triggers finalization and reports completed.
	f.tracker.res = ocr.Result{Status: ocr.StatusDone, Lines: []string{"hello", "world"}, Pages: 1}
	body = decodeJSON(t, f.request(t, http.MethodGet, "/api/v1/status/job-ocr-1", nil, ""))
	if body["status"] != "completed" {
		t.Errorf("status = %v, want completed", body["status"])
	}

	fin, err := f.store.GetFinalization("job-ocr-1")
	if err != nil {
		t.Fatalf("GetFinalization: %v", err)
	}
	if fin.Status != storage.FinalizationSucceeded {
		t.Errorf("finalization status = %q, want succeeded", fin.Status)
	}
}

func TestGateway_StatusFailedJob(t *testing.T) {
	f := newGatewayFixture(t, 0)

	buf, ct := multipartUpload(t, "doc.png", "", []byte("bytes"))
	f.request(t, http.MethodPost, "/api/v1/analyze", buf, ct).Body.Close()

	f.tracker.res = ocr.Result{Status: ocr.StatusErrored}
	body := decodeJSON(t, f.request(t, http.MethodGet, "/api/v1/status/job-ocr-1", nil, ""))
	if body["status"] != "failed" {
		t.Errorf("status = %v, want failed", body["status"])
	}
}

// TestGateway_StatusCorruptFinalization verifies a finalization row that
// cannot be read degrades to processing with the fault logged, instead of
// being silently ignored.
func TestGateway_StatusCorruptFinalization(t *testing.T) {
	f := newGatewayFixture(t, 0)

	buf, ct := multipartUpload(t, "doc.png", "", []byte("bytes"))
	f.request(t, http.MethodPost, "/api/v1/analyze", buf, ct).Body.Close()

	if _, err := f.store.DB().Exec(`
		INSERT INTO finalization_records (job_id, user_id, status, claimed_at)
		VALUES ('job-ocr-1', 'u-ent', 'pending', 'not-a-timestamp')`); err != nil {
		t.Fatalf("corrupting finalization row: %v", err)
	}

	f.tracker.res = ocr.Result{Status: ocr.StatusNotDone}
	body := decodeJSON(t, f.request(t, http.MethodGet, "/api/v1/status/job-ocr-1", nil, ""))
	if body["status"] != "processing" {
		t.Errorf("status = %v, want processing", body["status"])
	}
	if !strings.Contains(f.logs.String(), "failed to load finalization") {
		t.Error("storage fault was not logged")
	}
}

func TestGateway_ResultNotReady(t *testing.T) {
	f := newGatewayFixture(t, 0)

	buf, ct := multipartUpload(t, "doc.png", "", []byte("bytes"))
	f.request(t, http.MethodPost, "/api/v1/analyze", buf, ct).Body.Close()

	f.tracker.res = ocr.Result{Status: ocr.StatusNotDone}
	resp := f.request(t, http.MethodGet, "/api/v1/result/job-ocr-1", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGateway_ResultAfterCompletion(t *testing.T) {
	f := newGatewayFixture(t, 0)

	buf, ct := multipartUpload(t, "doc.png", "invoice", []byte("bytes"))
	f.request(t, http.MethodPost, "/api/v1/analyze", buf, ct).Body.Close()

	f.tracker.res = ocr.Result{Status: ocr.StatusDone, Lines: []string{"Invoice #1"}, Pages: 1}
	body := decodeJSON(t, f.request(t, http.MethodGet, "/api/v1/result/job-ocr-1", nil, ""))

	if body["csv_url"] == nil || body["csv_url"] == "" {
		t.Error("csv_url missing")
	}
	if body["json_url"] == nil || body["json_url"] == "" {
		t.Error("json_url missing")
	}
	analysisData, _ := body["analysis"].(map[string]any)
	if analysisData["summary"] != "stub" {
		t.Errorf("analysis = %v", body["analysis"])
	}

	// Second fetch serves the stored outcome identically.
	again := decodeJSON(t, f.request(t, http.MethodGet, "/api/v1/result/job-ocr-1", nil, ""))
	if again["csv_url"] != body["csv_url"] {
		t.Errorf("csv_url changed between fetches")
	}
}

// TestGateway_JobOwnership verifies another user's job id reads as absent.
func TestGateway_JobOwnership(t *testing.T) {
	f := newGatewayFixture(t, 0)

	now := time.Now().UTC()
	if err := f.store.CreateUser(storage.User{
		ID: "u-other", Email: "other@example.com", Tier: "enterprise",
		PeriodAnchor: quota.PeriodStart(now), CreatedAt: now,
	}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := f.store.SaveSubmission(storage.Submission{
		JobID: "job-foreign", UserID: "u-other", Filename: "x.pdf", CreatedAt: now,
	}); err != nil {
		t.Fatalf("SaveSubmission: %v", err)
	}

	resp := f.request(t, http.MethodGet, "/api/v1/status/job-foreign", nil, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestGateway_Health(t *testing.T) {
	f := newGatewayFixture(t, 0)

	resp, err := http.Get(f.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	body := decodeJSON(t, resp)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Errorf("health = %d %v", resp.StatusCode, body)
	}
}

func TestCountPages_NonPDF(t *testing.T) {
	pages, err := countPages("photo.jpg", []byte("jpeg bytes"))
	if err != nil {
		t.Fatalf("countPages: %v", err)
	}
	if pages != 1 {
		t.Errorf("pages = %d, want 1", pages)
	}
}

func TestCountPages_BadPDF(t *testing.T) {
	if _, err := countPages("broken.pdf", []byte("not a pdf")); err == nil {
		t.Error("expected error for unparseable pdf")
	}
}
