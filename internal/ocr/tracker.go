// Package ocr tracks asynchronous text-detection jobs at an external OCR
// service (AWS Textract). It submits documents already staged in object
// storage and reports job progress on demand; it never polls in the
// background, callers own the cadence.
package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
)

// Status is the collapsed job state reported to callers.
type Status string

const (
	// StatusNotDone covers both a genuinely running job and any transient
	// condition (timeout, transport failure) where the truth is unknown.
	StatusNotDone Status = "not_done"
	StatusDone    Status = "done"
	StatusErrored Status = "errored"
)

// Result is one observation of a job.
type Result struct {
	Status Status
	// Lines holds every detected text line in page order. Populated only
	// when Status is StatusDone.
	Lines []string
	Pages int
	// Degraded marks a job the service finished with partial results.
	// The output is still usable and the job counts as done.
	Degraded bool
}

// TextDetector is the slice of the Textract API the tracker needs.
// Satisfied by *textract.Client.
type TextDetector interface {
	StartDocumentTextDetection(ctx context.Context, params *textract.StartDocumentTextDetectionInput, optFns ...func(*textract.Options)) (*textract.StartDocumentTextDetectionOutput, error)
	GetDocumentTextDetection(ctx context.Context, params *textract.GetDocumentTextDetectionInput, optFns ...func(*textract.Options)) (*textract.GetDocumentTextDetectionOutput, error)
}

// Tracker submits and observes text-detection jobs.
type Tracker struct {
	client  TextDetector
	timeout time.Duration
	log     *slog.Logger
}

// NewTracker wraps a detector client. timeout bounds each individual call
// to the service; zero means 30 seconds.
func NewTracker(client TextDetector, timeout time.Duration, log *slog.Logger) *Tracker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{client: client, timeout: timeout, log: log}
}

// Submit starts text detection for an object already uploaded to bucket/key
// and returns the service-issued job id.
func (t *Tracker) Submit(ctx context.Context, bucket, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out, err := t.client.StartDocumentTextDetection(ctx, &textract.StartDocumentTextDetectionInput{
		DocumentLocation: &types.DocumentLocation{
			S3Object: &types.S3Object{
				Bucket: aws.String(bucket),
				Name:   aws.String(key),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("starting text detection for s3://%s/%s: %w", bucket, key, err)
	}
	if out.JobId == nil || *out.JobId == "" {
		return "", fmt.Errorf("text detection for s3://%s/%s returned no job id", bucket, key)
	}

	t.log.Info("ocr job submitted", "job_id", *out.JobId, "bucket", bucket, "key", key)
	return *out.JobId, nil
}

// Poll fetches the current state of a job. A done job carries the full set
// of detected lines, following continuation tokens until the service has
// no more pages of output. Transport failures and timeouts report
// StatusNotDone alongside the error so the caller simply retries later.
func (t *Tracker) Poll(ctx context.Context, jobID string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var (
		lines     []string
		pages     int
		status    types.JobStatus
		nextToken *string
	)

	for {
		out, err := t.client.GetDocumentTextDetection(ctx, &textract.GetDocumentTextDetectionInput{
			JobId:     aws.String(jobID),
			NextToken: nextToken,
		})
		if err != nil {
			return Result{Status: StatusNotDone}, fmt.Errorf("fetching job %s: %w", jobID, err)
		}

		status = out.JobStatus
		if status == types.JobStatusInProgress {
			return Result{Status: StatusNotDone}, nil
		}
		if status == types.JobStatusFailed {
			msg := ""
			if out.StatusMessage != nil {
				msg = *out.StatusMessage
			}
			t.log.Warn("ocr job failed", "job_id", jobID, "message", msg)
			return Result{Status: StatusErrored}, nil
		}

		if out.DocumentMetadata != nil && out.DocumentMetadata.Pages != nil {
			pages = int(*out.DocumentMetadata.Pages)
		}
		for _, block := range out.Blocks {
			if block.BlockType == types.BlockTypeLine && block.Text != nil {
				lines = append(lines, *block.Text)
			}
		}

		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	res := Result{
		Status: StatusDone,
		Lines:  lines,
		Pages:  pages,
	}
	if status == types.JobStatusPartialSuccess {
		res.Degraded = true
		t.log.Warn("ocr job finished with partial results", "job_id", jobID)
	}
	return res, nil
}
