// Package analysis turns OCR text into structured JSON using a hosted LLM.
// Model misbehavior (prose instead of JSON, schema violations, timeouts) is
// never a failure of the caller's request; it degrades into a result that
// carries the raw response for inspection.
package analysis

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// Result is the outcome of one analysis. Data always carries the
// analysis_type key; the error variant carries error and raw_response
// instead of extracted fields.
type Result struct {
	Category Category
	Data     map[string]any
}

// Errored reports whether this is the error variant.
func (r Result) Errored() bool {
	_, ok := r.Data["error"]
	return ok
}

// ChatClient is the single call the invoker needs from an LLM provider.
type ChatClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Invoker drives category-specific document analysis.
type Invoker struct {
	client ChatClient
	log    *slog.Logger
}

func NewInvoker(client ChatClient, log *slog.Logger) *Invoker {
	if log == nil {
		log = slog.Default()
	}
	return &Invoker{client: client, log: log}
}

// Analyze prompts the model with the document text and parses the reply.
// The returned Result is always usable; inspect Errored() to distinguish
// extracted fields from a degraded outcome.
func (inv *Invoker) Analyze(ctx context.Context, text string, category Category) Result {
	prompt := buildPrompt(text, category)

	raw, err := inv.client.Complete(ctx, prompt)
	if err != nil {
		inv.log.Warn("llm request failed", "category", category, "error", err)
		return errorResult(category, "llm request failed: "+err.Error(), "")
	}

	return parseAnalysis(raw, category, inv.log)
}

// parseAnalysis extracts the JSON span of the model reply. Models
// occasionally wrap the JSON in prose or code fences; the first-{ to
// last-} span recovers those cases. Any JSON object that parses is
// accepted; the category schema only flags shape drift in the logs, it
// never rejects a response.
func parseAnalysis(raw string, category Category, log *slog.Logger) Result {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end < start {
		return errorResult(category, "could not locate JSON in response", raw)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &data); err != nil {
		return errorResult(category, "invalid JSON: "+err.Error(), raw)
	}

	if err := compiledSchemas[category].Validate(anyValue(data)); err != nil {
		log.Warn("analysis output does not match the category shape", "category", category, "error", err)
	}

	data["analysis_type"] = string(category)
	return Result{Category: category, Data: data}
}

// anyValue re-types the map for the schema validator, which walks plain
// interface values.
func anyValue(m map[string]any) any {
	return m
}

func errorResult(category Category, msg, raw string) Result {
	data := map[string]any{
		"error":         msg,
		"analysis_type": string(category),
	}
	if raw != "" {
		data["raw_response"] = raw
	}
	return Result{Category: category, Data: data}
}
