package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/scanline/internal/quota"
	"github.com/kalambet/scanline/internal/storage"
)

// MCPDeps holds dependencies for the operator MCP server.
type MCPDeps struct {
	Store  *storage.Store
	Ledger *quota.Ledger
}

// NewMCPServer creates a read-only MCP server for operators: job and
// finalization state, per-user history, and quota position.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"scanline",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("scanline: document OCR and analysis orchestration. Read-only operator tools."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Look up a submitted job: its submission metadata and finalization state."),
			mcp.WithString("job_id", mcp.Description("OCR job id"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("history_list",
			mcp.WithDescription("List a user's completed documents, most recent first."),
			mcp.WithString("user_id", mcp.Description("User id"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of records (default 20)")),
		),
		mcpHistoryList(deps),
	)

	s.AddTool(
		mcp.NewTool("quota_status",
			mcp.WithDescription("Show a user's tier, limits, and usage in the current period."),
			mcp.WithString("user_id", mcp.Description("User id"), mcp.Required()),
		),
		mcpQuotaStatus(deps),
	)

	return s
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		sub, err := deps.Store.GetSubmission(jobID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", jobID)), nil
		}
		if err != nil {
			return nil, fmt.Errorf("loading submission: %w", err)
		}

		out := map[string]any{
			"job_id":     sub.JobID,
			"user_id":    sub.UserID,
			"filename":   sub.Filename,
			"category":   sub.Category,
			"size_bytes": sub.SizeBytes,
			"page_count": sub.PageCount,
			"created_at": sub.CreatedAt,
			"state":      "submitted",
		}
		if fin, err := deps.Store.GetFinalization(jobID); err == nil {
			out["state"] = fin.Status
			if fin.Status == storage.FinalizationSucceeded {
				out["history_id"] = fin.HistoryID
				out["text_key"] = fin.TextKey
				if fin.AnalysisKey != "" {
					out["analysis_key"] = fin.AnalysisKey
				}
				if fin.AnalysisSkipped != "" {
					out["analysis_skipped"] = fin.AnalysisSkipped
				}
			}
		}

		b, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal job status: %w", err)
		}
		return mcpText(string(b)), nil
	}
}

func mcpHistoryList(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}

		records, err := deps.Store.ListHistory(userID, limit)
		if err != nil {
			return nil, fmt.Errorf("listing history: %w", err)
		}
		if records == nil {
			records = []storage.HistoryRecord{}
		}

		b, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal history: %w", err)
		}
		return mcpText(string(b)), nil
	}
}

func mcpQuotaStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		usage, err := deps.Ledger.Snapshot(ctx, userID, time.Now())
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("user %s not found", userID)), nil
		}
		if err != nil {
			return nil, fmt.Errorf("loading quota: %w", err)
		}

		b, err := json.MarshalIndent(map[string]any{
			"tier":           usage.Tier,
			"period_start":   usage.PeriodStart,
			"documents_used": usage.DocumentsUsed,
			"documents_max":  usage.Limits.Documents,
			"analyses_used":  usage.AnalysesUsed,
			"analyses_max":   usage.Limits.Analyses,
		}, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal quota: %w", err)
		}
		return mcpText(string(b)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
