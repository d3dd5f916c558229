package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/shelf/internal/activity"
	"github.com/kalambet/shelf/internal/kv"
	"github.com/kalambet/shelf/internal/rowcache"
	"github.com/kalambet/shelf/internal/schedule"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	KV      kv.Store
	Tracker *activity.Tracker
}

// NewMCPServer creates an MCP server exposing row scheduling and session
// statistics to agents.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"shelf",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("shelf keeps hot inventory rows cached in Redis and tracks shopper sessions."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("schedule_row",
			mcp.WithDescription("Schedule a row for periodic cache refresh. A delay of 0 refreshes once immediately and keeps re-checking at the poll interval."),
			mcp.WithString("row_id", mcp.Description("Inventory row id"), mcp.Required()),
			mcp.WithNumber("delay_seconds", mcp.Description("Refresh interval in seconds"), mcp.Required()),
		),
		mcpScheduleRow(deps),
	)

	s.AddTool(
		mcp.NewTool("cancel_row",
			mcp.WithDescription("Stop refreshing a row. The worker drops it on its next pass; the cached copy is kept."),
			mcp.WithString("row_id", mcp.Description("Inventory row id"), mcp.Required()),
		),
		mcpCancelRow(deps),
	)

	s.AddTool(
		mcp.NewTool("cached_row",
			mcp.WithDescription("Return the cached copy of a row as JSON."),
			mcp.WithString("row_id", mcp.Description("Inventory row id"), mcp.Required()),
		),
		mcpCachedRow(deps),
	)

	s.AddTool(
		mcp.NewTool("session_stats",
			mcp.WithDescription("Report the number of tracked sessions and the most viewed items."),
			mcp.WithNumber("top", mcp.Description("Number of popular items to include (default 10)")),
		),
		mcpSessionStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"shelf://schedule",
			"Refresh Schedule",
			mcp.WithResourceDescription("The next 50 scheduled row refreshes"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSchedule(deps),
	)

	return s
}

func mcpScheduleRow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rowID, err := req.RequireString("row_id")
		if err != nil || rowID == "" {
			return mcpError("row_id is required"), nil
		}
		delay, err := req.RequireFloat("delay_seconds")
		if err != nil {
			return mcpError("delay_seconds is required"), nil
		}
		if delay < 0 {
			return mcpError("delay_seconds must not be negative"), nil
		}

		if err := schedule.NewQueue(deps.KV).Schedule(ctx, rowID, delay); err != nil {
			return mcpError(fmt.Sprintf("failed to schedule: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Scheduled %s every %gs", rowID, delay)), nil
	}
}

func mcpCancelRow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rowID, err := req.RequireString("row_id")
		if err != nil || rowID == "" {
			return mcpError("row_id is required"), nil
		}
		if err := schedule.NewQueue(deps.KV).Cancel(ctx, rowID); err != nil {
			return mcpError(fmt.Sprintf("failed to cancel: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Cancelled %s", rowID)), nil
	}
}

func mcpCachedRow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rowID, err := req.RequireString("row_id")
		if err != nil || rowID == "" {
			return mcpError("row_id is required"), nil
		}
		row, ok, err := rowcache.Read(ctx, deps.KV, rowID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read row: %v", err)), nil
		}
		if !ok {
			return mcpError(fmt.Sprintf("row %s has not been cached", rowID)), nil
		}
		b, err := json.Marshal(row)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal row: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSessionStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		top := req.GetInt("top", 10)
		if top <= 0 {
			top = 10
		}
		if top > 100 {
			top = 100
		}

		size, err := deps.Tracker.Size(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to count sessions: %v", err)), nil
		}
		popular, err := deps.Tracker.Popular(ctx, int64(top))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read popular items: %v", err)), nil
		}

		b, err := json.Marshal(map[string]any{
			"sessions": size,
			"popular":  popular,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceSchedule(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jobs, err := listJobs(ctx, schedule.NewQueue(deps.KV), 50)
		if err != nil {
			return nil, fmt.Errorf("failed to list schedule: %w", err)
		}

		b, err := json.Marshal(jobs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal schedule: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
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
