package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/shelf/internal/activity"
	"github.com/kalambet/shelf/internal/kv"
	"github.com/kalambet/shelf/internal/rowcache"
	"github.com/kalambet/shelf/internal/schedule"
	"github.com/kalambet/shelf/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *kv.Memory) {
	t.Helper()
	mem := kv.NewMemory()
	return MCPDeps{
		KV:      mem,
		Tracker: activity.NewTracker(mem, 0),
	}, mem
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

// --- tests ---

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}

func TestMCPTool_ScheduleRow(t *testing.T) {
	deps, mem := newTestMCPDeps(t)
	handler := mcpScheduleRow(deps)

	result, err := handler(context.Background(), makeCallToolRequest("schedule_row", map[string]interface{}{
		"row_id":        "sku-1",
		"delay_seconds": 2.5,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	d, ok, _ := schedule.NewQueue(mem).Delay(context.Background(), "sku-1")
	if !ok || d != 2.5 {
		t.Fatalf("Delay = %v, %v; want 2.5", d, ok)
	}
}

func TestMCPTool_ScheduleRow_Invalid(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpScheduleRow(deps)

	cases := []map[string]interface{}{
		{"delay_seconds": 1},
		{"row_id": "sku-1"},
		{"row_id": "sku-1", "delay_seconds": -3.0},
	}
	for _, args := range cases {
		result, err := handler(context.Background(), makeCallToolRequest("schedule_row", args))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !result.IsError {
			t.Errorf("args %v: expected tool error", args)
		}
	}
}

func TestMCPTool_CancelRow(t *testing.T) {
	deps, mem := newTestMCPDeps(t)
	ctx := context.Background()
	schedule.NewQueue(mem).Schedule(ctx, "sku-1", 5)

	result, err := mcpCancelRow(deps)(ctx, makeCallToolRequest("cancel_row", map[string]interface{}{"row_id": "sku-1"}))
	if err != nil || result.IsError {
		t.Fatalf("cancel_row failed: %v", err)
	}

	d, _, _ := schedule.NewQueue(mem).Delay(ctx, "sku-1")
	if d >= 0 {
		t.Errorf("Delay = %v, want cancelled", d)
	}
}

type staticSource map[string]storage.InventoryItem

func (s staticSource) LoadInventoryItem(_ context.Context, id string) (storage.InventoryItem, error) {
	it, ok := s[id]
	if !ok {
		return storage.InventoryItem{}, storage.ErrNotFound
	}
	return it, nil
}

func TestMCPTool_CachedRow(t *testing.T) {
	deps, mem := newTestMCPDeps(t)
	ctx := context.Background()
	handler := mcpCachedRow(deps)
	req := makeCallToolRequest("cached_row", map[string]interface{}{"row_id": "sku-1"})

	result, _ := handler(ctx, req)
	if !result.IsError {
		t.Fatal("expected error for uncached row")
	}

	schedule.NewQueue(mem).Schedule(ctx, "sku-1", 60)
	w := rowcache.NewWorker(mem, staticSource{"sku-1": {ID: "sku-1", Name: "Lamp"}}, 0)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatal(err)
	}

	result, err := handler(ctx, req)
	if err != nil || result.IsError {
		t.Fatalf("cached_row failed: %v", err)
	}
	var row rowcache.CachedRow
	if err := json.Unmarshal([]byte(toolText(t, result)), &row); err != nil {
		t.Fatalf("failed to parse row: %v", err)
	}
	if row.RowID != "sku-1" || row.Item.Name != "Lamp" {
		t.Errorf("row = %+v", row)
	}
}

func TestMCPTool_SessionStats(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	ctx := context.Background()
	deps.Tracker.Touch(ctx, "a", "u1", "sku-1")
	deps.Tracker.Touch(ctx, "b", "u2", "sku-1")
	deps.Tracker.Touch(ctx, "b", "u2", "sku-2")

	result, err := mcpSessionStats(deps)(ctx, makeCallToolRequest("session_stats", map[string]interface{}{"top": 1}))
	if err != nil || result.IsError {
		t.Fatalf("session_stats failed: %v", err)
	}

	var stats struct {
		Sessions int64    `json:"sessions"`
		Popular  []string `json:"popular"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Sessions != 2 {
		t.Errorf("sessions = %d, want 2", stats.Sessions)
	}
	if len(stats.Popular) != 1 || stats.Popular[0] != "sku-1" {
		t.Errorf("popular = %v, want [sku-1]", stats.Popular)
	}
}

func TestMCPResource_Schedule(t *testing.T) {
	deps, mem := newTestMCPDeps(t)
	ctx := context.Background()
	q := schedule.NewQueue(mem)
	q.Schedule(ctx, "sku-1", 5)
	q.Schedule(ctx, "sku-2", 5)
	q.Cancel(ctx, "sku-2")

	contents, err := mcpResourceSchedule(deps)(ctx, makeReadResourceRequest("shelf://schedule"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var jobs []jobResponse
	if err := json.Unmarshal([]byte(tc.Text), &jobs); err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("jobs = %+v", jobs)
	}
	if !strings.Contains(tc.Text, `"cancelled":true`) {
		t.Errorf("cancelled job not marked: %s", tc.Text)
	}
}
