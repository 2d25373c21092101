package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/catchsync/internal/engine"
	"github.com/kalambet/catchsync/internal/storage"
	"github.com/kalambet/catchsync/internal/syncer"
)

// --- mocks ---

type mockMCPEngine struct {
	records []storage.PendingRecord
	result  syncer.SyncResult
	status  engine.Status
	err     error
	syncs   int
}

func (m *mockMCPEngine) PendingCount() (int, error) {
	return len(m.records), m.err
}

func (m *mockMCPEngine) Records() ([]storage.PendingRecord, error) {
	return m.records, m.err
}

func (m *mockMCPEngine) Sync(ctx context.Context) (syncer.SyncResult, error) {
	m.syncs++
	return m.result, m.err
}

func (m *mockMCPEngine) Status() (engine.Status, error) {
	return m.status, m.err
}

// --- helpers ---

func pendingRecords(n int) []storage.PendingRecord {
	recs := make([]storage.PendingRecord, n)
	for i := range recs {
		recs[i] = storage.PendingRecord{
			LocalID:     fmt.Sprintf("rec-%d", i),
			Payload:     json.RawMessage(`{"species":"pike"}`),
			Status:      storage.StatusPending,
			MaxAttempts: 5,
			Priority:    1,
			CreatedAt:   time.Date(2026, 6, 1, 8, i, 0, 0, time.UTC),
		}
	}
	return recs
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

func makeCallToolRequest(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_PendingCount(t *testing.T) {
	deps := MCPDeps{Engine: &mockMCPEngine{records: pendingRecords(3)}}

	result, err := mcpPendingCount(deps)(context.Background(), makeCallToolRequest("pending_count", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if got := toolText(t, result); got != "3" {
		t.Fatalf("pending_count = %q, want 3", got)
	}
}

func TestMCPTool_PendingCount_StoreFailure(t *testing.T) {
	deps := MCPDeps{Engine: &mockMCPEngine{err: errors.New("disk gone")}}

	result, err := mcpPendingCount(deps)(context.Background(), makeCallToolRequest("pending_count", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected tool error")
	}
}

func TestMCPTool_ListPending_Limit(t *testing.T) {
	deps := MCPDeps{Engine: &mockMCPEngine{records: pendingRecords(5)}}

	result, err := mcpListPending(deps)(context.Background(), makeCallToolRequest("list_pending", map[string]any{
		"limit": 2,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var views []CaptureView
	if err := json.Unmarshal([]byte(toolText(t, result)), &views); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 captures, got %d", len(views))
	}
	if views[0].LocalID != "rec-0" || views[1].LocalID != "rec-1" {
		t.Fatalf("unexpected order: %s, %s", views[0].LocalID, views[1].LocalID)
	}
	if views[0].Payload != nil {
		t.Fatal("list_pending must not include payloads")
	}
}

func TestMCPTool_ListPending_Empty(t *testing.T) {
	deps := MCPDeps{Engine: &mockMCPEngine{}}

	result, err := mcpListPending(deps)(context.Background(), makeCallToolRequest("list_pending", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := toolText(t, result); got != "[]" {
		t.Fatalf("expected empty array, got: %s", got)
	}
}

func TestMCPTool_SyncNow(t *testing.T) {
	m := &mockMCPEngine{result: syncer.SyncResult{Synced: 2, Failed: 1}}
	deps := MCPDeps{Engine: m}

	result, err := mcpSyncNow(deps)(context.Background(), makeCallToolRequest("sync_now", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	if m.syncs != 1 {
		t.Fatalf("expected one sync, got %d", m.syncs)
	}

	var res syncer.SyncResult
	if err := json.Unmarshal([]byte(toolText(t, result)), &res); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if res.Synced != 2 || res.Failed != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestMCPResource_Status(t *testing.T) {
	deps := MCPDeps{Engine: &mockMCPEngine{status: engine.Status{Pending: 4, Exhausted: 1, Online: true}}}

	contents, err := mcpResourceStatus(deps)(context.Background(), mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: "sync://status"},
	})
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
	if tc.URI != "sync://status" {
		t.Fatalf("unexpected URI: %s", tc.URI)
	}

	var st engine.Status
	if err := json.Unmarshal([]byte(tc.Text), &st); err != nil {
		t.Fatalf("failed to parse status: %v", err)
	}
	if st.Pending != 4 || st.Exhausted != 1 || !st.Online {
		t.Fatalf("unexpected status: %+v", st)
	}
}
