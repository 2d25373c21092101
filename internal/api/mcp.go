package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/catchsync/internal/engine"
	"github.com/kalambet/catchsync/internal/storage"
	"github.com/kalambet/catchsync/internal/syncer"
)

// MCPEngine is the part of the engine exposed to agents.
type MCPEngine interface {
	PendingCount() (int, error)
	Records() ([]storage.PendingRecord, error)
	Sync(ctx context.Context) (syncer.SyncResult, error)
	Status() (engine.Status, error)
}

type MCPDeps struct {
	Engine  MCPEngine
	Version string
}

// NewMCPServer creates an MCP server exposing the capture queue.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"catchsync",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("catchsync holds competition captures taken offline until they are delivered to the remote API."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("pending_count",
			mcp.WithDescription("Number of captures not yet delivered, including those that exhausted their retries."),
		),
		mcpPendingCount(deps),
	)

	s.AddTool(
		mcp.NewTool("list_pending",
			mcp.WithDescription("List undelivered captures in delivery order."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of captures (default 20)")),
		),
		mcpListPending(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_now",
			mcp.WithDescription("Deliver pending captures now. Joins a sync already in progress."),
		),
		mcpSyncNow(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"sync://status",
			"Sync Status",
			mcp.WithResourceDescription("Queue depth, connectivity and the last sync result as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

func mcpPendingCount(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n, err := deps.Engine.PendingCount()
		if err != nil {
			return mcpError(fmt.Sprintf("counting captures failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("%d", n)), nil
	}
}

func mcpListPending(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 200 {
			limit = 200
		}

		records, err := deps.Engine.Records()
		if err != nil {
			return mcpError(fmt.Sprintf("listing captures failed: %v", err)), nil
		}
		if len(records) > limit {
			records = records[:limit]
		}

		views := make([]CaptureView, len(records))
		for i, rec := range records {
			views[i] = newCaptureView(rec, false)
		}

		b, err := json.Marshal(views)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal captures: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSyncNow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Engine.Sync(context.WithoutCancel(ctx))
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := deps.Engine.Status()
		if err != nil {
			return nil, fmt.Errorf("reading sync status: %w", err)
		}

		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("marshaling sync status: %w", err)
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
