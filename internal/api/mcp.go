package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/fieldsync/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Sync    Syncer
	Version string
}

// NewMCPServer creates an MCP server exposing the sync control tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"fieldsync",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("fieldsync: offline-first sync engine for field data. Inspect sync state and trigger download or upload phases."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("sync_status",
			mcp.WithDescription("Report connectivity, running phases, last successful download, last error and pending queue counts."),
		),
		mcpSyncStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_download",
			mcp.WithDescription("Download every reference category from the server, replacing the local copies."),
		),
		mcpSyncDownload(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_upload",
			mcp.WithDescription("Send every pending or failed queue entry to the server."),
		),
		mcpSyncUpload(deps),
	)

	s.AddTool(
		mcp.NewTool("pending_count",
			mcp.WithDescription("Count pending entries per outbound queue."),
			mcp.WithString("queue", mcp.Description("Optional queue name (sessoes, registros, fotos, rotas)")),
		),
		mcpPendingCount(deps),
	)

	return s
}

func mcpSyncStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		report, err := deps.Sync.Status()
		if err != nil {
			return mcpError(fmt.Sprintf("reading status failed: %v", err)), nil
		}
		return mcpJSON(report)
	}
}

func mcpSyncDownload(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Sync.Pull(ctx))
	}
}

func mcpSyncUpload(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(deps.Sync.Push(ctx))
	}
}

func mcpPendingCount(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		counts, err := deps.Sync.PendingCounts()
		if err != nil {
			return mcpError(fmt.Sprintf("counting pending entries failed: %v", err)), nil
		}

		switch queue := req.GetString("queue", ""); queue {
		case "":
			return mcpJSON(counts)
		case storage.QueueSessions:
			return mcpText(fmt.Sprintf("%d", counts.Sessions)), nil
		case storage.QueueRecords:
			return mcpText(fmt.Sprintf("%d", counts.Records)), nil
		case storage.QueuePhotos:
			return mcpText(fmt.Sprintf("%d", counts.Photos)), nil
		case storage.QueueRoutes:
			return mcpText(fmt.Sprintf("%d", counts.Routes)), nil
		default:
			return mcpError(fmt.Sprintf("unknown queue %q", queue)), nil
		}
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
