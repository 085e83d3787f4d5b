package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/markdave123-py/Sitewise/internal/core/retrieval"
	"github.com/markdave123-py/Sitewise/internal/core/vectorize_engine"
	"github.com/markdave123-py/Sitewise/internal/models"
)

// MCPContext abstracts the context assembler for the MCP layer.
type MCPContext interface {
	BuildContext(ctx context.Context, req *retrieval.Request) (string, error)
}

type MCPIndexer interface {
	Rebuild(ctx context.Context, tenantID string) (*vectorize_engine.VectorizeStats, error)
}

// MCPDeps holds dependencies for the MCP server. One server is bound to a
// single tenant.
type MCPDeps struct {
	Tenant  *models.Tenant
	Context MCPContext
	Indexer MCPIndexer
}

// NewMCPServer exposes a tenant's site search and index rebuild as MCP tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"sitewise",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(fmt.Sprintf("sitewise: search and maintain the indexed content of %s.", deps.Tenant.Domain)),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_site_content",
			mcp.WithDescription("Semantically search the site's synced content and return the assembled context block."),
			mcp.WithString("query", mcp.Description("What to look for"), mcp.Required()),
			mcp.WithString("page_url", mcp.Description("Optional URL of the page the question is about")),
		),
		mcpSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("rebuild_index",
			mcp.WithDescription("Purge and re-embed the site's semantic index from stored content."),
		),
		mcpRebuild(deps),
	)

	return s
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil || query == "" {
			return mcpError("query is required"), nil
		}

		block, err := deps.Context.BuildContext(ctx, &retrieval.Request{
			TenantID:  deps.Tenant.ID,
			Namespace: deps.Tenant.Namespace(),
			Query:     query,
			PageURL:   req.GetString("page_url", ""),
			Modality:  models.ModalityText,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		return mcpText(block), nil
	}
}

func mcpRebuild(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stats, err := deps.Indexer.Rebuild(ctx, deps.Tenant.ID)
		if err != nil {
			return mcpError(fmt.Sprintf("rebuild failed: %v", err)), nil
		}
		b, err := json.Marshal(stats)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal stats: %v", err)), nil
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
