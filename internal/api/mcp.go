package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/llmq/internal/queue"
	"github.com/kalambet/llmq/internal/search"
	"github.com/kalambet/llmq/internal/vault"
)

const maxMCPResults = 50

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Jobs      search.Submitter // submits and awaits jobs
	Queue     JobService       // backs the queue resources
	VaultRoot string           // default vault for search_vault
	Model     string
	Logger    *slog.Logger
}

// NewMCPServer creates an MCP server with the llmq tools and resources
// registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"llmq",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("llmq: local LLM job queue with relevance-guided vault search."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_vault",
			mcp.WithDescription("Search a notes vault by walking its folders and asking the local model which notes answer the query."),
			mcp.WithString("query", mcp.Description("Natural-language question"), mcp.Required()),
			mcp.WithString("vault", mcp.Description("Vault root directory (defaults to the configured vault)")),
			mcp.WithNumber("max_depth", mcp.Description("Maximum folder depth to descend (default 6)")),
			mcp.WithNumber("max_results", mcp.Description("Maximum number of results (default 10)")),
		),
		mcpSearchVault(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_prompt",
			mcp.WithDescription("Run a prompt through the local model queue and return the completion."),
			mcp.WithString("prompt", mcp.Description("Prompt text"), mcp.Required()),
			mcp.WithString("model", mcp.Description("Model name (defaults to the configured model)")),
			mcp.WithNumber("priority", mcp.Description("Queue priority, lower runs first (default 1)")),
			mcp.WithNumber("timeout_seconds", mcp.Description("Hard timeout for the model call")),
		),
		mcpSubmitPrompt(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"queue://stats",
			"Queue Stats",
			mcp.WithResourceDescription("Job counts per status"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"queue://recent",
			"Recent Jobs",
			mcp.WithResourceDescription("Last 10 jobs with prompt previews"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSearchVault(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		root := req.GetString("vault", deps.VaultRoot)
		if root == "" {
			return mcpError("vault is required: no default vault configured"), nil
		}

		maxDepth := req.GetInt("max_depth", search.DefaultMaxDepth)
		if maxDepth < 0 {
			maxDepth = search.DefaultMaxDepth
		}
		maxResults := req.GetInt("max_results", search.DefaultMaxResults)
		if maxResults <= 0 {
			maxResults = search.DefaultMaxResults
		}
		if maxResults > maxMCPResults {
			maxResults = maxMCPResults
		}

		ix, err := vault.BuildIndex(root)
		if err != nil {
			return mcpError(fmt.Sprintf("indexing vault: %v", err)), nil
		}

		agent := search.New(deps.Jobs, search.Options{
			Model:      deps.Model,
			MaxDepth:   maxDepth,
			MaxResults: maxResults,
			Logger:     deps.Logger,
		})
		report, err := agent.Search(ctx, query, ix)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if report.Results == nil {
			report.Results = []search.Result{}
		}

		b, err := json.Marshal(report)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSubmitPrompt(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		h, err := deps.Jobs.Submit(ctx, queue.Request{
			Name:     "mcp-prompt",
			Source:   "mcp",
			Prompt:   prompt,
			Model:    req.GetString("model", deps.Model),
			Priority: req.GetInt("priority", DefaultPriority),
			Timeout:  time.Duration(req.GetInt("timeout_seconds", 0)) * time.Second,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to submit: %v", err)), nil
		}

		text, err := h.Await(ctx)
		var jobErr *queue.JobError
		switch {
		case errors.As(err, &jobErr):
			return mcpError(fmt.Sprintf("job %s failed (%s): %s", h.ID, jobErr.Kind, jobErr.Message)), nil
		case err != nil:
			return mcpError(fmt.Sprintf("waiting for job %s: %v", h.ID, err)), nil
		}
		return mcpText(text), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		counts, err := deps.Queue.Stats()
		if err != nil {
			return nil, fmt.Errorf("failed to count jobs: %w", err)
		}
		return jsonResource(req.Params.URI, statsView(counts))
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jobs, err := deps.Queue.Jobs("", 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list recent jobs: %w", err)
		}

		views := make([]JobView, len(jobs))
		for i, j := range jobs {
			views[i] = newJobView(j, false)
		}
		return jsonResource(req.Params.URI, views)
	}
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", uri, err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}, nil
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
