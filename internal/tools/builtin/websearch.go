package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agentrun/internal/tools"
)

// SearchProvider is the pluggable backend for the websearch tool. The
// production provider lives outside the core; tests use a fake.
type SearchProvider interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// SearchResult is one entry returned by a provider.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// WebSearchTool wraps a SearchProvider as an orchestrator tool.
type WebSearchTool struct {
	provider SearchProvider
}

func NewWebSearchTool(provider SearchProvider) *tools.SimpleTool {
	t := &WebSearchTool{provider: provider}
	return &tools.SimpleTool{
		ID: "WebSearch",
		Table: []tools.Method{
			{
				Name:        "search",
				Description: "Search the web and return a list of results with titles, URLs and snippets.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{
							"type":        "string",
							"description": "The search query",
						},
						"max_results": map[string]any{
							"type":        "integer",
							"description": "Maximum number of results (default 5)",
						},
					},
					"required": []string{"query"},
				},
				Markup: &tools.MarkupSchema{
					Tag: "web_search",
					Params: []tools.MarkupParam{
						{Name: "query", Source: tools.SourceAttribute},
					},
					Example: `<web_search query="hotels in Valencia"/>`,
				},
				Handler: t.search,
			},
		},
	}
}

func (t *WebSearchTool) search(ctx context.Context, params map[string]any) (any, error) {
	query, _ := params["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query parameter is required")
	}
	if t.provider == nil {
		return nil, fmt.Errorf("no search provider configured")
	}
	maxResults := 5
	if n, ok := asInt(params["max_results"]); ok && n > 0 {
		maxResults = n
	}
	results, err := t.provider.Search(ctx, query, maxResults)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return map[string]any{"results": results}, nil
}
