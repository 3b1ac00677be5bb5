package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/tools"
)

const (
	maxHTTPBodyBytes   = 1 << 20 // 1 MB
	defaultHTTPTimeout = 30 * time.Second
)

// HTTPRequestTool fetches URLs on behalf of the model.
type HTTPRequestTool struct {
	client *http.Client
}

func NewHTTPRequestTool() *tools.SimpleTool {
	t := &HTTPRequestTool{client: &http.Client{Timeout: defaultHTTPTimeout}}
	return &tools.SimpleTool{
		ID: "Http",
		Table: []tools.Method{
			{
				Name:        "request",
				Description: "Perform an HTTP GET or POST request and return status and body (truncated to 1 MB).",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"url": map[string]any{
							"type":        "string",
							"description": "Absolute http(s) URL",
						},
						"method": map[string]any{
							"type": "string",
							"enum": []string{"GET", "POST"},
						},
						"body": map[string]any{
							"type":        "string",
							"description": "Request body (POST only)",
						},
						"content_type": map[string]any{
							"type":        "string",
							"description": "Content-Type header for POST (default application/json)",
						},
					},
					"required": []string{"url"},
				},
				Markup: &tools.MarkupSchema{
					Tag: "http_request",
					Params: []tools.MarkupParam{
						{Name: "url", Source: tools.SourceAttribute},
						{Name: "method", Source: tools.SourceAttribute},
						{Name: "body", Source: tools.SourceContent},
					},
					Example: `<http_request url="https://example.com" method="GET"/>`,
				},
				Handler: t.request,
			},
		},
	}
}

func (t *HTTPRequestTool) request(ctx context.Context, params map[string]any) (any, error) {
	rawURL, _ := params["url"].(string)
	if rawURL == "" {
		return nil, fmt.Errorf("url parameter is required")
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, fmt.Errorf("url must be absolute http(s), got %q", rawURL)
	}

	method, _ := params["method"].(string)
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("unsupported method %q", method)
	}

	var bodyReader io.Reader
	if body, _ := params["body"].(string); body != "" && method == http.MethodPost {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if method == http.MethodPost {
		ct, _ := params["content_type"].(string)
		if ct == "" {
			ct = "application/json"
		}
		req.Header.Set("Content-Type", ct)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return map[string]any{
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"body":         string(body),
	}, nil
}
