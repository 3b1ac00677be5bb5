package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const defaultCallTimeout = 120 * time.Second

// OpenAIConfig configures the OpenAI-compatible client. Any provider
// speaking the chat-completions wire format works (OpenAI, compatible
// gateways, local servers).
type OpenAIConfig struct {
	BaseURL     string        // e.g. "https://api.openai.com/v1"
	APIKey      string
	Model       string
	CallTimeout time.Duration // per-call timeout; default 120s
	// RequestsPerSecond throttles outbound calls; 0 = unlimited.
	RequestsPerSecond float64
}

// OpenAIClient implements Client over the chat-completions API.
type OpenAIClient struct {
	cfg     OpenAIConfig
	http    *http.Client
	limiter *rate.Limiter
}

func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &OpenAIClient{
		cfg:     cfg,
		http:    &http.Client{}, // per-call timeout via context
		limiter: limiter,
	}
}

// --- Wire types ---

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireRequest struct {
	Model          string         `json:"model"`
	Messages       []wireMessage  `json:"messages"`
	Tools          []wireTool     `json:"tools,omitempty"`
	Stream         bool           `json:"stream,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function any    `json:"function"`
}

func (c *OpenAIClient) buildRequest(req Request, stream bool) wireRequest {
	wr := wireRequest{
		Model:     c.cfg.Model,
		Stream:    stream,
		MaxTokens: req.MaxTokens,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		wr.Temperature = &t
	}
	if req.JSONMode {
		wr.ResponseFormat = map[string]any{"type": "json_object"}
	}
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.ID = tc.ID
			wtc.Type = "function"
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = tc.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		wr.Messages = append(wr.Messages, wm)
	}
	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireTool{Type: "function", Function: t})
	}
	return wr
}

func (c *OpenAIClient) post(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(c.buildRequest(req, stream))
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, &HTTPError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return resp, nil
}

// Complete performs a blocking chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, span := otel.Tracer("agentrun/llm").Start(ctx, "llm.complete")
	span.SetAttributes(attribute.String("llm.model", c.cfg.Model))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	resp, err := c.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed struct {
		Choices []struct {
			Message struct {
				Content   string         `json:"content"`
				ToolCalls []wireToolCall `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm returned no choices")
	}
	choice := parsed.Choices[0]
	out := &Response{Content: choice.Message.Content, FinishReason: choice.FinishReason}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// Stream performs a streaming chat completion, decoding SSE frames into
// Chunk values.
func (c *OpenAIClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	ctx, span := otel.Tracer("agentrun/llm").Start(ctx, "llm.stream")
	span.SetAttributes(attribute.String("llm.model", c.cfg.Model))

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)

	resp, err := c.post(ctx, req, true)
	if err != nil {
		cancel()
		span.End()
		return nil, err
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer cancel()
		defer span.End()
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			if payload == "[DONE]" {
				return
			}

			chunk, ok := decodeStreamPayload(payload)
			if !ok {
				continue
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case out <- Chunk{Err: fmt.Errorf("read stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func decodeStreamPayload(payload string) (Chunk, bool) {
	var parsed struct {
		Choices []struct {
			Delta struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					Index    int    `json:"index"`
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		slog.Debug("undecodable stream chunk", "error", err)
		return Chunk{}, false
	}
	if len(parsed.Choices) == 0 {
		return Chunk{}, false
	}
	choice := parsed.Choices[0]
	chunk := Chunk{Content: choice.Delta.Content}
	if choice.FinishReason != nil {
		chunk.FinishReason = *choice.FinishReason
	}
	for _, tc := range choice.Delta.ToolCalls {
		chunk.ToolCalls = append(chunk.ToolCalls, ToolCallDelta{
			Index:     tc.Index,
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return chunk, true
}

// HTTPError is a non-200 provider response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("llm provider returned %d: %s", e.Status, e.Body)
}

// Retryable reports whether the failure is transient: rate limits and
// server-side errors are; 4xx validation failures are not.
func (e *HTTPError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}
