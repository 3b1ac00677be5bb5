package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RetryConfig bounds the backoff applied to transient provider failures.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first; default 3
	BaseDelay   time.Duration // default 500ms, doubled per attempt
	MaxDelay    time.Duration // default 8s
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 8 * time.Second
	}
	return c
}

// RetryClient wraps a Client with bounded exponential backoff for
// transient failures. Validation failures (4xx) are never retried.
type RetryClient struct {
	inner Client
	cfg   RetryConfig
}

func NewRetryClient(inner Client, cfg RetryConfig) *RetryClient {
	return &RetryClient{inner: inner, cfg: cfg.withDefaults()}
}

func (c *RetryClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	delay := c.cfg.BaseDelay
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		resp, err := c.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == c.cfg.MaxAttempts {
			break
		}
		slog.Warn("llm call failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, c.cfg.MaxDelay)
	}
	return nil, lastErr
}

// Stream retries only the initial connection; an established stream
// that fails mid-flight surfaces its error chunk to the consumer.
func (c *RetryClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	var lastErr error
	delay := c.cfg.BaseDelay
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		ch, err := c.inner.Stream(ctx, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == c.cfg.MaxAttempts {
			break
		}
		slog.Warn("llm stream open failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, c.cfg.MaxDelay)
	}
	return nil, lastErr
}

func isRetryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	// Timeouts and transport failures are transient.
	return true
}
