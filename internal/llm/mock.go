package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockClient replays scripted responses in order. Used by tests and by
// the plan subcommand's dry-run mode.
type MockClient struct {
	mu        sync.Mutex
	responses []*Response
	streams   [][]Chunk
	calls     int
	requests  []Request
}

func NewMockClient() *MockClient { return &MockClient{} }

// QueueResponse appends a scripted non-streaming response.
func (m *MockClient) QueueResponse(r *Response) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, r)
	return m
}

// QueueContent is shorthand for a plain-text completion.
func (m *MockClient) QueueContent(content string) *MockClient {
	return m.QueueResponse(&Response{Content: content, FinishReason: FinishStop})
}

// QueueStream appends a scripted chunk sequence for the next Stream call.
func (m *MockClient) QueueStream(chunks ...Chunk) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, chunks)
	return m
}

// Calls reports how many Complete/Stream calls were made.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Requests returns the recorded requests in call order.
func (m *MockClient) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *MockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.requests = append(m.requests, req)
	if len(m.responses) == 0 {
		return nil, fmt.Errorf("mock llm: no scripted response for call %d", m.calls)
	}
	r := m.responses[0]
	m.responses = m.responses[1:]
	return r, nil
}

func (m *MockClient) Stream(ctx context.Context, req Request) (<-chan Chunk, error) {
	m.mu.Lock()
	m.calls++
	m.requests = append(m.requests, req)
	if len(m.streams) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("mock llm: no scripted stream for call %d", m.calls)
	}
	chunks := m.streams[0]
	m.streams = m.streams[1:]
	m.mu.Unlock()

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for _, c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
