package llm

import (
	"context"
	"sync"
)

// MockProvider is a test double for Provider. Responses are replayed in
// order; once exhausted the last one repeats. Err, when set, is returned
// for every call.
type MockProvider struct {
	mu        sync.Mutex
	Responses []string
	Err       error
	// Respond, when set, computes the reply from the request and wins
	// over Responses.
	Respond func(req CompletionRequest) (string, error)
	Calls   []CompletionRequest
}

// NewMock returns a MockProvider replaying responses.
func NewMock(responses ...string) *MockProvider {
	return &MockProvider{Responses: responses}
}

func (m *MockProvider) Name() string { return "mock" }

// Complete records the call and returns the next scripted response.
func (m *MockProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, req)

	if m.Err != nil {
		return nil, m.Err
	}
	if m.Respond != nil {
		content, err := m.Respond(req)
		if err != nil {
			return nil, err
		}
		return &CompletionResponse{Content: content, Model: "mock", StopReason: "end_turn"}, nil
	}
	if len(m.Responses) == 0 {
		return nil, ErrEmptyResponse
	}
	idx := len(m.Calls) - 1
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return &CompletionResponse{Content: m.Responses[idx], Model: "mock", StopReason: "end_turn"}, nil
}

// CallCount returns the number of Complete calls so far.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
