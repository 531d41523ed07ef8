package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// MockClient is a deterministic in-process Client for tests and local wiring
// without an upstream model.
type MockClient struct {
	mu sync.Mutex

	ModelName string

	// TextResponse is returned by GenerateText and streamed by StreamText.
	TextResponse string
	// JSONResponse is returned by GenerateJSON when set.
	JSONResponse map[string]any
	// Err, when set, fails every call.
	Err error

	// Calls records the user content of each request, in order.
	Calls []string
}

func NewMockClient() *MockClient {
	return &MockClient{ModelName: "mock-model", TextResponse: "ok"}
}

func (m *MockClient) Model() string {
	if m.ModelName == "" {
		return "mock-model"
	}
	return m.ModelName
}

func (m *MockClient) record(messages []Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range messages {
		if msg.Role == "user" {
			m.Calls = append(m.Calls, msg.Content)
		}
	}
}

func (m *MockClient) GenerateText(ctx context.Context, messages []Message, _ GenerateOptions) (string, Usage, error) {
	if err := ctx.Err(); err != nil {
		return "", Usage{}, err
	}
	if m.Err != nil {
		return "", Usage{}, m.Err
	}
	m.record(messages)
	return m.TextResponse, Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, nil
}

func (m *MockClient) StreamText(ctx context.Context, messages []Message, _ GenerateOptions, onDelta func(string)) (string, Usage, error) {
	if err := ctx.Err(); err != nil {
		return "", Usage{}, err
	}
	if m.Err != nil {
		return "", Usage{}, m.Err
	}
	m.record(messages)
	// Emit word-sized deltas so stream consumers see more than one frame.
	rest := m.TextResponse
	for len(rest) > 0 {
		n := len(rest)
		if n > 8 {
			n = 8
		}
		if onDelta != nil {
			onDelta(rest[:n])
		}
		rest = rest[n:]
	}
	return m.TextResponse, Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, nil
}

func (m *MockClient) GenerateJSON(ctx context.Context, system, user, _ string, _ map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}
	m.record([]Message{{Role: "user", Content: user}})
	if m.JSONResponse != nil {
		return m.JSONResponse, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(m.TextResponse), &out); err != nil {
		return nil, errors.New("llm: mock has no json response configured")
	}
	return out, nil
}
