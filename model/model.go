package model

import (
	"context"
	"errors"
	"sync"
)

// ErrEmptyPrompt is returned when a request carries no prompt text.
var ErrEmptyPrompt = errors.New("model: empty prompt")

// Request is a single-shot generation request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int64
	Temperature float64
}

// Usage reports token accounting when the provider supplies it.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Response is the completed generation.
type Response struct {
	Text         string
	FinishReason string
	Usage        Usage
}

// Info describes a model instance.
type Info struct {
	Name     string
	Provider string
}

// Model generates text completions.
type Model interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Info() Info
}

// MockModel is a scripted Model for tests. Responses are returned in order;
// once exhausted the last one repeats.
type MockModel struct {
	mu        sync.Mutex
	Responses []Response
	Err       error
	requests  []Request
}

// NewMockModel returns a MockModel answering with the given texts.
func NewMockModel(texts ...string) *MockModel {
	m := &MockModel{}
	for _, t := range texts {
		m.Responses = append(m.Responses, Response{Text: t, FinishReason: "stop"})
	}
	return m
}

// Generate implements Model.
func (m *MockModel) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if req.Prompt == "" {
		return Response{}, ErrEmptyPrompt
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := len(m.requests)
	m.requests = append(m.requests, req)

	if m.Err != nil {
		return Response{}, m.Err
	}
	if len(m.Responses) == 0 {
		return Response{Text: "", FinishReason: "stop"}, nil
	}
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	return m.Responses[idx], nil
}

// Info implements Model.
func (m *MockModel) Info() Info {
	return Info{Name: "mock", Provider: "mock"}
}

// Requests returns a copy of the requests seen so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}
