package provider

import (
	"context"
	"sync"
)

// MockClient is a configurable Client for tests. The zero value answers
// every call with empty content; set CompleteFunc to script responses.
type MockClient struct {
	ClientName   string
	Model        string
	CompleteFunc func(ctx context.Context, req Request) (Response, error)
	HealthyFunc  func(ctx context.Context) bool

	mu    sync.Mutex
	calls []Request
}

// Complete implements Client.
func (m *MockClient) Complete(ctx context.Context, req Request) (Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return Response{Provider: m.Name(), Model: m.ModelName()}, nil
}

// Healthy implements Client.
func (m *MockClient) Healthy(ctx context.Context) bool {
	if m.HealthyFunc != nil {
		return m.HealthyFunc(ctx)
	}
	return true
}

// Name implements Client.
func (m *MockClient) Name() string {
	if m.ClientName == "" {
		return "mock"
	}
	return m.ClientName
}

// ModelName implements Client.
func (m *MockClient) ModelName() string {
	if m.Model == "" {
		return "mock-model"
	}
	return m.Model
}

// Calls returns a copy of the requests seen so far.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}
