package llm

import (
	"context"
	"strings"
)

// MockGenerator answers from Respond, or echoes the prompt when Respond is
// nil. Calls records every request.
type MockGenerator struct {
	Respond func(Request) (string, error)
	Models  []string
	Calls   []Request
}

func NewMockGenerator() *MockGenerator { return &MockGenerator{Models: []string{"mock"}} }

func (m *MockGenerator) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.Calls = append(m.Calls, req)
	if m.Respond != nil {
		return m.Respond(req)
	}
	return "[mock completion for " + strings.TrimSpace(req.Prompt) + "]", nil
}

func (m *MockGenerator) ListModels(context.Context) ([]string, error) {
	return m.Models, nil
}
