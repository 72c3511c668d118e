package llm

import (
	"context"
	"time"
)

// Request describes one non-streaming completion.
type Request struct {
	Model       string
	Prompt      string
	Temperature float64
	// Timeout bounds the HTTP call. Zero leaves it to ctx.
	Timeout time.Duration
	// Purpose labels metrics ("speaker", "summary").
	Purpose string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	ListModels(ctx context.Context) ([]string, error)
}
