package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/fault"
	"github.com/loqalabs/loqa-scribe/internal/metrics"
	"github.com/tidwall/gjson"
)

const (
	maxResponseBytes = 4 << 20
	listTimeout      = 8 * time.Second
)

type ollamaGenerator struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// NewOllamaGenerator talks to an Ollama or LM Studio style generate endpoint,
// e.g. http://localhost:11434/api/generate.
func NewOllamaGenerator(endpoint string, client *http.Client, logger *slog.Logger, rec *metrics.Recorder) Generator {
	if client == nil {
		client = http.DefaultClient
	}
	return &ollamaGenerator{
		endpoint: endpoint,
		client:   client,
		logger:   logger.With(slog.String("component", "llm")),
		metrics:  rec,
	}
}

type generateRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Stream      bool    `json:"stream"`
	Temperature float64 `json:"temperature"`
}

func (g *ollamaGenerator) Generate(ctx context.Context, req Request) (string, error) {
	text, err := g.generate(ctx, req)
	status := "ok"
	if err != nil {
		status = "failed"
		g.logger.Warn("language model call failed", slog.String("purpose", req.Purpose), slog.String("model", req.Model), slog.String("error", err.Error()))
	}
	g.metrics.LLMCall(ctx, req.Purpose, status)
	return text, err
}

func (g *ollamaGenerator) generate(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:       req.Model,
		Prompt:      req.Prompt,
		Stream:      false,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", err
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fault.Wrap(fault.RemoteCallFailed, "generate", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", &fault.Error{Code: fault.RemoteCallFailed, Op: "generate", Message: "connection failed", Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &fault.Error{Code: fault.RemoteCallFailed, Op: "generate", Message: "read response", Cause: err}
	}
	if !gjson.ValidBytes(raw) {
		return "", fault.New(fault.RemoteCallFailed, "generate",
			fmt.Sprintf("invalid JSON response (HTTP %d): %s", resp.StatusCode, snippet(string(raw))))
	}
	if resp.StatusCode >= 400 {
		return "", fault.New(fault.RemoteCallFailed, "generate",
			fmt.Sprintf("HTTP %d: %s", resp.StatusCode, errorMessage(raw)))
	}
	text, ok := ExtractText(raw)
	if !ok {
		return "", fault.New(fault.RemoteCallFailed, "generate",
			"unexpected response format: "+snippet(string(raw)))
	}
	return text, nil
}

// BaseURL strips the API path from a generate endpoint.
func BaseURL(endpoint string) string {
	if i := strings.Index(endpoint, "/api/"); i >= 0 {
		return endpoint[:i]
	}
	return strings.TrimRight(endpoint, "/")
}

// ListModels asks the server for its installed models via /api/tags.
func (g *ollamaGenerator) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, BaseURL(g.endpoint)+"/api/tags", nil)
	if err != nil {
		return nil, fault.Wrap(fault.RemoteCallFailed, "list models", err)
	}
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(fault.RemoteCallFailed, "list models", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fault.New(fault.RemoteCallFailed, "list models", "HTTP "+resp.Status)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fault.Wrap(fault.RemoteCallFailed, "list models", err)
	}

	var names []string
	for _, name := range gjson.GetBytes(raw, "models.#.name").Array() {
		if name.Type != gjson.String {
			continue
		}
		if s := strings.TrimSpace(name.Str); s != "" {
			names = append(names, s)
		}
	}
	return names, nil
}
