package dialog

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/llm"
)

const (
	// SummaryErrorPrefix starts every summary that is a diagnostic rather
	// than model output. Callers check for it instead of an error value.
	SummaryErrorPrefix = "summary failed: "
	// NoSpeechNotice is returned for an empty dialog without calling the
	// model.
	NoSpeechNotice = "No speech detected in the recording."
)

type SummarizerOptions struct {
	Temperature float64
	Timeout     time.Duration
}

type Summarizer struct {
	gen     llm.Generator
	prompts *Prompts
	opts    SummarizerOptions
	logger  *slog.Logger
}

func NewSummarizer(gen llm.Generator, prompts *Prompts, opts SummarizerOptions, logger *slog.Logger) *Summarizer {
	return &Summarizer{gen: gen, prompts: prompts, opts: opts, logger: logger.With(slog.String("component", "summary"))}
}

// Summarize never fails: on any error it returns SummaryErrorPrefix followed
// by the cause.
func (s *Summarizer) Summarize(ctx context.Context, dialog, sex, model string) string {
	if strings.TrimSpace(dialog) == "" {
		return NoSpeechNotice
	}
	prompt, err := s.prompts.summaryPrompt(dialog, sex)
	if err != nil {
		return SummaryErrorPrefix + err.Error()
	}
	text, err := s.gen.Generate(ctx, llm.Request{
		Model:       model,
		Prompt:      prompt,
		Temperature: s.opts.Temperature,
		Timeout:     s.opts.Timeout,
		Purpose:     "summary",
	})
	if err != nil {
		s.logger.Warn("summary unavailable", slog.String("model", model), slog.String("error", err.Error()))
		return SummaryErrorPrefix + err.Error()
	}
	return strings.TrimSpace(text)
}

// IsSummaryError reports whether summary is a diagnostic.
func IsSummaryError(summary string) bool {
	return strings.HasPrefix(summary, SummaryErrorPrefix)
}
