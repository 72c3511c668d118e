// Package dialog labels transcript lines with speaker roles and produces
// the clinical summary, both through the language model.
package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/llm"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type SpeakerMode string

const (
	SpeakerLLM     SpeakerMode = "llm"
	SpeakerOff     SpeakerMode = "off"
	SpeakerUnknown SpeakerMode = "unknown"

	UnknownLabel = "Unknown"
	// ErrorLabelPrefix marks a line whose speaker could not be determined
	// because the model call failed.
	ErrorLabelPrefix = "error: "
)

// ParseSpeakerMode maps free-form input to a mode, defaulting to llm.
func ParseSpeakerMode(s string) SpeakerMode {
	switch SpeakerMode(strings.ToLower(strings.TrimSpace(s))) {
	case SpeakerOff:
		return SpeakerOff
	case SpeakerUnknown:
		return SpeakerUnknown
	default:
		return SpeakerLLM
	}
}

type LabelerOptions struct {
	Roles       [2]string
	Temperature float64
	Timeout     time.Duration
}

// Labeler assigns one of two roles to each transcript line.
type Labeler struct {
	gen     llm.Generator
	prompts *Prompts
	opts    LabelerOptions
	logger  *slog.Logger
}

func NewLabeler(gen llm.Generator, prompts *Prompts, opts LabelerOptions, logger *slog.Logger) *Labeler {
	return &Labeler{gen: gen, prompts: prompts, opts: opts, logger: logger.With(slog.String("component", "speakers"))}
}

// Label renders lines as "<speaker>: <line>" according to mode. Off returns
// the lines untouched.
func (l *Labeler) Label(ctx context.Context, lines []string, mode SpeakerMode, model string) []string {
	switch mode {
	case SpeakerOff:
		return append([]string(nil), lines...)
	case SpeakerUnknown:
		out := make([]string, len(lines))
		for i, line := range lines {
			out[i] = UnknownLabel + ": " + line
		}
		return out
	}
	return l.Assign(ctx, lines, model)
}

// Assign asks the model for the speaker of every line, giving it the line
// before as context. A reply naming neither role alternates from the last
// speaker; a failed call labels the line with ErrorLabelPrefix and the
// failure instead of a role.
func (l *Labeler) Assign(ctx context.Context, lines []string, model string) []string {
	lower := cases.Lower(language.Und)
	first, second := l.opts.Roles[0], l.opts.Roles[1]
	firstKey, secondKey := lower.String(first), lower.String(second)

	out := make([]string, 0, len(lines))
	last := ""
	failures := 0
	for i, line := range lines {
		previous := ""
		if i > 0 {
			previous = lines[i-1]
		}

		speaker, err := l.classify(ctx, previous, line, model, firstKey, secondKey)
		if err != nil {
			failures++
			speaker = ErrorLabelPrefix + err.Error()
		} else if speaker == "" {
			if last == second {
				speaker = first
			} else {
				speaker = second
			}
		}
		last = speaker
		out = append(out, speaker+": "+line)
	}
	if failures > 0 {
		l.logger.Warn("speaker assignment incomplete", slog.Int("lines", len(lines)), slog.Int("failed", failures))
	}
	return out
}

// classify returns the matching role, or "" when the reply names neither.
func (l *Labeler) classify(ctx context.Context, previous, line, model, firstKey, secondKey string) (string, error) {
	prompt, err := l.prompts.speakerPrompt(l.opts.Roles[:], previous, line)
	if err != nil {
		return "", err
	}
	reply, err := l.gen.Generate(ctx, llm.Request{
		Model:       model,
		Prompt:      prompt,
		Temperature: l.opts.Temperature,
		Timeout:     l.opts.Timeout,
		Purpose:     "speaker",
	})
	if err != nil {
		return "", fmt.Errorf("speaker call: %w", err)
	}
	low := cases.Lower(language.Und).String(reply)
	switch {
	case strings.Contains(low, firstKey):
		return l.opts.Roles[0], nil
	case strings.Contains(low, secondKey):
		return l.opts.Roles[1], nil
	}
	return "", nil
}
