package stt

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
)

type mockRecognizer struct {
	mu      sync.Mutex
	scripts []string
	calls   int
}

// NewMockRecognizer returns the scripted texts in order, one per call. Once
// exhausted it describes the audio file it was given.
func NewMockRecognizer(scripts ...string) Recognizer {
	return &mockRecognizer{scripts: scripts}
}

func (m *mockRecognizer) Transcribe(_ context.Context, req Request) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var text string
	if m.calls < len(m.scripts) {
		text = m.scripts[m.calls]
	} else {
		mode := "live"
		if req.Persist {
			mode = "final"
		}
		text = fmt.Sprintf("[%s transcript of %s]", mode, filepath.Base(req.AudioPath))
	}
	m.calls++
	return Result{Text: text, Lines: splitLines(text)}, nil
}
