package stt

import (
	"context"
)

// Request describes one recognition run over a canonical waveform.
type Request struct {
	AudioPath string
	// ModelPath and Language override the configured model and language
	// when set.
	ModelPath string
	Language  string
	// Persist keeps the .txt/.vtt outputs under OutputDir/OutputBase. When
	// false the outputs go to a disposable name next to the audio and are
	// removed before Transcribe returns.
	Persist    bool
	OutputDir  string
	OutputBase string
}

// Result captures recognizer output.
type Result struct {
	Text string
	// CaptionPath is set only when a caption track survived the call.
	CaptionPath string
	Lines       []string
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}
