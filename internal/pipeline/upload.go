package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/fault"
)

// UploadExtensions lists the containers accepted for whole-file processing.
var UploadExtensions = []string{".wav", ".mp3", ".m4a", ".ogg", ".webm"}

type UploadRequest struct {
	Path        string
	SpeakerMode string
	SubjectSex  string
	Model       string
	// WhisperModel and Language select the recognition model file and
	// language, as in FinalizeRequest.
	WhisperModel string
	Language     string
	RecordName   string
}

// ProcessFile transcribes a complete recording. The file at req.Path belongs
// to the caller and is left in place.
func (p *Pipeline) ProcessFile(ctx context.Context, req UploadRequest) (FinalizeResult, error) {
	started := p.clock()
	ext := strings.ToLower(filepath.Ext(req.Path))
	if !slices.Contains(UploadExtensions, ext) {
		return FinalizeResult{}, fault.New(fault.InvalidInput, "process file", "unsupported format "+ext)
	}
	if _, err := os.Stat(req.Path); err != nil {
		return FinalizeResult{}, fault.Wrap(fault.AudioMissing, "process file", err)
	}
	recognition, err := p.recognition(req.WhisperModel, req.Language)
	if err != nil {
		return FinalizeResult{}, err
	}

	patient := p.patient(req.SubjectSex)
	name := req.RecordName
	if name == "" {
		name = patient.RecordName(p.clock())
	}
	sessionID := uuid.NewString()
	log := p.logger.With(slog.String("session_id", sessionID), slog.String("name", name))

	for _, dir := range []string{p.opts.Stream.WorkDir, p.opts.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return FinalizeResult{}, fmt.Errorf("create dir: %w", err)
		}
	}

	// Intermediate names are scoped by session; the record name only has
	// second resolution.
	cleanPath := p.workPath(sessionID + "_clean.wav")
	defer p.removeAll(cleanPath)
	asrInput := req.Path
	if outcome, err := p.deps.Normalizer.Normalize(ctx, req.Path, cleanPath, audio.ModeFull); err != nil {
		log.Warn("normalization failed, transcribing upload directly", slog.String("error", err.Error()))
	} else {
		asrInput = outcome.Path
	}
	audioSeconds := p.audioSeconds(asrInput, log)

	recognition.AudioPath = asrInput
	recognition.Persist = true
	recognition.OutputDir = p.opts.OutputDir
	recognition.OutputBase = sessionID
	res, err := p.deps.Recognizer.Transcribe(ctx, recognition)
	if err != nil {
		p.deps.Metrics.Finalize(ctx, "error", p.clock().Sub(started))
		return FinalizeResult{}, fmt.Errorf("transcribe upload: %w", err)
	}

	var captionPath string
	var duration *float64
	if res.CaptionPath != "" {
		captionPath, duration = p.captionDuration(ctx, []string{res.CaptionPath}, p.outputPath(name+".vtt"), log)
	}

	out := p.complete(ctx, completion{
		sessionID:    sessionID,
		source:       "upload",
		name:         name,
		text:         res.Text,
		lines:        res.Lines,
		speakerMode:  p.speakerMode(req.SpeakerMode),
		patient:      patient,
		model:        p.model(req.Model),
		captionPath:  captionPath,
		duration:     duration,
		audioSeconds: audioSeconds,
		started:      started,
	}, log)
	p.deps.Metrics.Finalize(ctx, "ok", p.clock().Sub(started))
	log.Info("upload processed", slog.String("record_id", out.RecordID), slog.Int("lines", len(res.Lines)))
	return out, nil
}
