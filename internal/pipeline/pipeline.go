// Package pipeline assembles live transcripts from overlapping audio chunks
// and reconciles them with a final pass over the whole recording.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/dialog"
	"github.com/loqalabs/loqa-scribe/internal/fault"
	"github.com/loqalabs/loqa-scribe/internal/gdt"
	"github.com/loqalabs/loqa-scribe/internal/metrics"
	"github.com/loqalabs/loqa-scribe/internal/records"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// Normalizer is the subset of *audio.Normalizer the pipeline drives.
type Normalizer interface {
	Normalize(ctx context.Context, in, out string, mode audio.Mode) (audio.Outcome, error)
	Trim(ctx context.Context, in, out string, offset time.Duration) error
	Concat(ctx context.Context, inputs []string, listPath, out string) error
	Resample(ctx context.Context, in, out string) error
}

type SpeakerLabeler interface {
	Label(ctx context.Context, lines []string, mode dialog.SpeakerMode, model string) []string
}

type Summarizer interface {
	Summarize(ctx context.Context, dialogText, sex, model string) string
}

// Publisher receives transcript updates. *bus.Client satisfies it and a nil
// client discards them.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

type RecordStore interface {
	AppendSession(ctx context.Context, sessionID, source string) error
	AppendEvent(ctx context.Context, evt records.Event) error
	SaveRecord(ctx context.Context, rec records.Record) error
	UpdateSummary(ctx context.Context, id, summary string) (records.Record, error)
	DeleteRecord(ctx context.Context, id string) (records.Record, error)
}

// Deps are the collaborators of a Pipeline. Labeler, Summarizer, Terms,
// Records, Bus and Metrics may be nil.
type Deps struct {
	Sessions   *session.Store
	Normalizer Normalizer
	Recognizer stt.Recognizer
	Labeler    SpeakerLabeler
	Summarizer Summarizer
	Terms      *transcript.TermCorrector
	Records    RecordStore
	Bus        Publisher
	Metrics    *metrics.Recorder
	// AudioInfo reads a waveform header. Nil uses audio.Probe.
	AudioInfo func(path string) (audio.Info, error)
}

type Options struct {
	Stream       config.StreamConfig
	OutputDir    string
	ModelsDir    string
	MaxParallel  int
	DefaultModel string
	SpeakerMode  dialog.SpeakerMode
	GDTPath      string
	RemoveGDT    bool
}

// OptionsFromConfig collects the pipeline settings spread across cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Stream:       cfg.Stream,
		OutputDir:    cfg.Records.OutputDir,
		ModelsDir:    stt.ModelsDir(cfg.STT),
		MaxParallel:  cfg.Audio.MaxParallel,
		DefaultModel: cfg.LLM.DefaultModel,
		SpeakerMode:  dialog.ParseSpeakerMode(cfg.Dialog.SpeakerMode),
		GDTPath:      cfg.GDT.Path,
		RemoveGDT:    cfg.GDT.RemoveOnUse,
	}
}

type Pipeline struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	clock  func() time.Time
}

func New(deps Deps, opts Options, logger *slog.Logger) *Pipeline {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	if opts.SpeakerMode == "" {
		opts.SpeakerMode = dialog.SpeakerLLM
	}
	if deps.AudioInfo == nil {
		deps.AudioInfo = audio.Probe
	}
	return &Pipeline{
		deps:   deps,
		opts:   opts,
		logger: logger.With(slog.String("component", "pipeline")),
		clock:  time.Now,
	}
}

// Sessions exposes the session store, e.g. for the active-session gauge.
func (p *Pipeline) Sessions() *session.Store { return p.deps.Sessions }

func (p *Pipeline) chunkParams() transcript.MergeParams {
	return transcript.MergeParams{Lookback: p.opts.Stream.ChunkLookback, MinOverlap: p.opts.Stream.ChunkMinOverlap}
}

func (p *Pipeline) finalParams() transcript.MergeParams {
	return transcript.MergeParams{Lookback: p.opts.Stream.FinalLookback, MinOverlap: p.opts.Stream.FinalMinOverlap}
}

// extension maps a declared container type onto the allow-list, falling back
// to the default extension.
func (p *Pipeline) extension(declared string) string {
	ext := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(declared), "."))
	for _, allowed := range p.opts.Stream.AllowedExtensions {
		if ext == allowed {
			return ext
		}
	}
	if p.opts.Stream.DefaultExtension != "" {
		return p.opts.Stream.DefaultExtension
	}
	return "webm"
}

func (p *Pipeline) model(requested string) string {
	if m := strings.TrimSpace(requested); m != "" {
		return m
	}
	return p.opts.DefaultModel
}

// recognition resolves a requested whisper model name and language. Empty
// values keep the recognizer's configured defaults.
func (p *Pipeline) recognition(model, language string) (stt.Request, error) {
	var req stt.Request
	if name := strings.TrimSpace(model); name != "" {
		path, err := stt.ResolveModel(p.opts.ModelsDir, name)
		if err != nil {
			return stt.Request{}, err
		}
		req.ModelPath = path
	}
	if lang := strings.TrimSpace(language); lang != "" {
		if !stt.ValidLanguage(lang) {
			return stt.Request{}, fault.New(fault.InvalidInput, "recognition", "invalid language "+lang)
		}
		req.Language = lang
	}
	return req, nil
}

// WhisperModels lists the model files a request may select.
func (p *Pipeline) WhisperModels() ([]string, error) {
	return stt.ListModels(p.opts.ModelsDir)
}

// audioSeconds reads the length of the waveform at path. An unreadable
// header only costs the figure.
func (p *Pipeline) audioSeconds(path string, log *slog.Logger) *float64 {
	info, err := p.deps.AudioInfo(path)
	if err != nil {
		log.Debug("audio length unavailable", slog.String("path", path), slog.String("error", err.Error()))
		return nil
	}
	seconds := round1(info.Duration.Seconds())
	log.Info("audio prepared",
		slog.Float64("audio_seconds", seconds),
		slog.Int("sample_rate", info.SampleRate),
		slog.Int("channels", info.Channels))
	return &seconds
}

func (p *Pipeline) speakerMode(requested string) dialog.SpeakerMode {
	if strings.TrimSpace(requested) == "" {
		return p.opts.SpeakerMode
	}
	return dialog.ParseSpeakerMode(requested)
}

// patient reads the practice system's patient file. Callers override the sex
// when they supply one.
func (p *Pipeline) patient(sex string) gdt.Patient {
	pat := gdt.ReadOrUnknown(p.opts.GDTPath)
	if s := strings.TrimSpace(sex); s != "" {
		pat.Sex = s
	}
	return pat
}

func (p *Pipeline) consumePatientFile() {
	if !p.opts.RemoveGDT || p.opts.GDTPath == "" {
		return
	}
	if err := os.Remove(p.opts.GDTPath); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("failed to remove patient file", slog.String("path", p.opts.GDTPath), slog.String("error", err.Error()))
	}
}

func (p *Pipeline) publish(subject string, v any) {
	if p.deps.Bus == nil {
		return
	}
	_ = p.deps.Bus.PublishJSON(subject, v)
}

func (p *Pipeline) event(ctx context.Context, sessionID, typ string, payload any) {
	if p.deps.Records == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := p.deps.Records.AppendEvent(ctx, records.Event{SessionID: sessionID, Type: typ, Payload: data}); err != nil {
		p.logger.Warn("failed to record event", slog.String("session_id", sessionID), slog.String("type", typ), slog.String("error", err.Error()))
	}
}

// removeAll deletes files best-effort. Cleanup never fails an operation.
func (p *Pipeline) removeAll(paths ...string) {
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("cleanup failed", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
}

func (p *Pipeline) workPath(name string) string {
	return filepath.Join(p.opts.Stream.WorkDir, name)
}

func (p *Pipeline) outputPath(name string) string {
	return filepath.Join(p.opts.OutputDir, name)
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
