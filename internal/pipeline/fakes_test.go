package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/fault"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/dialog"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/records"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/stretchr/testify/require"
)

type normalizeCall struct {
	In, Out string
	Mode    audio.Mode
}

// fakeNormalizer writes a placeholder file for every successful operation.
// With wavSeconds set, resampled and normalized outputs are real 16 kHz
// WAV files of that length.
type fakeNormalizer struct {
	mu           sync.Mutex
	wavSeconds   int
	normalizeErr func(in string, mode audio.Mode) error
	trimErr      func(in string) error
	concatErr    error
	resampleErr  error

	normalized []normalizeCall
	trimmed    []string
	concatIn   []string
}

func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("RIFF"), 0o644)
}

// writeWAV writes a silent mono 16-bit WAV file.
func writeWAV(path string, seconds int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()
	const rate = 16000
	buf := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: rate}, Data: make([]int, rate*seconds)}
	enc := wav.NewEncoder(out, rate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

func (f *fakeNormalizer) output(path string) error {
	f.mu.Lock()
	seconds := f.wavSeconds
	f.mu.Unlock()
	if seconds > 0 {
		return writeWAV(path, seconds)
	}
	return touch(path)
}

func (f *fakeNormalizer) Normalize(_ context.Context, in, out string, mode audio.Mode) (audio.Outcome, error) {
	f.mu.Lock()
	f.normalized = append(f.normalized, normalizeCall{In: in, Out: out, Mode: mode})
	hook := f.normalizeErr
	f.mu.Unlock()
	if hook != nil {
		if err := hook(in, mode); err != nil {
			return audio.Outcome{}, err
		}
	}
	return audio.Outcome{Path: out, Strategy: "test"}, f.output(out)
}

func (f *fakeNormalizer) Trim(_ context.Context, in, out string, _ time.Duration) error {
	f.mu.Lock()
	f.trimmed = append(f.trimmed, in)
	hook := f.trimErr
	f.mu.Unlock()
	if hook != nil {
		if err := hook(in); err != nil {
			return err
		}
	}
	return touch(out)
}

func (f *fakeNormalizer) Concat(_ context.Context, inputs []string, listPath, out string) error {
	f.mu.Lock()
	f.concatIn = append([]string(nil), inputs...)
	err := f.concatErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if err := touch(listPath); err != nil {
		return err
	}
	return touch(out)
}

func (f *fakeNormalizer) Resample(_ context.Context, _, out string) error {
	f.mu.Lock()
	err := f.resampleErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.output(out)
}

// fakeRecognizer returns live texts in order for ephemeral calls and
// finalText for persisted calls, writing a caption track when captions is
// set.
type fakeRecognizer struct {
	mu        sync.Mutex
	live      []string
	liveErr   error
	finalText string
	finalErr  error
	captions  string
	requests  []stt.Request
}

func (f *fakeRecognizer) Transcribe(_ context.Context, req stt.Request) (stt.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if !req.Persist {
		if f.liveErr != nil {
			return stt.Result{}, f.liveErr
		}
		if len(f.live) == 0 {
			return stt.Result{}, nil
		}
		text := f.live[0]
		f.live = f.live[1:]
		return stt.Result{Text: text, Lines: splitLines(text)}, nil
	}
	if f.finalErr != nil {
		return stt.Result{}, f.finalErr
	}
	res := stt.Result{Text: f.finalText, Lines: splitLines(f.finalText)}
	if f.captions != "" {
		path := filepath.Join(req.OutputDir, req.OutputBase+".vtt")
		if err := os.WriteFile(path, []byte(f.captions), 0o644); err != nil {
			return stt.Result{}, err
		}
		res.CaptionPath = path
	}
	return res, nil
}

type fakeLabeler struct {
	modes []dialog.SpeakerMode
}

func (f *fakeLabeler) Label(_ context.Context, lines []string, mode dialog.SpeakerMode, _ string) []string {
	f.modes = append(f.modes, mode)
	if mode == dialog.SpeakerOff {
		return lines
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = "Arzt: " + l
	}
	return out
}

type summaryCall struct {
	Dialog, Sex, Model string
}

type fakeSummarizer struct {
	calls []summaryCall
}

func (f *fakeSummarizer) Summarize(_ context.Context, dialogText, sex, model string) string {
	f.calls = append(f.calls, summaryCall{Dialog: dialogText, Sex: sex, Model: model})
	if strings.TrimSpace(dialogText) == "" {
		return dialog.NoSpeechNotice
	}
	return "Zusammenfassung"
}

type fakeStore struct {
	mu       sync.Mutex
	sessions []string
	events   []records.Event
	records  []records.Record
}

func (f *fakeStore) AppendSession(_ context.Context, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, id)
	return nil
}

func (f *fakeStore) AppendEvent(_ context.Context, evt records.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakeStore) SaveRecord(_ context.Context, rec records.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStore) UpdateSummary(_ context.Context, id, summary string) (records.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.records {
		if f.records[i].ID == id {
			f.records[i].Summary = summary
			return f.records[i], nil
		}
	}
	return records.Record{}, fault.New(fault.NotFound, "update summary", "unknown record "+id)
}

func (f *fakeStore) DeleteRecord(_ context.Context, id string) (records.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, rec := range f.records {
		if rec.ID == id {
			f.records = append(f.records[:i], f.records[i+1:]...)
			return rec, nil
		}
	}
	return records.Record{}, fault.New(fault.NotFound, "delete record", "unknown record "+id)
}

func (f *fakeStore) eventTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

type published struct {
	Subject string
	Msg     any
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakeBus) PublishJSON(subject string, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{Subject: subject, Msg: v})
	return nil
}

type harness struct {
	p         *Pipeline
	sessions  *session.Store
	norm      *fakeNormalizer
	rec       *fakeRecognizer
	labeler   *fakeLabeler
	summary   *fakeSummarizer
	store     *fakeStore
	bus       *fakeBus
	workDir   string
	outDir    string
	modelsDir string
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		sessions:  session.NewStore(session.Options{}, logging.Discard()),
		norm:      &fakeNormalizer{},
		rec:       &fakeRecognizer{},
		labeler:   &fakeLabeler{},
		summary:   &fakeSummarizer{},
		store:     &fakeStore{},
		bus:       &fakeBus{},
		workDir:   filepath.Join(root, "uploads"),
		outDir:    filepath.Join(root, "transcripts"),
		modelsDir: filepath.Join(root, "models"),
	}
	stream := config.Default().Stream
	stream.WorkDir = h.workDir
	stream.CaptionWaitMS = 50
	stream.CaptionPollMS = 10
	opts := Options{
		Stream:       stream,
		OutputDir:    h.outDir,
		ModelsDir:    h.modelsDir,
		MaxParallel:  2,
		DefaultModel: "mistral",
		SpeakerMode:  dialog.SpeakerOff,
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.p = New(Deps{
		Sessions:   h.sessions,
		Normalizer: h.norm,
		Recognizer: h.rec,
		Labeler:    h.labeler,
		Summarizer: h.summary,
		Records:    h.store,
		Bus:        h.bus,
	}, opts, logging.Discard())
	return h
}

func (h *harness) start(t *testing.T) string {
	t.Helper()
	id, err := h.p.Start(context.Background())
	require.NoError(t, err)
	return id
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
