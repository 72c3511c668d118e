package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/dialog"
	"github.com/loqalabs/loqa-scribe/internal/fault"
	"github.com/loqalabs/loqa-scribe/internal/gdt"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/records"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"golang.org/x/sync/errgroup"
)

type FinalizeRequest struct {
	SessionID   string
	SpeakerMode string
	SubjectSex  string
	Model       string
	// WhisperModel selects a model file by name, Language a recognition
	// language. Both default to the recognizer's configuration.
	WhisperModel string
	Language     string
	// RecordName overrides the name derived from the patient file.
	RecordName string
}

type FinalizeResult struct {
	RecordID    string
	Name        string
	Dialog      string
	Summary     string
	CaptionPath string
	// Duration is the conversation length from the caption track, nil when
	// no track was found.
	Duration *float64
	// AudioSeconds is the length of the transcribed waveform.
	AudioSeconds      *float64
	ProcessingSeconds float64
	Corrections       int
}

// Finalize concatenates the session's chunks, transcribes the whole
// recording and reconciles the result with the live transcript. A failure of
// the mandatory concat, resample or transcription steps returns an error and
// leaves the chunks and session in place so the call can be retried.
func (p *Pipeline) Finalize(ctx context.Context, req FinalizeRequest) (FinalizeResult, error) {
	started := p.clock()
	sess, err := p.deps.Sessions.Get(req.SessionID)
	if err != nil {
		return FinalizeResult{}, err
	}
	recognition, err := p.recognition(req.WhisperModel, req.Language)
	if err != nil {
		return FinalizeResult{}, err
	}
	sess.Lock()
	defer sess.Unlock()
	if sess.State == session.StateClosed {
		return FinalizeResult{}, fault.New(fault.NotFound, "finalize", "session closed "+req.SessionID)
	}

	prev := sess.State
	sess.State = session.StateFinalizing
	log := p.logger.With(slog.String("session_id", sess.ID))

	res, err := p.finalize(ctx, sess, req, recognition, log)
	elapsed := p.clock().Sub(started)
	if err != nil {
		sess.State = prev
		sess.Touch(p.clock())
		log.Error("finalize failed", slog.String("error", err.Error()), slog.String("detail", fault.DetailOf(err)))
		p.deps.Metrics.Finalize(ctx, "error", elapsed)
		p.event(ctx, sess.ID, "stream.finalize_failed", map[string]any{"error": err.Error()})
		return FinalizeResult{}, err
	}

	sess.State = session.StateClosed
	p.deps.Sessions.Delete(sess.ID)
	p.deps.Metrics.Finalize(ctx, "ok", elapsed)
	return res, nil
}

func (p *Pipeline) finalize(ctx context.Context, sess *session.Session, req FinalizeRequest, recognition stt.Request, log *slog.Logger) (FinalizeResult, error) {
	started := p.clock()
	id := sess.ID
	live := sess.Live

	chunks := append([]string(nil), sess.Chunks...)
	if len(chunks) == 0 {
		legacy := p.workPath(id + ".wav")
		if _, err := os.Stat(legacy); err != nil {
			return FinalizeResult{}, fault.New(fault.NotFound, "finalize", "no audio chunks for session "+id)
		}
		chunks = []string{legacy}
	}

	var intermediates []string
	defer func() { p.removeAll(intermediates...) }()

	trimmed, trims := p.trimOverlap(ctx, chunks, log)
	intermediates = append(intermediates, trims...)

	listPath := p.workPath(id + "_concat_list.txt")
	concatPath := p.workPath(id + "_concat.wav")
	finalPath := p.workPath(id + "_final.wav")
	cleanPath := p.workPath(id + "_clean.wav")
	intermediates = append(intermediates, listPath, concatPath, finalPath, cleanPath)

	if err := p.deps.Normalizer.Concat(ctx, trimmed, listPath, concatPath); err != nil {
		return FinalizeResult{}, fmt.Errorf("concat chunks: %w", err)
	}
	if err := p.deps.Normalizer.Resample(ctx, concatPath, finalPath); err != nil {
		return FinalizeResult{}, fmt.Errorf("resample recording: %w", err)
	}
	audioSeconds := p.audioSeconds(finalPath, log)

	asrInput := finalPath
	if outcome, err := p.deps.Normalizer.Normalize(ctx, finalPath, cleanPath, audio.ModeFull); err != nil {
		log.Warn("full normalization failed, using concatenation", slog.String("error", err.Error()))
	} else {
		asrInput = outcome.Path
	}

	if err := os.MkdirAll(p.opts.OutputDir, 0o755); err != nil {
		return FinalizeResult{}, fmt.Errorf("create output dir: %w", err)
	}
	recognition.AudioPath = asrInput
	recognition.Persist = true
	recognition.OutputDir = p.opts.OutputDir
	recognition.OutputBase = id
	res, err := p.deps.Recognizer.Transcribe(ctx, recognition)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("final transcription: %w", err)
	}

	finalText := strings.TrimSpace(res.Text)
	if finalText == "" && len(res.Lines) > 0 {
		finalText = strings.TrimSpace(strings.Join(res.Lines, "\n"))
	}
	text := p.reconcile(live, finalText)

	patient := p.patient(req.SubjectSex)
	name := req.RecordName
	if name == "" {
		name = patient.RecordName(p.clock())
	}

	candidates := []string{
		res.CaptionPath,
		p.outputPath(id + ".wav.vtt"),
		p.outputPath(id + ".vtt"),
		p.outputPath(name + ".wav.vtt"),
		p.outputPath(name + ".vtt"),
		p.workPath(id + ".wav.vtt"),
		p.workPath(id + ".vtt"),
		asrInput + ".vtt",
	}
	captionPath, duration := p.captionDuration(ctx, compact(candidates), p.outputPath(name+".vtt"), log)

	// The session's chunks are consumed from here on; later failures only
	// degrade the summary or the stored record.
	p.removeAll(chunks...)
	sess.Chunks = nil

	out := p.complete(ctx, completion{
		sessionID:    id,
		source:       "stream",
		name:         name,
		text:         text,
		speakerMode:  p.speakerMode(req.SpeakerMode),
		patient:      patient,
		model:        p.model(req.Model),
		captionPath:  captionPath,
		duration:     duration,
		audioSeconds: audioSeconds,
		started:      started,
	}, log)

	p.publish(protocol.SubjectTranscriptFinal, protocol.TranscriptUpdate{
		SessionID: id,
		Sequence:  sess.Seq,
		Text:      out.Dialog,
		Partial:   false,
		Timestamp: p.clock().UTC(),
		RecordID:  out.RecordID,
		Summary:   out.Summary,
		DurationS: out.Duration,
	})
	p.event(ctx, id, "stream.finalized", map[string]any{"record_id": out.RecordID, "chunks": len(chunks)})
	log.Info("stream finalized",
		slog.String("record_id", out.RecordID),
		slog.Int("chunks", len(chunks)),
		slog.Int("dialog_chars", len([]rune(out.Dialog))),
		slog.Float64("processing_seconds", out.ProcessingSeconds))
	return out, nil
}

// reconcile picks and merges the final and live transcripts. A degenerate
// final pass is replaced by the deduplicated live transcript, which is
// returned as is since live already holds everything it would merge with.
func (p *Pipeline) reconcile(live, finalText string) string {
	text := transcript.Dedupe(finalText)
	if len([]rune(text)) < p.opts.Stream.MinFinalChars && strings.TrimSpace(live) != "" {
		return transcript.Dedupe(live)
	}
	merged := transcript.Merge(live, text, p.finalParams())
	if strings.TrimSpace(merged) != "" {
		return merged
	}
	if strings.TrimSpace(text) != "" {
		return text
	}
	return strings.TrimSpace(live)
}

// trimOverlap cuts the recorded overlap from every chunk but the first. A
// chunk whose trim fails is used untrimmed. The second result lists the
// trimmed files to delete afterwards.
func (p *Pipeline) trimOverlap(ctx context.Context, chunks []string, log *slog.Logger) ([]string, []string) {
	out := append([]string(nil), chunks...)
	offset := time.Duration(p.opts.Stream.OverlapTrimMS) * time.Millisecond
	if len(chunks) < 2 || offset <= 0 {
		return out, nil
	}

	var mu sync.Mutex
	var temps []string
	var g errgroup.Group
	g.SetLimit(p.opts.MaxParallel)
	for i := 1; i < len(chunks); i++ {
		g.Go(func() error {
			in := chunks[i]
			trimmed := strings.TrimSuffix(in, ".wav") + "_trim.wav"
			if err := p.deps.Normalizer.Trim(ctx, in, trimmed, offset); err != nil {
				log.Warn("overlap trim failed, using untrimmed chunk", slog.String("chunk", in), slog.String("error", err.Error()))
				p.removeAll(trimmed)
				return nil
			}
			mu.Lock()
			out[i] = trimmed
			temps = append(temps, trimmed)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out, temps
}

// captionDuration waits for the caption track, moves it to dst and returns
// its location and the conversation length.
func (p *Pipeline) captionDuration(ctx context.Context, candidates []string, dst string, log *slog.Logger) (string, *float64) {
	wait := time.Duration(p.opts.Stream.CaptionWaitMS) * time.Millisecond
	poll := time.Duration(p.opts.Stream.CaptionPollMS) * time.Millisecond
	src, err := transcript.LocateCaption(ctx, candidates, wait, poll)
	if err != nil {
		log.Warn("caption track not found", slog.Any("candidates", candidates))
		return "", nil
	}
	path := src
	if src != dst {
		if err := os.Rename(src, dst); err != nil {
			log.Warn("failed to move caption track", slog.String("from", src), slog.String("error", err.Error()))
		} else {
			path = dst
		}
	}
	seconds, err := transcript.FileDuration(path)
	if err != nil {
		log.Warn("caption track has no duration", slog.String("path", path), slog.String("error", err.Error()))
		return path, nil
	}
	return path, &seconds
}

type completion struct {
	sessionID   string
	source      string
	name        string
	text        string
	lines       []string
	speakerMode dialog.SpeakerMode
	patient     gdt.Patient
	model       string
	captionPath  string
	duration     *float64
	audioSeconds *float64
	started      time.Time
}

// complete runs the language stages on a reconciled transcript and stores
// the outcome. Term correction precedes speaker labeling so the model sees
// corrected terminology.
func (p *Pipeline) complete(ctx context.Context, c completion, log *slog.Logger) FinalizeResult {
	var lines []string
	corrections := 0
	if c.lines != nil {
		for _, line := range c.lines {
			fixed, n := p.deps.Terms.Correct(line)
			lines = append(lines, fixed)
			corrections += n
		}
	} else {
		text, n := p.deps.Terms.Correct(c.text)
		lines = splitLines(text)
		corrections = n
	}
	if corrections > 0 {
		log.Debug("terms corrected", slog.Int("replacements", corrections))
	}

	dialogText := strings.Join(lines, "\n")
	if p.deps.Labeler != nil {
		dialogText = strings.Join(p.deps.Labeler.Label(ctx, lines, c.speakerMode, c.model), "\n")
	}

	summary := dialog.NoSpeechNotice
	if p.deps.Summarizer != nil {
		summary = p.deps.Summarizer.Summarize(ctx, dialogText, c.patient.Sex, c.model)
	}

	out := FinalizeResult{
		RecordID:          uuid.NewString(),
		Name:              c.name,
		Dialog:            dialogText,
		Summary:           summary,
		CaptionPath:       c.captionPath,
		Duration:          c.duration,
		AudioSeconds:      c.audioSeconds,
		ProcessingSeconds: round1(p.clock().Sub(c.started).Seconds()),
		Corrections:       corrections,
	}
	p.writeArtifacts(out, log)
	if p.deps.Records != nil {
		err := p.deps.Records.SaveRecord(ctx, records.Record{
			ID:                out.RecordID,
			SessionID:         c.sessionID,
			Name:              c.name,
			Source:            c.source,
			Dialog:            out.Dialog,
			Summary:           out.Summary,
			SubjectSex:        c.patient.Sex,
			Model:             c.model,
			CaptionPath:       out.CaptionPath,
			DurationSeconds:   out.Duration,
			AudioSeconds:      out.AudioSeconds,
			ProcessingSeconds: out.ProcessingSeconds,
		})
		if err != nil {
			log.Error("failed to store record", slog.String("record_id", out.RecordID), slog.String("error", err.Error()))
		}
	}
	p.consumePatientFile()
	return out
}

// writeArtifacts stores the dialog and summary next to the caption track.
func (p *Pipeline) writeArtifacts(out FinalizeResult, log *slog.Logger) {
	if p.opts.OutputDir == "" {
		return
	}
	files := map[string]string{
		p.outputPath(out.Name + "_transcript.txt"): out.Dialog,
		p.outputPath(out.Name + "_summary.txt"):    out.Summary,
	}
	for path, body := range files {
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			log.Warn("failed to write artifact", slog.String("path", path), slog.String("error", err.Error()))
		}
	}
}

func splitLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

func compact(paths []string) []string {
	out := paths[:0]
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}
