package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/fault"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// Chunk warnings. A chunk that produces one leaves the transcript unchanged.
const (
	WarnNormalizeTimeout    = "normalize_timeout"
	WarnNormalizeFailed     = "normalize_failed"
	WarnTranscriptionFailed = "transcription_failed"
)

type ChunkResult struct {
	Transcript string
	Seq        int
	Warning    string
}

// Start opens a new session and returns its id.
func (p *Pipeline) Start(ctx context.Context) (string, error) {
	sess := p.deps.Sessions.Create()
	if p.deps.Records != nil {
		if err := p.deps.Records.AppendSession(ctx, sess.ID, "stream"); err != nil {
			p.logger.Warn("failed to record session", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
		}
	}
	p.event(ctx, sess.ID, "stream.started", map[string]any{})
	p.logger.Info("stream started", slog.String("session_id", sess.ID))
	return sess.ID, nil
}

// IngestChunk normalizes, transcribes and merges one chunk into the live
// transcript. Normalizer and recognizer failures are reported as a warning
// with the previous transcript; only a missing tool is returned as an error.
func (p *Pipeline) IngestChunk(ctx context.Context, sessionID string, raw []byte, declaredExt string) (ChunkResult, error) {
	sess, err := p.deps.Sessions.Get(sessionID)
	if err != nil {
		return ChunkResult{}, err
	}
	sess.Lock()
	defer sess.Unlock()
	if sess.State == session.StateClosed {
		return ChunkResult{}, fault.New(fault.NotFound, "ingest chunk", "session closed "+sessionID)
	}

	sess.Seq++
	seq := sess.Seq
	sess.State = session.StateStreaming
	sess.Touch(p.clock())
	log := p.logger.With(slog.String("session_id", sessionID), slog.Int("seq", seq))

	if err := os.MkdirAll(p.opts.Stream.WorkDir, 0o755); err != nil {
		return ChunkResult{}, fmt.Errorf("create work dir: %w", err)
	}
	ext := p.extension(declaredExt)
	// The raw name differs from the normalized name even for wav input.
	rawPath := p.workPath(fmt.Sprintf("%s_%d.raw.%s", sessionID, seq, ext))
	wavPath := p.workPath(fmt.Sprintf("%s_%d.wav", sessionID, seq))
	if err := os.WriteFile(rawPath, raw, 0o644); err != nil {
		return ChunkResult{}, fmt.Errorf("write chunk: %w", err)
	}
	defer p.removeAll(rawPath)

	degraded := func(warning string, cause error) (ChunkResult, error) {
		p.removeAll(wavPath)
		log.Warn("chunk skipped", slog.String("warning", warning), slog.String("error", cause.Error()), slog.String("detail", fault.DetailOf(cause)))
		p.deps.Metrics.Chunk(ctx, warning)
		p.event(ctx, sessionID, "chunk.skipped", map[string]any{"seq": seq, "warning": warning})
		p.publish(protocol.SubjectTranscriptPartial, protocol.TranscriptUpdate{
			SessionID: sessionID,
			Sequence:  seq,
			Text:      sess.Live,
			Partial:   true,
			Warning:   warning,
			Timestamp: p.clock().UTC(),
		})
		return ChunkResult{Transcript: sess.Live, Seq: seq, Warning: warning}, nil
	}

	if _, err := p.deps.Normalizer.Normalize(ctx, rawPath, wavPath, audio.ModeSoft); err != nil {
		switch {
		case fault.Has(err, fault.ToolMissing):
			p.deps.Metrics.Chunk(ctx, "error")
			return ChunkResult{}, err
		case fault.Has(err, fault.Timeout):
			return degraded(WarnNormalizeTimeout, err)
		default:
			return degraded(WarnNormalizeFailed, err)
		}
	}

	res, err := p.deps.Recognizer.Transcribe(ctx, stt.Request{AudioPath: wavPath})
	if err != nil {
		if fault.Has(err, fault.ToolMissing) {
			p.removeAll(wavPath)
			p.deps.Metrics.Chunk(ctx, "error")
			return ChunkResult{}, err
		}
		return degraded(WarnTranscriptionFailed, err)
	}

	merged := transcript.Merge(sess.Live, res.Text, p.chunkParams())
	sess.Live = transcript.TruncateTail(merged, p.opts.Stream.MaxTranscriptChars)
	sess.Chunks = append(sess.Chunks, wavPath)

	log.Debug("chunk merged", slog.Int("fragment_chars", len([]rune(res.Text))), slog.Int("live_chars", len([]rune(sess.Live))))
	p.deps.Metrics.Chunk(ctx, "ok")
	p.event(ctx, sessionID, "chunk.ingested", map[string]any{"seq": seq, "live_chars": len([]rune(sess.Live))})
	p.publish(protocol.SubjectTranscriptPartial, protocol.TranscriptUpdate{
		SessionID: sessionID,
		Sequence:  seq,
		Text:      sess.Live,
		Partial:   true,
		Timestamp: p.clock().UTC(),
	})
	return ChunkResult{Transcript: sess.Live, Seq: seq}, nil
}

// Live returns the current live transcript of a session.
func (p *Pipeline) Live(sessionID string) (session.Snapshot, error) {
	sess, err := p.deps.Sessions.Get(sessionID)
	if err != nil {
		return session.Snapshot{}, err
	}
	sess.Lock()
	defer sess.Unlock()
	return sess.Snapshot(), nil
}

// Evict removes the chunk files of a reaped session.
func (p *Pipeline) Evict(snap session.Snapshot) {
	p.removeAll(snap.Chunks...)
	p.event(context.Background(), snap.ID, "stream.expired", map[string]any{"chunks": len(snap.Chunks)})
}
