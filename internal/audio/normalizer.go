// Package audio converts recorded audio into the canonical 16 kHz mono
// PCM16 waveform the recognizer expects, using ffmpeg.
package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/fault"
	"github.com/loqalabs/loqa-scribe/internal/metrics"
)

type Mode string

const (
	// ModeSoft is safe for live chunks: band limiting and mild compression,
	// never silence removal.
	ModeSoft Mode = "soft"
	// ModeFull adds silence trimming and is used on whole recordings.
	ModeFull Mode = "full"
)

// Strategy is one ffmpeg filter chain. An empty Filter only resamples.
type Strategy struct {
	Name   string
	Filter string
}

const (
	bandPass       = "highpass=f=70,lowpass=f=12000"
	silenceTrim    = "silenceremove=start_periods=1:start_duration=0.5:start_threshold=-40dB:stop_periods=1:stop_duration=0.8:stop_threshold=-40dB"
	softCompressor = "acompressor=threshold=-18dB:ratio=2.0:attack=5:release=120:makeup=3"
	fullCompressor = "acompressor=threshold=-18dB:ratio=2.5:attack=5:release=120:makeup=3"
)

var (
	softStrategies = []Strategy{
		{Name: "soft", Filter: bandPass + "," + softCompressor},
		{Name: "resample", Filter: ""},
	}
	fullStrategies = []Strategy{
		{Name: "full-limiter", Filter: bandPass + "," + fullCompressor + ",alimiter=limit=0.98," + silenceTrim},
		{Name: "full", Filter: bandPass + "," + fullCompressor + "," + silenceTrim},
		{Name: "bandpass-silence", Filter: bandPass + "," + silenceTrim},
		{Name: "resample", Filter: ""},
	}
)

// Strategies returns the ordered filter cascade for mode.
func Strategies(mode Mode) []Strategy {
	if mode == ModeFull {
		return fullStrategies
	}
	return softStrategies
}

// Outcome names the output file and the strategy that produced it.
type Outcome struct {
	Path     string
	Strategy string
}

type Normalizer struct {
	run        runner
	sampleRate int
	logger     *slog.Logger
}

func NewNormalizer(cfg config.AudioConfig, logger *slog.Logger, rec *metrics.Recorder) *Normalizer {
	logger = logger.With(slog.String("component", "audio"))
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	return &Normalizer{
		run: runner{
			bin:     cfg.FFmpegPath,
			timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
			logger:  logger,
			metrics: rec,
		},
		sampleRate: rate,
		logger:     logger,
	}
}

// Normalize writes the canonical waveform of in to out, trying the cascade
// of mode in order until one strategy succeeds. The returned error carries
// the code and diagnostics of the last attempt. In soft mode a timeout ends
// the cascade so a slow chunk does not pay the limit twice; a missing
// ffmpeg always ends it.
func (n *Normalizer) Normalize(ctx context.Context, in, out string, mode Mode) (Outcome, error) {
	if _, err := os.Stat(in); err != nil {
		return Outcome{}, fault.Wrap(fault.AudioMissing, "normalize", err)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return Outcome{}, fmt.Errorf("create output dir: %w", err)
	}

	var lastErr error
	for _, s := range Strategies(mode) {
		args := baseArgs(in)
		if s.Filter != "" {
			args = append(args, "-af", s.Filter)
		}
		args = append(args, pcmArgs(n.sampleRate, out)...)

		err := n.run.run(ctx, "normalize", args, out)
		if err == nil {
			return Outcome{Path: out, Strategy: s.Name}, nil
		}
		lastErr = err
		n.logger.Debug("normalize strategy failed",
			slog.String("strategy", s.Name),
			slog.String("mode", string(mode)),
			slog.String("code", string(fault.CodeOf(err))),
			slog.String("detail", fault.DetailOf(err)),
		)
		if fault.Has(err, fault.ToolMissing) {
			break
		}
		if mode == ModeSoft && fault.Has(err, fault.Timeout) {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	return Outcome{}, lastErr
}

// Trim re-encodes in without its first offset of audio.
func (n *Normalizer) Trim(ctx context.Context, in, out string, offset time.Duration) error {
	args := baseArgs(in)
	args = append(args, "-af", fmt.Sprintf("atrim=start=%.3f,asetpts=PTS-STARTPTS", offset.Seconds()))
	args = append(args, pcmArgs(n.sampleRate, out)...)
	return n.run.run(ctx, "trim", args, out)
}

// Concat joins inputs losslessly with the concat demuxer. listPath receives
// the demuxer's file list.
func (n *Normalizer) Concat(ctx context.Context, inputs []string, listPath, out string) error {
	if len(inputs) == 0 {
		return fault.New(fault.AudioMissing, "concat", "no inputs")
	}
	var b strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", in, err)
		}
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	args := []string{"-y", "-hide_banner", "-loglevel", "error", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", out}
	return n.run.run(ctx, "concat", args, out)
}

// Resample converts in to the canonical format without filtering.
func (n *Normalizer) Resample(ctx context.Context, in, out string) error {
	args := append(baseArgs(in), pcmArgs(n.sampleRate, out)...)
	return n.run.run(ctx, "resample", args, out)
}
