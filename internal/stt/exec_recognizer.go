package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/fault"
	"github.com/loqalabs/loqa-scribe/internal/metrics"
	"github.com/mattn/go-shellwords"
)

var stdoutNoise = regexp.MustCompile(`(?i)^(processing|loading|using model)`)

type execRecognizer struct {
	cmd     []string
	extra   []string
	cfg     config.STTConfig
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewExecRecognizer returns a Recognizer running whisper-cli.
func NewExecRecognizer(cfg config.STTConfig, logger *slog.Logger, rec *metrics.Recorder) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	extra, err := shellwords.NewParser().Parse(cfg.ExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("parse stt extra args: %w", err)
	}
	return &execRecognizer{
		cmd:     args,
		extra:   extra,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "stt")),
		metrics: rec,
	}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, req Request) (Result, error) {
	bin, err := exec.LookPath(r.cmd[0])
	if err != nil {
		return Result{}, fault.Wrap(fault.ToolMissing, "transcribe", err)
	}
	model := r.cfg.ModelPath
	if req.ModelPath != "" {
		model = req.ModelPath
	}
	language := r.cfg.Language
	if req.Language != "" {
		language = req.Language
	}
	if _, err := os.Stat(model); err != nil {
		return Result{}, fault.Wrap(fault.ToolMissing, "transcribe", fmt.Errorf("model file: %w", err))
	}
	audioPath, err := filepath.Abs(req.AudioPath)
	if err != nil {
		return Result{}, fault.Wrap(fault.AudioMissing, "transcribe", err)
	}
	if _, err := os.Stat(audioPath); err != nil {
		return Result{}, fault.Wrap(fault.AudioMissing, "transcribe", err)
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "-m", model, "-f", audioPath, "-l", language)
	cmdArgs = append(cmdArgs, r.extra...)
	if r.cfg.BeamSize > 0 {
		cmdArgs = append(cmdArgs, "-bs", strconv.Itoa(r.cfg.BeamSize))
	}
	if prompt := strings.TrimSpace(r.cfg.Prompt); prompt != "" {
		cmdArgs = append(cmdArgs, "-p", prompt)
	}

	var outBase string
	if req.Persist {
		dir := req.OutputDir
		if dir == "" {
			dir = filepath.Dir(audioPath)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Result{}, fmt.Errorf("create output dir: %w", err)
		}
		base := req.OutputBase
		if base == "" {
			base = strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
		}
		outBase = filepath.Join(dir, base)
		cmdArgs = append(cmdArgs, "-otxt", "-ovtt", "-of", outBase)
	} else {
		outBase = filepath.Join(filepath.Dir(audioPath), "stt_"+uuid.NewString())
		cmdArgs = append(cmdArgs, "-otxt", "-of", outBase)
	}
	txtPath := outBase + ".txt"
	vttPath := outBase + ".vtt"

	command := exec.CommandContext(ctx, bin, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	started := time.Now()
	if err := command.Run(); err != nil {
		r.metrics.ToolRun(ctx, "whisper", "failed", time.Since(started))
		if !req.Persist {
			removeQuiet(txtPath, vttPath)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, (&fault.Error{Code: fault.RecognitionFailed, Op: "transcribe", Message: "whisper-cli failed", Cause: err}).
				WithDetail(strings.TrimSpace(stderr.String()))
		}
		return Result{}, fault.Wrap(fault.RecognitionFailed, "transcribe", err)
	}
	r.metrics.ToolRun(ctx, "whisper", "ok", time.Since(started))

	var text string
	if data, err := os.ReadFile(txtPath); err == nil {
		text = strings.TrimSpace(string(data))
	} else {
		text = stdoutFallback(stdout.String())
		r.logger.Debug("no transcript file, using stdout", slog.String("expected", txtPath))
	}

	res := Result{Text: text, Lines: splitLines(text)}
	if req.Persist {
		if _, err := os.Stat(vttPath); err == nil {
			res.CaptionPath = vttPath
		}
	} else {
		removeQuiet(txtPath, vttPath)
	}
	return res, nil
}

// stdoutFallback drops the recognizer's progress lines from stdout.
func stdoutFallback(out string) string {
	var kept []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if stdoutNoise.MatchString(strings.TrimSpace(line)) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func splitLines(text string) []string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func removeQuiet(paths ...string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
