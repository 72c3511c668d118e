package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/fault"
	"github.com/loqalabs/loqa-scribe/internal/metrics"
)

const maxDetail = 2000

// runner executes ffmpeg with a per-invocation time limit.
type runner struct {
	bin     string
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// run executes ffmpeg with args and verifies out was produced. Failures are
// classified as ToolMissing, Timeout or ProcessingFailed.
func (r *runner) run(ctx context.Context, op string, args []string, out string) error {
	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.bin, args...)
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)

	switch {
	case err == nil:
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist) && cmd.ProcessState == nil:
		r.metrics.ToolRun(ctx, "ffmpeg", "missing", elapsed)
		return fault.Wrap(fault.ToolMissing, op, err)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		r.metrics.ToolRun(ctx, "ffmpeg", "timeout", elapsed)
		return fault.New(fault.Timeout, op, fmt.Sprintf("ffmpeg exceeded %s", r.timeout)).WithDetail(detail(stderr.String()))
	default:
		r.metrics.ToolRun(ctx, "ffmpeg", "failed", elapsed)
		return (&fault.Error{Code: fault.ProcessingFailed, Op: op, Message: "ffmpeg failed", Cause: err}).WithDetail(detail(stderr.String()))
	}

	info, statErr := os.Stat(out)
	if statErr != nil || info.Size() == 0 {
		r.metrics.ToolRun(ctx, "ffmpeg", "failed", elapsed)
		return fault.New(fault.ProcessingFailed, op, "ffmpeg produced no output").WithDetail(detail(stderr.String()))
	}
	r.metrics.ToolRun(ctx, "ffmpeg", "ok", elapsed)
	r.logger.Debug("ffmpeg finished", slog.String("op", op), slog.Duration("elapsed", elapsed))
	return nil
}

// detail keeps the last maxDetail runes of ffmpeg's stderr.
func detail(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) > maxDetail {
		return string(r[len(r)-maxDetail:])
	}
	return s
}

func baseArgs(in string) []string {
	return []string{"-y", "-hide_banner", "-loglevel", "error", "-i", in}
}

func pcmArgs(sampleRate int, out string) []string {
	return []string{"-ar", fmt.Sprint(sampleRate), "-ac", "1", "-c:a", "pcm_s16le", out}
}
