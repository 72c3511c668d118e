// Package metrics records pipeline instruments on the global otel meter.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-scribe/pipeline"

// Recorder wraps the counters and histograms used across the pipeline. A nil
// *Recorder discards everything, so components never need to check.
type Recorder struct {
	toolRuns         metric.Int64Counter
	toolDuration     metric.Float64Histogram
	chunks           metric.Int64Counter
	finalizes        metric.Int64Counter
	finalizeDuration metric.Float64Histogram
	llmCalls         metric.Int64Counter
}

func New(logger *slog.Logger) *Recorder {
	meter := otel.Meter(meterName)
	r := &Recorder{}
	var err error
	warn := func(name string, err error) {
		if logger != nil {
			logger.Warn("failed to initialize instrument", slog.String("instrument", name), slog.String("error", err.Error()))
		}
	}

	if r.toolRuns, err = meter.Int64Counter("scribe.tool.executions", metric.WithDescription("External tool invocations by tool and status")); err != nil {
		warn("scribe.tool.executions", err)
	}
	if r.toolDuration, err = meter.Float64Histogram("scribe.tool.duration", metric.WithUnit("s"), metric.WithDescription("External tool wall time")); err != nil {
		warn("scribe.tool.duration", err)
	}
	if r.chunks, err = meter.Int64Counter("scribe.chunks", metric.WithDescription("Live chunks ingested by outcome")); err != nil {
		warn("scribe.chunks", err)
	}
	if r.finalizes, err = meter.Int64Counter("scribe.finalize", metric.WithDescription("Finalize calls by outcome")); err != nil {
		warn("scribe.finalize", err)
	}
	if r.finalizeDuration, err = meter.Float64Histogram("scribe.finalize.duration", metric.WithUnit("s"), metric.WithDescription("Finalize wall time")); err != nil {
		warn("scribe.finalize.duration", err)
	}
	if r.llmCalls, err = meter.Int64Counter("scribe.llm.calls", metric.WithDescription("Language model calls by purpose and status")); err != nil {
		warn("scribe.llm.calls", err)
	}
	return r
}

// ToolRun records one external tool execution.
func (r *Recorder) ToolRun(ctx context.Context, tool, status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool", tool), attribute.String("status", status))
	if r.toolRuns != nil {
		r.toolRuns.Add(ctx, 1, attrs)
	}
	if r.toolDuration != nil {
		r.toolDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (r *Recorder) Chunk(ctx context.Context, status string) {
	if r == nil || r.chunks == nil {
		return
	}
	r.chunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (r *Recorder) Finalize(ctx context.Context, status string, elapsed time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	if r.finalizes != nil {
		r.finalizes.Add(ctx, 1, attrs)
	}
	if r.finalizeDuration != nil {
		r.finalizeDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (r *Recorder) LLMCall(ctx context.Context, purpose, status string) {
	if r == nil || r.llmCalls == nil {
		return
	}
	r.llmCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("purpose", purpose), attribute.String("status", status)))
}

// ObserveSessions registers a gauge reporting the number of open sessions.
func (r *Recorder) ObserveSessions(count func() int) error {
	if r == nil {
		return nil
	}
	meter := otel.Meter(meterName)
	gauge, err := meter.Int64ObservableGauge("scribe.sessions.active", metric.WithDescription("Open streaming sessions"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(count()))
		return nil
	}, gauge)
	return err
}
