package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/dialog"
	"github.com/loqalabs/loqa-scribe/internal/llm"
	"github.com/loqalabs/loqa-scribe/internal/metrics"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/records"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// Components is the wired pipeline and everything it owns. Both the daemon
// and the one-shot CLI build it the same way.
type Components struct {
	Records   *records.Store
	Sessions  *session.Store
	Generator llm.Generator
	Metrics   *metrics.Recorder
	Pipeline  *pipeline.Pipeline
	Bus       *bus.Client

	nats   *natsserver.EmbeddedServer
	logger *slog.Logger
}

// Build wires config into a ready pipeline. On error everything opened so
// far is released.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *Components, err error) {
	c := &Components{logger: logger}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	c.Metrics = metrics.New(logger)

	c.Records, err = records.Open(ctx, cfg.Records, logger)
	if err != nil {
		return nil, fmt.Errorf("open records: %w", err)
	}

	recognizer, err := newRecognizer(cfg.STT, logger, c.Metrics)
	if err != nil {
		return nil, err
	}
	c.Generator = newGenerator(cfg.LLM, logger, c.Metrics)

	prompts, err := dialog.LoadPrompts(cfg.Dialog.SpeakerPromptPath, cfg.Dialog.SummaryPromptPath)
	if err != nil {
		return nil, err
	}
	labeler := dialog.NewLabeler(c.Generator, prompts, dialog.LabelerOptions{
		Roles:       [2]string{cfg.Dialog.Roles[0], cfg.Dialog.Roles[1]},
		Temperature: cfg.LLM.SpeakerTemperature,
		Timeout:     time.Duration(cfg.LLM.SpeakerTimeoutMS) * time.Millisecond,
	}, logger)
	summarizer := dialog.NewSummarizer(c.Generator, prompts, dialog.SummarizerOptions{
		Temperature: cfg.LLM.SummaryTemperature,
		Timeout:     time.Duration(cfg.LLM.SummaryTimeoutMS) * time.Millisecond,
	}, logger)

	terms, err := transcript.LoadTerms(cfg.Dialog.TermsPath)
	if err != nil {
		return nil, err
	}
	if len(terms) > 0 {
		logger.Info("loaded medical terms", slog.Int("count", len(terms)))
	}

	c.nats, err = natsserver.Start(cfg.Bus, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Bus.Enabled {
		busCfg := cfg.Bus
		if url := c.nats.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		c.Bus, err = bus.Connect(ctx, busCfg, logger)
		if err != nil {
			return nil, err
		}
	}

	var p *pipeline.Pipeline
	c.Sessions = session.NewStore(session.Options{
		TTL:      time.Duration(cfg.Stream.SessionTTLSeconds) * time.Second,
		Interval: time.Duration(cfg.Stream.ReapIntervalSecs) * time.Second,
		OnEvict:  func(snap session.Snapshot) { p.Evict(snap) },
	}, logger)

	p = pipeline.New(pipeline.Deps{
		Sessions:   c.Sessions,
		Normalizer: audio.NewNormalizer(cfg.Audio, logger, c.Metrics),
		Recognizer: recognizer,
		Labeler:    labeler,
		Summarizer: summarizer,
		Terms:      transcript.NewTermCorrector(terms, cfg.Dialog.TermsCutoff),
		Records:    c.Records,
		Bus:        c.Bus,
		Metrics:    c.Metrics,
	}, pipeline.OptionsFromConfig(cfg), logger)
	c.Pipeline = p

	if err := c.Metrics.ObserveSessions(c.Sessions.Len); err != nil {
		logger.Warn("failed to register session gauge", slog.String("error", err.Error()))
	}
	return c, nil
}

// Close releases the bus, the embedded server and the record store.
func (c *Components) Close() {
	if c == nil {
		return
	}
	c.Bus.Close()
	c.nats.Shutdown()
	if c.Records != nil {
		if err := c.Records.Close(); err != nil {
			c.logger.Error("records close error", slog.String("error", err.Error()))
		}
	}
}

func newRecognizer(cfg config.STTConfig, logger *slog.Logger, rec *metrics.Recorder) (stt.Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		logger.Warn("using mock recognizer")
		return stt.NewMockRecognizer(), nil
	default:
		return stt.NewExecRecognizer(cfg, logger, rec)
	}
}

func newGenerator(cfg config.LLMConfig, logger *slog.Logger, rec *metrics.Recorder) llm.Generator {
	switch cfg.Mode {
	case "mock":
		logger.Warn("using mock language model")
		return llm.NewMockGenerator()
	default:
		return llm.NewOllamaGenerator(cfg.Endpoint, &http.Client{}, logger, rec)
	}
}
