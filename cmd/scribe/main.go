package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/dialog"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/loqalabs/loqa-scribe/internal/pipeline"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

var version = "0.1.0-dev"

func usage() {
	fmt.Fprintln(os.Stderr, "usage: scribe <transcribe|models|validate|version> [flags]")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "transcribe":
		err = runTranscribe(os.Args[2:])
	case "models":
		err = runModels(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runTranscribe(args []string) error {
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	speakers := fs.String("speakers", "", "Speaker mode: llm, off or unknown")
	sex := fs.String("sex", "", "Subject sex code (1, 2 or 3)")
	model := fs.String("model", "", "Language model for labeling and summary")
	name := fs.String("name", "", "Record name, defaults to the patient file")
	whisperModel := fs.String("whisper-model", "", "Recognition model file from the models directory")
	language := fs.String("language", "", "Recognition language, e.g. de or en")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("transcribe expects exactly one audio file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, closer, err := logging.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := runtime.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.Pipeline.ProcessFile(ctx, pipeline.UploadRequest{
		Path:         fs.Arg(0),
		SpeakerMode:  *speakers,
		SubjectSex:   *sex,
		Model:        *model,
		WhisperModel: *whisperModel,
		Language:     *language,
		RecordName:   *name,
	})
	if err != nil {
		return err
	}

	fmt.Printf("record %s (%s)\n\n%s\n\n%s\n", res.RecordID, res.Name, res.Dialog, res.Summary)
	if dialog.IsSummaryError(res.Summary) {
		return fmt.Errorf("summary could not be generated")
	}
	return nil
}

func runModels(args []string) error {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	whisper := fs.Bool("whisper", false, "List recognition model files instead of language models")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *whisper {
		models, err := stt.ListModels(stt.ModelsDir(cfg.STT))
		if err != nil {
			return err
		}
		for _, m := range models {
			fmt.Println(m)
		}
		return nil
	}
	cfg.Records.RetentionMode = "ephemeral"
	cfg.Bus.Enabled = false
	c, err := runtime.Build(context.Background(), cfg, logging.Discard())
	if err != nil {
		return err
	}
	defer c.Close()

	models, err := c.Generator.ListModels(context.Background())
	if err != nil {
		return err
	}
	for _, m := range models {
		fmt.Println(m)
	}
	return nil
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	fs.Parse(args)

	if _, err := config.Load(*configPath); err != nil {
		return err
	}
	fmt.Println("config valid")
	return nil
}
