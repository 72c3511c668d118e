package stt

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/fault"
	"github.com/loqalabs/loqa-scribe/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const writeOutputs = `printf 'Guten Tag.\n\nWie geht es Ihnen?\n' > "$of.txt"
if [ "$vtt" = 1 ]; then printf 'WEBVTT\n\n00:00:00.000 --> 00:00:03.000\nGuten Tag.\n' > "$of.vtt"; fi`

type fixture struct {
	cfg     config.STTConfig
	logPath string
	audio   string
}

func newFixture(t *testing.T, body string) fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes need a POSIX shell")
	}
	dir := t.TempDir()
	logPath := filepath.Join(dir, "calls.log")
	bin := filepath.Join(dir, "whisper-cli")
	script := "#!/bin/sh\n" +
		"echo \"$*\" >> '" + logPath + "'\n" +
		"of=''; vtt=0\n" +
		"while [ $# -gt 0 ]; do case \"$1\" in -of) of=\"$2\"; shift;; -ovtt) vtt=1;; esac; shift; done\n" +
		body + "\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))

	model := filepath.Join(dir, "ggml-small.bin")
	require.NoError(t, os.WriteFile(model, []byte("model"), 0o644))

	audioDir := filepath.Join(dir, "uploads")
	require.NoError(t, os.MkdirAll(audioDir, 0o755))
	audio := filepath.Join(audioDir, "sess_1.wav")
	require.NoError(t, os.WriteFile(audio, []byte("RIFF"), 0o644))

	return fixture{
		cfg: config.STTConfig{
			Mode:      "exec",
			Command:   bin,
			ModelPath: model,
			Language:  "de",
			BeamSize:  5,
			Prompt:    "Anamnese, Hypertonie",
			ExtraArgs: "-t 4",
		},
		logPath: logPath,
		audio:   audio,
	}
}

func (f fixture) recognizer(t *testing.T) Recognizer {
	t.Helper()
	r, err := NewExecRecognizer(f.cfg, logging.Discard(), nil)
	require.NoError(t, err)
	return r
}

func (f fixture) calls(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.logPath)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestTranscribeEphemeralLeavesNoArtifacts(t *testing.T) {
	f := newFixture(t, writeOutputs)
	res, err := f.recognizer(t).Transcribe(context.Background(), Request{AudioPath: f.audio})
	require.NoError(t, err)

	assert.Equal(t, "Guten Tag.\n\nWie geht es Ihnen?", res.Text)
	assert.Equal(t, []string{"Guten Tag.", "Wie geht es Ihnen?"}, res.Lines)
	assert.Empty(t, res.CaptionPath)

	entries, err := os.ReadDir(filepath.Dir(f.audio))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sess_1.wav", entries[0].Name())

	call := f.calls(t)[0]
	assert.True(t, strings.HasPrefix(call, "-m "+f.cfg.ModelPath+" -f "+f.audio+" -l de -t 4 -bs 5 -p Anamnese, Hypertonie -otxt -of "), call)
	assert.NotContains(t, call, "-ovtt")
}

func TestTranscribePersistKeepsOutputs(t *testing.T) {
	f := newFixture(t, writeOutputs)
	outDir := filepath.Join(t.TempDir(), "out")

	res, err := f.recognizer(t).Transcribe(context.Background(), Request{
		AudioPath:  f.audio,
		Persist:    true,
		OutputDir:  outDir,
		OutputBase: "sess",
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(outDir, "sess.vtt"), res.CaptionPath)
	assert.FileExists(t, filepath.Join(outDir, "sess.txt"))
	assert.Contains(t, f.calls(t)[0], "-otxt -ovtt -of "+filepath.Join(outDir, "sess"))
}

func TestTranscribeFallsBackToStdout(t *testing.T) {
	body := `echo "loading model from ggml-small.bin"
echo "Processing audio (16000 samples)"
echo "Der Blutdruck ist normal."
echo "using model: small"`
	f := newFixture(t, body)

	res, err := f.recognizer(t).Transcribe(context.Background(), Request{AudioPath: f.audio})
	require.NoError(t, err)
	assert.Equal(t, "Der Blutdruck ist normal.", res.Text)
	assert.Equal(t, []string{"Der Blutdruck ist normal."}, res.Lines)
}

func TestTranscribeRecognitionFailed(t *testing.T) {
	f := newFixture(t, `echo "failed to read audio data" >&2; exit 3`)

	_, err := f.recognizer(t).Transcribe(context.Background(), Request{AudioPath: f.audio})
	require.Error(t, err)
	assert.True(t, fault.Has(err, fault.RecognitionFailed))
	assert.Equal(t, "failed to read audio data", fault.DetailOf(err))
}

func TestTranscribeMissingInputs(t *testing.T) {
	f := newFixture(t, writeOutputs)

	missingAudio := f.cfg
	r, err := NewExecRecognizer(missingAudio, logging.Discard(), nil)
	require.NoError(t, err)
	_, err = r.Transcribe(context.Background(), Request{AudioPath: filepath.Join(t.TempDir(), "gone.wav")})
	assert.True(t, fault.Has(err, fault.AudioMissing))

	noModel := f.cfg
	noModel.ModelPath = filepath.Join(t.TempDir(), "missing.bin")
	r, err = NewExecRecognizer(noModel, logging.Discard(), nil)
	require.NoError(t, err)
	_, err = r.Transcribe(context.Background(), Request{AudioPath: f.audio})
	assert.True(t, fault.Has(err, fault.ToolMissing))

	noBinary := f.cfg
	noBinary.Command = filepath.Join(t.TempDir(), "whisper-cli")
	r, err = NewExecRecognizer(noBinary, logging.Discard(), nil)
	require.NoError(t, err)
	_, err = r.Transcribe(context.Background(), Request{AudioPath: f.audio})
	assert.True(t, fault.Has(err, fault.ToolMissing))
}

func TestTranscribeRequestOverridesModelAndLanguage(t *testing.T) {
	f := newFixture(t, writeOutputs)
	large := filepath.Join(filepath.Dir(f.cfg.ModelPath), "ggml-large-v3.bin")
	require.NoError(t, os.WriteFile(large, []byte("model"), 0o644))
	r := f.recognizer(t)

	_, err := r.Transcribe(context.Background(), Request{AudioPath: f.audio})
	require.NoError(t, err)
	_, err = r.Transcribe(context.Background(), Request{AudioPath: f.audio, ModelPath: large, Language: "en"})
	require.NoError(t, err)

	calls := f.calls(t)
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0], "-m "+f.cfg.ModelPath+" ")
	assert.Contains(t, calls[0], " -l de ")
	assert.Contains(t, calls[1], "-m "+large+" ")
	assert.Contains(t, calls[1], " -l en ")

	_, err = r.Transcribe(context.Background(), Request{AudioPath: f.audio, ModelPath: filepath.Join(t.TempDir(), "gone.bin")})
	assert.True(t, fault.Has(err, fault.ToolMissing))
}

func TestListAndResolveModels(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"ggml-small.bin", "ggml-large-v3.GGUF", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.bin"), 0o755))

	models, err := ListModels(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"ggml-large-v3.GGUF", "ggml-small.bin"}, models)

	missing, err := ListModels(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)

	path, err := ResolveModel(dir, "ggml-small.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ggml-small.bin"), path)

	for _, name := range []string{"", "../ggml-small.bin", "a/ggml-small.bin", "notes.txt"} {
		_, err := ResolveModel(dir, name)
		assert.True(t, fault.Has(err, fault.InvalidInput), "name=%q", name)
	}
	_, err = ResolveModel(dir, "ggml-medium.bin")
	assert.True(t, fault.Has(err, fault.NotFound))
	_, err = ResolveModel(dir, "sub.bin")
	assert.True(t, fault.Has(err, fault.NotFound))

	assert.Equal(t, dir, ModelsDir(config.STTConfig{ModelPath: filepath.Join(dir, "ggml-small.bin")}))
	assert.Equal(t, "/models", ModelsDir(config.STTConfig{ModelPath: filepath.Join(dir, "x.bin"), ModelsDir: "/models"}))
}

func TestValidLanguage(t *testing.T) {
	for _, code := range []string{"de", "en", "auto"} {
		assert.True(t, ValidLanguage(code), code)
	}
	for _, code := range []string{"", "DE", "de-AT", "de;rm", "überlang"} {
		assert.False(t, ValidLanguage(code), code)
	}
}

func TestNewExecRecognizerRejectsEmptyCommand(t *testing.T) {
	_, err := NewExecRecognizer(config.STTConfig{Command: "  "}, logging.Discard(), nil)
	assert.Error(t, err)
}

func TestMockRecognizerScripts(t *testing.T) {
	r := NewMockRecognizer("erste Zeile", "zweite")
	ctx := context.Background()

	first, err := r.Transcribe(ctx, Request{AudioPath: "a.wav"})
	require.NoError(t, err)
	assert.Equal(t, "erste Zeile", first.Text)

	_, _ = r.Transcribe(ctx, Request{AudioPath: "b.wav"})
	third, err := r.Transcribe(ctx, Request{AudioPath: "/tmp/c.wav", Persist: true})
	require.NoError(t, err)
	assert.Equal(t, "[final transcript of c.wav]", third.Text)
}
