package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SCRIBE_ENV_FILE", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Stream.ChunkLookback != 400 || cfg.Stream.ChunkMinOverlap != 16 {
		t.Fatalf("expected chunk merge 400/16, got %d/%d", cfg.Stream.ChunkLookback, cfg.Stream.ChunkMinOverlap)
	}
	if cfg.Stream.FinalLookback != 800 || cfg.Stream.FinalMinOverlap != 10 {
		t.Fatalf("expected final merge 800/10, got %d/%d", cfg.Stream.FinalLookback, cfg.Stream.FinalMinOverlap)
	}
	if cfg.Stream.MaxTranscriptChars != 20000 {
		t.Fatalf("expected transcript cap 20000, got %d", cfg.Stream.MaxTranscriptChars)
	}
	if cfg.Audio.TimeoutMS != 15000 {
		t.Fatalf("expected ffmpeg timeout 15000, got %d", cfg.Audio.TimeoutMS)
	}
	if cfg.LLM.DefaultModel != "mistral" {
		t.Fatalf("expected default model mistral, got %q", cfg.LLM.DefaultModel)
	}
	if cfg.Dialog.Roles[0] != "Patient" || cfg.Dialog.Roles[1] != "Arzt" {
		t.Fatalf("unexpected default roles %v", cfg.Dialog.Roles)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scribe.yaml")
	body := []byte(`
runtime_name: clinic-a
http:
  port: 9090
stream:
  work_dir: /srv/uploads
  chunk_min_overlap: 12
dialog:
  speaker_mode: "off"
  roles: ["Patientin", "Ärztin"]
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RuntimeName != "clinic-a" || cfg.HTTP.Port != 9090 {
		t.Fatalf("expected yaml values, got %q/%d", cfg.RuntimeName, cfg.HTTP.Port)
	}
	if cfg.Stream.WorkDir != "/srv/uploads" || cfg.Stream.ChunkMinOverlap != 12 {
		t.Fatalf("expected stream overrides from yaml")
	}
	// untouched keys keep their defaults
	if cfg.Stream.ChunkLookback != 400 {
		t.Fatalf("expected default lookback to survive, got %d", cfg.Stream.ChunkLookback)
	}
	if cfg.Dialog.SpeakerMode != "off" || cfg.Dialog.Roles[1] != "Ärztin" {
		t.Fatalf("expected dialog overrides, got %+v", cfg.Dialog)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_USERNAME", "alice")
	t.Setenv("SCRIBE_BUS_PASSWORD", "secret")
	t.Setenv("SCRIBE_BUS_TLS_INSECURE", "true")
	t.Setenv("SCRIBE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SCRIBE_FFMPEG_PATH", "/opt/ffmpeg/bin/ffmpeg")
	t.Setenv("SCRIBE_WHISPER_MODEL", "/models/large.bin")
	t.Setenv("SCRIBE_WHISPER_MODELS_DIR", "/models")
	t.Setenv("SCRIBE_WHISPER_BEAM", "8")
	t.Setenv("SCRIBE_LLM_MODEL", "llama3")
	t.Setenv("SCRIBE_SPEAKER_ROLES", "Kunde, Berater")
	t.Setenv("SCRIBE_TERMS_CUTOFF", "0.85")
	t.Setenv("SCRIBE_RECORDS_PATH", "./tmp.db")
	t.Setenv("SCRIBE_RECORDS_RETENTION_DAYS", "7")
	t.Setenv("SCRIBE_RECORDS_VACUUM_ON_START", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Audio.FFmpegPath != "/opt/ffmpeg/bin/ffmpeg" {
		t.Fatalf("expected ffmpeg path override")
	}
	if cfg.STT.ModelPath != "/models/large.bin" || cfg.STT.ModelsDir != "/models" || cfg.STT.BeamSize != 8 {
		t.Fatalf("expected whisper overrides, got %+v", cfg.STT)
	}
	if cfg.LLM.DefaultModel != "llama3" {
		t.Fatalf("expected llm model override")
	}
	if cfg.Dialog.Roles[0] != "Kunde" || cfg.Dialog.Roles[1] != "Berater" {
		t.Fatalf("expected roles override, got %v", cfg.Dialog.Roles)
	}
	if cfg.Dialog.TermsCutoff != 0.85 {
		t.Fatalf("expected terms cutoff override")
	}
	if cfg.Records.Path != "./tmp.db" || cfg.Records.RetentionDays != 7 || !cfg.Records.VacuumOnStart {
		t.Fatalf("expected records overrides, got %+v", cfg.Records)
	}
}

func TestDotenvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "scribe.env")
	if err := os.WriteFile(envPath, []byte("SCRIBE_HTTP_PORT=7070\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	t.Setenv("SCRIBE_ENV_FILE", envPath)
	t.Cleanup(func() { os.Unsetenv("SCRIBE_HTTP_PORT") })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 7070 {
		t.Fatalf("expected port from env file, got %d", cfg.HTTP.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"speaker mode": func(c *Config) { c.Dialog.SpeakerMode = "guess" },
		"roles":        func(c *Config) { c.Dialog.Roles = []string{"one"} },
		"stt mode":     func(c *Config) { c.STT.Mode = "cloud" },
		"min overlap":  func(c *Config) { c.Stream.ChunkMinOverlap = 0 },
		"retention":    func(c *Config) { c.Records.RetentionMode = "forever" },
		"terms cutoff": func(c *Config) { c.Dialog.TermsCutoff = 1.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error for %s", name)
			}
		})
	}
}
