package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFile        string `yaml:"log_file"`
	LogMaxSizeMB   int    `yaml:"log_max_size_mb"`
	LogMaxBackups  int    `yaml:"log_max_backups"`
	LogMaxAgeDays  int    `yaml:"log_max_age_days"`
	LogCompress    bool   `yaml:"log_compress"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind           string `yaml:"bind"`
	Port           int    `yaml:"port"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Audio       AudioConfig     `yaml:"audio"`
	STT         STTConfig       `yaml:"stt"`
	Stream      StreamConfig    `yaml:"stream"`
	LLM         LLMConfig       `yaml:"llm"`
	Dialog      DialogConfig    `yaml:"dialog"`
	Records     RecordsConfig   `yaml:"records"`
	GDT         GDTConfig       `yaml:"gdt"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// AudioConfig drives the ffmpeg based normalizer.
type AudioConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path"`
	TimeoutMS   int    `yaml:"timeout_ms"`
	SampleRate  int    `yaml:"sample_rate"`
	MaxParallel int    `yaml:"max_parallel"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"` // exec, mock
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	// ModelsDir holds the selectable model files. Empty means the directory
	// of ModelPath.
	ModelsDir string `yaml:"models_dir"`
	Language  string `yaml:"language"`
	BeamSize  int    `yaml:"beam_size"`
	Prompt    string `yaml:"prompt"`
	ExtraArgs string `yaml:"extra_args"`
}

// StreamConfig covers live chunk ingestion and finalization.
type StreamConfig struct {
	WorkDir            string   `yaml:"work_dir"`
	AllowedExtensions  []string `yaml:"allowed_extensions"`
	DefaultExtension   string   `yaml:"default_extension"`
	MaxTranscriptChars int      `yaml:"max_transcript_chars"`
	ChunkLookback      int      `yaml:"chunk_lookback"`
	ChunkMinOverlap    int      `yaml:"chunk_min_overlap"`
	FinalLookback      int      `yaml:"final_lookback"`
	FinalMinOverlap    int      `yaml:"final_min_overlap"`
	OverlapTrimMS      int      `yaml:"overlap_trim_ms"`
	MinFinalChars      int      `yaml:"min_final_chars"`
	CaptionWaitMS      int      `yaml:"caption_wait_ms"`
	CaptionPollMS      int      `yaml:"caption_poll_ms"`
	SessionTTLSeconds  int      `yaml:"session_ttl_seconds"`
	ReapIntervalSecs   int      `yaml:"reap_interval_seconds"`
}

type LLMConfig struct {
	Mode               string  `yaml:"mode"` // http, mock
	Endpoint           string  `yaml:"endpoint"`
	DefaultModel       string  `yaml:"default_model"`
	SpeakerTimeoutMS   int     `yaml:"speaker_timeout_ms"`
	SummaryTimeoutMS   int     `yaml:"summary_timeout_ms"`
	SpeakerTemperature float64 `yaml:"speaker_temperature"`
	SummaryTemperature float64 `yaml:"summary_temperature"`
}

type DialogConfig struct {
	SpeakerMode       string   `yaml:"speaker_mode"` // llm, off, unknown
	Roles             []string `yaml:"roles"`
	SpeakerPromptPath string   `yaml:"speaker_prompt_path"`
	SummaryPromptPath string   `yaml:"summary_prompt_path"`
	TermsPath         string   `yaml:"terms_path"`
	TermsCutoff       float64  `yaml:"terms_cutoff"`
}

type RecordsConfig struct {
	Path          string `yaml:"path"`
	OutputDir     string `yaml:"output_dir"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type GDTConfig struct {
	Path        string `yaml:"path"`
	RemoveOnUse bool   `yaml:"remove_on_use"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:           "0.0.0.0",
			Port:           8080,
			MaxUploadBytes: 512 << 20,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			LogMaxSizeMB:   100,
			LogMaxBackups:  10,
			LogMaxAgeDays:  30,
			LogCompress:    true,
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Audio: AudioConfig{
			FFmpegPath:  "ffmpeg",
			TimeoutMS:   15000,
			SampleRate:  16000,
			MaxParallel: 4,
		},
		STT: STTConfig{
			Mode:      "exec",
			Command:   "whisper-cli",
			ModelPath: "./models/ggml-small-q8_0.bin",
			Language:  "de",
			BeamSize:  5,
		},
		Stream: StreamConfig{
			WorkDir:            "./data/uploads",
			AllowedExtensions:  []string{"webm", "ogg", "m4a", "mp4", "wav"},
			DefaultExtension:   "webm",
			MaxTranscriptChars: 20000,
			ChunkLookback:      400,
			ChunkMinOverlap:    16,
			FinalLookback:      800,
			FinalMinOverlap:    10,
			OverlapTrimMS:      700,
			MinFinalChars:      20,
			CaptionWaitMS:      5000,
			CaptionPollMS:      200,
			SessionTTLSeconds:  4 * 60 * 60,
			ReapIntervalSecs:   60,
		},
		LLM: LLMConfig{
			Mode:               "http",
			Endpoint:           "http://localhost:11434/api/generate",
			DefaultModel:       "mistral",
			SpeakerTimeoutMS:   30000,
			SummaryTimeoutMS:   60000,
			SpeakerTemperature: 0.0,
			SummaryTemperature: 0.2,
		},
		Dialog: DialogConfig{
			SpeakerMode: "llm",
			Roles:       []string{"Patient", "Arzt"},
			TermsCutoff: 0.90,
		},
		Records: RecordsConfig{
			Path:          "./data/scribe-records.db",
			OutputDir:     "./data/transcripts",
			RetentionMode: "persistent",
			RetentionDays: 0,
			MaxSessions:   10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := loadDotenv(); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotenv populates the process environment from SCRIBE_ENV_FILE (or
// ./.env). Variables already set win over the file.
func loadDotenv() error {
	path := ".env"
	explicit := false
	if value, ok := os.LookupEnv("SCRIBE_ENV_FILE"); ok && strings.TrimSpace(value) != "" {
		path = value
		explicit = true
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return fmt.Errorf("env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideInt64(&cfg.HTTP.MaxUploadBytes, "SCRIBE_HTTP_MAX_UPLOAD_BYTES")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_LOG_LEVEL")
	overrideString(&cfg.Telemetry.LogFile, "SCRIBE_LOG_FILE")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "SCRIBE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Audio.FFmpegPath, "SCRIBE_FFMPEG_PATH")
	overrideInt(&cfg.Audio.TimeoutMS, "SCRIBE_FFMPEG_TIMEOUT_MS")
	overrideInt(&cfg.Audio.MaxParallel, "SCRIBE_AUDIO_MAX_PARALLEL")
	overrideString(&cfg.STT.Mode, "SCRIBE_STT_MODE")
	overrideString(&cfg.STT.Command, "SCRIBE_WHISPER_CLI")
	overrideString(&cfg.STT.ModelPath, "SCRIBE_WHISPER_MODEL")
	overrideString(&cfg.STT.ModelsDir, "SCRIBE_WHISPER_MODELS_DIR")
	overrideString(&cfg.STT.Language, "SCRIBE_WHISPER_LANGUAGE")
	overrideInt(&cfg.STT.BeamSize, "SCRIBE_WHISPER_BEAM")
	overrideString(&cfg.STT.Prompt, "SCRIBE_WHISPER_PROMPT")
	overrideString(&cfg.STT.ExtraArgs, "SCRIBE_WHISPER_EXTRA_ARGS")
	overrideString(&cfg.Stream.WorkDir, "SCRIBE_STREAM_WORK_DIR")
	overrideInt(&cfg.Stream.MaxTranscriptChars, "SCRIBE_STREAM_MAX_TRANSCRIPT_CHARS")
	overrideInt(&cfg.Stream.ChunkLookback, "SCRIBE_STREAM_CHUNK_LOOKBACK")
	overrideInt(&cfg.Stream.ChunkMinOverlap, "SCRIBE_STREAM_CHUNK_MIN_OVERLAP")
	overrideInt(&cfg.Stream.FinalLookback, "SCRIBE_STREAM_FINAL_LOOKBACK")
	overrideInt(&cfg.Stream.FinalMinOverlap, "SCRIBE_STREAM_FINAL_MIN_OVERLAP")
	overrideInt(&cfg.Stream.OverlapTrimMS, "SCRIBE_OVERLAP_TRIM_MS")
	overrideInt(&cfg.Stream.SessionTTLSeconds, "SCRIBE_STREAM_SESSION_TTL_SECONDS")
	overrideString(&cfg.LLM.Mode, "SCRIBE_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "SCRIBE_LLM_URL")
	overrideString(&cfg.LLM.DefaultModel, "SCRIBE_LLM_MODEL")
	overrideInt(&cfg.LLM.SpeakerTimeoutMS, "SCRIBE_LLM_SPEAKER_TIMEOUT_MS")
	overrideInt(&cfg.LLM.SummaryTimeoutMS, "SCRIBE_LLM_SUMMARY_TIMEOUT_MS")
	overrideString(&cfg.Dialog.SpeakerMode, "SCRIBE_SPEAKER_MODE")
	overrideStringSlice(&cfg.Dialog.Roles, "SCRIBE_SPEAKER_ROLES")
	overrideString(&cfg.Dialog.SpeakerPromptPath, "SCRIBE_SPEAKER_PROMPT_PATH")
	overrideString(&cfg.Dialog.SummaryPromptPath, "SCRIBE_SUMMARY_PROMPT_PATH")
	overrideString(&cfg.Dialog.TermsPath, "SCRIBE_TERMS_PATH")
	overrideFloat(&cfg.Dialog.TermsCutoff, "SCRIBE_TERMS_CUTOFF")
	overrideString(&cfg.Records.Path, "SCRIBE_RECORDS_PATH")
	overrideString(&cfg.Records.OutputDir, "SCRIBE_RECORDS_OUTPUT_DIR")
	overrideString(&cfg.Records.RetentionMode, "SCRIBE_RECORDS_RETENTION_MODE")
	overrideInt(&cfg.Records.RetentionDays, "SCRIBE_RECORDS_RETENTION_DAYS")
	overrideInt(&cfg.Records.MaxSessions, "SCRIBE_RECORDS_MAX_SESSIONS")
	overrideBool(&cfg.Records.VacuumOnStart, "SCRIBE_RECORDS_VACUUM_ON_START")
	overrideString(&cfg.GDT.Path, "SCRIBE_GDT_PATH")
	overrideBool(&cfg.GDT.RemoveOnUse, "SCRIBE_GDT_REMOVE_ON_USE")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Audio.FFmpegPath == "" {
		return errors.New("audio.ffmpeg_path must not be empty")
	}
	if cfg.Audio.TimeoutMS <= 0 {
		return errors.New("audio.timeout_ms must be positive")
	}
	if cfg.Audio.MaxParallel <= 0 {
		return errors.New("audio.max_parallel must be >= 1")
	}
	switch cfg.STT.Mode {
	case "exec":
		if cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
		if cfg.STT.ModelPath == "" {
			return errors.New("stt.model_path must be set when mode=exec")
		}
	case "mock":
	default:
		return errors.New("stt.mode must be one of exec|mock")
	}
	if cfg.STT.BeamSize < 0 {
		return errors.New("stt.beam_size must be >= 0")
	}
	if cfg.Stream.WorkDir == "" {
		return errors.New("stream.work_dir must not be empty")
	}
	if len(cfg.Stream.AllowedExtensions) == 0 {
		return errors.New("stream.allowed_extensions must not be empty")
	}
	if cfg.Stream.MaxTranscriptChars <= 0 {
		return errors.New("stream.max_transcript_chars must be positive")
	}
	if cfg.Stream.ChunkLookback <= 0 || cfg.Stream.FinalLookback <= 0 {
		return errors.New("stream lookback values must be positive")
	}
	if cfg.Stream.ChunkMinOverlap <= 0 || cfg.Stream.FinalMinOverlap <= 0 {
		return errors.New("stream min overlap values must be positive")
	}
	if cfg.Stream.OverlapTrimMS < 0 {
		return errors.New("stream.overlap_trim_ms must be >= 0")
	}
	if cfg.Stream.CaptionWaitMS < 0 || cfg.Stream.CaptionPollMS <= 0 {
		return errors.New("stream caption wait must be >= 0 and poll positive")
	}
	if cfg.Stream.SessionTTLSeconds < 0 {
		return errors.New("stream.session_ttl_seconds must be >= 0")
	}
	switch cfg.LLM.Mode {
	case "http":
		if cfg.LLM.Endpoint == "" {
			return errors.New("llm.endpoint must be set when mode=http")
		}
	case "mock":
	default:
		return errors.New("llm.mode must be one of http|mock")
	}
	if cfg.LLM.SpeakerTimeoutMS <= 0 || cfg.LLM.SummaryTimeoutMS <= 0 {
		return errors.New("llm timeouts must be positive")
	}
	switch cfg.Dialog.SpeakerMode {
	case "llm", "off", "unknown":
	default:
		return errors.New("dialog.speaker_mode must be one of llm|off|unknown")
	}
	if len(cfg.Dialog.Roles) != 2 {
		return errors.New("dialog.roles must name exactly two roles")
	}
	if cfg.Dialog.TermsCutoff <= 0 || cfg.Dialog.TermsCutoff > 1 {
		return errors.New("dialog.terms_cutoff must be in (0, 1]")
	}
	if cfg.Records.OutputDir == "" {
		return errors.New("records.output_dir must not be empty")
	}
	switch cfg.Records.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("records.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Records.RetentionMode != "ephemeral" && cfg.Records.Path == "" {
		return errors.New("records.path must not be empty")
	}
	if cfg.Records.RetentionDays < 0 {
		return errors.New("records.retention_days must be >= 0")
	}
	return nil
}
