package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	TraceExporter  string `yaml:"trace_exporter"` // auto, otlp, stdout, none
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"` // empty serves /metrics on the API listener
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (t TelemetryConfig) SlogLevel() slog.Level {
	switch strings.ToLower(t.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Audio       AudioConfig       `yaml:"audio"`
	Fetch       FetchConfig       `yaml:"fetch"`
	Status      StatusConfig      `yaml:"status"`
	Samples     map[string]string `yaml:"samples"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// PipelineConfig selects the inference backend the session hands audio to.
type PipelineConfig struct {
	Mode             string `yaml:"mode"` // mock, exec, whisper
	Command          string `yaml:"command"`
	ModelDir         string `yaml:"model_dir"`
	DefaultModel     string `yaml:"default_model"`
	DefaultPrecision string `yaml:"default_precision"`
	Device           string `yaml:"device"`
	Threads          int    `yaml:"threads"`
}

// AudioConfig picks the container decoder. "auto" uses ffmpeg when it is on
// PATH and falls back to WAV-only decoding otherwise.
type AudioConfig struct {
	Decoder        string `yaml:"decoder"` // auto, wav, ffmpeg
	FFmpegPath     string `yaml:"ffmpeg_path"`
	FFprobePath    string `yaml:"ffprobe_path"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

type FetchConfig struct {
	TimeoutMS int    `yaml:"timeout_ms"`
	UserAgent string `yaml:"user_agent"`
}

type StatusConfig struct {
	Scrollback int `yaml:"scrollback"`
}

const sampleBase = "https://raw.githubusercontent.com/harisnae/transcribe-asr/main/assets/"

// DefaultSamples is the built-in sample catalog.
func DefaultSamples() map[string]string {
	return map[string]string{
		"Angular_EN":       sampleBase + "angular_momentum_english.m4a",
		"Lifetime_EN":      sampleBase + "bh_lifetime_english.m4a",
		"Physics_EN":       sampleBase + "bh_physics_english.m4a",
		"Blackhole_EN":     sampleBase + "blackhole_english.m4a",
		"Centrifugal_EN":   sampleBase + "centrifugal_force_english.m4a",
		"Charged_EN":       sampleBase + "charged_ball_english.m4a",
		"Erixx_DE":         sampleBase + "erixx_german.m4a",
		"Function_EN":      sampleBase + "function_english.m4a",
		"Hawking_EN":       sampleBase + "hawking_english.m4a",
		"Imaginary_EN":     sampleBase + "imaginary_time_english.m4a",
		"Kerr_EN":          sampleBase + "kerr_bh_english.m4a",
		"Korean_KR":        sampleBase + "korean.m4a",
		"Menschenwürde_DE": sampleBase + "menschenwürde_german.m4a",
		"Vision4i_DE":      sampleBase + "vision4i_2_german.m4a",
		"Vision4i2_DE":     sampleBase + "vision4i_german.m4a",
	}
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-asr",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:      "info",
			TraceExporter: "auto",
			OTLPInsecure:  true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-asr-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Pipeline: PipelineConfig{
			Mode:             "mock",
			ModelDir:         "./models",
			DefaultModel:     "onnx-community/whisper-base",
			DefaultPrecision: "fp32",
			Device:           "auto",
		},
		Audio: AudioConfig{
			Decoder:        "auto",
			FFmpegPath:     "ffmpeg",
			FFprobePath:    "ffprobe",
			MaxUploadBytes: 64 << 20,
		},
		Fetch: FetchConfig{
			TimeoutMS: 30000,
			UserAgent: "loqa-asr/0.1",
		},
		Status: StatusConfig{
			Scrollback: 1000,
		},
		Samples: DefaultSamples(),
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
		// a samples section replaces the built-in catalog instead of merging
		cfg.Samples = nil
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
		if cfg.Samples == nil {
			cfg.Samples = DefaultSamples()
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Pipeline.Mode, "LOQA_PIPELINE_MODE")
	overrideString(&cfg.Pipeline.Command, "LOQA_PIPELINE_COMMAND")
	overrideString(&cfg.Pipeline.ModelDir, "LOQA_PIPELINE_MODEL_DIR")
	overrideString(&cfg.Pipeline.DefaultModel, "LOQA_PIPELINE_DEFAULT_MODEL")
	overrideString(&cfg.Pipeline.DefaultPrecision, "LOQA_PIPELINE_DEFAULT_PRECISION")
	overrideString(&cfg.Pipeline.Device, "LOQA_PIPELINE_DEVICE")
	overrideInt(&cfg.Pipeline.Threads, "LOQA_PIPELINE_THREADS")
	overrideString(&cfg.Audio.Decoder, "LOQA_AUDIO_DECODER")
	overrideString(&cfg.Audio.FFmpegPath, "LOQA_AUDIO_FFMPEG_PATH")
	overrideString(&cfg.Audio.FFprobePath, "LOQA_AUDIO_FFPROBE_PATH")
	overrideInt64(&cfg.Audio.MaxUploadBytes, "LOQA_AUDIO_MAX_UPLOAD_BYTES")
	overrideInt(&cfg.Fetch.TimeoutMS, "LOQA_FETCH_TIMEOUT_MS")
	overrideString(&cfg.Fetch.UserAgent, "LOQA_FETCH_USER_AGENT")
	overrideInt(&cfg.Status.Scrollback, "LOQA_STATUS_SCROLLBACK")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
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
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Telemetry.TraceExporter {
	case "", "auto", "stdout", "none":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of auto|otlp|stdout|none")
	}
	switch cfg.Pipeline.Mode {
	case "mock", "exec", "whisper":
	default:
		return errors.New("pipeline.mode must be one of mock|exec|whisper")
	}
	if cfg.Pipeline.Mode == "exec" && cfg.Pipeline.Command == "" {
		return errors.New("pipeline.command must be set when mode=exec")
	}
	if cfg.Pipeline.Threads < 0 {
		return errors.New("pipeline.threads must be >= 0")
	}
	switch cfg.Audio.Decoder {
	case "auto", "wav":
	case "ffmpeg":
		if cfg.Audio.FFmpegPath == "" || cfg.Audio.FFprobePath == "" {
			return errors.New("audio.ffmpeg_path and audio.ffprobe_path must be set when decoder=ffmpeg")
		}
	default:
		return errors.New("audio.decoder must be one of auto|wav|ffmpeg")
	}
	if cfg.Audio.MaxUploadBytes <= 0 {
		return errors.New("audio.max_upload_bytes must be positive")
	}
	if cfg.Fetch.TimeoutMS < 0 {
		return errors.New("fetch.timeout_ms must be >= 0")
	}
	if cfg.Status.Scrollback <= 0 {
		return errors.New("status.scrollback must be positive")
	}
	for key, url := range cfg.Samples {
		if strings.TrimSpace(key) == "" || strings.TrimSpace(url) == "" {
			return fmt.Errorf("samples entry %q must have a key and url", key)
		}
	}
	return nil
}
