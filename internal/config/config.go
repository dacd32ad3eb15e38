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
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	History     HistoryConfig   `yaml:"history"`
	Engine      EngineConfig    `yaml:"engine"`
	Speech      SpeechConfig    `yaml:"speech"`
}

type BusConfig struct {
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

type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type EngineConfig struct {
	Mode    string `yaml:"mode"` // mock, exec
	Command string `yaml:"command"`
}

// SpeechConfig carries the synthesis pipeline options. Out-of-range values are
// coerced to defaults by Sanitize rather than rejected, so a bad config file
// never takes the whole feature down.
type SpeechConfig struct {
	UseCache   bool   `yaml:"usecache"`
	CacheDir   string `yaml:"cachedir"`
	TempDir    string `yaml:"tempdir"`
	SampleRate int    `yaml:"samplerate"`
	Voice      string `yaml:"voice"`
	Speed      int    `yaml:"speed"`
	Volume     int    `yaml:"volume"`
	WordGap    int    `yaml:"wordgap"`
	Pitch      int    `yaml:"pitch"`
	Capitals   int    `yaml:"capitals"`
}

// Supported playback sample rates and the speech parameter defaults.
const (
	DefaultSampleRate = 8000
	AltSampleRate     = 16000

	DefaultSpeed    = 150
	DefaultVolume   = 100
	DefaultWordGap  = 1
	DefaultPitch    = 50
	DefaultCapitals = 0
	DefaultVoice    = "default"
)

func Default() Config {
	return Config{
		RuntimeName: "loqa-speak",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		History: HistoryConfig{
			Enabled:       true,
			Path:          "./data/loqa-speak.db",
			RetentionDays: 30,
			MaxRequests:   10000,
		},
		Engine: EngineConfig{
			Mode:    "mock",
			Command: "espeak-ng --stdout",
		},
		Speech: SpeechConfig{
			UseCache:   false,
			CacheDir:   "/tmp",
			TempDir:    os.TempDir(),
			SampleRate: DefaultSampleRate,
			Voice:      DefaultVoice,
			Speed:      DefaultSpeed,
			Volume:     DefaultVolume,
			WordGap:    DefaultWordGap,
			Pitch:      DefaultPitch,
			Capitals:   DefaultCapitals,
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

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Sanitize coerces speech parameters into the engine's accepted ranges,
// logging a warning for every substituted value. Unsupported sample rates fall
// back to DefaultSampleRate.
func (c *SpeechConfig) Sanitize(log *slog.Logger) {
	if c.SampleRate != DefaultSampleRate && c.SampleRate != AltSampleRate {
		log.Warn("unsupported sample rate, falling back to default",
			slog.Int("samplerate", c.SampleRate),
			slog.Int("default", DefaultSampleRate))
		c.SampleRate = DefaultSampleRate
	}
	coerce(log, "speed", &c.Speed, 80, 450, DefaultSpeed)
	coerce(log, "volume", &c.Volume, 0, 200, DefaultVolume)
	coerce(log, "wordgap", &c.WordGap, 0, 1000, DefaultWordGap)
	coerce(log, "pitch", &c.Pitch, 0, 99, DefaultPitch)
	coerce(log, "capitals", &c.Capitals, 0, 3, DefaultCapitals)
	if strings.TrimSpace(c.Voice) == "" {
		c.Voice = DefaultVoice
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
}

func coerce(log *slog.Logger, name string, value *int, min, max, def int) {
	if *value < min || *value > max {
		log.Warn("speech parameter out of range, using default",
			slog.String("param", name),
			slog.Int("value", *value),
			slog.Int("default", def))
		*value = def
	}
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_SPEAK_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_SPEAK_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_SPEAK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_SPEAK_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_SPEAK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_SPEAK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_SPEAK_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_SPEAK_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_SPEAK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_SPEAK_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_SPEAK_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_SPEAK_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_SPEAK_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_SPEAK_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_SPEAK_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_SPEAK_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_SPEAK_BUS_CONNECT_TIMEOUT_MS")
	overrideBool(&cfg.History.Enabled, "LOQA_SPEAK_HISTORY_ENABLED")
	overrideString(&cfg.History.Path, "LOQA_SPEAK_HISTORY_PATH")
	overrideInt(&cfg.History.RetentionDays, "LOQA_SPEAK_HISTORY_RETENTION_DAYS")
	overrideInt(&cfg.History.MaxRequests, "LOQA_SPEAK_HISTORY_MAX_REQUESTS")
	overrideBool(&cfg.History.VacuumOnStart, "LOQA_SPEAK_HISTORY_VACUUM_ON_START")
	overrideString(&cfg.Engine.Mode, "LOQA_SPEAK_ENGINE_MODE")
	overrideString(&cfg.Engine.Command, "LOQA_SPEAK_ENGINE_COMMAND")
	overrideBool(&cfg.Speech.UseCache, "LOQA_SPEAK_USECACHE")
	overrideString(&cfg.Speech.CacheDir, "LOQA_SPEAK_CACHEDIR")
	overrideString(&cfg.Speech.TempDir, "LOQA_SPEAK_TEMPDIR")
	overrideInt(&cfg.Speech.SampleRate, "LOQA_SPEAK_SAMPLERATE")
	overrideString(&cfg.Speech.Voice, "LOQA_SPEAK_VOICE")
	overrideInt(&cfg.Speech.Speed, "LOQA_SPEAK_SPEED")
	overrideInt(&cfg.Speech.Volume, "LOQA_SPEAK_VOLUME")
	overrideInt(&cfg.Speech.WordGap, "LOQA_SPEAK_WORDGAP")
	overrideInt(&cfg.Speech.Pitch, "LOQA_SPEAK_PITCH")
	overrideInt(&cfg.Speech.Capitals, "LOQA_SPEAK_CAPITALS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.History.Enabled {
		if cfg.History.Path == "" {
			return errors.New("history.path must not be empty when history is enabled")
		}
		if cfg.History.RetentionDays < 0 {
			return errors.New("history.retention_days must be >= 0")
		}
	}
	switch cfg.Engine.Mode {
	case "mock", "exec":
	default:
		return errors.New("engine.mode must be one of mock|exec")
	}
	if cfg.Engine.Mode == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when mode=exec")
	}
	if cfg.Speech.CacheDir == "" {
		return errors.New("speech.cachedir must not be empty")
	}
	return nil
}
