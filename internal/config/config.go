package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/speech-relay/internal/protocol"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	TraceStdout  bool   `yaml:"trace_stdout"`
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
	Auth        AuthConfig      `yaml:"auth"`
	TTS         TTSConfig       `yaml:"tts"`
	STT         STTConfig       `yaml:"stt"`
	Relay       RelayConfig     `yaml:"relay"`
	Audit       AuditConfig     `yaml:"audit"`
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

// AuthConfig describes how short-lived IAM tokens are obtained.
type AuthConfig struct {
	URL             string `yaml:"url"`
	Secret          string `yaml:"secret"`
	RefreshInterval int    `yaml:"refresh_interval_s"`
	RequestTimeout  int    `yaml:"request_timeout_ms"`
	ReadyTimeout    int    `yaml:"ready_timeout_ms"`
}

type TTSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Subject         string `yaml:"subject"`
	URL             string `yaml:"url"`
	DefaultLanguage string `yaml:"default_language"`
	FolderID        string `yaml:"folder_id"`
}

type STTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Subject         string `yaml:"subject"`
	URL             string `yaml:"url"`
	DefaultLanguage string `yaml:"default_language"`
	DefaultFormat   string `yaml:"default_format"`
	FolderID        string `yaml:"folder_id"`
}

type RelayConfig struct {
	RequestTimeout int `yaml:"request_timeout_ms"`
	MaxInflight    int `yaml:"max_inflight"`
}

type AuditConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "speech-relay",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Auth: AuthConfig{
			URL:             "https://iam.api.cloud.yandex.net/iam/v1/tokens",
			RefreshInterval: 3600,
			RequestTimeout:  10000,
			ReadyTimeout:    15000,
		},
		TTS: TTSConfig{
			Enabled:         true,
			Subject:         protocol.SubjectTTSDefault,
			URL:             "https://tts.api.cloud.yandex.net/speech/v1/tts:synthesize",
			DefaultLanguage: "ru-RU",
		},
		STT: STTConfig{
			Enabled:         false,
			Subject:         protocol.SubjectSTTDefault,
			URL:             "https://stt.api.cloud.yandex.net/speech/v1/stt:recognize",
			DefaultLanguage: "ru-RU",
			DefaultFormat:   "oggopus",
		},
		Relay: RelayConfig{
			RequestTimeout: 30000,
			MaxInflight:    256,
		},
		Audit: AuditConfig{
			Path:          "./data/relay-audit.db",
			RetentionMode: "persistent",
			RetentionDays: 7,
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

// RefreshEvery is the credential refresh period.
func (c AuthConfig) RefreshEvery() time.Duration {
	return time.Duration(c.RefreshInterval) * time.Second
}

func (c RelayConfig) Timeout() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "RELAY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "RELAY_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "RELAY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "RELAY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "RELAY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "RELAY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "RELAY_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.TraceStdout, "RELAY_TELEMETRY_TRACE_STDOUT")
	overrideBool(&cfg.Bus.Embedded, "RELAY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "RELAY_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "RELAY_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "RELAY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "RELAY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "RELAY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "RELAY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "RELAY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "RELAY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Auth.URL, "RELAY_AUTH_URL")
	overrideString(&cfg.Auth.Secret, "RELAY_AUTH_SECRET")
	overrideInt(&cfg.Auth.RefreshInterval, "RELAY_AUTH_REFRESH_INTERVAL_S")
	overrideInt(&cfg.Auth.RequestTimeout, "RELAY_AUTH_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Auth.ReadyTimeout, "RELAY_AUTH_READY_TIMEOUT_MS")
	overrideBool(&cfg.TTS.Enabled, "RELAY_TTS_ENABLED")
	overrideString(&cfg.TTS.Subject, "RELAY_TTS_SUBJECT")
	overrideString(&cfg.TTS.URL, "RELAY_TTS_URL")
	overrideString(&cfg.TTS.DefaultLanguage, "RELAY_TTS_DEFAULT_LANGUAGE")
	overrideString(&cfg.TTS.FolderID, "RELAY_TTS_FOLDER_ID")
	overrideBool(&cfg.STT.Enabled, "RELAY_STT_ENABLED")
	overrideString(&cfg.STT.Subject, "RELAY_STT_SUBJECT")
	overrideString(&cfg.STT.URL, "RELAY_STT_URL")
	overrideString(&cfg.STT.DefaultLanguage, "RELAY_STT_DEFAULT_LANGUAGE")
	overrideString(&cfg.STT.DefaultFormat, "RELAY_STT_DEFAULT_FORMAT")
	overrideString(&cfg.STT.FolderID, "RELAY_STT_FOLDER_ID")
	overrideInt(&cfg.Relay.RequestTimeout, "RELAY_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Relay.MaxInflight, "RELAY_MAX_INFLIGHT")
	overrideString(&cfg.Audit.Path, "RELAY_AUDIT_PATH")
	overrideString(&cfg.Audit.RetentionMode, "RELAY_AUDIT_RETENTION_MODE")
	overrideInt(&cfg.Audit.RetentionDays, "RELAY_AUDIT_RETENTION_DAYS")
	overrideBool(&cfg.Audit.VacuumOnStart, "RELAY_AUDIT_VACUUM_ON_START")
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
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Auth.URL == "" {
		return errors.New("auth.url must not be empty")
	}
	if cfg.Auth.RefreshInterval <= 0 {
		return errors.New("auth.refresh_interval_s must be positive")
	}
	if cfg.Auth.RequestTimeout <= 0 {
		return errors.New("auth.request_timeout_ms must be positive")
	}
	if cfg.Auth.ReadyTimeout < 0 {
		return errors.New("auth.ready_timeout_ms must be >= 0")
	}
	if !cfg.TTS.Enabled && !cfg.STT.Enabled {
		return errors.New("at least one of tts.enabled or stt.enabled must be true")
	}
	if cfg.TTS.Enabled {
		if cfg.TTS.Subject == "" {
			return errors.New("tts.subject must not be empty when tts is enabled")
		}
		if cfg.TTS.URL == "" {
			return errors.New("tts.url must not be empty when tts is enabled")
		}
	}
	if cfg.STT.Enabled {
		if cfg.STT.Subject == "" {
			return errors.New("stt.subject must not be empty when stt is enabled")
		}
		if cfg.STT.URL == "" {
			return errors.New("stt.url must not be empty when stt is enabled")
		}
		if cfg.TTS.Enabled && cfg.STT.Subject == cfg.TTS.Subject {
			return errors.New("stt.subject must differ from tts.subject")
		}
	}
	if cfg.Relay.RequestTimeout <= 0 {
		return errors.New("relay.request_timeout_ms must be positive")
	}
	if cfg.Relay.MaxInflight <= 0 {
		return errors.New("relay.max_inflight must be >= 1")
	}
	switch cfg.Audit.RetentionMode {
	case "ephemeral":
	case "persistent":
		if cfg.Audit.Path == "" {
			return errors.New("audit.path must not be empty when retention_mode=persistent")
		}
	default:
		return errors.New("audit.retention_mode must be one of ephemeral|persistent")
	}
	if cfg.Audit.RetentionDays < 0 {
		return errors.New("audit.retention_days must be >= 0")
	}
	return nil
}
