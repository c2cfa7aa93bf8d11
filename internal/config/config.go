package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type CaptureConfig struct {
	Mode        string `yaml:"mode"` // mock, file, exec
	WAVPath     string `yaml:"wav_path"`
	Command     string `yaml:"command"`
	TimesliceMS int    `yaml:"timeslice_ms"`
	SampleRate  int    `yaml:"sample_rate"`
	Channels    int    `yaml:"channels"`
	MimeType    string `yaml:"mime_type"`
}

type TransportConfig struct {
	StreamURL            string `yaml:"stream_url"`
	UploadURL            string `yaml:"upload_url"`
	HandshakeTimeoutMS   int    `yaml:"handshake_timeout_ms"`
	MaxSendFailures      int    `yaml:"max_send_failures"`
	QueueSize            int    `yaml:"queue_size"`
	CloseTimeoutMS       int    `yaml:"close_timeout_ms"`
	ReconnectBaseMS      int    `yaml:"reconnect_base_ms"`
	ReconnectCapMS       int    `yaml:"reconnect_cap_ms"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	UploadRetryBaseMS    int    `yaml:"upload_retry_base_ms"`
	UploadRetryCapMS     int    `yaml:"upload_retry_cap_ms"`
	UploadMaxAttempts    int    `yaml:"upload_max_attempts"`
}

type SessionConfig struct {
	EndTimeoutMS int `yaml:"end_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type Config struct {
	ClientName  string          `yaml:"client_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Capture     CaptureConfig   `yaml:"capture"`
	Transport   TransportConfig `yaml:"transport"`
	Session     SessionConfig   `yaml:"session"`
	Store       StoreConfig     `yaml:"store"`
	Bus         BusConfig       `yaml:"bus"`
}

func Default() Config {
	return Config{
		ClientName:  "mina-client",
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
		Capture: CaptureConfig{
			Mode:        "mock",
			TimesliceMS: 250,
			SampleRate:  16000,
			Channels:    1,
			MimeType:    "audio/pcm",
		},
		Transport: TransportConfig{
			StreamURL:            "ws://localhost:9090/stream",
			UploadURL:            "http://localhost:9090/upload",
			HandshakeTimeoutMS:   2000,
			MaxSendFailures:      3,
			QueueSize:            64,
			CloseTimeoutMS:       5000,
			ReconnectBaseMS:      500,
			ReconnectCapMS:       8000,
			MaxReconnectAttempts: 4,
			UploadRetryBaseMS:    500,
			UploadRetryCapMS:     8000,
			UploadMaxAttempts:    3,
		},
		Session: SessionConfig{
			EndTimeoutMS: 5000,
		},
		Store: StoreConfig{
			Path:          "./data/mina-transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
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

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ClientName, "MINA_CLIENT_NAME")
	overrideString(&cfg.Environment, "MINA_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "MINA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "MINA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "MINA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "MINA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "MINA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Capture.Mode, "MINA_CAPTURE_MODE")
	overrideString(&cfg.Capture.WAVPath, "MINA_CAPTURE_WAV_PATH")
	overrideString(&cfg.Capture.Command, "MINA_CAPTURE_COMMAND")
	overrideInt(&cfg.Capture.TimesliceMS, "MINA_CAPTURE_TIMESLICE_MS")
	overrideInt(&cfg.Capture.SampleRate, "MINA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "MINA_CAPTURE_CHANNELS")
	overrideString(&cfg.Capture.MimeType, "MINA_CAPTURE_MIME_TYPE")
	overrideString(&cfg.Transport.StreamURL, "MINA_TRANSPORT_STREAM_URL")
	overrideString(&cfg.Transport.UploadURL, "MINA_TRANSPORT_UPLOAD_URL")
	overrideInt(&cfg.Transport.HandshakeTimeoutMS, "MINA_TRANSPORT_HANDSHAKE_TIMEOUT_MS")
	overrideInt(&cfg.Transport.MaxSendFailures, "MINA_TRANSPORT_MAX_SEND_FAILURES")
	overrideInt(&cfg.Transport.QueueSize, "MINA_TRANSPORT_QUEUE_SIZE")
	overrideInt(&cfg.Transport.CloseTimeoutMS, "MINA_TRANSPORT_CLOSE_TIMEOUT_MS")
	overrideInt(&cfg.Transport.ReconnectBaseMS, "MINA_TRANSPORT_RECONNECT_BASE_MS")
	overrideInt(&cfg.Transport.ReconnectCapMS, "MINA_TRANSPORT_RECONNECT_CAP_MS")
	overrideInt(&cfg.Transport.MaxReconnectAttempts, "MINA_TRANSPORT_MAX_RECONNECT_ATTEMPTS")
	overrideInt(&cfg.Transport.UploadRetryBaseMS, "MINA_TRANSPORT_UPLOAD_RETRY_BASE_MS")
	overrideInt(&cfg.Transport.UploadRetryCapMS, "MINA_TRANSPORT_UPLOAD_RETRY_CAP_MS")
	overrideInt(&cfg.Transport.UploadMaxAttempts, "MINA_TRANSPORT_UPLOAD_MAX_ATTEMPTS")
	overrideInt(&cfg.Session.EndTimeoutMS, "MINA_SESSION_END_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "MINA_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "MINA_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "MINA_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "MINA_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "MINA_STORE_VACUUM_ON_START")
	overrideBool(&cfg.Bus.Enabled, "MINA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "MINA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "MINA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "MINA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "MINA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "MINA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "MINA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "MINA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "MINA_BUS_CONNECT_TIMEOUT_MS")
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
	if cfg.ClientName == "" {
		return errors.New("client_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Capture.Mode {
	case "mock", "file", "exec":
	default:
		return fmt.Errorf("capture.mode must be one of mock, file, exec: %q", cfg.Capture.Mode)
	}
	if cfg.Capture.Mode == "file" && cfg.Capture.WAVPath == "" {
		return errors.New("capture.wav_path must be set in file mode")
	}
	if cfg.Capture.Mode == "exec" && cfg.Capture.Command == "" {
		return errors.New("capture.command must be set in exec mode")
	}
	if cfg.Capture.TimesliceMS < 50 {
		return errors.New("capture.timeslice_ms must be at least 50")
	}
	if cfg.Transport.StreamURL == "" && cfg.Transport.UploadURL == "" {
		return errors.New("transport requires stream_url or upload_url")
	}
	if cfg.Transport.MaxSendFailures <= 0 {
		return errors.New("transport.max_send_failures must be positive")
	}
	if cfg.Transport.QueueSize <= 0 {
		return errors.New("transport.queue_size must be positive")
	}
	if cfg.Transport.MaxReconnectAttempts <= 0 {
		return errors.New("transport.max_reconnect_attempts must be positive")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return fmt.Errorf("store.retention_mode must be one of ephemeral, session, persistent: %q", cfg.Store.RetentionMode)
	}
	if cfg.Bus.Enabled && !cfg.Bus.Embedded && len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.Bus.Embedded && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
		return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
	}
	return nil
}
