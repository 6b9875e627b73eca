package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

// Prefix is the prefix of every environment variable read by LoadConfig.
const Prefix = "NETXFER"

// Config struct for environment variables.
type Config struct {
	LogLevel  string `envconfig:"LOG_LEVEL" default:"INFO" validate:"oneof=DEBUG INFO WARN ERROR debug info warn error"`
	OutputDir string `envconfig:"OUTPUT_DIR" default:"."`
	UserAgent string `envconfig:"USER_AGENT" default:"netxfer"`

	MaxConcurrent int           `envconfig:"MAX_CONCURRENT" default:"5" validate:"gte=0"`
	Timeout       time.Duration `envconfig:"TIMEOUT" default:"0s" validate:"gte=0"`
	KnownHosts    string        `envconfig:"KNOWN_HOSTS"`

	Throttle struct {
		RPS   int `envconfig:"RPS" default:"0" validate:"gte=0"`
		Burst int `envconfig:"BURST" default:"1" validate:"gte=1"`
	}

	Proxy struct {
		Allow   bool   `envconfig:"ALLOW" default:"true"`
		UserPwd string `split_words:"true"`
	}

	Journal struct {
		DBPath          string        `split_words:"true" default:"netxfer.db" validate:"required"`
		Retention       time.Duration `envconfig:"RETENTION" default:"168h" validate:"gte=0"`
		CleanupInterval time.Duration `split_words:"true" default:"1h" validate:"gt=0"`
	}

	Telemetry struct {
		Enabled          bool   `envconfig:"ENABLED" default:"true"`
		ServiceName      string `split_words:"true" default:"netxfer" validate:"required"`
		OTLPEndpoint     string `envconfig:"OTLP_ENDPOINT" validate:"omitempty,hostname_port"`
		OTLPLogsEndpoint string `envconfig:"OTLP_LOGS_ENDPOINT" validate:"omitempty,hostname_port"`
		OTLPInsecure     bool   `envconfig:"OTLP_INSECURE" default:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9092" validate:"required,hostname_port"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `envconfig:"USERNAME"`
		Password        string        `envconfig:"PASSWORD" validate:"required_with=Username"`
	}

	WebhookURL string `envconfig:"WEBHOOK_URL" validate:"omitempty,url"`
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the values against their validate tags.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
