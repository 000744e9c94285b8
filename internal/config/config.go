package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	// Backend selects the persistence engine, "sqlite" or "bolt".
	Backend string `envconfig:"BACKEND" default:"sqlite"`
	DBPath  string `envconfig:"DB_PATH" default:"downloads.db"`

	DownloadDir string `envconfig:"DOWNLOAD_DIR" required:"true"`

	MaxConcurrent  int           `envconfig:"MAX_CONCURRENT" default:"3"`
	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"5"`
	RetryBaseDelay time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay  time.Duration `envconfig:"RETRY_MAX_DELAY" default:"60s"`
	LockTTL        time.Duration `envconfig:"LOCK_TTL" default:"30s"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Monitor struct {
		Interval        time.Duration `split_words:"true" default:"30s"`
		MinFreeBytes    uint64        `split_words:"true" default:"524288000"`
		ProbeAddress    string        `split_words:"true" default:"1.1.1.1:443"`
		ProbeTimeout    time.Duration `split_words:"true" default:"5s"`
		CleanupInterval time.Duration `split_words:"true" default:"10m"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		OTLPEndpoint string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
	}

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.Backend != "sqlite" && cfg.Backend != "bolt" {
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}

	return &cfg, nil
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
