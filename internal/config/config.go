package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Email    EmailConfig    `mapstructure:"email"`
	Fanout   FanoutConfig   `mapstructure:"fanout"`
	Sheets   SheetsConfig   `mapstructure:"sheets"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	Name         string        `mapstructure:"name"`
	Concurrency  int           `mapstructure:"concurrency"`
	Attempts     int           `mapstructure:"attempts"`
	BackoffDelay time.Duration `mapstructure:"backoff_delay"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	StaleAfter   time.Duration `mapstructure:"stale_after"` // active jobs not heartbeating for this long are re-queued
	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

// UpstreamConfig holds affiliate API settings
type UpstreamConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"` // per company host
	Burst             int           `mapstructure:"burst"`
}

// VaultConfig holds credential encryption settings
type VaultConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"` // 64 hex chars (32 bytes)
	CacheSize     int    `mapstructure:"cache_size"`
}

// WebhookConfig holds the outbound completion webhook
type WebhookConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// EmailConfig holds SMTP settings for balance notifications
type EmailConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	SMTPHost    string        `mapstructure:"smtp_host"`
	SMTPPort    int           `mapstructure:"smtp_port"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	SenderName  string        `mapstructure:"sender_name"`
	SenderEmail string        `mapstructure:"sender_email"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// FanoutConfig holds live update settings
type FanoutConfig struct {
	Buffer    int           `mapstructure:"buffer"`    // per-subscriber channel size
	Heartbeat time.Duration `mapstructure:"heartbeat"` // SSE keep-alive interval
}

// SheetsConfig holds the optional Google Sheets snapshot export
type SheetsConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	SpreadsheetID      string `mapstructure:"spreadsheet_id"`
	SheetName          string `mapstructure:"sheet_name"`
	CredentialsFile    string `mapstructure:"credentials_file"`
	ServiceAccountJSON string `mapstructure:"service_account_json"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
	Output string `mapstructure:"output"` // stdout or file path
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Load .env file if present (ignore errors if not found)
	_ = godotenv.Load()
	_ = godotenv.Load(".env.local")

	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".referral-tracker"))
		}
	}

	v.SetEnvPrefix("TRACKER")
	v.AutomaticEnv()

	// Viper doesn't auto-bind underscored nested keys
	v.BindEnv("database.dsn", "TRACKER_DATABASE_DSN")
	v.BindEnv("server.addr", "TRACKER_SERVER_ADDR")
	v.BindEnv("queue.concurrency", "TRACKER_QUEUE_CONCURRENCY")
	v.BindEnv("upstream.base_url", "TRACKER_UPSTREAM_BASE_URL", "MOCK_API_URL")
	v.BindEnv("upstream.timeout", "TRACKER_UPSTREAM_TIMEOUT")
	v.BindEnv("vault.encryption_key", "TRACKER_VAULT_ENCRYPTION_KEY", "CREDENTIALS_ENCRYPTION_KEY")
	v.BindEnv("webhook.url", "TRACKER_WEBHOOK_URL", "PROMOTER_WEBHOOK_URL")
	v.BindEnv("email.enabled", "TRACKER_EMAIL_ENABLED")
	v.BindEnv("email.smtp_host", "TRACKER_EMAIL_SMTP_HOST")
	v.BindEnv("email.smtp_port", "TRACKER_EMAIL_SMTP_PORT")
	v.BindEnv("email.username", "TRACKER_EMAIL_USERNAME")
	v.BindEnv("email.password", "TRACKER_EMAIL_PASSWORD")
	v.BindEnv("email.sender_name", "TRACKER_EMAIL_SENDER_NAME", "SENDER_NAME")
	v.BindEnv("email.sender_email", "TRACKER_EMAIL_SENDER_EMAIL", "SENDER_EMAIL")
	v.BindEnv("sheets.enabled", "TRACKER_SHEETS_ENABLED")
	v.BindEnv("sheets.spreadsheet_id", "TRACKER_SHEETS_SPREADSHEET_ID")
	v.BindEnv("sheets.service_account_json", "TRACKER_SHEETS_SERVICE_ACCOUNT_JSON", "GOOGLE_SERVICE_ACCOUNT_JSON")
	v.BindEnv("logging.level", "TRACKER_LOGGING_LEVEL")
	v.BindEnv("logging.format", "TRACKER_LOGGING_FORMAT")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.dsn", "./data/tracker.db")

	v.SetDefault("server.addr", ":4000")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("queue.name", "promoter")
	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.attempts", 3)
	v.SetDefault("queue.backoff_delay", "1s")
	v.SetDefault("queue.poll_interval", "1s")
	v.SetDefault("queue.stale_after", "5m")
	v.SetDefault("queue.sync_interval", "30s")

	v.SetDefault("upstream.base_url", "https://api.fprom.io/api/affiliate/v1")
	v.SetDefault("upstream.timeout", "30s")
	v.SetDefault("upstream.requests_per_second", 2.0)
	v.SetDefault("upstream.burst", 2)

	v.SetDefault("vault.cache_size", 4096)

	v.SetDefault("webhook.timeout", "5s")

	v.SetDefault("email.enabled", false)
	v.SetDefault("email.smtp_port", 587)
	v.SetDefault("email.sender_name", "Referral Tracker")
	v.SetDefault("email.timeout", "30s")

	v.SetDefault("fanout.buffer", 16)
	v.SetDefault("fanout.heartbeat", "15s")

	v.SetDefault("sheets.enabled", false)
	v.SetDefault("sheets.sheet_name", "Snapshots")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Vault.EncryptionKey == "" {
		return fmt.Errorf("vault.encryption_key is required")
	}
	key, err := hex.DecodeString(c.Vault.EncryptionKey)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("vault.encryption_key must be 64 hex characters")
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("queue.concurrency must be at least 1")
	}
	if c.Queue.Attempts < 1 {
		return fmt.Errorf("queue.attempts must be at least 1")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Email.Enabled {
		if c.Email.SMTPHost == "" {
			return fmt.Errorf("email.smtp_host is required when email is enabled")
		}
		if c.Email.SenderEmail == "" {
			return fmt.Errorf("email.sender_email is required when email is enabled")
		}
	}
	if c.Sheets.Enabled {
		if c.Sheets.SpreadsheetID == "" {
			return fmt.Errorf("sheets.spreadsheet_id is required when sheets export is enabled")
		}
		if c.Sheets.CredentialsFile == "" && c.Sheets.ServiceAccountJSON == "" {
			return fmt.Errorf("sheets.credentials_file or sheets.service_account_json is required when sheets export is enabled")
		}
	}
	return nil
}
