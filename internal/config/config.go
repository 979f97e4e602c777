package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the forwarder. It is loaded once
// at startup and passed into the SMTP handler and relay dispatcher at
// construction time; there is no ambient global state.
type Config struct {
	// Database
	DatabaseURL string

	// Inbound SMTP server
	ListenAddr     string
	Hostname       string
	MaxMessageSize int64
	MaxRecipients  int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	TLSCertFile    string
	TLSKeyFile     string
	AllowInsecure  bool

	// Outbound relay
	RelayHost        string
	RelayPort        int
	RelayTLSMode     string
	RelayAuthMethod  string
	RelayUsername    string
	RelayPassword    string
	RelayWorkers     int
	RelayMaxAttempts int
	RelayBackoffBase time.Duration
	RelayBackoffMax  time.Duration

	// Activity event stream
	EventsAddr string

	// Logging
	LogLevel string

	// Environment
	AppEnv string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}

	// Required: DATABASE_URL
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set")
	}

	// Required: RELAY_HOST
	cfg.RelayHost = os.Getenv("RELAY_HOST")
	if cfg.RelayHost == "" {
		return nil, fmt.Errorf("RELAY_HOST is required but not set")
	}

	cfg.ListenAddr = getEnvOrDefault("SMTP_ADDR", ":2525")
	cfg.Hostname = getEnvOrDefault("SMTP_DOMAIN", "localhost")
	cfg.EventsAddr = getEnvOrDefault("EVENTS_ADDR", ":8081")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.AppEnv = getEnvOrDefault("APP_ENV", "development")

	cfg.TLSCertFile = os.Getenv("SMTP_TLS_CERT")
	cfg.TLSKeyFile = os.Getenv("SMTP_TLS_KEY")
	cfg.AllowInsecure = getEnvBool("SMTP_ALLOW_INSECURE", false)

	var err error
	if cfg.MaxMessageSize, err = getEnvInt64("SMTP_MAX_MESSAGE_SIZE", 0); err != nil {
		return nil, err
	}
	if cfg.MaxRecipients, err = getEnvInt("SMTP_MAX_RECIPIENTS", 0); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout, err = getEnvDuration("SMTP_READ_TIMEOUT", 0); err != nil {
		return nil, err
	}
	if cfg.WriteTimeout, err = getEnvDuration("SMTP_WRITE_TIMEOUT", 0); err != nil {
		return nil, err
	}

	if cfg.RelayPort, err = getEnvInt("RELAY_PORT", 25); err != nil {
		return nil, err
	}
	cfg.RelayTLSMode = getEnvOrDefault("RELAY_TLS_MODE", "starttls")
	cfg.RelayAuthMethod = os.Getenv("RELAY_AUTH_METHOD")
	cfg.RelayUsername = os.Getenv("RELAY_USERNAME")
	cfg.RelayPassword = os.Getenv("RELAY_PASSWORD")
	if cfg.RelayWorkers, err = getEnvInt("RELAY_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.RelayMaxAttempts, err = getEnvInt("RELAY_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.RelayBackoffBase, err = getEnvDuration("RELAY_BACKOFF_BASE", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RelayBackoffMax, err = getEnvDuration("RELAY_BACKOFF_MAX", 15*time.Minute); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWithValidation loads and validates configuration, failing fast on errors
func LoadWithValidation() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.AppEnv == "production" {
		if err := cfg.ValidateProduction(); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DatabaseURL cannot be empty")
	}
	if c.RelayHost == "" {
		return fmt.Errorf("RelayHost cannot be empty")
	}
	if c.RelayPort <= 0 || c.RelayPort > 65535 {
		return fmt.Errorf("RelayPort must be between 1 and 65535")
	}
	switch c.RelayTLSMode {
	case "none", "starttls", "tls":
	default:
		return fmt.Errorf("RelayTLSMode must be one of none, starttls, tls")
	}
	switch c.RelayAuthMethod {
	case "", "plain", "login":
	default:
		return fmt.Errorf("RelayAuthMethod must be one of plain, login")
	}
	if c.RelayAuthMethod != "" && c.RelayUsername == "" {
		return fmt.Errorf("RelayUsername is required when RelayAuthMethod is set")
	}
	if c.RelayWorkers <= 0 {
		return fmt.Errorf("RelayWorkers must be positive")
	}
	if c.RelayMaxAttempts <= 0 {
		return fmt.Errorf("RelayMaxAttempts must be positive")
	}
	return nil
}

// ValidateProduction performs additional validation for production environment
func (c *Config) ValidateProduction() error {
	if c.RelayTLSMode == "none" {
		return fmt.Errorf("RELAY_TLS_MODE=none is not allowed in production")
	}

	if strings.Contains(c.DatabaseURL, "sslmode=disable") {
		return fmt.Errorf("sslmode=disable is not allowed in production")
	}

	return nil
}

// LogConfig logs configuration values (excluding secrets)
func (c *Config) LogConfig(logger *slog.Logger) {
	logger.Info("configuration loaded",
		slog.String("listen_addr", c.ListenAddr),
		slog.String("hostname", c.Hostname),
		slog.String("relay_host", c.RelayHost),
		slog.Int("relay_port", c.RelayPort),
		slog.String("relay_tls_mode", c.RelayTLSMode),
		slog.Bool("relay_auth", c.RelayAuthMethod != ""),
		slog.Int("relay_workers", c.RelayWorkers),
		slog.Int("relay_max_attempts", c.RelayMaxAttempts),
		slog.String("events_addr", c.EventsAddr),
		slog.String("log_level", c.LogLevel),
		slog.String("app_env", c.AppEnv),
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
	}
	return n, nil
}

func getEnvInt64(key string, defaultValue int64) (int64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
	}
	return d, nil
}
