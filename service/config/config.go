package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all application configuration loaded from environment variables.
// All fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration (optional, enables the postgres KV store)
	DatabaseURL string

	// Redis configuration (optional, enables redis directory storage)
	RedisURL string

	// NATS configuration (optional, enables transfer event publishing)
	NATSURL       string
	NATSRetention time.Duration

	// Temporal configuration
	TemporalEnabled   bool
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Payment processor configuration
	Processor ProcessorConfig

	// Fantasy read API configuration
	FantasyBaseURL string
	FantasySport   string

	Funding   FundingConfig
	Link      LinkConfig
	Directory DirectoryConfig
}

// ProcessorConfig configures the payment processor client.
// An empty BaseURL or Enabled=false makes every processor call fail with
// client.ErrUnavailable instead of failing startup.
type ProcessorConfig struct {
	Enabled bool
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// Circuit breaker
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// FundingConfig configures the deposit wizard and the transfer status poller.
type FundingConfig struct {
	MinAmount            decimal.Decimal
	MaxAmount            decimal.Decimal
	Currency             string
	DestinationAccountID string
	PollMaxAttempts      int
	PollDelay            time.Duration
}

// LinkConfig configures the bank connection flow.
type LinkConfig struct {
	WidgetOrigin   string
	Timeout        time.Duration
	SearchDebounce time.Duration
	SearchLimit    int
}

// DirectoryConfig configures the player directory cache.
type DirectoryConfig struct {
	TTL      time.Duration
	Storage  string // "file", "redis" or "postgres"
	Path     string
	MaxBytes int64
	RedisKey string
}

// Load reads configuration from environment variables and validates all fields.
// Returns an error if any configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")
	natsRetention, err := parseDuration("NATS_RETENTION", "720h")
	if err != nil {
		errs = append(errs, err)
	}
	cfg.NATSRetention = natsRetention

	// Temporal configuration
	temporalEnabled, err := parseBool("TEMPORAL_ENABLED", false)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.TemporalEnabled = temporalEnabled
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "bankroll-transfer-confirmation")

	// Payment processor configuration
	if err := cfg.Processor.LoadFromEnv(); err != nil {
		errs = append(errs, err)
	}

	// Fantasy read API
	cfg.FantasyBaseURL = getEnvOrDefault("FANTASY_API_BASE_URL", "https://api.sleeper.app")
	cfg.FantasySport = getEnvOrDefault("FANTASY_SPORT", "nfl")

	if err := cfg.Funding.LoadFromEnv(); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.Link.LoadFromEnv(); err != nil {
		errs = append(errs, err)
	}
	if err := cfg.Directory.LoadFromEnv(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.TemporalEnabled {
		if c.TemporalHost == "" {
			errs = append(errs, fmt.Errorf("TemporalHost is required when Temporal is enabled"))
		}
		if c.TemporalNamespace == "" {
			errs = append(errs, fmt.Errorf("TemporalNamespace is required when Temporal is enabled"))
		}
		if c.TemporalTaskQueue == "" {
			errs = append(errs, fmt.Errorf("TemporalTaskQueue is required when Temporal is enabled"))
		}
	}

	if c.FantasyBaseURL == "" {
		errs = append(errs, fmt.Errorf("FantasyBaseURL is required"))
	}

	errs = append(errs, c.Funding.validate()...)
	errs = append(errs, c.Link.validate()...)
	errs = append(errs, c.Directory.validate()...)

	switch c.Directory.Storage {
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL is required for redis directory storage"))
		}
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for postgres directory storage"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// LoadDefaults sets processor defaults.
func (p *ProcessorConfig) LoadDefaults() {
	p.Enabled = true
	p.Timeout = 30 * time.Second
	p.BreakerFailures = 5
	p.BreakerCooldown = 30 * time.Second
}

// LoadFromEnv loads processor configuration from the environment.
func (p *ProcessorConfig) LoadFromEnv() error {
	p.LoadDefaults()
	var errs []error

	enabled, err := parseBool("PROCESSOR_ENABLED", p.Enabled)
	if err != nil {
		errs = append(errs, err)
	}
	p.Enabled = enabled
	p.BaseURL = strings.TrimRight(os.Getenv("PROCESSOR_BASE_URL"), "/")
	p.APIKey = os.Getenv("PROCESSOR_API_KEY")

	if p.Timeout, err = parseDuration("PROCESSOR_TIMEOUT", "30s"); err != nil {
		errs = append(errs, err)
	}
	if p.BreakerCooldown, err = parseDuration("PROCESSOR_BREAKER_COOLDOWN", "30s"); err != nil {
		errs = append(errs, err)
	}
	failures, err := parseInt("PROCESSOR_BREAKER_FAILURES", 5)
	if err != nil {
		errs = append(errs, err)
	} else if failures < 1 {
		errs = append(errs, fmt.Errorf("PROCESSOR_BREAKER_FAILURES must be at least 1"))
	} else {
		p.BreakerFailures = uint32(failures)
	}

	if len(errs) > 0 {
		return fmt.Errorf("processor: %v", errs)
	}
	return nil
}

// Configured reports whether processor calls can be attempted at all.
func (p *ProcessorConfig) Configured() bool {
	return p.Enabled && p.BaseURL != ""
}

// LoadDefaults sets funding defaults ($1.00 to $10,000.00, 30 polls every 3s).
func (f *FundingConfig) LoadDefaults() {
	f.MinAmount = decimal.RequireFromString("1.00")
	f.MaxAmount = decimal.RequireFromString("10000.00")
	f.Currency = "USD"
	f.PollMaxAttempts = 30
	f.PollDelay = 3 * time.Second
}

// LoadFromEnv loads funding configuration from the environment.
func (f *FundingConfig) LoadFromEnv() error {
	f.LoadDefaults()
	var errs []error
	var err error

	if f.MinAmount, err = parseDecimal("FUNDING_MIN_AMOUNT", "1.00"); err != nil {
		errs = append(errs, err)
	}
	if f.MaxAmount, err = parseDecimal("FUNDING_MAX_AMOUNT", "10000.00"); err != nil {
		errs = append(errs, err)
	}
	f.Currency = getEnvOrDefault("FUNDING_CURRENCY", "USD")
	f.DestinationAccountID = os.Getenv("FUNDING_DESTINATION_ACCOUNT_ID")
	if f.PollMaxAttempts, err = parseInt("TRANSFER_POLL_MAX_ATTEMPTS", 30); err != nil {
		errs = append(errs, err)
	}
	if f.PollDelay, err = parseDuration("TRANSFER_POLL_DELAY", "3s"); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("funding: %v", errs)
	}
	return nil
}

func (f *FundingConfig) validate() []error {
	var errs []error
	if !f.MinAmount.IsPositive() {
		errs = append(errs, fmt.Errorf("funding MinAmount must be positive"))
	}
	if f.MinAmount.GreaterThan(f.MaxAmount) {
		errs = append(errs, fmt.Errorf("funding MinAmount (%s) cannot be greater than MaxAmount (%s)",
			f.MinAmount.StringFixed(2), f.MaxAmount.StringFixed(2)))
	}
	if f.PollMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("PollMaxAttempts must be at least 1"))
	}
	if f.PollDelay < 100*time.Millisecond {
		errs = append(errs, fmt.Errorf("PollDelay must be at least 100ms"))
	}
	return errs
}

// LoadDefaults sets bank link defaults.
func (l *LinkConfig) LoadDefaults() {
	l.Timeout = 10 * time.Minute
	l.SearchDebounce = 300 * time.Millisecond
	l.SearchLimit = 10
}

// LoadFromEnv loads bank link configuration from the environment.
func (l *LinkConfig) LoadFromEnv() error {
	l.LoadDefaults()
	var errs []error
	var err error

	l.WidgetOrigin = strings.TrimRight(os.Getenv("LINK_WIDGET_ORIGIN"), "/")
	if l.Timeout, err = parseDuration("LINK_TIMEOUT", "10m"); err != nil {
		errs = append(errs, err)
	}
	if l.SearchDebounce, err = parseDuration("LINK_SEARCH_DEBOUNCE", "300ms"); err != nil {
		errs = append(errs, err)
	}
	if l.SearchLimit, err = parseInt("LINK_SEARCH_LIMIT", 10); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("link: %v", errs)
	}
	return nil
}

func (l *LinkConfig) validate() []error {
	var errs []error
	if l.WidgetOrigin == "" {
		errs = append(errs, fmt.Errorf("LINK_WIDGET_ORIGIN is required, widget messages are only accepted from it"))
	} else if u, err := url.Parse(l.WidgetOrigin); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("WidgetOrigin %q must be an absolute origin like https://link.example.com", l.WidgetOrigin))
	}
	if l.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("link Timeout must be positive"))
	}
	if l.SearchDebounce < 0 {
		errs = append(errs, fmt.Errorf("SearchDebounce cannot be negative"))
	}
	if l.SearchLimit < 1 {
		errs = append(errs, fmt.Errorf("SearchLimit must be at least 1"))
	}
	return errs
}

// LoadDefaults sets directory cache defaults.
func (d *DirectoryConfig) LoadDefaults() {
	d.TTL = 24 * time.Hour
	d.Storage = "file"
	d.Path = "bankroll-players.json"
	d.MaxBytes = 32 << 20
	d.RedisKey = "bankroll:directory:players"
}

// LoadFromEnv loads directory cache configuration from the environment.
func (d *DirectoryConfig) LoadFromEnv() error {
	d.LoadDefaults()
	var errs []error
	var err error

	if d.TTL, err = parseDuration("DIRECTORY_TTL", "24h"); err != nil {
		errs = append(errs, err)
	}
	d.Storage = getEnvOrDefault("DIRECTORY_STORAGE", "file")
	d.Path = getEnvOrDefault("DIRECTORY_PATH", d.Path)
	d.RedisKey = getEnvOrDefault("DIRECTORY_REDIS_KEY", d.RedisKey)
	maxBytes, err := parseInt("DIRECTORY_MAX_BYTES", int(d.MaxBytes))
	if err != nil {
		errs = append(errs, err)
	} else {
		d.MaxBytes = int64(maxBytes)
	}

	if len(errs) > 0 {
		return fmt.Errorf("directory: %v", errs)
	}
	return nil
}

func (d *DirectoryConfig) validate() []error {
	var errs []error
	if d.TTL <= 0 {
		errs = append(errs, fmt.Errorf("directory TTL must be positive"))
	}
	switch d.Storage {
	case "file":
		if d.Path == "" {
			errs = append(errs, fmt.Errorf("directory Path is required for file storage"))
		}
	case "redis", "postgres":
	default:
		errs = append(errs, fmt.Errorf("directory Storage must be one of file, redis, postgres, got %q", d.Storage))
	}
	return errs
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseBool parses a boolean from an environment variable or uses a default.
func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}

// parseDecimal parses a money amount from an environment variable or uses a default.
func parseDecimal(key, defaultValue string) (decimal.Decimal, error) {
	value := getEnvOrDefault(key, defaultValue)
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid amount %q: %w", key, value, err)
	}
	return d, nil
}
