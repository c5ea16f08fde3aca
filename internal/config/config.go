package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/outreach/internal/delivery"
	"github.com/foxzi/outreach/internal/events"
	"github.com/foxzi/outreach/internal/metrics"
	"github.com/foxzi/outreach/internal/provider/httpapi"
	"github.com/foxzi/outreach/internal/provider/smtp"
	"github.com/foxzi/outreach/internal/ratelimit"
	"github.com/foxzi/outreach/internal/scheduler"
)

// EnvPrefix prefixes every environment override, e.g. OUTREACH_SERVER_API_KEY
const EnvPrefix = "OUTREACH"

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig         `yaml:"server" split_words:"true"`
	Database  DatabaseConfig       `yaml:"database" split_words:"true"`
	Tracker   TrackerConfig        `yaml:"tracker" split_words:"true"`
	Scheduler scheduler.Config     `yaml:"scheduler" split_words:"true"`
	Delivery  delivery.Config      `yaml:"delivery" split_words:"true"`
	RateLimit ratelimit.Config     `yaml:"rate_limit" split_words:"true"`
	Providers ProvidersConfig      `yaml:"providers" split_words:"true"`
	Events    events.Config        `yaml:"events" split_words:"true"`
	Metrics   metrics.ServerConfig `yaml:"metrics" split_words:"true"`
	Logging   LoggingConfig        `yaml:"logging" split_words:"true"`
}

// ServerConfig contains HTTP API settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" split_words:"true"`
	APIKey     string `yaml:"api_key" split_words:"true"` // empty disables authentication
}

// DatabaseConfig contains the checkpoint store settings
type DatabaseConfig struct {
	Path string `yaml:"path" split_words:"true"`
}

// TrackerConfig contains the event log settings
type TrackerConfig struct {
	Path string `yaml:"path" split_words:"true"`
	// Events older than this are removed by cleanup (0 = keep forever)
	Retention time.Duration `yaml:"retention" split_words:"true"`
}

// ProvidersConfig lists the configured email providers.
// The provider lists are only read from the config file.
type ProvidersConfig struct {
	Default string           `yaml:"default" split_words:"true"`
	SMTP    []smtp.Config    `yaml:"smtp" ignored:"true"`
	HTTP    []httpapi.Config `yaml:"http" ignored:"true"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" split_words:"true"`   // debug, info, warn, error
	Format string `yaml:"format" split_words:"true"` // json, text
}

// Load reads the YAML file at path, applies OUTREACH_* environment overrides,
// fills defaults and validates the result. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}

	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/outreach/outreach.db"
	}
	if c.Tracker.Path == "" {
		c.Tracker.Path = "/var/lib/outreach/tracker.db"
	}

	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 5 * time.Minute
	}
	if c.Scheduler.ClaimTTL == 0 {
		c.Scheduler.ClaimTTL = time.Hour
	}
	if c.Scheduler.MaxParallel == 0 {
		c.Scheduler.MaxParallel = 1
	}

	if c.Delivery.Concurrency == 0 {
		c.Delivery.Concurrency = 1
	}
	if c.Delivery.SendTimeout == 0 {
		c.Delivery.SendTimeout = 30 * time.Second
	}

	if c.RateLimit.DailyLimit == 0 {
		c.RateLimit.DailyLimit = ratelimit.DefaultDailyLimit
	}
	if c.RateLimit.Timezone == "" {
		c.RateLimit.Timezone = "UTC"
	}

	if c.Providers.Default == "" {
		switch {
		case len(c.Providers.SMTP) > 0:
			c.Providers.Default = providerName(c.Providers.SMTP[0].Name, "smtp")
		case len(c.Providers.HTTP) > 0:
			c.Providers.Default = providerName(c.Providers.HTTP[0].Name, "http")
		}
	}

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if _, err := c.Location(); err != nil {
		return err
	}

	if c.RateLimit.DailyLimit < 0 {
		return fmt.Errorf("rate_limit.daily_limit must not be negative")
	}
	for org, limit := range c.RateLimit.OrgLimits {
		if limit < 0 {
			return fmt.Errorf("rate_limit.org_limits[%s] must not be negative", org)
		}
	}

	if c.Scheduler.MaxParallel < 0 || c.Delivery.Concurrency < 0 || c.Delivery.OrgConcurrency < 0 {
		return fmt.Errorf("scheduler.max_parallel, delivery.concurrency and delivery.org_concurrency must not be negative")
	}
	if c.Scheduler.PollInterval < time.Second {
		return fmt.Errorf("scheduler.poll_interval must be at least 1s")
	}

	if c.Delivery.FromEmail == "" {
		return fmt.Errorf("delivery.from_email is required")
	}

	if err := c.validateProviders(); err != nil {
		return err
	}

	if c.Metrics.Enabled {
		if _, err := metrics.ParseNetworks(c.Metrics.AllowedIPs); err != nil {
			return fmt.Errorf("invalid metrics.allowed_ips: %w", err)
		}
	}

	return nil
}

func (c *Config) validateProviders() error {
	if len(c.Providers.SMTP)+len(c.Providers.HTTP) == 0 {
		return errors.New("at least one provider must be configured under providers.smtp or providers.http")
	}

	names := make(map[string]bool)
	add := func(name string) error {
		if names[name] {
			return fmt.Errorf("duplicate provider name %q", name)
		}
		names[name] = true
		return nil
	}

	for i, p := range c.Providers.SMTP {
		if p.Host == "" {
			return fmt.Errorf("providers.smtp[%d].host is required", i)
		}
		switch p.TLS {
		case "", smtp.TLSNone, smtp.TLSStartTLS, smtp.TLSImplicit:
		default:
			return fmt.Errorf("providers.smtp[%d].tls: invalid mode %q (must be none, starttls or tls)", i, p.TLS)
		}
		if p.DKIM.Enabled && (p.DKIM.KeyFile == "" || p.DKIM.Domain == "" || p.DKIM.Selector == "") {
			return fmt.Errorf("providers.smtp[%d].dkim: key_file, domain and selector are required", i)
		}
		if err := add(providerName(p.Name, "smtp")); err != nil {
			return err
		}
	}
	for i, p := range c.Providers.HTTP {
		if p.BaseURL == "" {
			return fmt.Errorf("providers.http[%d].base_url is required", i)
		}
		if err := add(providerName(p.Name, "http")); err != nil {
			return err
		}
	}

	if !names[c.Providers.Default] {
		return fmt.Errorf("providers.default %q is not a configured provider", c.Providers.Default)
	}
	return nil
}

// Location returns the reference timezone for day boundaries and schedule resolution
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.RateLimit.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid rate_limit.timezone %q: %w", c.RateLimit.Timezone, err)
	}
	return loc, nil
}

func providerName(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
