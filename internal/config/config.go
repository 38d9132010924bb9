// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Store         StoreConfig         `yaml:"store"`
	Directory     DirectoryConfig     `yaml:"directory"`
	Notification  NotificationConfig  `yaml:"notification"`
	Escalation    EscalationConfig    `yaml:"escalation"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Conditions    ConditionsConfig    `yaml:"conditions"`
	Definitions   DefinitionsConfig   `yaml:"definitions"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig describes bearer token verification for the admin API.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	SecretEnv  string   `yaml:"secret_env"`
	Algorithms []string `yaml:"algorithms"`
}

// StoreConfig describes persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// DirectoryConfig points at the user directory file.
type DirectoryConfig struct {
	File string `yaml:"file"`
}

// NotificationConfig selects the notification transport.
type NotificationConfig struct {
	Driver  string        `yaml:"driver"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig describes the webhook notification transport.
type WebhookConfig struct {
	URL            string            `yaml:"url"`
	Timeout        time.Duration     `yaml:"timeout"`
	Headers        map[string]string `yaml:"headers"`
	CircuitBreaker BreakerConfig     `yaml:"circuit_breaker"`
}

// BreakerConfig describes circuit breaker settings for the webhook.
type BreakerConfig struct {
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
	Timeout      time.Duration `yaml:"timeout"`
	Interval     time.Duration `yaml:"interval"`
}

// EscalationConfig describes the escalation scanner.
type EscalationConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
	Workers  int    `yaml:"workers"`

	// DefaultIntervals are the hours between levels for rules that set none.
	DefaultIntervals []float64      `yaml:"default_intervals"`
	TargetSelection  string         `yaml:"target_selection"`
	Calendar         CalendarConfig `yaml:"calendar"`
	Lock             LockConfig     `yaml:"lock"`
}

// CalendarConfig describes business hours for time-based triggers.
type CalendarConfig struct {
	TimeZone  string   `yaml:"time_zone"`
	StartHour int      `yaml:"start_hour"`
	EndHour   int      `yaml:"end_hour"`
	Holidays  []string `yaml:"holidays"`
}

// LockConfig describes the scan single-flight lease.
type LockConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// IdempotencyConfig describes replay protection for rule creation.
type IdempotencyConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// ConditionsConfig describes condition evaluation settings.
type ConditionsConfig struct {
	EmptyGroupPolicy string `yaml:"empty_group_policy"`
}

// DefinitionsConfig describes where to find rule seed files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			Enabled:    true,
			SecretEnv:  "ESCALATE_AUTH_SECRET",
			Algorithms: []string{"HS256"},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "ESCALATE_DATABASE_URL",
			MaxOpenConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
			AutoMigrate:     true,
		},
		Notification: NotificationConfig{
			Driver: "log",
			Webhook: WebhookConfig{
				Timeout: 5 * time.Second,
				CircuitBreaker: BreakerConfig{
					MinRequests:  5,
					FailureRatio: 0.5,
					Timeout:      30 * time.Second,
				},
			},
		},
		Escalation: EscalationConfig{
			Enabled:          true,
			Schedule:         "*/15 * * * *",
			Workers:          1,
			DefaultIntervals: []float64{24, 48, 72},
			TargetSelection:  "first",
			Calendar: CalendarConfig{
				TimeZone:  "UTC",
				StartHour: 9,
				EndHour:   17,
			},
			Lock: LockConfig{
				Driver:  "memory",
				AddrEnv: "ESCALATE_REDIS_ADDR",
				TTL:     10 * time.Minute,
			},
		},
		Idempotency: IdempotencyConfig{
			Driver:  "memory",
			AddrEnv: "ESCALATE_REDIS_ADDR",
			TTL:     24 * time.Hour,
		},
		Conditions: ConditionsConfig{
			EmptyGroupPolicy: "vacuous",
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all fields are present and consistent.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}
	if c.Auth.Enabled && c.Auth.SecretEnv == "" {
		errs = append(errs, errors.New("auth.secret_env is required when auth is enabled"))
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, errors.New("store.dsn_env is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}

	switch c.Notification.Driver {
	case "log":
	case "webhook":
		if c.Notification.Webhook.URL == "" {
			errs = append(errs, errors.New("notification.webhook.url is required for the webhook driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("notification.driver %q is not supported (log, webhook)", c.Notification.Driver))
	}

	esc := c.Escalation
	if esc.Enabled && esc.Schedule == "" {
		errs = append(errs, errors.New("escalation.schedule is required when escalation is enabled"))
	}
	if esc.Workers < 1 {
		errs = append(errs, errors.New("escalation.workers must be at least 1"))
	}
	for i, h := range esc.DefaultIntervals {
		if h < 0 {
			errs = append(errs, fmt.Errorf("escalation.default_intervals[%d] must not be negative", i))
		}
	}
	switch esc.TargetSelection {
	case "first", "round_robin", "least_loaded":
	default:
		errs = append(errs, fmt.Errorf("escalation.target_selection %q is not supported (first, round_robin, least_loaded)", esc.TargetSelection))
	}
	if _, err := time.LoadLocation(esc.Calendar.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("escalation.calendar.time_zone: %w", err))
	}
	if esc.Calendar.StartHour < 0 || esc.Calendar.EndHour > 24 || esc.Calendar.StartHour >= esc.Calendar.EndHour {
		errs = append(errs, errors.New("escalation.calendar hours must satisfy 0 <= start_hour < end_hour <= 24"))
	}
	for i, d := range esc.Calendar.Holidays {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			errs = append(errs, fmt.Errorf("escalation.calendar.holidays[%d] %q is not a YYYY-MM-DD date", i, d))
		}
	}
	switch esc.Lock.Driver {
	case "memory", "none":
	case "redis":
		if esc.Lock.AddrEnv == "" {
			errs = append(errs, errors.New("escalation.lock.addr_env is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("escalation.lock.driver %q is not supported (memory, redis, none)", esc.Lock.Driver))
	}
	if esc.Lock.TTL <= 0 {
		errs = append(errs, errors.New("escalation.lock.ttl must be positive"))
	}

	switch c.Idempotency.Driver {
	case "memory", "none":
	case "redis":
		if c.Idempotency.AddrEnv == "" {
			errs = append(errs, errors.New("idempotency.addr_env is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("idempotency.driver %q is not supported (memory, redis, none)", c.Idempotency.Driver))
	}
	if c.Idempotency.Driver != "none" && c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("idempotency.ttl must be positive"))
	}

	switch c.Conditions.EmptyGroupPolicy {
	case "vacuous", "never":
	default:
		errs = append(errs, fmt.Errorf("conditions.empty_group_policy %q is not supported (vacuous, never)", c.Conditions.EmptyGroupPolicy))
	}

	return errors.Join(errs...)
}

// applyEnvOverrides reads ESCALATE_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ESCALATE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ESCALATE_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("ESCALATE_LOCK_DRIVER"); v != "" {
		cfg.Escalation.Lock.Driver = v
	}
	if v := os.Getenv("ESCALATE_ESCALATION_SCHEDULE"); v != "" {
		cfg.Escalation.Schedule = v
	}
	if v := os.Getenv("ESCALATE_ESCALATION_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Escalation.Workers = n
		}
	}
	if v := os.Getenv("ESCALATE_NOTIFICATION_WEBHOOK_URL"); v != "" {
		cfg.Notification.Driver = "webhook"
		cfg.Notification.Webhook.URL = v
	}
	if v := os.Getenv("ESCALATE_AUTH_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}
	if v := os.Getenv("ESCALATE_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
