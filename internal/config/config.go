// ABOUTME: Configuration loading and parsing for the buzzi real-time hub
// ABOUTME: YAML with ${VAR} expansion, duration parsing, and BUZZI_* env overrides

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Default timing values, overridable via config or environment.
const (
	DefaultTypingInactivityTimeout = 5 * time.Second
	DefaultTypingMaxDuration       = 30 * time.Second
	DefaultTypingRateLimit         = 500 * time.Millisecond
	DefaultHeartbeatInterval       = 30 * time.Second
	DefaultShutdownGracePeriod     = 10 * time.Second
	DefaultCallPairTimeout         = 15 * time.Second
	DefaultEscalationDigestAfter   = 2 * time.Minute
)

// Config represents the complete hub configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Typing     TypingConfig     `yaml:"typing"`
	Bus        BusConfig        `yaml:"bus"`
	Call       CallConfig       `yaml:"call"`
	Escalation EscalationConfig `yaml:"escalation"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	ShutdownGracePeriod time.Duration `yaml:"-"`
	ShutdownGraceRaw    string        `yaml:"shutdown_grace_period"`
}

// DatabaseConfig holds the conversation-store database path.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds credentials for the call-signaling legs. Both are
// optional: an empty JWTSecret accepts browser legs unverified, while an
// empty ProviderSecret disables the provider leg entirely (every
// provider upgrade is rejected).
type AuthConfig struct {
	// JWTSecret signs browser call-leg tokens (HS256).
	JWTSecret string `yaml:"jwt_secret"`
	// ProviderSecret is the shared secret the telephony provider presents.
	ProviderSecret string `yaml:"provider_secret"`
}

// TypingConfig holds the typing-indicator timing knobs.
type TypingConfig struct {
	InactivityTimeout time.Duration `yaml:"-"`
	MaxDuration       time.Duration `yaml:"-"`
	RateLimit         time.Duration `yaml:"-"`

	InactivityTimeoutRaw string `yaml:"inactivity_timeout"`
	MaxDurationRaw       string `yaml:"max_duration"`
	RateLimitRaw         string `yaml:"rate_limit"`
}

// BusConfig holds event-bus configuration.
type BusConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatRaw      string        `yaml:"heartbeat_interval"`
}

// CallConfig holds call-signaling configuration.
type CallConfig struct {
	// PairTimeout bounds how long a lone leg may wait for its counterpart.
	PairTimeout time.Duration `yaml:"-"`
	PairRaw     string        `yaml:"pair_timeout"`
}

// EscalationConfig holds handover-queue configuration.
type EscalationConfig struct {
	// DigestAfter is how long an escalation may sit unassigned before a
	// digest-email job is submitted for it.
	DigestAfter time.Duration `yaml:"-"`
	DigestRaw   string        `yaml:"digest_after"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// envOverrides are flat environment variables applied after the YAML file,
// for container deployments that configure without a file.
type envOverrides struct {
	HTTPAddr       string `env:"BUZZI_HTTP_ADDR"`
	DatabasePath   string `env:"BUZZI_DB_PATH"`
	JWTSecret      string `env:"BUZZI_JWT_SECRET"`
	ProviderSecret string `env:"BUZZI_PROVIDER_SECRET"`
	LogLevel       string `env:"BUZZI_LOG_LEVEL"`
	LogFormat      string `env:"BUZZI_LOG_FORMAT"`
}

// Default returns a Config with every timing knob at its default and an
// in-memory database, suitable for tests and for running without a file.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: "127.0.0.1:8080"},
		Database: DatabaseConfig{Path: ":memory:"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Metrics:  MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded,
// duration strings are parsed, and BUZZI_* overrides are applied last.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("applying env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Typing.InactivityTimeout <= 0 {
		c.Typing.InactivityTimeout = DefaultTypingInactivityTimeout
	}
	if c.Typing.MaxDuration <= 0 {
		c.Typing.MaxDuration = DefaultTypingMaxDuration
	}
	if c.Typing.RateLimit <= 0 {
		c.Typing.RateLimit = DefaultTypingRateLimit
	}
	if c.Bus.HeartbeatInterval <= 0 {
		c.Bus.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Server.ShutdownGracePeriod <= 0 {
		c.Server.ShutdownGracePeriod = DefaultShutdownGracePeriod
	}
	if c.Call.PairTimeout <= 0 {
		c.Call.PairTimeout = DefaultCallPairTimeout
	}
	if c.Escalation.DigestAfter <= 0 {
		c.Escalation.DigestAfter = DefaultEscalationDigestAfter
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func (c *Config) applyEnvOverrides() error {
	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return err
	}
	if overrides.HTTPAddr != "" {
		c.Server.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.DatabasePath != "" {
		c.Database.Path = overrides.DatabasePath
	}
	if overrides.JWTSecret != "" {
		c.Auth.JWTSecret = overrides.JWTSecret
	}
	if overrides.ProviderSecret != "" {
		c.Auth.ProviderSecret = overrides.ProviderSecret
	}
	if overrides.LogLevel != "" {
		c.Logging.Level = overrides.LogLevel
	}
	if overrides.LogFormat != "" {
		c.Logging.Format = overrides.LogFormat
	}
	return nil
}

// Validate checks that required fields are present and timing values are
// mutually consistent.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Typing.InactivityTimeout > c.Typing.MaxDuration {
		return fmt.Errorf("typing.inactivity_timeout (%s) must not exceed typing.max_duration (%s)",
			c.Typing.InactivityTimeout, c.Typing.MaxDuration)
	}
	if c.Typing.RateLimit > c.Typing.InactivityTimeout {
		return fmt.Errorf("typing.rate_limit (%s) must not exceed typing.inactivity_timeout (%s)",
			c.Typing.RateLimit, c.Typing.InactivityTimeout)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Typing.InactivityTimeoutRaw, &cfg.Typing.InactivityTimeout, "typing.inactivity_timeout"},
		{cfg.Typing.MaxDurationRaw, &cfg.Typing.MaxDuration, "typing.max_duration"},
		{cfg.Typing.RateLimitRaw, &cfg.Typing.RateLimit, "typing.rate_limit"},
		{cfg.Bus.HeartbeatRaw, &cfg.Bus.HeartbeatInterval, "bus.heartbeat_interval"},
		{cfg.Server.ShutdownGraceRaw, &cfg.Server.ShutdownGracePeriod, "server.shutdown_grace_period"},
		{cfg.Call.PairRaw, &cfg.Call.PairTimeout, "call.pair_timeout"},
		{cfg.Escalation.DigestRaw, &cfg.Escalation.DigestAfter, "escalation.digest_after"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
