// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DASHBOARD_"

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig              `yaml:"server"`
	Identity      IdentityConfig            `yaml:"identity"`
	Definitions   DefinitionsConfig         `yaml:"definitions"`
	Services      map[string]ServiceConfig  `yaml:"services"`
	Capability    CapabilityConfig          `yaml:"capability"`
	Engine        EngineConfig              `yaml:"engine"`
	Persistence   PersistenceConfig         `yaml:"persistence"`
	Sessions      SessionConfig             `yaml:"sessions"`
	Messages      map[string]MessagesConfig `yaml:"messages"`
	Observability ObservabilityConfig       `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes how bearer tokens are verified. HMAC algorithms
// read their shared secret from SecretEnv; RSA and ECDSA algorithms read a
// PEM public key from PublicKeyFile.
type IdentityConfig struct {
	Issuer        string            `yaml:"issuer"`
	Audience      string            `yaml:"audience"`
	Algorithms    []string          `yaml:"algorithms"`
	SecretEnv     string            `yaml:"secret_env"`
	PublicKeyFile string            `yaml:"public_key_file"`
	ClaimPaths    map[string]string `yaml:"claim_paths"`
}

// DefinitionsConfig describes where to find data-source definition files.
type DefinitionsConfig struct {
	Directories []string `yaml:"directories"`
}

// ServiceConfig describes a backend REST service data sources are bound to.
// SpecPath optionally names the service's OpenAPI document; bound routes
// are checked against it at startup.
type ServiceConfig struct {
	BaseURL        string               `yaml:"base_url"`
	SpecPath       string               `yaml:"spec_path"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Retry          RetryConfig          `yaml:"retry"`
}

// CircuitBreakerConfig describes circuit breaker settings per service.
type CircuitBreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	SuccessThreshold   int           `yaml:"success_threshold"`
	Timeout            time.Duration `yaml:"timeout"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `yaml:"error_rate_window"`
}

// RetryConfig describes retry settings per service. Only idempotent requests
// are retried.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
}

// CapabilityConfig describes how permissions are resolved from roles.
type CapabilityConfig struct {
	StaticPolicyFile string        `yaml:"static_policy_file"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

// EngineConfig tunes the data-source engine.
type EngineConfig struct {
	ValidationDebounce time.Duration `yaml:"validation_debounce"`
	RowSelectDebounce  time.Duration `yaml:"row_select_debounce"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
}

// PersistenceConfig describes where persisted table state is kept.
type PersistenceConfig struct {
	Driver          string        `yaml:"driver"`
	AddrEnv         string        `yaml:"addr_env"`
	DB              int           `yaml:"db"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
	TTL             time.Duration `yaml:"ttl"`
}

// Persistence drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// SessionConfig describes the lifetime of per-user engine sessions.
type SessionConfig struct {
	IdleTTL       time.Duration `yaml:"idle_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// MessagesConfig holds the user-facing messages of one locale.
type MessagesConfig struct {
	ValidationFailed string `yaml:"validation_failed"`
	SubmitFailed     string `yaml:"submit_failed"`
	CreateMissing    string `yaml:"create_missing"`
	UpdateMissing    string `yaml:"update_missing"`
	ActionFailed     string `yaml:"action_failed"`
	ActionSucceeded  string `yaml:"action_succeeded"`
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

// DefaultMessages returns the built-in English messages.
func DefaultMessages() MessagesConfig {
	return MessagesConfig{
		ValidationFailed: "Please correct the highlighted fields.",
		SubmitFailed:     "Something went wrong. Please try again.",
		CreateMissing:    "This data source does not support creating entries.",
		UpdateMissing:    "This data source does not support updating entries.",
		ActionFailed:     "The action could not be completed.",
		ActionSucceeded:  "The action was completed.",
	}
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
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type", "Accept-Language", "X-Correlation-Id"},
				MaxAge:         86400,
			},
		},
		Identity: IdentityConfig{
			Algorithms: []string{"HS256"},
			SecretEnv:  "DASHBOARD_JWT_SECRET",
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
				"session_id": "sid",
			},
		},
		Definitions: DefinitionsConfig{
			Directories: []string{"definitions"},
		},
		Capability: CapabilityConfig{
			CacheTTL: 5 * time.Minute,
		},
		Engine: EngineConfig{
			ValidationDebounce: 800 * time.Millisecond,
			RowSelectDebounce:  300 * time.Millisecond,
			FetchTimeout:       15 * time.Second,
		},
		Persistence: PersistenceConfig{
			Driver:          DriverMemory,
			AddrEnv:         "DASHBOARD_REDIS_ADDR",
			DSNEnv:          "DASHBOARD_DATABASE_URL",
			MaxOpenConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
			TTL:             30 * 24 * time.Hour,
		},
		Sessions: SessionConfig{
			IdleTTL:       30 * time.Minute,
			SweepInterval: time.Minute,
		},
		Messages: map[string]MessagesConfig{
			"en": DefaultMessages(),
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
// and validates required fields.
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
	cfg.fillMessages()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// MessagesFor returns the messages of a locale, falling back to English.
func (c *Config) MessagesFor(locale string) MessagesConfig {
	if m, ok := c.Messages[locale]; ok {
		return m
	}
	if m, ok := c.Messages["en"]; ok {
		return m
	}
	return DefaultMessages()
}

// fillMessages completes partially translated locales with English text.
func (c *Config) fillMessages() {
	if c.Messages == nil {
		c.Messages = map[string]MessagesConfig{}
	}
	en := c.Messages["en"]
	def := DefaultMessages()
	fill := func(dst *string, fallback string) {
		if *dst == "" {
			*dst = fallback
		}
	}
	fill(&en.ValidationFailed, def.ValidationFailed)
	fill(&en.SubmitFailed, def.SubmitFailed)
	fill(&en.CreateMissing, def.CreateMissing)
	fill(&en.UpdateMissing, def.UpdateMissing)
	fill(&en.ActionFailed, def.ActionFailed)
	fill(&en.ActionSucceeded, def.ActionSucceeded)
	c.Messages["en"] = en

	for locale, m := range c.Messages {
		fill(&m.ValidationFailed, en.ValidationFailed)
		fill(&m.SubmitFailed, en.SubmitFailed)
		fill(&m.CreateMissing, en.CreateMissing)
		fill(&m.UpdateMissing, en.UpdateMissing)
		fill(&m.ActionFailed, en.ActionFailed)
		fill(&m.ActionSucceeded, en.ActionSucceeded)
		c.Messages[locale] = m
	}
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if len(c.Identity.Algorithms) == 0 {
		errs = append(errs, "identity.algorithms must not be empty")
	}
	if c.Identity.SecretEnv == "" && c.Identity.PublicKeyFile == "" {
		errs = append(errs, "identity.secret_env or identity.public_key_file is required")
	}
	if len(c.Definitions.Directories) == 0 {
		errs = append(errs, "definitions.directories must not be empty")
	}
	switch c.Persistence.Driver {
	case DriverMemory, DriverRedis, DriverPostgres:
	default:
		errs = append(errs, fmt.Sprintf("persistence.driver %q is not one of memory, redis, postgres", c.Persistence.Driver))
	}
	if c.Engine.ValidationDebounce < 0 || c.Engine.RowSelectDebounce < 0 {
		errs = append(errs, "engine debounce durations must not be negative")
	}
	for id, svc := range c.Services {
		if svc.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("services.%s.base_url is required", id))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads DASHBOARD_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv(EnvPrefix + "IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv(EnvPrefix + "IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv(EnvPrefix + "DEFINITIONS_DIRECTORIES"); v != "" {
		cfg.Definitions.Directories = strings.Split(v, ",")
	}
	if v := os.Getenv(EnvPrefix + "PERSISTENCE_DRIVER"); v != "" {
		cfg.Persistence.Driver = v
	}
	if v := os.Getenv(EnvPrefix + "CAPABILITY_STATIC_POLICY_FILE"); v != "" {
		cfg.Capability.StaticPolicyFile = v
	}
	if v := os.Getenv(EnvPrefix + "OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
