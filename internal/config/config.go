// ABOUTME: Configuration loading and parsing for coven-runstore
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-runstore/internal/events"
)

// Defaults applied to fields left empty.
const (
	DefaultHTTPAddr       = "127.0.0.1:8080"
	DefaultPersistTimeout = 30 * time.Second
	DefaultServiceName    = "coven-runstore"
)

// Config represents the complete coven-runstore configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Runs     RunsConfig     `yaml:"runs" toml:"runs"`
	Agent    AgentConfig    `yaml:"agent" toml:"agent"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing" toml:"tracing"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// AllowAnonymous lets requests without a bearer token act with the
	// default scope.
	AllowAnonymous bool `yaml:"allow_anonymous" toml:"allow_anonymous"`
}

// RunsConfig holds run execution settings
type RunsConfig struct {
	FailurePolicy  events.FailurePolicy `yaml:"-" toml:"-"`
	PersistTimeout time.Duration        `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	FailurePolicyRaw  string `yaml:"failure_policy" toml:"failure_policy"`
	PersistTimeoutRaw string `yaml:"persist_timeout" toml:"persist_timeout"`
}

// AgentConfig tunes the built-in echo agent
type AgentConfig struct {
	Delay     time.Duration `yaml:"-" toml:"-"`
	ChunkSize int           `yaml:"chunk_size" toml:"chunk_size"`

	DelayRaw string `yaml:"delay" toml:"delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TracingConfig holds OpenTelemetry export configuration
type TracingConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	// Endpoint is the OTLP/HTTP collector host:port.
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	ServiceName string  `yaml:"service_name" toml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// DefaultPath returns the path to the config file.
// Priority: RUNSTORE_CONFIG env var > XDG_CONFIG_HOME/coven/runstore.yaml > ~/.config/coven/runstore.yaml
func DefaultPath() string {
	if envPath := os.Getenv("RUNSTORE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "runstore.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "runstore.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(string(data), strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration text. isTOML selects the format.
func Parse(data string, isTOML bool) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(data)

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	policy, ok := events.ParseFailurePolicy(cfg.Runs.FailurePolicyRaw)
	if !ok {
		return nil, fmt.Errorf("runs.failure_policy must be complete or error, got %q", cfg.Runs.FailurePolicyRaw)
	}
	cfg.Runs.FailurePolicy = policy

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Runs.PersistTimeout == 0 {
		c.Runs.PersistTimeout = DefaultPersistTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = DefaultServiceName
	}
	if c.Tracing.SampleRatio == 0 {
		c.Tracing.SampleRatio = 1
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" && !c.Auth.AllowAnonymous {
		return fmt.Errorf("auth.jwt_secret is required unless auth.allow_anonymous is set")
	}

	if c.Runs.PersistTimeout < 0 {
		return fmt.Errorf("runs.persist_timeout must be positive")
	}

	if c.Agent.ChunkSize < 0 {
		return fmt.Errorf("agent.chunk_size must not be negative")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Runs.PersistTimeoutRaw != "" {
		cfg.Runs.PersistTimeout, err = time.ParseDuration(cfg.Runs.PersistTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing persist_timeout %q: %w", cfg.Runs.PersistTimeoutRaw, err)
		}
	}

	if cfg.Agent.DelayRaw != "" {
		cfg.Agent.Delay, err = time.ParseDuration(cfg.Agent.DelayRaw)
		if err != nil {
			return fmt.Errorf("parsing delay %q: %w", cfg.Agent.DelayRaw, err)
		}
	}

	return nil
}
