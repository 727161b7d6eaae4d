// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, duration parsing, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389/coven-runstore/internal/events"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "runstore.yaml", `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"

runs:
  failure_policy: "error"
  persist_timeout: "45s"

agent:
  delay: "20ms"
  chunk_size: 4

logging:
  level: "debug"
  format: "json"

tracing:
  enabled: true
  endpoint: "localhost:4318"
  insecure: true
  sample_ratio: 0.5
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Runs.FailurePolicy != events.FailurePolicyError {
		t.Errorf("Runs.FailurePolicy = %v, want error policy", cfg.Runs.FailurePolicy)
	}
	if cfg.Runs.PersistTimeout != 45*time.Second {
		t.Errorf("Runs.PersistTimeout = %v, want %v", cfg.Runs.PersistTimeout, 45*time.Second)
	}
	if cfg.Agent.Delay != 20*time.Millisecond || cfg.Agent.ChunkSize != 4 {
		t.Errorf("Agent = %+v, want delay 20ms chunk 4", cfg.Agent)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
	if !cfg.Tracing.Enabled || cfg.Tracing.Endpoint != "localhost:4318" || !cfg.Tracing.Insecure {
		t.Errorf("Tracing = %+v", cfg.Tracing)
	}
	if cfg.Tracing.SampleRatio != 0.5 {
		t.Errorf("Tracing.SampleRatio = %v, want 0.5", cfg.Tracing.SampleRatio)
	}
	if cfg.Tracing.ServiceName != DefaultServiceName {
		t.Errorf("Tracing.ServiceName = %q, want default", cfg.Tracing.ServiceName)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "runstore.toml", `
[server]
http_addr = "127.0.0.1:9090"

[database]
path = "/var/lib/runstore.db"

[auth]
allow_anonymous = true

[runs]
persist_timeout = "1m"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if !cfg.Auth.AllowAnonymous {
		t.Error("Auth.AllowAnonymous = false, want true")
	}
	if cfg.Runs.PersistTimeout != time.Minute {
		t.Errorf("Runs.PersistTimeout = %v, want 1m", cfg.Runs.PersistTimeout)
	}
	if cfg.Runs.FailurePolicy != events.FailurePolicyComplete {
		t.Errorf("Runs.FailurePolicy = %v, want complete by default", cfg.Runs.FailurePolicy)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "runstore.yaml", `
database:
  path: "./test.db"
auth:
  allow_anonymous: true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != DefaultHTTPAddr {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, DefaultHTTPAddr)
	}
	if cfg.Runs.PersistTimeout != DefaultPersistTimeout {
		t.Errorf("Runs.PersistTimeout = %v, want %v", cfg.Runs.PersistTimeout, DefaultPersistTimeout)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Tracing.Enabled {
		t.Error("Tracing.Enabled = true, want false by default")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RUNSTORE_SECRET", "secret-from-env-0123456789abcdef")
	t.Setenv("TEST_RUNSTORE_DB", "/data/runs.db")

	configPath := writeConfig(t, "runstore.yaml", `
database:
  path: "${TEST_RUNSTORE_DB}"
auth:
  jwt_secret: "${TEST_RUNSTORE_SECRET}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "secret-from-env-0123456789abcdef" {
		t.Errorf("Auth.JWTSecret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Database.Path != "/data/runs.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	configPath := writeConfig(t, "runstore.yaml", `
database:
  path: "./test.db"
auth:
  jwt_secret: "${UNSET_VAR_FOR_TEST}"
`)

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "auth.jwt_secret is required") {
		t.Errorf("Load() error = %v, want missing jwt_secret", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "runstore.yaml", `
server:
  http_addr "missing colon"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	configPath := writeConfig(t, "runstore.toml", `[server
http_addr = `)

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() expected error for invalid TOML, got nil")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name          string
		configContent string
		wantErrSubstr string
	}{
		{
			name: "invalid duration",
			configContent: `
database:
  path: "./test.db"
auth:
  allow_anonymous: true
runs:
  persist_timeout: "soon"
`,
			wantErrSubstr: "parsing persist_timeout",
		},
		{
			name: "unknown failure policy",
			configContent: `
database:
  path: "./test.db"
auth:
  allow_anonymous: true
runs:
  failure_policy: "explode"
`,
			wantErrSubstr: "runs.failure_policy",
		},
		{
			name: "missing database path",
			configContent: `
database:
  path: ""
auth:
  allow_anonymous: true
`,
			wantErrSubstr: "database.path is required",
		},
		{
			name: "tracing without endpoint",
			configContent: `
database:
  path: "./test.db"
auth:
  allow_anonymous: true
tracing:
  enabled: true
`,
			wantErrSubstr: "tracing.endpoint is required",
		},
		{
			name: "unknown log format",
			configContent: `
database:
  path: "./test.db"
auth:
  allow_anonymous: true
logging:
  format: "xml"
`,
			wantErrSubstr: "logging.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, "runstore.yaml", tt.configContent)

			_, err := Load(configPath)
			if err == nil {
				t.Errorf("Load() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "single env var", input: "${FOO}", expected: "bar"},
		{name: "env var with surrounding text", input: "prefix-${FOO}-suffix", expected: "prefix-bar-suffix"},
		{name: "multiple env vars", input: "${FOO}/${BAZ}", expected: "bar/qux"},
		{name: "no env vars", input: "no-vars-here", expected: "no-vars-here"},
		{name: "unset env var", input: "${UNSET_VAR}", expected: ""},
		{name: "empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("RUNSTORE_CONFIG", "/etc/runstore.toml")
	if got := DefaultPath(); got != "/etc/runstore.toml" {
		t.Errorf("DefaultPath() = %q, want env override", got)
	}

	t.Setenv("RUNSTORE_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "coven", "runstore.yaml") {
		t.Errorf("DefaultPath() = %q, want XDG path", got)
	}
}

func TestValidate_Auth(t *testing.T) {
	cfg := Config{Database: DatabaseConfig{Path: "./test.db"}}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() expected error without secret or anonymous access")
	}

	cfg.Auth.AllowAnonymous = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}

	cfg.Auth = AuthConfig{JWTSecret: "0123456789abcdef0123456789abcdef"}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}
