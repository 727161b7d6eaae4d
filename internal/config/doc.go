// Package config handles configuration loading for coven-runstore.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by the .toml
// extension) with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RUNSTORE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/runstore.yaml
//  3. ~/.config/coven/runstore.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RUNSTORE_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//
//	database:
//	  path: "/var/lib/coven/runstore.db"
//
//	auth:
//	  jwt_secret: "${RUNSTORE_JWT_SECRET}"
//	  allow_anonymous: false
//
//	runs:
//	  failure_policy: "complete"   # or "error"
//	  persist_timeout: "30s"
//
//	agent:
//	  delay: "30ms"
//	  chunk_size: 16
//
//	logging:
//	  level: "info"                # debug, info, warn, error
//	  format: "text"               # text or json
//
//	tracing:
//	  enabled: true
//	  endpoint: "localhost:4318"
//	  insecure: true
//	  sample_ratio: 1.0
//
// Duration values use Go's time.ParseDuration syntax.
package config
