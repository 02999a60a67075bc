// Package config provides the securekv-server configuration.
//
//   - spec.go: ServerConfig struct definition
//   - default.go: Default configuration values
//   - verify.go: Validation run before anything binds or opens files
//   - sanitize.go: Log sanitization (hide sensitive values)
//
// Configuration is loaded via internal/infra/confloader from defaults, a
// YAML file, SECUREKV_* environment variables and command-line flags.
package config
