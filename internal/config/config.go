// Copyright (c) 2025 kiraTheresa
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for cmdquery.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ~/.cmdquery/config.toml
//   - ~/.cmdquery/config.json
//   - Built-in defaults
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/kiraTheresa/AI-command-line-query-tool/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete cmdquery configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Server configuration
	Server ServerConfig `toml:"server" json:"server"`

	// Upstream (chat-completion provider) configuration
	Upstream UpstreamConfig `toml:"upstream" json:"upstream"`

	// Storage configuration
	Storage StorageConfig `toml:"storage" json:"storage"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Port is the TCP port the server listens on.
	Port int `toml:"port" json:"port"`
	// AuthToken is an optional bearer token; empty disables auth.
	AuthToken string `toml:"auth_token" json:"auth_token"`
	// AllowedOrigins overrides the CORS allowlist when non-empty.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`
}

// UpstreamConfig contains chat-completion provider configuration.
type UpstreamConfig struct {
	// APIKey is the provider API key.
	APIKey string `toml:"api_key" json:"api_key"`
	// BaseURL is the provider API base URL.
	BaseURL string `toml:"base_url" json:"base_url"`
	// Model is the model identifier sent with every request.
	Model string `toml:"model" json:"model"`
	// MaxTokens caps the completion length.
	MaxTokens int `toml:"max_tokens" json:"max_tokens"`
	// DefaultMode is the default query mode: "query" or "certain".
	DefaultMode string `toml:"default_mode" json:"default_mode"`
}

// StorageConfig contains record store configuration.
type StorageConfig struct {
	// DataDir is the directory holding history and leaderboard files.
	// Empty means the config directory (~/.cmdquery).
	DataDir string `toml:"data_dir" json:"data_dir"`
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Server: ServerConfig{
			Port: 3000,
		},

		Upstream: UpstreamConfig{
			BaseURL:     "https://api.deepseek.com/v1",
			Model:       "deepseek-chat",
			MaxTokens:   1000,
			DefaultMode: "query",
		},

		Storage: StorageConfig{
			DataDir: "",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the cmdquery configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".cmdquery"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions checks and fixes permissions on config files.
// Config files should be 0600 (owner read/write only) to protect API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	mode := info.Mode().Perm()
	if mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}

	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the config file(s).
// Tries TOML first, then JSON, and falls back to defaults.
// Environment overrides are applied last.
func Load() (*Config, error) {
	cfg := Default()
	var loadErr error

	tomlPath, err := ConfigPathTOML()
	if err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			if err := LoadTOML(cfg, tomlPath); err != nil {
				loadErr = fmt.Errorf("failed to load TOML config: %w", err)
			} else {
				return finalize(cfg)
			}
		}
	}

	jsonPath, err := ConfigPathJSON()
	if err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			if err := LoadJSON(cfg, jsonPath); err != nil {
				loadErr = fmt.Errorf("failed to load JSON config: %w", err)
			} else {
				return finalize(cfg)
			}
		}
	}

	cfg, err = finalize(cfg)
	if err != nil {
		return nil, err
	}
	return cfg, loadErr
}

// LoadFromPath loads configuration from a specific file path with full
// validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	return finalize(cfg)
}

// finalize applies env overrides, defaults, and validation.
func finalize(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file.
// Checks and fixes file permissions on load.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON loads configuration from a JSON file.
// Checks and fixes file permissions on load.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// Creates config files with 0600 permissions (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# cmdquery configuration file")
	fmt.Fprintln(file, "# Edit with care; the api_key field is a secret.")
	fmt.Fprintln(file, "")

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// SaveJSON saves the configuration to a JSON file.
// The write is atomic so a crash cannot leave a torn config behind.
func SaveJSON(cfg *Config, path string) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("must be 1-65535, got %d", c.Server.Port),
		})
	}

	if c.Upstream.BaseURL != "" {
		u, err := url.Parse(c.Upstream.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, ValidationError{
				Field:   "upstream.base_url",
				Message: fmt.Sprintf("invalid URL '%s'", c.Upstream.BaseURL),
			})
		}
	}

	if c.Upstream.MaxTokens < 0 {
		errs = append(errs, ValidationError{
			Field:   "upstream.max_tokens",
			Message: "must be non-negative",
		})
	}

	if c.Upstream.DefaultMode != "" {
		validModes := map[string]bool{"query": true, "certain": true}
		if !validModes[strings.ToLower(c.Upstream.DefaultMode)] {
			errs = append(errs, ValidationError{
				Field:   "upstream.default_mode",
				Message: fmt.Sprintf("invalid mode '%s', must be one of: query, certain", c.Upstream.DefaultMode),
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults sets default values for any missing or zero-value fields.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaults.Server.Port
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = defaults.Upstream.BaseURL
	}
	if c.Upstream.Model == "" {
		c.Upstream.Model = defaults.Upstream.Model
	}
	if c.Upstream.MaxTokens == 0 {
		c.Upstream.MaxTokens = defaults.Upstream.MaxTokens
	}
	if c.Upstream.DefaultMode == "" {
		c.Upstream.DefaultMode = defaults.Upstream.DefaultMode
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - CMDQUERY_API_KEY: overrides upstream.api_key
//   - CMDQUERY_BASE_URL: overrides upstream.base_url
//   - CMDQUERY_MODEL: overrides upstream.model
//   - CMDQUERY_MODE: overrides upstream.default_mode
//   - CMDQUERY_PORT: overrides server.port
//   - CMDQUERY_AUTH_TOKEN: overrides server.auth_token
//   - CMDQUERY_DATA_DIR: overrides storage.data_dir
func (c *Config) ApplyEnvOverrides() {
	if key := os.Getenv("CMDQUERY_API_KEY"); key != "" {
		c.Upstream.APIKey = key
	}

	if base := os.Getenv("CMDQUERY_BASE_URL"); base != "" {
		c.Upstream.BaseURL = base
	}

	if model := os.Getenv("CMDQUERY_MODEL"); model != "" {
		c.Upstream.Model = model
	}

	if mode := os.Getenv("CMDQUERY_MODE"); mode != "" {
		c.Upstream.DefaultMode = mode
	}

	if port := os.Getenv("CMDQUERY_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}

	if token := os.Getenv("CMDQUERY_AUTH_TOKEN"); token != "" {
		c.Server.AuthToken = token
	}

	if dir := os.Getenv("CMDQUERY_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// ResolveDataDir returns the directory for history and leaderboard files,
// falling back to the config directory when storage.data_dir is unset.
func (c *Config) ResolveDataDir() (string, error) {
	if c.Storage.DataDir != "" {
		return c.Storage.DataDir, nil
	}
	return ConfigDir()
}

// String returns a string representation of the config for debugging.
// Secrets are redacted so the output is safe to log.
func (c *Config) String() string {
	safe := *c
	if safe.Upstream.APIKey != "" {
		safe.Upstream.APIKey = "[REDACTED]"
	}
	if safe.Server.AuthToken != "" {
		safe.Server.AuthToken = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(safe, "", "  ")
	return string(data)
}
