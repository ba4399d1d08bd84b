// ABOUTME: Configuration loading and parsing for coven-checkpoint
// ABOUTME: Supports YAML or TOML files with environment variable expansion and overrides

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a value is not set.
const (
	DefaultEventPrefix        = "ai.coven"
	DefaultIndexNamespace     = "default"
	DefaultCacheTTL           = 5 * time.Minute
	DefaultCacheMaxEntries    = 50000
	DefaultMaxCheckpointBytes = 10 * 1024 * 1024
	DefaultIterations         = 500000
)

// Environment variables that override the checkpoint section.
const (
	EnvCacheTTLMS         = "CACHE_TTL_MS"
	EnvCacheMaxEntries    = "CACHE_MAX_ENTRIES"
	EnvMaxCheckpointBytes = "MAX_CHECKPOINT_BYTES"
)

// Config represents the complete coven-checkpoint configuration
type Config struct {
	Matrix     MatrixConfig     `yaml:"matrix" toml:"matrix"`
	Crypto     CryptoConfig     `yaml:"crypto" toml:"crypto"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" toml:"checkpoint"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
}

// MatrixConfig holds the Matrix account and the room that stores checkpoints
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	Password    string `yaml:"password" toml:"password"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	DeviceID    string `yaml:"device_id" toml:"device_id"`
	DeviceName  string `yaml:"device_name" toml:"device_name"`
	RoomID      string `yaml:"room_id" toml:"room_id"`
}

// CryptoConfig holds end-to-end encryption settings
type CryptoConfig struct {
	Passphrase string `yaml:"passphrase" toml:"passphrase"`
	Iterations int    `yaml:"iterations" toml:"iterations"`
	// DataDir holds the crypto database. Empty means the XDG data directory.
	DataDir string `yaml:"data_dir" toml:"data_dir"`
	// KeyCachePath is the SQLite file for derived keys. Empty means DataDir/keys.db.
	KeyCachePath string `yaml:"key_cache_path" toml:"key_cache_path"`
}

// CheckpointConfig holds checkpoint store settings
type CheckpointConfig struct {
	EventPrefix        string        `yaml:"event_prefix" toml:"event_prefix"`
	IndexNamespace     string        `yaml:"index_namespace" toml:"index_namespace"`
	CacheTTL           time.Duration `yaml:"-" toml:"-"`
	CacheMaxEntries    int           `yaml:"cache_max_entries" toml:"cache_max_entries"`
	MaxCheckpointBytes int           `yaml:"max_checkpoint_bytes" toml:"max_checkpoint_bytes"`
	VerifyParent       bool          `yaml:"verify_parent" toml:"verify_parent"`

	// Raw string value for unmarshaling
	CacheTTLRaw string `yaml:"cache_ttl" toml:"cache_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, and the
// CACHE_TTL_MS, CACHE_MAX_ENTRIES and MAX_CHECKPOINT_BYTES variables
// override the checkpoint section.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(expandEnvVars(string(data)), formatFor(path))
	if err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Parse decodes already-expanded config text in the given format ("toml" or "yaml")
// and fills in defaults. It does not validate.
func Parse(data, format string) (*Config, error) {
	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal([]byte(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func formatFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return "toml"
	}
	return "yaml"
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

func applyDefaults(cfg *Config) {
	if cfg.Checkpoint.EventPrefix == "" {
		cfg.Checkpoint.EventPrefix = DefaultEventPrefix
	}
	if cfg.Checkpoint.IndexNamespace == "" {
		cfg.Checkpoint.IndexNamespace = DefaultIndexNamespace
	}
	if cfg.Checkpoint.CacheTTLRaw == "" {
		cfg.Checkpoint.CacheTTL = DefaultCacheTTL
	}
	if cfg.Checkpoint.CacheMaxEntries == 0 {
		cfg.Checkpoint.CacheMaxEntries = DefaultCacheMaxEntries
	}
	if cfg.Checkpoint.MaxCheckpointBytes == 0 {
		cfg.Checkpoint.MaxCheckpointBytes = DefaultMaxCheckpointBytes
	}
	if cfg.Crypto.Iterations == 0 {
		cfg.Crypto.Iterations = DefaultIterations
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// applyEnvOverrides replaces checkpoint settings with values from lookup.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvCacheTTLMS); ok && v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvCacheTTLMS, v, err)
		}
		cfg.Checkpoint.CacheTTL = time.Duration(ms) * time.Millisecond
	}
	if v, ok := lookup(EnvCacheMaxEntries); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvCacheMaxEntries, v, err)
		}
		cfg.Checkpoint.CacheMaxEntries = n
	}
	if v, ok := lookup(EnvMaxCheckpointBytes); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvMaxCheckpointBytes, v, err)
		}
		cfg.Checkpoint.MaxCheckpointBytes = n
	}
	return nil
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Matrix.Homeserver == "" {
		return fmt.Errorf("matrix.homeserver is required")
	}
	u, err := url.Parse(c.Matrix.Homeserver)
	if err != nil {
		return fmt.Errorf("matrix.homeserver is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("matrix.homeserver must use http or https scheme")
	}

	if c.Matrix.UserID == "" {
		return fmt.Errorf("matrix.user_id is required")
	}
	if !strings.HasPrefix(c.Matrix.UserID, "@") || !strings.Contains(c.Matrix.UserID, ":") {
		return fmt.Errorf("matrix.user_id must look like @name:server, got %q", c.Matrix.UserID)
	}
	if c.Matrix.Password == "" && c.Matrix.AccessToken == "" {
		return fmt.Errorf("matrix.password or matrix.access_token is required")
	}
	if c.Matrix.RoomID == "" {
		return fmt.Errorf("matrix.room_id is required")
	}
	if !strings.HasPrefix(c.Matrix.RoomID, "!") {
		return fmt.Errorf("matrix.room_id must start with '!', got %q", c.Matrix.RoomID)
	}

	if c.Crypto.Passphrase == "" {
		return fmt.Errorf("crypto.passphrase is required")
	}
	if c.Crypto.Iterations < 0 {
		return fmt.Errorf("crypto.iterations must not be negative")
	}

	if c.Checkpoint.CacheTTL <= 0 {
		return fmt.Errorf("checkpoint.cache_ttl must be positive")
	}
	if c.Checkpoint.CacheMaxEntries <= 0 {
		return fmt.Errorf("checkpoint.cache_max_entries must be positive")
	}
	if c.Checkpoint.MaxCheckpointBytes <= 0 {
		return fmt.Errorf("checkpoint.max_checkpoint_bytes must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	if cfg.Checkpoint.CacheTTLRaw != "" {
		d, err := time.ParseDuration(cfg.Checkpoint.CacheTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing cache_ttl %q: %w", cfg.Checkpoint.CacheTTLRaw, err)
		}
		cfg.Checkpoint.CacheTTL = d
	}
	return nil
}
