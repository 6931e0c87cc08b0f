// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/sessionkeeper/internal/logging"
	"github.com/jeranaias/sessionkeeper/internal/offline"
	"github.com/jeranaias/sessionkeeper/internal/security"
	"github.com/jeranaias/sessionkeeper/internal/util"
)

// Storage drivers.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Backend timeout bounds, in seconds.
const (
	DefaultTimeoutSecs = 15
	MinTimeoutSecs     = 10
	MaxTimeoutSecs     = 30
)

// HomeEnv overrides the configuration directory.
const HomeEnv = "SESSIONKEEPER_HOME"

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete sessionkeeper configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	Backend     BackendConfig     `toml:"backend" json:"backend"`
	Storage     StorageConfig     `toml:"storage" json:"storage"`
	Credentials CredentialsConfig `toml:"credentials" json:"credentials"`
	Lockout     LockoutConfig     `toml:"lockout" json:"lockout"`
	Session     SessionConfig     `toml:"session" json:"session"`
	Realtime    RealtimeConfig    `toml:"realtime" json:"realtime"`
	Logging     LoggingConfig     `toml:"logging" json:"logging"`
	Metrics     MetricsConfig     `toml:"metrics" json:"metrics"`
	Offline     OfflineConfig     `toml:"offline" json:"offline"`
}

// BackendConfig points at the identity backend.
type BackendConfig struct {
	BaseURL           string  `toml:"base_url" json:"base_url"`
	TimeoutSecs       int     `toml:"timeout_secs" json:"timeout_secs"`
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `toml:"burst" json:"burst"`
	// MaxRetries applies to session validation only.
	MaxRetries int    `toml:"max_retries" json:"max_retries"`
	UserAgent  string `toml:"user_agent,omitempty" json:"user_agent,omitempty"`
}

// StorageConfig selects where tokens are persisted.
type StorageConfig struct {
	Driver  string `toml:"driver" json:"driver"`
	Path    string `toml:"path" json:"path"`
	KeyPath string `toml:"key_path" json:"key_path"`

	// Passphrase replaces the stored master key. Environment only.
	Passphrase string `toml:"-" json:"-"`
}

// CredentialsConfig controls login input validation.
type CredentialsConfig struct {
	IdentifierKind  string `toml:"identifier_kind" json:"identifier_kind"`
	MinSecretLength int    `toml:"min_secret_length" json:"min_secret_length"`
}

// LockoutTierConfig is one lockout tier in whole seconds.
type LockoutTierConfig struct {
	Attempts int `toml:"attempts" json:"attempts"`
	Seconds  int `toml:"seconds" json:"seconds"`
}

// LockoutConfig controls progressive login lockout.
type LockoutConfig struct {
	Step  int                 `toml:"step" json:"step"`
	Tiers []LockoutTierConfig `toml:"tiers" json:"tiers"`

	// Persist keeps the attempt record across restarts in a signed file.
	Persist   bool   `toml:"persist" json:"persist"`
	StatePath string `toml:"state_path" json:"state_path"`
}

// SessionConfig tunes the session manager.
type SessionConfig struct {
	// ExpirySkewSecs refreshes this many seconds before the known expiry.
	ExpirySkewSecs int `toml:"expiry_skew_secs" json:"expiry_skew_secs"`
}

// RealtimeConfig configures the websocket bridge.
type RealtimeConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	URL     string `toml:"url" json:"url"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
	File   string `toml:"file,omitempty" json:"file,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint served by watch.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Addr    string `toml:"addr" json:"addr"`
}

// OfflineConfig restricts network access to loopback hosts.
type OfflineConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a configuration with default values.
func Default() *Config {
	dir, err := ConfigDir()
	if err != nil {
		dir = ".sessionkeeper"
	}

	tiers := make([]LockoutTierConfig, 0, 3)
	for _, t := range security.DefaultLockoutTiers() {
		tiers = append(tiers, LockoutTierConfig{Attempts: t.Attempts, Seconds: int(t.Duration / time.Second)})
	}

	return &Config{
		Version: "1",
		Backend: BackendConfig{
			BaseURL:           "http://127.0.0.1:8080",
			TimeoutSecs:       DefaultTimeoutSecs,
			RequestsPerSecond: 5,
			Burst:             5,
			MaxRetries:        2,
		},
		Storage: StorageConfig{
			Driver:  DriverFile,
			Path:    filepath.Join(dir, "session.enc"),
			KeyPath: filepath.Join(dir, "master.key"),
		},
		Credentials: CredentialsConfig{
			IdentifierKind:  string(security.IdentifierAny),
			MinSecretLength: security.MinSecretLengthCeiling,
		},
		Lockout: LockoutConfig{
			Step:      security.DefaultLockoutStep,
			Tiers:     tiers,
			StatePath: filepath.Join(dir, security.LockoutStateFile),
		},
		Session: SessionConfig{
			ExpirySkewSecs: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logging.FormatAuto,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the sessionkeeper directory, ~/.sessionkeeper unless
// SESSIONKEEPER_HOME is set.
func ConfigDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".sessionkeeper"), nil
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

// ensureSecurePermissions tightens a config file to 0600.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the configuration. An explicit path must exist; otherwise
// config.toml then config.json in ConfigDir are tried before defaults.
// .env files are loaded first and environment overrides applied last.
func Load(explicitPath string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	if explicitPath != "" {
		return LoadFromPath(explicitPath)
	}

	cfg := Default()
	for _, pathFn := range []func() (string, error){ConfigPathTOML, ConfigPathJSON} {
		path, err := pathFn()
		if err != nil {
			continue
		}
		if _, statErr := os.Stat(path); statErr == nil {
			return LoadFromPath(path)
		}
	}
	return finish(cfg)
}

// LoadDotEnv loads ./.env and <ConfigDir>/.env when present. Variables
// already set in the environment are never overridden.
func LoadDotEnv() error {
	candidates := []string{".env"}
	if dir, err := ConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// LoadTOML loads configuration from a TOML file into cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return fillDefaults(cfg)
}

// LoadJSON loads configuration from a JSON file into cfg.
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
	return fillDefaults(cfg)
}

// LoadFromPath loads configuration from a specific file with full validation.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}
	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	if err := fillDefaults(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults fills missing values and clamps the backend timeout.
func fillDefaults(cfg *Config) error {
	defaults := Default()

	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}

	// Backend
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = defaults.Backend.BaseURL
	}
	switch {
	case cfg.Backend.TimeoutSecs == 0:
		cfg.Backend.TimeoutSecs = DefaultTimeoutSecs
	case cfg.Backend.TimeoutSecs < MinTimeoutSecs:
		cfg.Backend.TimeoutSecs = MinTimeoutSecs
	case cfg.Backend.TimeoutSecs > MaxTimeoutSecs:
		cfg.Backend.TimeoutSecs = MaxTimeoutSecs
	}
	if cfg.Backend.RequestsPerSecond == 0 {
		cfg.Backend.RequestsPerSecond = defaults.Backend.RequestsPerSecond
	}
	if cfg.Backend.Burst == 0 {
		cfg.Backend.Burst = defaults.Backend.Burst
	}

	// Storage
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = defaults.Storage.Driver
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaults.Storage.Path
		if cfg.Storage.Driver == DriverSQLite {
			cfg.Storage.Path = strings.TrimSuffix(defaults.Storage.Path, ".enc") + ".db"
		}
	}
	if cfg.Storage.KeyPath == "" {
		cfg.Storage.KeyPath = defaults.Storage.KeyPath
	}

	// Credentials
	if cfg.Credentials.IdentifierKind == "" {
		cfg.Credentials.IdentifierKind = defaults.Credentials.IdentifierKind
	}
	if cfg.Credentials.MinSecretLength == 0 {
		cfg.Credentials.MinSecretLength = defaults.Credentials.MinSecretLength
	}

	// Lockout
	if cfg.Lockout.Step == 0 {
		cfg.Lockout.Step = defaults.Lockout.Step
	}
	if len(cfg.Lockout.Tiers) == 0 {
		cfg.Lockout.Tiers = defaults.Lockout.Tiers
	}
	if cfg.Lockout.StatePath == "" {
		cfg.Lockout.StatePath = defaults.Lockout.StatePath
	}

	// Session
	if cfg.Session.ExpirySkewSecs == 0 {
		cfg.Session.ExpirySkewSecs = defaults.Session.ExpirySkewSecs
	}

	// Logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}

	// Metrics
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = defaults.Metrics.Addr
	}

	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes cfg as TOML with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var b strings.Builder
	b.WriteString("# sessionkeeper configuration file\n")
	b.WriteString("# Secrets (store passphrase) are read from the environment, never from this file.\n\n")
	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON writes cfg as indented JSON with 0600 permissions.
func SaveJSON(cfg *Config, path string) error {
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

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every invalid setting.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every section and returns ValidateErrors on failure.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Backend
	if err := offline.ValidateEndpoint(c.Backend.BaseURL); err != nil {
		add("backend.base_url", "%v", err)
	}
	if c.Backend.TimeoutSecs < MinTimeoutSecs || c.Backend.TimeoutSecs > MaxTimeoutSecs {
		add("backend.timeout_secs", "must be between %d and %d", MinTimeoutSecs, MaxTimeoutSecs)
	}
	if c.Backend.RequestsPerSecond <= 0 {
		add("backend.requests_per_second", "must be positive")
	}
	if c.Backend.Burst < 1 {
		add("backend.burst", "must be at least 1")
	}
	if c.Backend.MaxRetries < 0 || c.Backend.MaxRetries > 5 {
		add("backend.max_retries", "must be between 0 and 5")
	}

	// Storage
	switch c.Storage.Driver {
	case DriverFile, DriverSQLite:
		if c.Storage.Path == "" {
			add("storage.path", "required for driver %q", c.Storage.Driver)
		}
	case DriverMemory:
	default:
		add("storage.driver", "invalid driver '%s', must be one of: file, sqlite, memory", c.Storage.Driver)
	}

	// Credentials
	switch security.IdentifierKind(c.Credentials.IdentifierKind) {
	case security.IdentifierEmail, security.IdentifierUsername, security.IdentifierAny:
	default:
		add("credentials.identifier_kind", "invalid kind '%s', must be one of: email, username, any", c.Credentials.IdentifierKind)
	}
	if c.Credentials.MinSecretLength < security.MinSecretLengthFloor ||
		c.Credentials.MinSecretLength > security.MinSecretLengthCeiling {
		add("credentials.min_secret_length", "must be between %d and %d",
			security.MinSecretLengthFloor, security.MinSecretLengthCeiling)
	}

	// Lockout
	if _, err := c.LockoutPolicy(); err != nil {
		add("lockout", "%v", err)
	}
	if c.Lockout.Persist && c.Lockout.StatePath == "" {
		add("lockout.state_path", "required when persist is enabled")
	}

	// Session
	if c.Session.ExpirySkewSecs < 0 {
		add("session.expiry_skew_secs", "must not be negative")
	}

	// Realtime
	if c.Realtime.Enabled {
		if c.Realtime.URL == "" {
			add("realtime.url", "required when realtime is enabled")
		} else if err := offline.ValidateEndpoint(c.Realtime.URL); err != nil {
			add("realtime.url", "%v", err)
		} else if !strings.HasPrefix(c.Realtime.URL, "ws") {
			add("realtime.url", "must use ws or wss")
		}
	}

	// Logging
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "%v", err)
	}
	switch c.Logging.Format {
	case logging.FormatAuto, logging.FormatConsole, logging.FormatJSON:
	default:
		add("logging.format", "invalid format '%s', must be one of: auto, console, json", c.Logging.Format)
	}

	// Metrics
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		add("metrics.addr", "required when metrics are enabled")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// LockoutPolicy builds the lockout policy described by the lockout section.
func (c *Config) LockoutPolicy() (security.LockoutPolicy, error) {
	tiers := make([]security.LockoutTier, 0, len(c.Lockout.Tiers))
	for _, t := range c.Lockout.Tiers {
		tiers = append(tiers, security.LockoutTier{
			Attempts: t.Attempts,
			Duration: time.Duration(t.Seconds) * time.Second,
		})
	}
	return security.NewLockoutPolicy(c.Lockout.Step, tiers)
}

// BackendTimeout returns the backend timeout as a duration.
func (c *Config) BackendTimeout() time.Duration {
	return time.Duration(c.Backend.TimeoutSecs) * time.Second
}

// ExpirySkew returns the proactive refresh margin.
func (c *Config) ExpirySkew() time.Duration {
	return time.Duration(c.Session.ExpirySkewSecs) * time.Second
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - SESSIONKEEPER_BASE_URL: overrides backend.base_url
//   - SESSIONKEEPER_STORE_DRIVER: overrides storage.driver
//   - SESSIONKEEPER_STORE_PASSPHRASE: derives the store key from a passphrase
//   - SESSIONKEEPER_REALTIME_URL: sets realtime.url and enables the bridge
//   - SESSIONKEEPER_LOG_LEVEL: overrides logging.level
//   - SESSIONKEEPER_OFFLINE: "1" or "true" enables offline mode
//   - SESSIONKEEPER_NO_NETWORK: alias for SESSIONKEEPER_OFFLINE
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("SESSIONKEEPER_BASE_URL"); v != "" {
		c.Backend.BaseURL = v
	}
	if v := os.Getenv("SESSIONKEEPER_STORE_DRIVER"); v != "" {
		c.Storage.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("SESSIONKEEPER_STORE_PASSPHRASE"); v != "" {
		c.Storage.Passphrase = v
	}
	if v := os.Getenv("SESSIONKEEPER_REALTIME_URL"); v != "" {
		c.Realtime.URL = v
		c.Realtime.Enabled = true
	}
	if v := os.Getenv("SESSIONKEEPER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SESSIONKEEPER_OFFLINE"); v != "" {
		c.Offline.Enabled = truthy(v)
	}
	if v := os.Getenv("SESSIONKEEPER_NO_NETWORK"); v != "" {
		c.Offline.Enabled = truthy(v)
	}
}

func truthy(v string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	return err == nil && b
}

// =============================================================================
// GET HELPER (DOT NOTATION)
// =============================================================================

// Get retrieves a value by its dotted TOML key (e.g. "backend.base_url").
func (c *Config) Get(key string) (any, error) {
	if key == "" {
		return nil, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByTag(v, part)
		if !ok {
			return nil, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field.Interface(), nil
		}
		if field.Kind() != reflect.Struct {
			return nil, fmt.Errorf("field '%s' is not a section", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return nil, fmt.Errorf("invalid key: %s", key)
}

func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ",")
		if tag == name && tag != "-" {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Lockout.Tiers = slices.Clone(c.Lockout.Tiers)
	return &clone
}

// String renders the config as JSON with secrets redacted.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Clone(), "", "  ")
	return string(data)
}
