// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// isolate points ConfigDir at a temp dir and clears env overrides.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(HomeEnv, dir)
	for _, key := range []string{
		"SESSIONKEEPER_BASE_URL", "SESSIONKEEPER_STORE_DRIVER", "SESSIONKEEPER_STORE_PASSPHRASE",
		"SESSIONKEEPER_REALTIME_URL", "SESSIONKEEPER_LOG_LEVEL", "SESSIONKEEPER_OFFLINE",
		"SESSIONKEEPER_NO_NETWORK",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	return dir
}

// TestDefault_IsValid tests that the built-in defaults pass validation.
func TestDefault_IsValid(t *testing.T) {
	dir := isolate(t)
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, filepath.Join(dir, "session.enc"), cfg.Storage.Path)
	require.Equal(t, 15*time.Second, cfg.BackendTimeout())
	require.Equal(t, 30*time.Second, cfg.ExpirySkew())

	policy, err := cfg.LockoutPolicy()
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, policy.DurationFor(3))
	require.Equal(t, 60*time.Second, policy.Ceiling())
}

// TestLoad_NoFileUsesDefaults tests loading with no config file present.
func TestLoad_NoFileUsesDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DriverFile, cfg.Storage.Driver)
}

// TestSaveAndLoadTOML tests a TOML round trip through the default location.
func TestSaveAndLoadTOML(t *testing.T) {
	dir := isolate(t)
	cfg := Default()
	cfg.Backend.BaseURL = "https://id.example.com"
	cfg.Storage.Driver = DriverSQLite
	cfg.Storage.Path = filepath.Join(dir, "tokens.db")
	cfg.Lockout.Persist = true
	cfg.Lockout.Tiers = []LockoutTierConfig{{Attempts: 3, Seconds: 10}, {Attempts: 6, Seconds: 20}}
	cfg.Storage.Passphrase = "must-not-be-written"

	path, err := ConfigPathTOML()
	require.NoError(t, err)
	require.NoError(t, SaveTOML(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "must-not-be-written")

	loaded, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "https://id.example.com", loaded.Backend.BaseURL)
	require.Equal(t, DriverSQLite, loaded.Storage.Driver)
	require.True(t, loaded.Lockout.Persist)
	require.Len(t, loaded.Lockout.Tiers, 2)
	require.Empty(t, loaded.Storage.Passphrase)
}

// TestLoadJSON_FillsDefaults tests that a sparse JSON file gets defaults.
func TestLoadJSON_FillsDefaults(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "custom.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"backend":{"base_url":"https://id.example.com"}}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://id.example.com", cfg.Backend.BaseURL)
	require.Equal(t, DefaultTimeoutSecs, cfg.Backend.TimeoutSecs)
	require.Equal(t, 3, cfg.Lockout.Step)
	require.Equal(t, 8, cfg.Credentials.MinSecretLength)
}

// TestLoad_ExplicitPathMissing tests that an explicit path must exist.
func TestLoad_ExplicitPathMissing(t *testing.T) {
	dir := isolate(t)
	_, err := Load(filepath.Join(dir, "nope.toml"))
	require.Error(t, err)
}

// TestLoadTOML_TightensPermissions tests that a world-readable config is fixed.
func TestLoadTOML_TightensPermissions(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "loose.toml")
	require.NoError(t, os.WriteFile(path, []byte("[backend]\nbase_url = \"https://id.example.com\"\n"), 0644))

	_, err := Load(path)
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

// TestFillDefaults_ClampsTimeout tests the 10..30 second timeout clamp.
func TestFillDefaults_ClampsTimeout(t *testing.T) {
	isolate(t)
	tests := []struct{ in, want int }{
		{0, 15}, {3, 10}, {10, 10}, {22, 22}, {30, 30}, {120, 30},
	}
	for _, tt := range tests {
		cfg := &Config{Backend: BackendConfig{TimeoutSecs: tt.in}}
		require.NoError(t, fillDefaults(cfg))
		require.Equal(t, tt.want, cfg.Backend.TimeoutSecs, "timeout %d", tt.in)
	}
}

// TestFillDefaults_SQLitePath tests the driver-specific default path.
func TestFillDefaults_SQLitePath(t *testing.T) {
	dir := isolate(t)
	cfg := &Config{Storage: StorageConfig{Driver: DriverSQLite}}
	require.NoError(t, fillDefaults(cfg))
	require.Equal(t, filepath.Join(dir, "session.db"), cfg.Storage.Path)
}

// TestValidate_CollectsErrors tests that every invalid field is reported.
func TestValidate_CollectsErrors(t *testing.T) {
	isolate(t)
	cfg := Default()
	cfg.Backend.BaseURL = "http://id.example.com"
	cfg.Storage.Driver = "etcd"
	cfg.Credentials.IdentifierKind = "phone"
	cfg.Credentials.MinSecretLength = 4
	cfg.Lockout.Tiers = []LockoutTierConfig{{Attempts: 6, Seconds: 30}, {Attempts: 3, Seconds: 60}}
	cfg.Realtime.Enabled = true
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)

	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))
	fields := map[string]bool{}
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, f := range []string{
		"backend.base_url", "storage.driver", "credentials.identifier_kind",
		"credentials.min_secret_length", "lockout", "realtime.url", "logging.level",
	} {
		require.True(t, fields[f], "expected error for %s, got %v", f, verrs)
	}
}

// TestValidate_RealtimeScheme tests that the realtime URL must be a websocket URL.
func TestValidate_RealtimeScheme(t *testing.T) {
	isolate(t)
	cfg := Default()
	cfg.Realtime.Enabled = true
	cfg.Realtime.URL = "https://rt.example.com/ws"
	require.ErrorContains(t, cfg.Validate(), "realtime.url")

	cfg.Realtime.URL = "wss://rt.example.com/ws"
	require.NoError(t, cfg.Validate())
}

// TestApplyEnvOverrides tests each supported environment variable.
func TestApplyEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("SESSIONKEEPER_BASE_URL", "https://env.example.com")
	t.Setenv("SESSIONKEEPER_STORE_DRIVER", "MEMORY")
	t.Setenv("SESSIONKEEPER_STORE_PASSPHRASE", "correct horse")
	t.Setenv("SESSIONKEEPER_REALTIME_URL", "wss://rt.example.com/ws")
	t.Setenv("SESSIONKEEPER_LOG_LEVEL", "debug")
	t.Setenv("SESSIONKEEPER_OFFLINE", "true")

	cfg := Default()
	cfg.ApplyEnvOverrides()
	require.Equal(t, "https://env.example.com", cfg.Backend.BaseURL)
	require.Equal(t, DriverMemory, cfg.Storage.Driver)
	require.Equal(t, "correct horse", cfg.Storage.Passphrase)
	require.True(t, cfg.Realtime.Enabled)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.True(t, cfg.Offline.Enabled)

	t.Setenv("SESSIONKEEPER_NO_NETWORK", "0")
	cfg.ApplyEnvOverrides()
	require.False(t, cfg.Offline.Enabled)
}

// TestLoadDotEnv tests that .env values load without overriding real env.
func TestLoadDotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("SESSIONKEEPER_LOG_LEVEL=warn\nSESSIONKEEPER_BASE_URL=https://dotenv.example.com\n"), 0600))
	t.Setenv("SESSIONKEEPER_BASE_URL", "https://real.example.com")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, "https://real.example.com", cfg.Backend.BaseURL)
}

// TestGet tests dotted key lookup by TOML name.
func TestGet(t *testing.T) {
	isolate(t)
	cfg := Default()

	v, err := cfg.Get("backend.timeout_secs")
	require.NoError(t, err)
	require.Equal(t, 15, v)

	v, err = cfg.Get("storage.driver")
	require.NoError(t, err)
	require.Equal(t, DriverFile, v)

	_, err = cfg.Get("storage.passphrase")
	require.Error(t, err)
	_, err = cfg.Get("backend.base_url.host")
	require.Error(t, err)
	_, err = cfg.Get("")
	require.Error(t, err)
}

// TestCloneAndString tests deep copy and secret redaction.
func TestCloneAndString(t *testing.T) {
	isolate(t)
	cfg := Default()
	cfg.Storage.Passphrase = "hunter22"

	clone := cfg.Clone()
	clone.Lockout.Tiers[0].Seconds = 1
	require.Equal(t, 30, cfg.Lockout.Tiers[0].Seconds)

	require.NotContains(t, cfg.String(), "hunter22")
	require.Contains(t, cfg.String(), "base_url")
}
