// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and validation for
// sessionkeeper.
//
// Supports both TOML and JSON configuration formats, with defaults,
// .env files, environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: main configuration structure
//   - BackendConfig: identity backend endpoint, timeout and pacing
//   - StorageConfig: token store driver and key location
//   - LockoutConfig: lockout tiers and optional persistence
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (SESSIONKEEPER_*)
//   - .env files (never override variables already set)
//   - --config PATH, or ~/.sessionkeeper/config.toml, or config.json
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	policy, _ := cfg.LockoutPolicy()
package config
