// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the sessionkeeper packages.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: Crash-safe file writing with fsync + rename
//
// Redaction:
//   - Mask, MaskIdentifier: Safe display of tokens and login identifiers
//   - TruncateRunes, StripControl: Sanitising server-provided text
//
// # Usage
//
//	// Persist a sealed session envelope without ever exposing a torn file
//	err := util.AtomicWriteFile(path, sealed, 0600)
//
//	// Log a token without leaking it
//	logger.Debug().Str("token", util.Mask(token)).Msg("token rotated")
package util
