// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security holds the credential and key handling used by the
// session manager.
//
// # Contents
//
//   - CredentialValidator: NFKC normalization and per-field checks of login
//     input (go-playground/validator)
//   - LockoutPolicy: progressive lockout tiers as pure functions over an
//     AttemptRecord
//   - LockoutFile: the attempt record on disk, signed with HMAC-SHA256
//   - Cipher: AES-256-GCM with per-field associated data
//   - KeyStore: master key provisioning (file mode checks on Unix, DPAPI on
//     Windows) and passphrase derivation
//
// Every key used at rest is derived from one master key with DeriveSubkey,
// so the token store and the lockout file never share key material.
package security
