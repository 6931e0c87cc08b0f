// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides encrypted persistence for the session token triad.
//
// The triad (user snapshot, access token, refresh token) plus the optional
// issue and expiry timestamps is written and cleared as one group: a failed
// Save leaves the previous group in place, and Load never returns a partial
// group.
//
// # Key Types
//
//   - TokenStore: the Save/Load/Clear contract used by the session manager
//   - FileStore: single AES-GCM sealed file replaced atomically
//   - SQLiteStore: encrypted rows written in one transaction
//   - MemoryStore: process-local, nothing survives a restart
//   - Watcher: reports changes made to the store file by other processes
//
// # Usage
//
//	c, _ := security.NewDerivedCipher(masterKey, security.PurposeTokenStore)
//	store, _ := storage.NewFileStore(path, c)
//
//	snap, err := store.Load(ctx)
//	if snap == nil && err == nil {
//		// nothing stored
//	}
//
// # Storage Location
//
// The file store defaults to ~/.sessionkeeper/session.enc and the SQLite
// store to ~/.sessionkeeper/session.db.
package storage
