// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security provides the local security controls of the session core.
//
// This file defines where the store master key lives and how it is
// provisioned: either generated once and kept in a platform KeyStore, or
// derived from a passphrase with a persisted salt.
package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jeranaias/sessionkeeper/internal/util"
)

// =============================================================================
// KEYSTORE INTERFACE
// =============================================================================

// KeyStore persists the store master key.
//   - Windows: DPAPI-wrapped file bound to the current user
//   - Unix: owner-only file under a 0700 directory
type KeyStore interface {
	Store(key []byte) error
	Retrieve() ([]byte, error)
	Delete() error
	Exists() bool
}

// ErrKeyStoreMissing is returned by Retrieve when no key has been stored.
var ErrKeyStoreMissing = errors.New("no master key stored")

// DefaultKeyPath returns the master key location inside dir.
func DefaultKeyPath(dir string) string {
	return filepath.Join(dir, "keys", "master.key")
}

// =============================================================================
// PLAIN FILE KEYSTORE
// =============================================================================

// FileKeyStore keeps the raw key in a 0600 file with no platform wrapping.
// Used by tests and by the memory store driver.
type FileKeyStore struct {
	path string
}

// NewFileKeyStore returns a FileKeyStore at path.
func NewFileKeyStore(path string) *FileKeyStore {
	return &FileKeyStore{path: path}
}

// Store writes the key atomically.
func (f *FileKeyStore) Store(key []byte) error {
	if err := util.AtomicWriteFile(f.path, key, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// Retrieve reads the key.
func (f *FileKeyStore) Retrieve() ([]byte, error) {
	key, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyStoreMissing
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return key, nil
}

// Delete removes the key file.
func (f *FileKeyStore) Delete() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

// Exists reports whether the key file is present.
func (f *FileKeyStore) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// =============================================================================
// KEY PROVISIONING
// =============================================================================

// LoadOrCreateMasterKey returns the stored master key, generating and storing
// a fresh one on first use.
func LoadOrCreateMasterKey(ks KeyStore) ([]byte, error) {
	if ks.Exists() {
		key, err := ks.Retrieve()
		if err != nil {
			return nil, err
		}
		if len(key) != KeySize {
			ZeroBytes(key)
			return nil, fmt.Errorf("%w: stored master key has %d bytes", ErrInvalidKey, len(key))
		}
		return key, nil
	}

	key, err := GenerateMasterKey()
	if err != nil {
		return nil, err
	}
	if err := ks.Store(key); err != nil {
		ZeroBytes(key)
		return nil, fmt.Errorf("failed to store master key: %w", err)
	}
	return key, nil
}

// PassphraseKey derives the master key from passphrase. The salt is read from
// saltPath, or generated and written there on first use.
func PassphraseKey(passphrase, saltPath string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: empty passphrase", ErrInvalidKey)
	}

	salt, err := os.ReadFile(saltPath)
	switch {
	case err == nil:
		if len(salt) != SaltSize {
			return nil, fmt.Errorf("%w: salt file has %d bytes", ErrInvalidKey, len(salt))
		}
	case os.IsNotExist(err):
		salt, err = GenerateSalt()
		if err != nil {
			return nil, err
		}
		if err := util.AtomicWriteFile(saltPath, salt, 0600); err != nil {
			return nil, fmt.Errorf("failed to write salt: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}

	return DeriveKey(passphrase, salt), nil
}
