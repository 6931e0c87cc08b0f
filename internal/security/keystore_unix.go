// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows

// Package security provides the local security controls of the session core.
//
// On Unix the master key is a 0600 file under a 0700 directory. Both modes
// are verified on every read and write.
package security

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jeranaias/sessionkeeper/internal/util"
)

// UnixKeyStore stores the master key under filesystem permissions.
type UnixKeyStore struct {
	path string
}

// NewKeyStore returns the platform keystore for path.
func NewKeyStore(path string) KeyStore {
	return &UnixKeyStore{path: path}
}

// Store writes the key after checking the directory mode.
func (u *UnixKeyStore) Store(key []byte) error {
	dir := filepath.Dir(u.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := checkPrivateMode(dir); err != nil {
		return err
	}

	if err := util.AtomicWriteFile(u.path, key, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := checkPrivateMode(u.path); err != nil {
		_ = os.Remove(u.path)
		return err
	}
	return nil
}

// Retrieve reads the key after checking both modes.
func (u *UnixKeyStore) Retrieve() ([]byte, error) {
	if _, err := os.Stat(u.path); os.IsNotExist(err) {
		return nil, ErrKeyStoreMissing
	}
	if err := checkPrivateMode(filepath.Dir(u.path)); err != nil {
		return nil, err
	}
	if err := checkPrivateMode(u.path); err != nil {
		return nil, err
	}

	key, err := os.ReadFile(u.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return key, nil
}

// Delete overwrites the key file with zeros, then removes it.
func (u *UnixKeyStore) Delete() error {
	info, err := os.Stat(u.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat key file: %w", err)
	}

	if size := info.Size(); size > 0 {
		if f, err := os.OpenFile(u.path, os.O_WRONLY, 0600); err == nil {
			_, _ = f.Write(make([]byte, size))
			_ = f.Sync()
			_ = f.Close()
		}
	}

	if err := os.Remove(u.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

// Exists reports whether the key file is present.
func (u *UnixKeyStore) Exists() bool {
	_, err := os.Stat(u.path)
	return err == nil
}

// checkPrivateMode rejects paths with any group or world permission bits.
func checkPrivateMode(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return fmt.Errorf("insecure permissions %o on %s (fix with: chmod go-rwx %s)", mode, path, path)
	}
	return nil
}
