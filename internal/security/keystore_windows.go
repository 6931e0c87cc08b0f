// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build windows

// Package security provides the local security controls of the session core.
//
// On Windows the master key is wrapped with DPAPI, which binds it to the
// logged-on user, before it is written to disk.
package security

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/jeranaias/sessionkeeper/internal/util"
)

// WindowsKeyStore stores a DPAPI-protected master key.
type WindowsKeyStore struct {
	path string
}

// NewKeyStore returns the platform keystore for path.
func NewKeyStore(path string) KeyStore {
	return &WindowsKeyStore{path: path}
}

// Store protects the key with DPAPI and writes it atomically.
func (w *WindowsKeyStore) Store(key []byte) error {
	wrapped, err := dpapiProtect(key)
	if err != nil {
		return fmt.Errorf("DPAPI protect failed: %w", err)
	}
	if err := util.AtomicWriteFile(w.path, wrapped, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// Retrieve reads and unwraps the key.
func (w *WindowsKeyStore) Retrieve() ([]byte, error) {
	wrapped, err := os.ReadFile(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyStoreMissing
		}
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	key, err := dpapiUnprotect(wrapped)
	if err != nil {
		return nil, fmt.Errorf("DPAPI unprotect failed: %w", err)
	}
	return key, nil
}

// Delete removes the key file.
func (w *WindowsKeyStore) Delete() error {
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

// Exists reports whether the key file is present.
func (w *WindowsKeyStore) Exists() bool {
	_, err := os.Stat(w.path)
	return err == nil
}

// =============================================================================
// DPAPI
// =============================================================================

func dpapiProtect(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data")
	}
	in := windows.DataBlob{Size: uint32(len(data)), Data: &data[0]}
	var out windows.DataBlob
	if err := windows.CryptProtectData(&in, nil, nil, 0, nil, windows.CRYPTPROTECT_UI_FORBIDDEN, &out); err != nil {
		return nil, err
	}
	return copyAndFree(out), nil
}

func dpapiUnprotect(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty data")
	}
	in := windows.DataBlob{Size: uint32(len(data)), Data: &data[0]}
	var out windows.DataBlob
	if err := windows.CryptUnprotectData(&in, nil, nil, 0, nil, windows.CRYPTPROTECT_UI_FORBIDDEN, &out); err != nil {
		return nil, err
	}
	return copyAndFree(out), nil
}

// copyAndFree copies a DPAPI output blob into Go memory and releases it.
func copyAndFree(blob windows.DataBlob) []byte {
	defer windows.LocalFree(windows.Handle(unsafe.Pointer(blob.Data)))
	buf := make([]byte, blob.Size)
	copy(buf, unsafe.Slice(blob.Data, blob.Size))
	return buf
}
