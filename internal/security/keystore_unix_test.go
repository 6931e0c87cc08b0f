// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

//go:build !windows

package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestUnixKeyStore_RoundTrip tests store, retrieve and delete.
func TestUnixKeyStore_RoundTrip(t *testing.T) {
	path := DefaultKeyPath(t.TempDir())
	ks := NewKeyStore(path)

	key, err := LoadOrCreateMasterKey(ks)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := ks.Retrieve()
	require.NoError(t, err)
	require.Equal(t, key, got)

	require.NoError(t, ks.Delete())
	require.False(t, ks.Exists())
	_, err = ks.Retrieve()
	require.ErrorIs(t, err, ErrKeyStoreMissing)
}

// TestUnixKeyStore_RejectsOpenDirectory tests the directory mode check.
func TestUnixKeyStore_RejectsOpenDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	require.NoError(t, os.MkdirAll(dir, 0700))
	require.NoError(t, os.Chmod(dir, 0755))

	err := NewKeyStore(filepath.Join(dir, "master.key")).Store(make([]byte, KeySize))
	require.Error(t, err)
	require.Contains(t, err.Error(), "insecure permissions")
}

// TestUnixKeyStore_RejectsReadableKey tests the file mode check.
func TestUnixKeyStore_RejectsReadableKey(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	require.NoError(t, os.MkdirAll(dir, 0700))
	path := filepath.Join(dir, "master.key")
	require.NoError(t, os.WriteFile(path, make([]byte, KeySize), 0600))
	require.NoError(t, os.Chmod(path, 0644))

	_, err := NewKeyStore(path).Retrieve()
	require.Error(t, err)
}
