// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security provides the local security controls of the session core.
//
// This file contains tests for encryption at rest:
// - Key derivation (PBKDF2, HKDF)
// - AES-256-GCM seal/open with associated data
// - Key provisioning through a KeyStore
package security

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// KEY DERIVATION TESTS
// =============================================================================

// TestEncryption_KeyDerivation tests that PBKDF2 key derivation is deterministic.
func TestEncryption_KeyDerivation(t *testing.T) {
	salt := bytes.Repeat([]byte{1}, SaltSize)

	key1 := DeriveKey("passphrase", salt)
	key2 := DeriveKey("passphrase", salt)
	require.Equal(t, key1, key2)
	require.Len(t, key1, KeySize)

	other := DeriveKey("passphrase", bytes.Repeat([]byte{2}, SaltSize))
	require.NotEqual(t, key1, other)
}

// TestEncryption_Subkeys tests that purposes yield independent keys.
func TestEncryption_Subkeys(t *testing.T) {
	master, err := GenerateMasterKey()
	require.NoError(t, err)

	store, err := DeriveSubkey(master, PurposeTokenStore)
	require.NoError(t, err)
	hmacKey, err := DeriveSubkey(master, PurposeLockoutHMAC)
	require.NoError(t, err)

	require.Len(t, store, KeySize)
	require.NotEqual(t, store, hmacKey)
	require.NotEqual(t, master, store)

	_, err = DeriveSubkey([]byte("short"), PurposeTokenStore)
	require.ErrorIs(t, err, ErrInvalidKey)
}

// =============================================================================
// CIPHER TESTS
// =============================================================================

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	master, err := GenerateMasterKey()
	require.NoError(t, err)
	c, err := NewDerivedCipher(master, PurposeTokenStore)
	require.NoError(t, err)
	return c
}

// TestCipher_RoundTrip tests seal then open returns the plaintext.
func TestCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t)
	aad := []byte("session")

	sealed, err := c.Seal([]byte("refresh-token"), aad)
	require.NoError(t, err)
	require.False(t, bytes.Contains(sealed, []byte("refresh-token")))

	plain, err := c.Open(sealed, aad)
	require.NoError(t, err)
	require.Equal(t, "refresh-token", string(plain))
}

// TestCipher_AADBinding tests that data sealed under one entry cannot be
// opened as another.
func TestCipher_AADBinding(t *testing.T) {
	c := newTestCipher(t)
	sealed, err := c.Seal([]byte("token"), []byte("access_token"))
	require.NoError(t, err)

	_, err = c.Open(sealed, []byte("refresh_token"))
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

// TestCipher_Tamper tests that a flipped bit is detected.
func TestCipher_Tamper(t *testing.T) {
	c := newTestCipher(t)
	sealed, err := c.Seal([]byte("token"), nil)
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0x01
	_, err = c.Open(sealed, nil)
	require.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = c.Open(sealed[:NonceSize], nil)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

// TestCipher_WrongKey tests that another key cannot open the data.
func TestCipher_WrongKey(t *testing.T) {
	sealed, err := newTestCipher(t).Seal([]byte("token"), nil)
	require.NoError(t, err)
	_, err = newTestCipher(t).Open(sealed, nil)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

// TestCipher_NonceUniqueness tests that concurrent seals never reuse a nonce.
func TestCipher_NonceUniqueness(t *testing.T) {
	c := newTestCipher(t)
	var mu sync.Mutex
	seen := make(map[string]bool)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sealed, err := c.Seal([]byte("same"), nil)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			nonce := string(sealed[:NonceSize])
			if seen[nonce] {
				t.Error("nonce reused")
			}
			seen[nonce] = true
		}()
	}
	wg.Wait()
}

// TestCipher_InvalidKey tests key size enforcement.
func TestCipher_InvalidKey(t *testing.T) {
	_, err := NewCipher(make([]byte, 16))
	require.ErrorIs(t, err, ErrInvalidKey)
}

// =============================================================================
// KEY PROVISIONING TESTS
// =============================================================================

// TestLoadOrCreateMasterKey tests first-use generation and later reuse.
func TestLoadOrCreateMasterKey(t *testing.T) {
	ks := NewFileKeyStore(filepath.Join(t.TempDir(), "keys", "master.key"))
	require.False(t, ks.Exists())

	first, err := LoadOrCreateMasterKey(ks)
	require.NoError(t, err)
	require.Len(t, first, KeySize)
	require.True(t, ks.Exists())

	second, err := LoadOrCreateMasterKey(ks)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

// TestLoadOrCreateMasterKey_BadLength tests that a truncated key is refused.
func TestLoadOrCreateMasterKey_BadLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, os.WriteFile(path, []byte("tooshort"), 0600))

	_, err := LoadOrCreateMasterKey(NewFileKeyStore(path))
	require.ErrorIs(t, err, ErrInvalidKey)
}

// TestPassphraseKey tests that the salt is persisted and reused.
func TestPassphraseKey(t *testing.T) {
	saltPath := filepath.Join(t.TempDir(), "master.key.salt")

	k1, err := PassphraseKey("hunter22", saltPath)
	require.NoError(t, err)
	salt, err := os.ReadFile(saltPath)
	require.NoError(t, err)
	require.Len(t, salt, SaltSize)

	k2, err := PassphraseKey("hunter22", saltPath)
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	_, err = PassphraseKey("", saltPath)
	require.ErrorIs(t, err, ErrInvalidKey)
}

// TestFileKeyStore_Missing tests the missing-key sentinel.
func TestFileKeyStore_Missing(t *testing.T) {
	ks := NewFileKeyStore(filepath.Join(t.TempDir(), "absent.key"))
	_, err := ks.Retrieve()
	require.ErrorIs(t, err, ErrKeyStoreMissing)
	require.NoError(t, ks.Delete())
}

// TestZeroBytes tests in-place wiping.
func TestZeroBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	ZeroBytes(b)
	require.Equal(t, []byte{0, 0, 0}, b)
}
