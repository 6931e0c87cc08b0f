// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security provides the local security controls of the session core.
//
// This file implements encryption at rest for the token store:
//   - AES-256-GCM authenticated encryption with associated data
//   - HKDF-SHA-256 subkeys so one master key never encrypts two purposes
//   - PBKDF2-SHA-256 for passphrase-derived master keys
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// NonceSize is the AES-GCM nonce size (96 bits).
const NonceSize = 12

// KeySize is the AES-256 key size.
const KeySize = 32

// SaltSize is the PBKDF2 salt size.
const SaltSize = 32

// PBKDF2Iterations follows the OWASP 2023 floor for PBKDF2-SHA-256.
const PBKDF2Iterations = 600000

// Purposes for DeriveSubkey.
const (
	PurposeTokenStore  = "sessionkeeper/token-store/v1"
	PurposeLockoutHMAC = "sessionkeeper/lockout-hmac/v1"
)

var (
	// ErrInvalidKey is returned for keys of the wrong size.
	ErrInvalidKey = errors.New("invalid encryption key")

	// ErrInvalidCiphertext is returned for sealed data too short to hold a nonce and tag.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrDecryptionFailed is returned when authentication fails.
	ErrDecryptionFailed = errors.New("decryption failed: data tampered or wrong key")
)

// ZeroBytes overwrites key material in place.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// =============================================================================
// KEY MATERIAL
// =============================================================================

// GenerateMasterKey returns KeySize random bytes.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// GenerateSalt returns SaltSize random bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey stretches a passphrase into a KeySize key.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
}

// DeriveSubkey expands master into an independent key for purpose.
func DeriveSubkey(master []byte, purpose string) ([]byte, error) {
	if len(master) != KeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d", ErrInvalidKey, KeySize, len(master))
	}
	sub := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(purpose)), sub); err != nil {
		return nil, fmt.Errorf("failed to derive subkey: %w", err)
	}
	return sub, nil
}

// =============================================================================
// CIPHER
// =============================================================================

// Cipher seals and opens byte slices with AES-256-GCM. Output layout is
// nonce || ciphertext || tag. It is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher returns a Cipher for a KeySize key. The key is not retained.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// NewDerivedCipher returns a Cipher keyed by the purpose subkey of master.
func NewDerivedCipher(master []byte, purpose string) (*Cipher, error) {
	sub, err := DeriveSubkey(master, purpose)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(sub)
	return NewCipher(sub)
}

// Seal encrypts plaintext bound to aad under a fresh random nonce.
func (c *Cipher) Seal(plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize, NonceSize+len(plaintext)+c.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts sealed data produced by Seal with the same aad.
func (c *Cipher) Open(sealed, aad []byte) ([]byte, error) {
	if len(sealed) < NonceSize+c.aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}
	plaintext, err := c.aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
