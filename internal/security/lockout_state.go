// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security provides the local security controls of the session core.
//
// This file implements optional persistence of the login attempt record so a
// relaunch does not wipe an active lockout. The state file is JSON followed
// by an HMAC-SHA256 signature (last 32 bytes) and is written atomically.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jeranaias/sessionkeeper/internal/util"
)

var (
	// ErrLockoutTampered is returned when the state file fails verification.
	ErrLockoutTampered = errors.New("lockout state integrity check failed")

	// ErrIntegrityKey is returned for a missing or short HMAC key.
	ErrIntegrityKey = errors.New("lockout integrity key must be at least 32 bytes")
)

const lockoutStateVersion = "1"

// lockoutState is the signed JSON payload.
type lockoutState struct {
	Record  AttemptRecord `json:"record"`
	SavedAt time.Time     `json:"saved_at"`
	Version string        `json:"version"`
}

// LockoutFile persists a single AttemptRecord with integrity protection.
type LockoutFile struct {
	path string
	key  []byte
}

// NewLockoutFile returns a LockoutFile at path signed with integrityKey.
func NewLockoutFile(path string, integrityKey []byte) (*LockoutFile, error) {
	if len(integrityKey) < sha256.Size {
		return nil, ErrIntegrityKey
	}
	return &LockoutFile{path: path, key: append([]byte(nil), integrityKey...)}, nil
}

// Path returns the state file location.
func (f *LockoutFile) Path() string {
	return f.path
}

// Load reads and verifies the record. A missing file yields a clean record.
// Short, unsigned or unparsable files return ErrLockoutTampered.
func (f *LockoutFile) Load() (AttemptRecord, error) {
	payload, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return AttemptRecord{}, nil
		}
		return AttemptRecord{}, fmt.Errorf("failed to read lockout state: %w", err)
	}

	if len(payload) < sha256.Size {
		return AttemptRecord{}, fmt.Errorf("%w: file too short for signature", ErrLockoutTampered)
	}

	dataLen := len(payload) - sha256.Size
	data := payload[:dataLen]
	sig := payload[dataLen:]

	if !hmac.Equal(sig, f.sign(data)) {
		return AttemptRecord{}, fmt.Errorf("%w: signature mismatch", ErrLockoutTampered)
	}

	var state lockoutState
	if err := json.Unmarshal(data, &state); err != nil {
		return AttemptRecord{}, fmt.Errorf("%w: %v", ErrLockoutTampered, err)
	}
	return state.Record, nil
}

// Save signs and atomically writes the record.
func (f *LockoutFile) Save(rec AttemptRecord) error {
	data, err := json.Marshal(lockoutState{
		Record:  rec,
		SavedAt: time.Now().UTC(),
		Version: lockoutStateVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal lockout state: %w", err)
	}

	payload := append(data, f.sign(data)...)
	if err := util.AtomicWriteFile(f.path, payload, 0600); err != nil {
		return fmt.Errorf("failed to write lockout state: %w", err)
	}
	return nil
}

// Remove deletes the state file. Missing files are not an error.
func (f *LockoutFile) Remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lockout state: %w", err)
	}
	return nil
}

func (f *LockoutFile) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, f.key)
	mac.Write(data)
	return mac.Sum(nil)
}
