// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides encrypted persistence for the session token triad.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jeranaias/sessionkeeper/internal/security"
)

// =============================================================================
// ENTRIES
// =============================================================================

// Entry names. The first three form the required triad; the timestamps are
// optional and travel in the same atomic group.
const (
	EntryUser         = "user"
	EntryAccessToken  = "access_token"
	EntryRefreshToken = "refresh_token"
	EntryIssuedAt     = "issued_at"
	EntryExpiresAt    = "expires_at"
)

var requiredEntries = []string{EntryUser, EntryAccessToken, EntryRefreshToken}

// =============================================================================
// ERRORS
// =============================================================================

// ErrCorrupt is returned by Load when the stored group is partial or cannot
// be decrypted.
var ErrCorrupt = errors.New("stored session is corrupt or incomplete")

// StorageError reports a failed store operation.
type StorageError struct {
	Op  string // "save", "load" or "clear"
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("token store %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is the persisted form of an authenticated session. User is kept as
// raw JSON so the store stays independent of the wire types.
type Snapshot struct {
	User         json.RawMessage
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// TokenStore persists a Snapshot. Save and Clear replace the whole group or
// leave it untouched. Load returns nil, nil when nothing is stored.
type TokenStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
	Clear(ctx context.Context) error
}

func (s Snapshot) validate() error {
	if len(s.User) == 0 || !json.Valid(s.User) {
		return errors.New("snapshot user must be valid JSON")
	}
	if s.AccessToken == "" {
		return errors.New("snapshot has no access token")
	}
	return nil
}

// entries flattens the snapshot into named byte values.
func (s Snapshot) entries() map[string][]byte {
	m := map[string][]byte{
		EntryUser:         []byte(s.User),
		EntryAccessToken:  []byte(s.AccessToken),
		EntryRefreshToken: []byte(s.RefreshToken),
	}
	if !s.IssuedAt.IsZero() {
		m[EntryIssuedAt] = []byte(s.IssuedAt.UTC().Format(time.RFC3339Nano))
	}
	if !s.ExpiresAt.IsZero() {
		m[EntryExpiresAt] = []byte(s.ExpiresAt.UTC().Format(time.RFC3339Nano))
	}
	return m
}

// snapshotFromEntries rebuilds a snapshot. An empty map means no session; a
// map missing any triad entry is corrupt.
func snapshotFromEntries(m map[string][]byte) (*Snapshot, error) {
	if len(m) == 0 {
		return nil, nil
	}
	for _, name := range requiredEntries {
		if _, ok := m[name]; !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrCorrupt, name)
		}
	}

	snap := &Snapshot{
		User:         json.RawMessage(m[EntryUser]),
		AccessToken:  string(m[EntryAccessToken]),
		RefreshToken: string(m[EntryRefreshToken]),
	}
	var err error
	if snap.IssuedAt, err = parseTime(m[EntryIssuedAt]); err != nil {
		return nil, err
	}
	if snap.ExpiresAt, err = parseTime(m[EntryExpiresAt]); err != nil {
		return nil, err
	}
	if err := snap.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return snap, nil
}

func parseTime(b []byte) (time.Time, error) {
	if len(b) == 0 {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, string(b))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp: %v", ErrCorrupt, err)
	}
	return t, nil
}

// sealEntries encrypts every value with its entry name as associated data.
func sealEntries(c *security.Cipher, m map[string][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(m))
	for name, value := range m {
		sealed, err := c.Seal(value, []byte(name))
		if err != nil {
			return nil, err
		}
		out[name] = sealed
	}
	return out, nil
}

func openEntries(c *security.Cipher, m map[string][]byte) (map[string][]byte, error) {
	out := make(map[string][]byte, len(m))
	for name, sealed := range m {
		plain, err := c.Open(sealed, []byte(name))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, name, err)
		}
		out[name] = plain
	}
	return out, nil
}
