// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/jeranaias/sessionkeeper/internal/security"
	"github.com/jeranaias/sessionkeeper/internal/util"
)

const envelopeVersion = 1

// envelope is the on-disk file. Each entry value is sealed individually.
type envelope struct {
	Version int               `json:"version"`
	Entries map[string][]byte `json:"entries"`
}

// FileStore keeps the whole group in one encrypted file that is replaced
// atomically, so readers only ever see the previous or the next group.
type FileStore struct {
	path   string
	cipher *security.Cipher

	mu sync.Mutex

	// writeFile is swapped in tests to simulate a crash mid-write.
	writeFile func(path string, data []byte, perm os.FileMode) error
}

// NewFileStore returns a FileStore at path sealed with c.
func NewFileStore(path string, c *security.Cipher) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("file store path is required")
	}
	if c == nil {
		return nil, errors.New("file store requires a cipher")
	}
	return &FileStore{path: path, cipher: c, writeFile: util.AtomicWriteFile}, nil
}

// Path returns the store file location.
func (s *FileStore) Path() string {
	return s.path
}

// Save replaces the stored group with snap.
func (s *FileStore) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("save", err)
	}
	if err := snap.validate(); err != nil {
		return wrapErr("save", err)
	}

	sealed, err := sealEntries(s.cipher, snap.entries())
	if err != nil {
		return wrapErr("save", err)
	}
	data, err := json.Marshal(envelope{Version: envelopeVersion, Entries: sealed})
	if err != nil {
		return wrapErr("save", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeFile(s.path, data, 0600); err != nil {
		return wrapErr("save", err)
	}
	return nil
}

// Load reads the stored group.
func (s *FileStore) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("load", err)
	}

	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrapErr("load", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, wrapErr("load", fmt.Errorf("%w: %v", ErrCorrupt, err))
	}
	if env.Version != envelopeVersion {
		return nil, wrapErr("load", fmt.Errorf("%w: unsupported version %d", ErrCorrupt, env.Version))
	}

	plain, err := openEntries(s.cipher, env.Entries)
	if err != nil {
		return nil, wrapErr("load", err)
	}
	snap, err := snapshotFromEntries(plain)
	return snap, wrapErr("load", err)
}

// Clear removes the stored group. Clearing an empty store is not an error.
func (s *FileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("clear", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return wrapErr("clear", err)
	}
	return nil
}
