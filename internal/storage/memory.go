// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"sync"
)

// MemoryStore keeps the group in process memory only. Nothing survives a
// restart; it backs the "memory" driver and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save replaces the stored snapshot.
func (s *MemoryStore) Save(ctx context.Context, snap Snapshot) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("save", err)
	}
	if err := snap.validate(); err != nil {
		return wrapErr("save", err)
	}
	cp := cloneSnapshot(snap)

	s.mu.Lock()
	s.snap = &cp
	s.mu.Unlock()
	return nil
}

// Load returns a copy of the stored snapshot, or nil.
func (s *MemoryStore) Load(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapErr("load", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snap == nil {
		return nil, nil
	}
	cp := cloneSnapshot(*s.snap)
	return &cp, nil
}

// Clear drops the stored snapshot.
func (s *MemoryStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("clear", err)
	}
	s.mu.Lock()
	s.snap = nil
	s.mu.Unlock()
	return nil
}

func cloneSnapshot(s Snapshot) Snapshot {
	s.User = append([]byte(nil), s.User...)
	return s
}
