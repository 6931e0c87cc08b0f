// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestWatcher_ReportsExternalChanges tests that a save and a removal by
// another writer are each reported.
func TestWatcher_ReportsExternalChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.enc")

	w, err := NewWatcher(path, 20*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan struct{}, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, func() { changes <- struct{}{} }, nil)
	}()

	store, err := NewFileStore(path, newTestCipher(t))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, sampleSnapshot("x")))

	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("save was not reported")
	}

	require.NoError(t, os.Remove(path))
	select {
	case <-changes:
	case <-time.After(5 * time.Second):
		t.Fatal("removal was not reported")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// TestWatcher_IgnoresOtherFiles tests that unrelated files in the directory
// do not trigger the callback.
func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(filepath.Join(dir, "session.enc"), 20*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan struct{}, 8)
	go w.Run(ctx, func() { changes <- struct{}{} }, nil)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte("x"), 0600))

	select {
	case <-changes:
		t.Fatal("unrelated file reported")
	case <-time.After(200 * time.Millisecond):
	}
}
