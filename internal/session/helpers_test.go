// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/sessionkeeper/internal/backend"
	"github.com/jeranaias/sessionkeeper/internal/storage"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// FAKE CLOCK
// =============================================================================

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// =============================================================================
// FAKE TRANSPORT
// =============================================================================

var alice = backend.User{ID: "u-1", DisplayName: "Alice", Role: "member", Grade: "E5"}

var errBadPassword = &backend.APIError{Status: 401, Message: "invalid credentials"}

type fakeTransport struct {
	login   func(ctx context.Context, identifier, secret string) (*backend.LoginResult, error)
	refresh func(ctx context.Context, refreshToken string) (*backend.TokenPair, error)
	me      func(ctx context.Context, accessToken string) (*backend.User, error)
	logout  func(ctx context.Context, accessToken string) error

	loginCalls   atomic.Int32
	refreshCalls atomic.Int32
	meCalls      atomic.Int32
	logoutCalls  atomic.Int32
}

func (f *fakeTransport) Login(ctx context.Context, identifier, secret string) (*backend.LoginResult, error) {
	f.loginCalls.Add(1)
	if f.login != nil {
		return f.login(ctx, identifier, secret)
	}
	return &backend.LoginResult{
		User:   alice,
		Tokens: backend.TokenPair{AccessToken: "access-1", RefreshToken: "refresh-1", ExpiresIn: time.Minute},
	}, nil
}

func (f *fakeTransport) Refresh(ctx context.Context, refreshToken string) (*backend.TokenPair, error) {
	f.refreshCalls.Add(1)
	if f.refresh != nil {
		return f.refresh(ctx, refreshToken)
	}
	return nil, errors.New("refresh not configured")
}

func (f *fakeTransport) CurrentUser(ctx context.Context, accessToken string) (*backend.User, error) {
	f.meCalls.Add(1)
	if f.me != nil {
		return f.me(ctx, accessToken)
	}
	u := alice
	return &u, nil
}

func (f *fakeTransport) Logout(ctx context.Context, accessToken string) error {
	f.logoutCalls.Add(1)
	if f.logout != nil {
		return f.logout(ctx, accessToken)
	}
	return nil
}

// =============================================================================
// FAKE STORE
// =============================================================================

// flakyStore wraps a MemoryStore and fails operations on demand.
type flakyStore struct {
	*storage.MemoryStore

	mu         sync.Mutex
	saveErr    error
	loadErr    error
	clearCalls int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{MemoryStore: storage.NewMemoryStore()}
}

func (s *flakyStore) Save(ctx context.Context, snap storage.Snapshot) error {
	s.mu.Lock()
	err := s.saveErr
	s.mu.Unlock()
	if err != nil {
		return &storage.StorageError{Op: "save", Err: err}
	}
	return s.MemoryStore.Save(ctx, snap)
}

func (s *flakyStore) Load(ctx context.Context) (*storage.Snapshot, error) {
	s.mu.Lock()
	err := s.loadErr
	s.mu.Unlock()
	if err != nil {
		return nil, &storage.StorageError{Op: "load", Err: err}
	}
	return s.MemoryStore.Load(ctx)
}

func (s *flakyStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.clearCalls++
	s.loadErr = nil
	s.mu.Unlock()
	return s.MemoryStore.Clear(ctx)
}

// =============================================================================
// HELPERS
// =============================================================================

func newTestManager(t *testing.T, store storage.TokenStore, tr *fakeTransport, clock *fakeClock, opts ...Option) *Manager {
	t.Helper()
	all := append([]Option{WithClock(clock.Now), WithCallTimeout(5 * time.Second)}, opts...)
	m, err := New(store, tr, all...)
	require.NoError(t, err)
	return m
}

// recordChanges collects every Change delivered to m.
func recordChanges(m *Manager) func() []Change {
	var mu sync.Mutex
	var got []Change
	m.OnChange(func(c Change) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, c)
	})
	return func() []Change {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Change, len(got))
		copy(out, got)
		return out
	}
}

func statuses(changes []Change) []Status {
	out := make([]Status, 0, len(changes))
	for _, c := range changes {
		out = append(out, c.To)
	}
	return out
}

func seedStore(t *testing.T, store storage.TokenStore, access, refresh string) {
	t.Helper()
	require.NoError(t, store.Save(context.Background(), storage.Snapshot{
		User:         []byte(`{"id":"u-1","displayName":"Alice"}`),
		AccessToken:  access,
		RefreshToken: refresh,
		IssuedAt:     t0.Add(-time.Hour),
	}))
}

func loadSnapshot(t *testing.T, store storage.TokenStore) *storage.Snapshot {
	t.Helper()
	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	return snap
}

func mustLogin(t *testing.T, m *Manager) Session {
	t.Helper()
	s, err := m.Login(context.Background(), "alice@example.com", "correct-horse")
	require.NoError(t, err)
	require.Equal(t, StatusAuthenticated, s.Status)
	return s
}
