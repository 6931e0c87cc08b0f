// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session owns the client-side authentication lifecycle.
//
// A Manager holds one Session and moves it through the states anonymous,
// authenticating, authenticated, refreshing and locked. It is the only
// component that writes the token store.
//
// # Key Types
//
//   - Manager: login, logout, token access and change notification
//   - RefreshCoordinator: single-flight token refresh with a FIFO waiter queue
//   - Session: a copy of the current state
//   - Change: one transition, delivered to OnChange listeners
//
// # Usage
//
//	mgr, err := session.New(store, client, session.WithLogger(log))
//	if err != nil {
//	    return err
//	}
//	mgr.Restore(ctx)
//
//	token, err := mgr.AccessToken(ctx)
//	if errors.Is(err, session.ErrSessionExpired) {
//	    // route back to login
//	}
//
// Outgoing API clients can wrap their transport instead:
//
//	http.Client{Transport: mgr.RoundTripper(nil)}
//
// # Lockout
//
// Failed logins escalate on every third failure (30s, 45s, then 60s). The
// failure count only resets on a successful login; an expired lock keeps it.
package session
