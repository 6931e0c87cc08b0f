// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/jeranaias/sessionkeeper/internal/backend"
	"github.com/jeranaias/sessionkeeper/internal/security"
	"github.com/jeranaias/sessionkeeper/internal/storage"
)

// =============================================================================
// STATUS
// =============================================================================

// Status is the state of the session state machine.
type Status string

const (
	StatusAnonymous      Status = "anonymous"
	StatusAuthenticating Status = "authenticating"
	StatusAuthenticated  Status = "authenticated"
	StatusLocked         Status = "locked"
	StatusRefreshing     Status = "refreshing"
)

// HasToken reports whether the status carries a usable access token.
func (s Status) HasToken() bool {
	return s == StatusAuthenticated || s == StatusRefreshing
}

// =============================================================================
// SESSION
// =============================================================================

// Session is a copy of the manager's state. Status authenticated implies a
// user and an access token; locked implies no token.
type Session struct {
	Status       Status
	User         *backend.User
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
	ExpiresAt    time.Time // zero when the lifetime is unknown

	// Persisted is false when the last write to the token store failed and
	// the session only lives in memory for this run.
	Persisted bool
}

func (s Session) clone() Session {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// expired reports whether the token is within skew of its known expiry.
func (s Session) expired(now time.Time, skew time.Duration) bool {
	return !s.ExpiresAt.IsZero() && !now.Add(skew).Before(s.ExpiresAt)
}

func (s Session) snapshot() (storage.Snapshot, error) {
	user, err := json.Marshal(s.User)
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("failed to encode user: %w", err)
	}
	return storage.Snapshot{
		User:         user,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		IssuedAt:     s.IssuedAt,
		ExpiresAt:    s.ExpiresAt,
	}, nil
}

func sessionFromSnapshot(snap *storage.Snapshot) (Session, error) {
	var user backend.User
	if err := json.Unmarshal(snap.User, &user); err != nil {
		return Session{}, fmt.Errorf("%w: user entry: %v", storage.ErrCorrupt, err)
	}
	if user.ID == "" {
		return Session{}, fmt.Errorf("%w: user entry has no id", storage.ErrCorrupt)
	}
	return Session{
		Status:       StatusAuthenticated,
		User:         &user,
		AccessToken:  snap.AccessToken,
		RefreshToken: snap.RefreshToken,
		IssuedAt:     snap.IssuedAt,
		ExpiresAt:    snap.ExpiresAt,
		Persisted:    true,
	}, nil
}

// =============================================================================
// CHANGE EVENTS
// =============================================================================

// Change describes one state machine transition. Err is the cause for
// transitions driven by a failure.
type Change struct {
	From    Status
	To      Status
	Session Session
	Err     error
	At      time.Time
}

type listener struct {
	id int
	fn func(Change)
}

// =============================================================================
// LOCKOUT STATUS
// =============================================================================

// LockoutStatus is a read-only view of the failed login record.
type LockoutStatus struct {
	Locked    bool
	Remaining time.Duration
	Attempts  int
	LockUntil time.Time
	History   []security.LockEvent
}

// RemainingSeconds rounds the remaining lock time up to whole seconds.
func (l LockoutStatus) RemainingSeconds() int {
	return int(math.Ceil(l.Remaining.Seconds()))
}

func lockoutStatus(p security.LockoutPolicy, rec security.AttemptRecord, now time.Time) LockoutStatus {
	return LockoutStatus{
		Locked:    p.IsLocked(rec, now),
		Remaining: p.Remaining(rec, now),
		Attempts:  rec.Count,
		LockUntil: rec.LockUntil,
		History:   slices.Clone(rec.History),
	}
}
