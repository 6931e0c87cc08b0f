// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security provides the local security controls of the session core.
//
// This file implements the progressive login lockout policy (AC-7 style
// unsuccessful logon handling) as pure functions over an AttemptRecord.
//
// # Policy
//
//   - Lock duration is a step function of cumulative failed attempts:
//     n < 3 → none, 3..5 → 30s, 6..8 → 45s, 9+ → 60s (ceiling)
//   - A lock is (re)applied only when n is an exact multiple of the step (3)
//   - Lock expiry clears LockUntil but keeps Count, so repeated abuse
//     escalates; only a successful login resets Count
package security

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// =============================================================================
// LOCKOUT CONSTANTS
// =============================================================================

const (
	// DefaultLockoutStep is the number of failures between lock boundaries.
	DefaultLockoutStep = 3

	// LockoutStateFile is the filename for the optional persisted record.
	LockoutStateFile = "lockout_state.json"
)

// LockoutTier maps a cumulative failure count to a lock duration.
type LockoutTier struct {
	Attempts int           `json:"attempts" toml:"attempts"`
	Duration time.Duration `json:"duration" toml:"duration"`
}

// DefaultLockoutTiers returns the escalation ladder: 30s, 45s, then a 60s ceiling.
func DefaultLockoutTiers() []LockoutTier {
	return []LockoutTier{
		{Attempts: 3, Duration: 30 * time.Second},
		{Attempts: 6, Duration: 45 * time.Second},
		{Attempts: 9, Duration: 60 * time.Second},
	}
}

// ErrInvalidLockoutPolicy is returned by NewLockoutPolicy for unusable settings.
var ErrInvalidLockoutPolicy = errors.New("invalid lockout policy")

// =============================================================================
// ATTEMPT RECORD
// =============================================================================

// LockEvent is one applied lock, kept for audit and debugging.
type LockEvent struct {
	At             time.Time     `json:"at"`
	AttemptsAtLock int           `json:"attempts_at_lock"`
	LockDuration   time.Duration `json:"lock_duration"`
}

// AttemptRecord tracks failed logins since the last success.
// The zero value is a clean record.
type AttemptRecord struct {
	// Count is the number of failed attempts since the last successful login.
	// Lock expiry does not reset it.
	Count int `json:"count"`

	// LastFailure is the time of the most recent failed attempt.
	LastFailure time.Time `json:"last_failure,omitempty"`

	// LockUntil is when the current lock ends. Zero means not locked.
	LockUntil time.Time `json:"lock_until,omitempty"`

	// History is append-only; one entry per applied lock.
	History []LockEvent `json:"history,omitempty"`
}

// =============================================================================
// LOCKOUT POLICY
// =============================================================================

// LockoutPolicy computes escalating lockout windows. It holds no state and
// performs no I/O; every method returns a new record.
type LockoutPolicy struct {
	step  int
	tiers []LockoutTier
}

// DefaultLockoutPolicy returns the 3/30s, 6/45s, 9/60s policy.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{step: DefaultLockoutStep, tiers: DefaultLockoutTiers()}
}

// NewLockoutPolicy builds a policy from a boundary step and an ascending tier
// ladder. The last tier is the ceiling.
func NewLockoutPolicy(step int, tiers []LockoutTier) (LockoutPolicy, error) {
	if step <= 0 {
		return LockoutPolicy{}, fmt.Errorf("%w: step must be positive, got %d", ErrInvalidLockoutPolicy, step)
	}
	if len(tiers) == 0 {
		return LockoutPolicy{}, fmt.Errorf("%w: at least one tier is required", ErrInvalidLockoutPolicy)
	}
	for i, tier := range tiers {
		if tier.Attempts <= 0 || tier.Duration <= 0 {
			return LockoutPolicy{}, fmt.Errorf("%w: tier %d must have positive attempts and duration", ErrInvalidLockoutPolicy, i)
		}
		if i > 0 && tier.Attempts <= tiers[i-1].Attempts {
			return LockoutPolicy{}, fmt.Errorf("%w: tiers must be in ascending attempt order", ErrInvalidLockoutPolicy)
		}
	}
	return LockoutPolicy{step: step, tiers: slices.Clone(tiers)}, nil
}

// Step returns the boundary step.
func (p LockoutPolicy) Step() int {
	return p.step
}

// Ceiling returns the longest lock the policy will ever apply.
func (p LockoutPolicy) Ceiling() time.Duration {
	if len(p.tiers) == 0 {
		return 0
	}
	return p.tiers[len(p.tiers)-1].Duration
}

// DurationFor returns the lock duration for n cumulative failures.
func (p LockoutPolicy) DurationFor(n int) time.Duration {
	var d time.Duration
	for _, tier := range p.tiers {
		if n < tier.Attempts {
			break
		}
		d = tier.Duration
	}
	return d
}

// RecordFailure counts a failed attempt. A lock is (re)computed only when the
// new count lands exactly on a boundary multiple of the step.
func (p LockoutPolicy) RecordFailure(rec AttemptRecord, now time.Time) AttemptRecord {
	rec = p.Expire(rec, now)
	rec.Count++
	rec.LastFailure = now

	if p.step <= 0 || rec.Count%p.step != 0 {
		return rec
	}

	d := p.DurationFor(rec.Count)
	if d <= 0 {
		return rec
	}
	rec.LockUntil = now.Add(d)
	rec.History = append(slices.Clone(rec.History), LockEvent{
		At:             now,
		AttemptsAtLock: rec.Count,
		LockDuration:   d,
	})
	return rec
}

// RecordSuccess resets the failure count and clears any lock. History is kept.
func (p LockoutPolicy) RecordSuccess(rec AttemptRecord) AttemptRecord {
	rec.Count = 0
	rec.LockUntil = time.Time{}
	return rec
}

// IsLocked reports whether now falls before LockUntil.
func (p LockoutPolicy) IsLocked(rec AttemptRecord, now time.Time) bool {
	return !rec.LockUntil.IsZero() && now.Before(rec.LockUntil)
}

// Remaining returns the time left on the lock, or 0.
func (p LockoutPolicy) Remaining(rec AttemptRecord, now time.Time) time.Duration {
	if !p.IsLocked(rec, now) {
		return 0
	}
	return rec.LockUntil.Sub(now)
}

// RemainingSeconds returns the lock time left rounded up to whole seconds,
// suitable for a countdown.
func (p LockoutPolicy) RemainingSeconds(rec AttemptRecord, now time.Time) int {
	return int(math.Ceil(p.Remaining(rec, now).Seconds()))
}

// Expire clears an elapsed lock. Count is retained.
func (p LockoutPolicy) Expire(rec AttemptRecord, now time.Time) AttemptRecord {
	if !rec.LockUntil.IsZero() && !now.Before(rec.LockUntil) {
		rec.LockUntil = time.Time{}
	}
	return rec
}

// Penalize applies the ceiling lock from now. Used when persisted lockout
// state cannot be trusted.
func (p LockoutPolicy) Penalize(rec AttemptRecord, now time.Time) AttemptRecord {
	d := p.Ceiling()
	if d <= 0 {
		return rec
	}
	rec.LockUntil = now.Add(d)
	rec.History = append(slices.Clone(rec.History), LockEvent{
		At:             now,
		AttemptsAtLock: rec.Count,
		LockDuration:   d,
	})
	return rec
}
