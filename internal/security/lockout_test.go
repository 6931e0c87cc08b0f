// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security provides the local security controls of the session core.
//
// This file contains tests for the progressive lockout policy:
// - Tier boundaries and the ceiling
// - Boundary-only lock application
// - Expiry that keeps the failure count
package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// =============================================================================
// DURATION TIERS
// =============================================================================

// TestLockout_DurationFor tests the step function at and around each boundary.
func TestLockout_DurationFor(t *testing.T) {
	p := DefaultLockoutPolicy()
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 0},
		{2, 0},
		{3, 30 * time.Second},
		{5, 30 * time.Second},
		{6, 45 * time.Second},
		{8, 45 * time.Second},
		{9, 60 * time.Second},
		{12, 60 * time.Second},
		{300, 60 * time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, p.DurationFor(tt.n), "DurationFor(%d)", tt.n)
	}
}

// TestLockout_Monotonic tests that the lock duration never decreases with n.
func TestLockout_Monotonic(t *testing.T) {
	p := DefaultLockoutPolicy()
	prev := time.Duration(0)
	for n := 0; n <= 50; n++ {
		d := p.DurationFor(n)
		require.GreaterOrEqual(t, d, prev, "n=%d", n)
		require.LessOrEqual(t, d, p.Ceiling())
		prev = d
	}
}

// =============================================================================
// RECORDING FAILURES
// =============================================================================

// TestLockout_ThirdFailureLocks tests that the first two failures never lock
// and the third applies a 30s lock.
func TestLockout_ThirdFailureLocks(t *testing.T) {
	p := DefaultLockoutPolicy()
	var rec AttemptRecord

	rec = p.RecordFailure(rec, epoch)
	require.False(t, p.IsLocked(rec, epoch))
	rec = p.RecordFailure(rec, epoch.Add(time.Second))
	require.False(t, p.IsLocked(rec, epoch.Add(time.Second)))

	now := epoch.Add(2 * time.Second)
	rec = p.RecordFailure(rec, now)
	require.Equal(t, 3, rec.Count)
	require.True(t, p.IsLocked(rec, now))
	require.Equal(t, now.Add(30*time.Second), rec.LockUntil)
	require.Equal(t, 30, p.RemainingSeconds(rec, now))
	require.Len(t, rec.History, 1)
	require.Equal(t, 3, rec.History[0].AttemptsAtLock)
}

// TestLockout_RemainingCountsDown tests that remaining seconds decrease and
// round up partial seconds.
func TestLockout_RemainingCountsDown(t *testing.T) {
	p := DefaultLockoutPolicy()
	var rec AttemptRecord
	for i := 0; i < 3; i++ {
		rec = p.RecordFailure(rec, epoch)
	}

	require.Equal(t, 30, p.RemainingSeconds(rec, epoch))
	require.Equal(t, 20, p.RemainingSeconds(rec, epoch.Add(10*time.Second)))
	require.Equal(t, 1, p.RemainingSeconds(rec, epoch.Add(29*time.Second+time.Millisecond)))
	require.Equal(t, 0, p.RemainingSeconds(rec, epoch.Add(30*time.Second)))
	require.False(t, p.IsLocked(rec, epoch.Add(30*time.Second)))
}

// TestLockout_FailureWhileLockedDoesNotExtend tests that non-boundary failures
// during a lock leave LockUntil alone.
func TestLockout_FailureWhileLockedDoesNotExtend(t *testing.T) {
	p := DefaultLockoutPolicy()
	var rec AttemptRecord
	for i := 0; i < 3; i++ {
		rec = p.RecordFailure(rec, epoch)
	}
	until := rec.LockUntil

	rec = p.RecordFailure(rec, epoch.Add(5*time.Second))
	require.Equal(t, 4, rec.Count)
	require.Equal(t, until, rec.LockUntil)
}

// TestLockout_Escalation tests the full ladder with expiry between locks.
func TestLockout_Escalation(t *testing.T) {
	p := DefaultLockoutPolicy()
	var rec AttemptRecord
	now := epoch

	fail := func() {
		rec = p.RecordFailure(rec, now)
	}
	waitOut := func() {
		now = rec.LockUntil
		rec = p.Expire(rec, now)
		require.False(t, p.IsLocked(rec, now))
	}

	for i := 0; i < 3; i++ {
		fail()
	}
	require.Equal(t, 30*time.Second, p.Remaining(rec, now))
	waitOut()
	require.Equal(t, 3, rec.Count, "expiry must keep the count")

	fail()
	fail()
	require.False(t, p.IsLocked(rec, now), "4 and 5 are not boundaries")
	fail()
	require.Equal(t, 45*time.Second, p.Remaining(rec, now))
	waitOut()

	for i := 0; i < 3; i++ {
		fail()
	}
	require.Equal(t, 9, rec.Count)
	require.Equal(t, 60*time.Second, p.Remaining(rec, now))
	waitOut()

	for i := 0; i < 3; i++ {
		fail()
	}
	require.Equal(t, 60*time.Second, p.Remaining(rec, now), "ceiling holds past 9")
	require.Len(t, rec.History, 4)
}

// TestLockout_SuccessResets tests that success clears count and lock.
func TestLockout_SuccessResets(t *testing.T) {
	p := DefaultLockoutPolicy()
	var rec AttemptRecord
	for i := 0; i < 3; i++ {
		rec = p.RecordFailure(rec, epoch)
	}

	rec = p.RecordSuccess(rec)
	require.Equal(t, 0, rec.Count)
	require.True(t, rec.LockUntil.IsZero())
	require.False(t, p.IsLocked(rec, epoch))
	require.Len(t, rec.History, 1, "history survives success")
}

// TestLockout_RecordFailureDoesNotAlias tests that callers' history slices
// are never mutated.
func TestLockout_RecordFailureDoesNotAlias(t *testing.T) {
	p := DefaultLockoutPolicy()
	base := AttemptRecord{Count: 2, History: make([]LockEvent, 0, 8)}

	a := p.RecordFailure(base, epoch)
	require.Len(t, a.History, 1)
	require.Len(t, base.History, 0)
	require.Equal(t, 2, base.Count)
}

// TestLockout_Penalize tests the tamper penalty applies the ceiling.
func TestLockout_Penalize(t *testing.T) {
	p := DefaultLockoutPolicy()
	rec := p.Penalize(AttemptRecord{}, epoch)
	require.True(t, p.IsLocked(rec, epoch))
	require.Equal(t, 60, p.RemainingSeconds(rec, epoch))
}

// =============================================================================
// CUSTOM POLICIES
// =============================================================================

// TestLockout_NewPolicyValidation tests rejection of unusable settings.
func TestLockout_NewPolicyValidation(t *testing.T) {
	_, err := NewLockoutPolicy(0, DefaultLockoutTiers())
	require.ErrorIs(t, err, ErrInvalidLockoutPolicy)

	_, err = NewLockoutPolicy(3, nil)
	require.ErrorIs(t, err, ErrInvalidLockoutPolicy)

	_, err = NewLockoutPolicy(3, []LockoutTier{
		{Attempts: 6, Duration: time.Second},
		{Attempts: 3, Duration: time.Second},
	})
	require.ErrorIs(t, err, ErrInvalidLockoutPolicy)

	_, err = NewLockoutPolicy(3, []LockoutTier{{Attempts: 3, Duration: 0}})
	require.ErrorIs(t, err, ErrInvalidLockoutPolicy)
}

// TestLockout_CustomStep tests a policy that locks every second failure.
func TestLockout_CustomStep(t *testing.T) {
	p, err := NewLockoutPolicy(2, []LockoutTier{{Attempts: 2, Duration: 10 * time.Second}})
	require.NoError(t, err)

	var rec AttemptRecord
	rec = p.RecordFailure(rec, epoch)
	require.False(t, p.IsLocked(rec, epoch))
	rec = p.RecordFailure(rec, epoch)
	require.Equal(t, 10*time.Second, p.Remaining(rec, epoch))
	require.Equal(t, 2, p.Step())
}
