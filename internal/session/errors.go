// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jeranaias/sessionkeeper/internal/backend"
)

var (
	// ErrInvalidCredentials matches every *ValidationError.
	ErrInvalidCredentials = errors.New("invalid credentials format")

	// ErrAccountLocked matches every *LockedError.
	ErrAccountLocked = errors.New("account locked")

	// ErrAuthenticationRejected matches every *RejectedError.
	ErrAuthenticationRejected = errors.New("authentication rejected")

	// ErrSessionExpired means the session could not be refreshed and the
	// user must log in again.
	ErrSessionExpired = errors.New("session expired")

	// ErrNotAuthenticated is returned when a token is requested with no session.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrLoginInProgress is returned while another login is in flight.
	ErrLoginInProgress = errors.New("login already in progress")

	// ErrAlreadyAuthenticated is returned by Login when a session exists.
	ErrAlreadyAuthenticated = errors.New("already authenticated")

	// ErrLoginSuperseded is returned when the session changed (for example
	// by Logout) before the login response arrived.
	ErrLoginSuperseded = errors.New("login superseded by a newer session change")

	// ErrNetworkUnavailable covers transport failures and timeouts.
	ErrNetworkUnavailable = backend.ErrNetworkUnavailable
)

// ValidationError lists field-scoped problems with login input.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid credentials: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidCredentials }

// LockedError is returned while login attempts are suppressed. Cause holds
// the rejection that applied the lock, if any.
type LockedError struct {
	Remaining time.Duration
	Attempts  int
	LockUntil time.Time
	Cause     error
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked after %d failed attempts: try again in %d seconds",
		e.Attempts, e.RemainingSeconds())
}

// RemainingSeconds rounds the remaining lock time up to whole seconds.
func (e *LockedError) RemainingSeconds() int {
	return int(math.Ceil(e.Remaining.Seconds()))
}

func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }

func (e *LockedError) Unwrap() error { return e.Cause }

// RejectedError is a login the backend refused.
type RejectedError struct {
	Message  string
	Status   int
	Attempts int
	Err      error
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return "authentication rejected"
	}
	return "authentication rejected: " + e.Message
}

func (e *RejectedError) Is(target error) bool { return target == ErrAuthenticationRejected }

func (e *RejectedError) Unwrap() error { return e.Err }

func newRejectedError(err error, attempts int) *RejectedError {
	rej := &RejectedError{Attempts: attempts, Err: err}
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		rej.Status = apiErr.Status
		rej.Message = apiErr.Message
	}
	return rej
}

// networkError maps transient backend failures onto ErrNetworkUnavailable.
func networkError(err error) error {
	if errors.Is(err, ErrNetworkUnavailable) {
		return err
	}
	if backend.IsTransient(err) {
		return fmt.Errorf("%w: %w", ErrNetworkUnavailable, err)
	}
	return err
}

func expiredError(cause error) error {
	if cause == nil || errors.Is(cause, ErrSessionExpired) {
		return ErrSessionExpired
	}
	return fmt.Errorf("%w: %w", ErrSessionExpired, cause)
}
