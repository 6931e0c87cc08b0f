// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetworkUnavailable wraps transport failures, timeouts and offline blocks.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrUnauthorized matches any *APIError with status 401 or 403.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidResponse is returned for 2xx responses the client cannot use.
	ErrInvalidResponse = errors.New("invalid backend response")
)

// APIError is a non-2xx response.
type APIError struct {
	Status    int
	Message   string // sanitized server message
	RequestID string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("backend error (HTTP %d)", e.Status)
}

// Is lets errors.Is(err, ErrUnauthorized) match 401 and 403 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrUnauthorized &&
		(e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden)
}

// IsRejection reports whether the server refused the request itself, as
// opposed to being unable to serve it. 408 and 429 are treated as transient.
func (e *APIError) IsRejection() bool {
	if e.Status == http.StatusRequestTimeout || e.Status == http.StatusTooManyRequests {
		return false
	}
	return e.Status >= 400 && e.Status < 500
}

// IsRejection reports whether err carries a client-side rejection.
func IsRejection(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsRejection()
}

// IsTransient reports whether err is worth retrying later: network failures
// and server-side or throttling responses.
func IsTransient(err error) bool {
	if errors.Is(err, ErrNetworkUnavailable) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return !apiErr.IsRejection()
	}
	return false
}
