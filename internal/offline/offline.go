// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline gates outbound connections for air-gapped operation.
//
// When a Guard is offline, only loopback endpoints may be contacted. URL
// scheme checks run regardless of mode.
package offline

import (
	"errors"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNetworkBlocked is returned when a network operation is attempted in offline mode.
	ErrNetworkBlocked = errors.New("network operation blocked in offline mode")

	// ErrNonLocalhost is returned for a non-loopback target in offline mode.
	ErrNonLocalhost = errors.New("only loopback endpoints are allowed in offline mode")

	// ErrInvalidURLScheme is returned for schemes other than http(s) or ws(s).
	ErrInvalidURLScheme = errors.New("unsupported URL scheme")

	// ErrInsecureURL is returned for plaintext schemes on a non-loopback host.
	ErrInsecureURL = errors.New("plaintext transport is only allowed for loopback hosts")
)

// =============================================================================
// GUARD
// =============================================================================

// Guard holds the offline switch for one process. It is safe for concurrent use.
type Guard struct {
	offline atomic.Bool
}

// NewGuard returns a Guard in the given mode.
func NewGuard(offline bool) *Guard {
	g := &Guard{}
	g.offline.Store(offline)
	return g
}

// SetOffline switches offline mode on or off.
func (g *Guard) SetOffline(enabled bool) {
	g.offline.Store(enabled)
}

// IsOffline reports whether offline mode is active. A nil Guard is online.
func (g *Guard) IsOffline() bool {
	return g != nil && g.offline.Load()
}

// CheckNetworkAllowed returns nil if rawURL may be contacted right now.
func (g *Guard) CheckNetworkAllowed(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrNetworkBlocked
	}
	if !allowedScheme(parsed.Scheme) {
		return ErrInvalidURLScheme
	}
	if g.IsOffline() && !IsLocalhost(parsed.Hostname()) {
		return ErrNonLocalhost
	}
	return nil
}

// StatusIndicator returns "OFFLINE MODE" when offline, "" otherwise.
func (g *Guard) StatusIndicator() string {
	if g.IsOffline() {
		return "OFFLINE MODE"
	}
	return ""
}

// =============================================================================
// URL VALIDATION
// =============================================================================

// IsLocalhost reports whether host (optionally with port or brackets) is a
// loopback name or address. The whole 127.0.0.0/8 range counts.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))

	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateEndpoint checks a configured endpoint URL. Plaintext http and ws are
// accepted only for loopback hosts; everything else must use TLS.
func ValidateEndpoint(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if !allowedScheme(scheme) {
		return ErrInvalidURLScheme
	}
	if parsed.Hostname() == "" {
		return errors.New("endpoint URL has no host")
	}
	if (scheme == "http" || scheme == "ws") && !IsLocalhost(parsed.Hostname()) {
		return ErrInsecureURL
	}
	return nil
}

func allowedScheme(scheme string) bool {
	switch strings.ToLower(scheme) {
	case "http", "https", "ws", "wss":
		return true
	}
	return false
}
