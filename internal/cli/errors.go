// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Exit codes and error display for sessionkeeper commands.
//
// Handlers always return errors; Run decides how to show them and which
// exit code to use.

package cli

import (
	"errors"
	"fmt"

	"github.com/jeranaias/sessionkeeper/internal/backend"
	"github.com/jeranaias/sessionkeeper/internal/config"
	"github.com/jeranaias/sessionkeeper/internal/session"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0
	// ExitGeneralError indicates a general/unknown error
	ExitGeneralError = 1
	// ExitUsageError indicates invalid command usage or arguments
	ExitUsageError = 2
	// ExitConfigError indicates configuration file or settings error
	ExitConfigError = 3
	// ExitAuthError indicates rejected credentials or no session
	ExitAuthError = 4
	// ExitNetworkError indicates the backend could not be reached
	ExitNetworkError = 5
	// ExitLockedError indicates login attempts are locked out
	ExitLockedError = 6
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// UsageError reports bad command line input.
type UsageError struct {
	Reason string
}

func (e *UsageError) Error() string {
	return "usage: " + e.Reason
}

// ConfigError wraps a configuration failure.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ExitCode maps an error onto the documented exit codes.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var usage *UsageError
	var cfgErr *ConfigError
	var validate config.ValidateErrors
	switch {
	case errors.As(err, &usage):
		return ExitUsageError
	case errors.As(err, &cfgErr), errors.As(err, &validate):
		return ExitConfigError
	case errors.Is(err, session.ErrAccountLocked):
		return ExitLockedError
	case errors.Is(err, session.ErrNetworkUnavailable):
		return ExitNetworkError
	case errors.Is(err, session.ErrInvalidCredentials),
		errors.Is(err, session.ErrAuthenticationRejected),
		errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrNotAuthenticated),
		errors.Is(err, session.ErrAlreadyAuthenticated),
		errors.Is(err, backend.ErrUnauthorized):
		return ExitAuthError
	}
	return ExitGeneralError
}

// =============================================================================
// ERROR DISPLAY
// =============================================================================

// DisplayError writes err to the error stream, or as a JSON envelope on the
// output stream in JSON mode.
func DisplayError(s Streams, err error, jsonMode bool) {
	if err == nil {
		return
	}
	if jsonMode {
		NewJSONErrorResponse("", err).Print(s.Out)
		return
	}

	fmt.Fprintf(s.Err, "%s %s\n", ErrorStyle.Render("[ERROR]"), err.Error())

	var locked *session.LockedError
	if errors.As(err, &locked) {
		fmt.Fprintf(s.Err, "%s\n", DimStyle.Render(
			fmt.Sprintf("Try again in %ds.", locked.RemainingSeconds())))
	}
	var verr *session.ValidationError
	if errors.As(err, &verr) {
		for _, field := range sortedKeys(verr.Fields) {
			fmt.Fprintf(s.Err, "  %s %s\n", RenderLabel(field, 12), verr.Fields[field])
		}
	}
}
