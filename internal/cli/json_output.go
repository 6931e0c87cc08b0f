// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// json_output.go - JSON envelope for scripted use.
//
// Every command prints the same envelope in --json mode so scripts can check
// one "success" field and read "data" or "error".

package cli

import (
	"encoding/json"
	"errors"
	"io"
	"slices"
	"time"

	"github.com/jeranaias/sessionkeeper/internal/session"
)

// JSONResponse is the standardized response format for all CLI commands.
type JSONResponse struct {
	// Success indicates whether the command completed successfully
	Success bool `json:"success"`

	// Data contains the command-specific response data
	Data any `json:"data"`

	// Error contains the error message if Success is false, null otherwise
	Error *string `json:"error"`

	// ErrorKind is a stable machine-readable error class
	ErrorKind string `json:"error_kind,omitempty"`

	// Timestamp is the RFC3339 time the response was generated
	Timestamp string `json:"timestamp"`

	// Command is the command that was executed
	Command string `json:"command,omitempty"`
}

// NewJSONResponse creates a successful response.
func NewJSONResponse(command string, data any) *JSONResponse {
	return &JSONResponse{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}
}

// NewJSONErrorResponse creates an error response. Lock and validation
// details are carried in Data.
func NewJSONErrorResponse(command string, err error) *JSONResponse {
	msg := err.Error()
	resp := &JSONResponse{
		Success:   false,
		Error:     &msg,
		ErrorKind: errorKind(err),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Command:   command,
	}

	var locked *session.LockedError
	var verr *session.ValidationError
	switch {
	case errors.As(err, &locked):
		resp.Data = map[string]any{
			"remaining_seconds": locked.RemainingSeconds(),
			"attempts":          locked.Attempts,
		}
	case errors.As(err, &verr):
		resp.Data = map[string]any{"fields": verr.Fields}
	}
	return resp
}

// Print writes the response as indented JSON.
func (r *JSONResponse) Print(w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(r)
}

func errorKind(err error) string {
	switch ExitCode(err) {
	case ExitUsageError:
		return "usage"
	case ExitConfigError:
		return "config"
	case ExitAuthError:
		return "auth"
	case ExitNetworkError:
		return "network"
	case ExitLockedError:
		return "locked"
	default:
		return "error"
	}
}

// =============================================================================
// COMMAND-SPECIFIC DATA STRUCTURES
// =============================================================================

// UserData is the user part of session output.
type UserData struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Role        string `json:"role,omitempty"`
	Grade       string `json:"grade,omitempty"`
	Email       string `json:"email,omitempty"`
}

// SessionData describes the current session without any token.
type SessionData struct {
	Status    string    `json:"status"`
	User      *UserData `json:"user,omitempty"`
	IssuedAt  string    `json:"issued_at,omitempty"`
	ExpiresAt string    `json:"expires_at,omitempty"`
	Persisted bool      `json:"persisted"`
}

// LockoutData describes the failed login record.
type LockoutData struct {
	Locked           bool `json:"locked"`
	RemainingSeconds int  `json:"remaining_seconds"`
	Attempts         int  `json:"attempts"`
	LocksApplied     int  `json:"locks_applied"`
}

// StatusData is returned by status.
type StatusData struct {
	Session SessionData `json:"session"`
	Lockout LockoutData `json:"lockout"`
	Backend string      `json:"backend"`
	Store   string      `json:"store"`
	Offline bool        `json:"offline"`
	Metrics string      `json:"metrics,omitempty"`
}

// TokenData is returned by token.
type TokenData struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

// ChangeData is one line of watch output.
type ChangeData struct {
	From  string `json:"from"`
	To    string `json:"to"`
	At    string `json:"at"`
	Error string `json:"error,omitempty"`
}

// ConfigPathData is returned by config path and config init.
type ConfigPathData struct {
	Path    string `json:"path"`
	Created bool   `json:"created,omitempty"`
}

// VersionData represents the data returned by the version command.
type VersionData struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version,omitempty"`
}

func sessionData(s session.Session) SessionData {
	d := SessionData{Status: string(s.Status), Persisted: s.Persisted}
	if s.User != nil {
		d.User = &UserData{
			ID:          s.User.ID,
			DisplayName: s.User.DisplayName,
			Role:        s.User.Role,
			Grade:       s.User.Grade,
			Email:       s.User.Email,
		}
	}
	if !s.IssuedAt.IsZero() {
		d.IssuedAt = s.IssuedAt.UTC().Format(time.RFC3339)
	}
	if !s.ExpiresAt.IsZero() {
		d.ExpiresAt = s.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return d
}

func lockoutData(l session.LockoutStatus) LockoutData {
	return LockoutData{
		Locked:           l.Locked,
		RemainingSeconds: l.RemainingSeconds(),
		Attempts:         l.Attempts,
		LocksApplied:     len(l.History),
	}
}

func changeData(c session.Change) ChangeData {
	d := ChangeData{From: string(c.From), To: string(c.To), At: c.At.UTC().Format(time.RFC3339)}
	if c.Err != nil {
		d.Error = c.Err.Error()
	}
	return d
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
