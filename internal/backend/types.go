// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package backend

import "time"

// User is the identity snapshot returned by the backend.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role,omitempty"`
	Grade       string `json:"grade,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Label returns the best human-readable name for the user.
func (u *User) Label() string {
	if u == nil {
		return ""
	}
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.Email != "":
		return u.Email
	default:
		return u.ID
	}
}

// TokenPair is a freshly issued set of credentials. RefreshToken is empty
// when the backend keeps the previous one. ExpiresIn is zero when the backend
// did not state a lifetime.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// LoginResult is the outcome of a successful login.
type LoginResult struct {
	User   User
	Tokens TokenPair
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type loginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
}

type loginResponse struct {
	User         *User  `json:"user"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
}

type meResponse struct {
	User *User `json:"user"`
}

// errorBody covers the two common error shapes: {"message": ...} and {"error": ...}.
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}
