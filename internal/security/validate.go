// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security provides the local security controls of the session core.
//
// This file implements local format checks for login payloads. Nothing here
// talks to the network; a payload that fails validation never leaves the device.
package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"
)

// IdentifierKind selects which identifier grammar a deployment accepts.
type IdentifierKind string

const (
	// IdentifierEmail requires an email address.
	IdentifierEmail IdentifierKind = "email"
	// IdentifierUsername requires a plain username.
	IdentifierUsername IdentifierKind = "username"
	// IdentifierAny accepts either; anything containing "@" is checked as an email.
	IdentifierAny IdentifierKind = "any"
)

const (
	// FieldIdentifier is the FieldErrors key for the identifier.
	FieldIdentifier = "identifier"
	// FieldSecret is the FieldErrors key for the secret.
	FieldSecret = "secret"

	// MinSecretLengthFloor and MinSecretLengthCeiling bound the policy tier.
	MinSecretLengthFloor   = 6
	MinSecretLengthCeiling = 8

	maxIdentifierLength = 254
	maxSecretLength     = 1024
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{3,64}$`)

// Credentials is a login payload as typed by the user.
type Credentials struct {
	Identifier string
	Secret     string
}

// ValidationResult carries one message per invalid field.
type ValidationResult struct {
	Valid       bool
	FieldErrors map[string]string
}

// CredentialValidator checks login payloads. It is safe for concurrent use.
type CredentialValidator struct {
	validate  *validator.Validate
	kind      IdentifierKind
	minSecret int
}

// NewCredentialValidator returns a validator for the given identifier kind
// and minimum secret length (clamped to 6..8).
func NewCredentialValidator(kind IdentifierKind, minSecretLength int) *CredentialValidator {
	switch kind {
	case IdentifierEmail, IdentifierUsername, IdentifierAny:
	default:
		kind = IdentifierAny
	}
	if minSecretLength < MinSecretLengthFloor {
		minSecretLength = MinSecretLengthFloor
	}
	if minSecretLength > MinSecretLengthCeiling {
		minSecretLength = MinSecretLengthCeiling
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})

	return &CredentialValidator{validate: v, kind: kind, minSecret: minSecretLength}
}

// MinSecretLength returns the effective minimum secret length.
func (c *CredentialValidator) MinSecretLength() int {
	return c.minSecret
}

// Normalize trims the identifier and folds it to Unicode NFKC so visually
// identical input maps to the same account. The secret is left untouched.
func (c *CredentialValidator) Normalize(creds Credentials) Credentials {
	creds.Identifier = norm.NFKC.String(strings.TrimSpace(creds.Identifier))
	return creds
}

// Validate normalizes creds and checks each field. It never panics.
func (c *CredentialValidator) Validate(creds Credentials) ValidationResult {
	creds = c.Normalize(creds)
	result := ValidationResult{Valid: true, FieldErrors: map[string]string{}}

	if msg := c.check(creds.Identifier, c.identifierTag(creds.Identifier)); msg != "" {
		result.FieldErrors[FieldIdentifier] = msg
	}
	secretTag := fmt.Sprintf("required,min=%d,max=%d", c.minSecret, maxSecretLength)
	if msg := c.check(creds.Secret, secretTag); msg != "" {
		result.FieldErrors[FieldSecret] = msg
	}

	result.Valid = len(result.FieldErrors) == 0
	return result
}

func (c *CredentialValidator) identifierTag(identifier string) string {
	tag := fmt.Sprintf("required,max=%d", maxIdentifierLength)
	switch c.kind {
	case IdentifierEmail:
		return tag + ",email"
	case IdentifierUsername:
		return tag + ",username"
	default:
		if strings.Contains(identifier, "@") {
			return tag + ",email"
		}
		return tag
	}
}

func (c *CredentialValidator) check(value, tag string) string {
	err := c.validate.Var(value, tag)
	if err == nil {
		return ""
	}
	if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
		return formatFieldError(ve[0])
	}
	return "is invalid"
}

// formatFieldError converts a validator FieldError to a user-facing message.
func formatFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "email":
		return "must be a valid email address"
	case "username":
		return "must be 3-64 letters, digits, dots, dashes or underscores"
	case "min":
		return fmt.Sprintf("too short: must be at least %s characters", fe.Param())
	case "max":
		return fmt.Sprintf("too long: must be at most %s characters", fe.Param())
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}
