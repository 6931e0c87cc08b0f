// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestValidate_Valid tests accepted payloads for each identifier kind.
func TestValidate_Valid(t *testing.T) {
	tests := []struct {
		name  string
		kind  IdentifierKind
		creds Credentials
	}{
		{"email", IdentifierEmail, Credentials{"alice@example.com", "correct-horse"}},
		{"username", IdentifierUsername, Credentials{"alice.smith", "correct-horse"}},
		{"any with email", IdentifierAny, Credentials{"bob@example.org", "12345678"}},
		{"any with name", IdentifierAny, Credentials{"bob", "12345678"}},
		{"surrounding space", IdentifierEmail, Credentials{"  alice@example.com\t", "correct-horse"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewCredentialValidator(tt.kind, 8).Validate(tt.creds)
			require.True(t, res.Valid, "errors: %v", res.FieldErrors)
			require.Empty(t, res.FieldErrors)
		})
	}
}

// TestValidate_ShortSecret tests the too-short message on the secret field only.
func TestValidate_ShortSecret(t *testing.T) {
	res := NewCredentialValidator(IdentifierEmail, 8).Validate(Credentials{"a@b.co", "123"})
	require.False(t, res.Valid)
	require.Contains(t, res.FieldErrors[FieldSecret], "too short")
	_, hasIdent := res.FieldErrors[FieldIdentifier]
	require.False(t, hasIdent)
}

// TestValidate_BadEmail tests that email-shaped identifiers must parse.
func TestValidate_BadEmail(t *testing.T) {
	for _, kind := range []IdentifierKind{IdentifierEmail, IdentifierAny} {
		res := NewCredentialValidator(kind, 8).Validate(Credentials{"alice@", "correct-horse"})
		require.False(t, res.Valid, string(kind))
		require.Equal(t, "must be a valid email address", res.FieldErrors[FieldIdentifier])
	}
}

// TestValidate_Empty tests that both empty fields are reported together.
func TestValidate_Empty(t *testing.T) {
	res := NewCredentialValidator(IdentifierAny, 8).Validate(Credentials{"   ", ""})
	require.False(t, res.Valid)
	require.Equal(t, "this field is required", res.FieldErrors[FieldIdentifier])
	require.Equal(t, "this field is required", res.FieldErrors[FieldSecret])
}

// TestValidate_Username tests the username grammar.
func TestValidate_Username(t *testing.T) {
	v := NewCredentialValidator(IdentifierUsername, 8)
	require.False(t, v.Validate(Credentials{"ab", "12345678"}).Valid)
	require.False(t, v.Validate(Credentials{"has space", "12345678"}).Valid)
	require.False(t, v.Validate(Credentials{"a@b.co", "12345678"}).Valid)
	require.True(t, v.Validate(Credentials{"a_b-c.d", "12345678"}).Valid)
}

// TestValidate_MinLengthClamp tests the 6..8 policy tier bounds.
func TestValidate_MinLengthClamp(t *testing.T) {
	require.Equal(t, 6, NewCredentialValidator(IdentifierAny, 1).MinSecretLength())
	require.Equal(t, 8, NewCredentialValidator(IdentifierAny, 40).MinSecretLength())
	require.Equal(t, 7, NewCredentialValidator(IdentifierAny, 7).MinSecretLength())

	v := NewCredentialValidator(IdentifierAny, 6)
	require.True(t, v.Validate(Credentials{"bob", "123456"}).Valid)
	require.False(t, v.Validate(Credentials{"bob", "12345"}).Valid)
}

// TestValidate_SecretMaxLength tests the upper bound on secrets.
func TestValidate_SecretMaxLength(t *testing.T) {
	res := NewCredentialValidator(IdentifierAny, 8).Validate(Credentials{"bob", strings.Repeat("x", 1025)})
	require.False(t, res.Valid)
	require.Contains(t, res.FieldErrors[FieldSecret], "too long")
}

// TestValidate_SecretCountsRunes tests that multibyte secrets are measured in characters.
func TestValidate_SecretCountsRunes(t *testing.T) {
	res := NewCredentialValidator(IdentifierAny, 6).Validate(Credentials{"bob", "ключ"})
	require.False(t, res.Valid, "4 characters is short even though it is 8 bytes")
}

// TestNormalize_NFKC tests that compatibility forms fold to the same identifier.
func TestNormalize_NFKC(t *testing.T) {
	v := NewCredentialValidator(IdentifierAny, 8)
	// Fullwidth letters fold to ASCII.
	got := v.Normalize(Credentials{Identifier: " ａｌｉｃｅ ", Secret: " keep "})
	require.Equal(t, "alice", got.Identifier)
	require.Equal(t, " keep ", got.Secret)
}

// TestValidate_UnknownKind tests that an unknown kind behaves as "any".
func TestValidate_UnknownKind(t *testing.T) {
	v := NewCredentialValidator(IdentifierKind("phone"), 8)
	require.True(t, v.Validate(Credentials{"bob", "12345678"}).Valid)
}
