// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Mask hides all but the first and last two runes of a sensitive value so it
// can appear in logs and status output. Short values are fully masked.
func Mask(value string) string {
	n := utf8.RuneCountInString(value)
	if n == 0 {
		return ""
	}
	if n <= 8 {
		return strings.Repeat("*", n)
	}
	runes := []rune(value)
	return string(runes[:2]) + "..." + string(runes[n-2:])
}

// MaskIdentifier masks a login identifier. For email addresses the domain is
// kept so operators can still tell tenants apart.
func MaskIdentifier(identifier string) string {
	local, domain, ok := strings.Cut(identifier, "@")
	if !ok {
		return Mask(identifier)
	}
	if local == "" {
		return "@" + domain
	}
	first, _ := utf8.DecodeRuneInString(local)
	return string(first) + "***@" + domain
}

// TruncateRunes truncates s to at most maxRunes runes, appending "..." when
// something was cut.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string([]rune(s)[:maxRunes])
	}
	return string([]rune(s)[:maxRunes-3]) + "..."
}

// StripControl removes control characters (including newlines) from s.
func StripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
