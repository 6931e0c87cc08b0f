// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// =============================================================================
// ATOMIC WRITE TESTS
// =============================================================================

func TestAtomicWriteFile_Basic(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "session.enc")
	data := []byte("sealed envelope")

	if err := AtomicWriteFile(path, data, 0600); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(content) != string(data) {
		t.Errorf("Content mismatch: got %q, want %q", string(content), string(data))
	}
}

func TestAtomicWriteFile_CreatesParentDir(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "subdir", "deep", "session.enc")

	if err := AtomicWriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("File not created: %v", err)
	}
}

func TestAtomicWriteFile_Overwrites(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "session.enc")

	if err := AtomicWriteFile(path, []byte("initial"), 0600); err != nil {
		t.Fatalf("First write failed: %v", err)
	}
	if err := AtomicWriteFile(path, []byte("replacement"), 0600); err != nil {
		t.Fatalf("Second write failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(content) != "replacement" {
		t.Errorf("got %q, want %q", string(content), "replacement")
	}
}

func TestAtomicWriteFile_NoTempFileLeftBehind(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "session.enc")

	for i := 0; i < 5; i++ {
		if err := AtomicWriteFile(path, []byte("data"), 0600); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("Failed to read dir: %v", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".tmp-") {
			t.Errorf("Found leftover temp file: %s", entry.Name())
		}
	}
}

func TestAtomicWriteFile_FailureKeepsPrevious(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "target")

	if err := AtomicWriteFile(path, []byte("previous"), 0600); err != nil {
		t.Fatalf("initial write failed: %v", err)
	}

	// Renaming a file over a non-empty directory fails on every platform.
	dirTarget := filepath.Join(tempDir, "occupied")
	if err := os.MkdirAll(filepath.Join(dirTarget, "child"), 0700); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := AtomicWriteFile(dirTarget, []byte("new"), 0600); err == nil {
		t.Fatal("expected rename over a directory to fail")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(content) != "previous" {
		t.Errorf("unrelated file changed: %q", string(content))
	}
}

func TestAtomicWriteFileWithDir_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permission bits")
	}
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "private", "session.enc")

	if err := AtomicWriteFileWithDir(path, []byte("x"), 0600, 0700); err != nil {
		t.Fatalf("AtomicWriteFileWithDir failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("file mode = %o, want 600", info.Mode().Perm())
	}
}

// =============================================================================
// MASKING TESTS
// =============================================================================

func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"short", "*****"},
		{"12345678", "********"},
		{"eyJhbGciOiJIUzI1NiJ9", "ey...J9"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaskIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"alice@example.com", "a***@example.com"},
		{"@example.com", "@example.com"},
		{"alice", "*****"},
		{"a-much-longer-username", "a-...me"},
	}
	for _, tt := range tests {
		if got := MaskIdentifier(tt.in); got != tt.want {
			t.Errorf("MaskIdentifier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello world", 8, "hello..."},
		{"日本語テキスト", 5, "日本..."},
		{"abc", 0, ""},
		{"abcdef", 2, "ab"},
	}
	for _, tt := range tests {
		if got := TruncateRunes(tt.in, tt.max); got != tt.want {
			t.Errorf("TruncateRunes(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestStripControl(t *testing.T) {
	if got := StripControl("bad\ncreds\t\x1b[31m!"); got != "badcreds[31m!" {
		t.Errorf("StripControl = %q", got)
	}
}
