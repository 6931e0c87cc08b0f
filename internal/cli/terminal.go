// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// terminal.go - Terminal detection and secret input.

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/muesli/termenv"
	"github.com/peterh/liner"
	"golang.org/x/term"
)

// =============================================================================
// TTY DETECTION
// =============================================================================

// isTerminal reports whether v is an *os.File attached to a terminal.
func isTerminal(v any) bool {
	f, ok := v.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// IsStdoutTTY returns true if stdout is a terminal.
func IsStdoutTTY() bool {
	return isTerminal(os.Stdout)
}

// =============================================================================
// COLOR OUTPUT CONTROL
// =============================================================================

var (
	colorsEnabled     bool
	colorsEnabledOnce sync.Once
)

// ColorsEnabled returns true if colored output should be used.
// NO_COLOR wins over FORCE_COLOR, which wins over TTY detection.
func ColorsEnabled() bool {
	colorsEnabledOnce.Do(func() {
		if os.Getenv("NO_COLOR") != "" {
			colorsEnabled = false
			return
		}
		if os.Getenv("FORCE_COLOR") != "" {
			colorsEnabled = true
			return
		}
		colorsEnabled = IsStdoutTTY()
	})
	return colorsEnabled
}

// GetColorProfile returns the termenv profile for lipgloss.
func GetColorProfile() termenv.Profile {
	if !ColorsEnabled() {
		return termenv.Ascii
	}
	return termenv.ColorProfile()
}

// =============================================================================
// INPUT
// =============================================================================

var (
	// errNoInput is returned when stdin ends before a value is read.
	errNoInput = errors.New("no input")

	// errPromptAborted is returned when Ctrl+C interrupts a prompt.
	errPromptAborted = errors.New("prompt aborted")
)

// prompter reads one prompted value at a time.
type prompter interface {
	Prompt(prompt string) (string, error)
	PasswordPrompt(prompt string) (string, error)
	Close() error
}

// newPrompter uses liner line editing when both stdin and stdout are
// terminals. Otherwise prompts go to the error stream and input is read one
// line at a time so scripts can pipe credentials in.
func newPrompter(s Streams) prompter {
	if isTerminal(s.In) && isTerminal(s.Out) {
		line := liner.NewLiner()
		line.SetCtrlCAborts(true)
		return &ttyPrompter{line: line}
	}
	return &streamPrompter{s: s, r: bufio.NewReader(s.In)}
}

// ttyPrompter reads from the terminal through liner.
type ttyPrompter struct {
	line *liner.State
}

func (p *ttyPrompter) Prompt(prompt string) (string, error) {
	v, err := p.line.Prompt(prompt)
	return strings.TrimSpace(v), linerError(err)
}

// PasswordPrompt reads without echo.
func (p *ttyPrompter) PasswordPrompt(prompt string) (string, error) {
	v, err := p.line.PasswordPrompt(prompt)
	return v, linerError(err)
}

func (p *ttyPrompter) Close() error {
	return p.line.Close()
}

func linerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, liner.ErrPromptAborted):
		return errPromptAborted
	case errors.Is(err, io.EOF):
		return errNoInput
	}
	return fmt.Errorf("failed to read input: %w", err)
}

// streamPrompter reads piped input line by line.
type streamPrompter struct {
	s Streams
	r *bufio.Reader
}

func (p *streamPrompter) Prompt(prompt string) (string, error) {
	fmt.Fprint(p.s.Err, prompt)
	line, err := p.r.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", errNoInput
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// PasswordPrompt disables echo when stdin alone is a terminal, for example
// when stdout is redirected.
func (p *streamPrompter) PasswordPrompt(prompt string) (string, error) {
	f, ok := p.s.In.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return p.Prompt(prompt)
	}
	fmt.Fprint(p.s.Err, prompt)
	secret, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(p.s.Err)
	if err != nil {
		return "", fmt.Errorf("failed to read secret: %w", err)
	}
	return string(secret), nil
}

func (p *streamPrompter) Close() error { return nil }
