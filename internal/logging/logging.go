// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the process logger.
//
// Output goes to stderr so stdout stays clean for command results and JSON.
// Terminals get the human console format; pipes and files get JSON lines.
// Secrets are never passed to the logger; identifiers and tokens are masked
// with util.Mask before they reach a log field.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Output formats.
const (
	FormatAuto    = "auto"
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config selects level, format and an optional file sink.
type Config struct {
	Level   string
	Format  string
	File    string
	NoColor bool
}

// New builds a logger writing to stderr and, if configured, to a file. The
// returned closer releases the file and is never nil.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	var closer io.Closer = nopCloser{}
	var sinks []io.Writer

	sinks = append(sinks, consoleOrJSON(cfg, os.Stderr, isTerminal(os.Stderr)))

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0700); err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("failed to open log file: %w", err)
		}
		sinks = append(sinks, f)
		closer = f
	}

	logger, err := build(cfg, zerolog.MultiLevelWriter(sinks...))
	return logger, closer, err
}

// NewWithWriter builds a logger writing only to w.
func NewWithWriter(cfg Config, w io.Writer) (zerolog.Logger, error) {
	return build(cfg, consoleOrJSON(cfg, w, false))
}

func build(cfg Config, w io.Writer) (zerolog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return logger, err
}

// ParseLevel parses a level name. Empty means info; an unknown name yields
// info together with an error.
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	if s == "warning" {
		s = "warn"
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

func consoleOrJSON(cfg Config, w io.Writer, tty bool) io.Writer {
	format := strings.ToLower(cfg.Format)
	if format == "" {
		format = FormatAuto
	}
	if format == FormatConsole || (format == FormatAuto && tty) {
		return zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.Kitchen,
			NoColor:    cfg.NoColor || !tty,
		}
	}
	return w
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
