// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command parsing and dispatch for sessionkeeper.

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdHelp Command = iota
	CmdLogin
	CmdLogout
	CmdStatus
	CmdToken
	CmdWhoami
	CmdWatch
	CmdConfig
	CmdVersion
	CmdUnknown
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	JSON       bool
	Offline    bool
	Verbose    bool
	ConfigPath string

	// Command-specific
	Name        string // command as typed
	Subcommand  string
	Identifier  string
	Metrics     bool
	MetricsAddr string

	// Raw args (remaining after the command word)
	Raw []string
}

const usageText = `sessionkeeper - keep a backend login session alive from the command line

Usage:
  sessionkeeper <command> [flags]

Commands:
  login [--identifier ID]     Log in; the secret is read without echo
  logout                      End the session and clear stored tokens
  status [--metrics]          Show session and lockout state
  token                       Print a valid access token, refreshing if needed
  whoami                      Show the logged-in user
  watch [--metrics-addr ADDR] Keep the session alive and print transitions
  config [show|init|path]     Inspect or create the configuration file
  version                     Print version information
  help                        Show this help

Global flags:
  --json                      Machine-readable output
  --offline                   Refuse non-loopback network access
  --config PATH               Use this configuration file
  -v, --verbose               Debug logging

Exit codes:
  0 ok, 1 error, 2 usage, 3 config, 4 auth, 5 network, 6 locked

Environment:
  SESSIONKEEPER_HOME              Configuration directory (default ~/.sessionkeeper)
  SESSIONKEEPER_BASE_URL          Backend base URL
  SESSIONKEEPER_STORE_DRIVER      file, sqlite or memory
  SESSIONKEEPER_STORE_PASSPHRASE  Derive the store key from a passphrase
  SESSIONKEEPER_REALTIME_URL      Websocket endpoint for watch
  SESSIONKEEPER_LOG_LEVEL         debug, info, warn, error
  SESSIONKEEPER_OFFLINE           Same as --offline

Version: %s
`

// PrintUsage writes the help text.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, Version)
}

// PrintVersion writes version information.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "sessionkeeper version %s\n", Version)
	fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build date: %s\n", BuildDate)
}

// Parse splits argv (without the program name) into a command and its args.
func Parse(argv []string) (Command, Args, error) {
	remaining, parsed, err := parseGlobalFlags(argv)
	if err != nil {
		return CmdUnknown, parsed, err
	}
	if len(remaining) == 0 {
		return CmdHelp, parsed, nil
	}

	parsed.Name = strings.ToLower(remaining[0])
	parsed.Raw = remaining[1:]
	p := NewArgParser(parsed.Raw)

	switch parsed.Name {
	case "login":
		parsed.Identifier = p.Flag("identifier")
		if parsed.Identifier == "" {
			parsed.Identifier = p.Positional(0)
		}
		return CmdLogin, parsed, nil
	case "logout":
		return CmdLogout, parsed, nil
	case "status", "s":
		parsed.Metrics = p.BoolFlag("metrics")
		return CmdStatus, parsed, nil
	case "token":
		return CmdToken, parsed, nil
	case "whoami":
		return CmdWhoami, parsed, nil
	case "watch":
		parsed.MetricsAddr = p.Flag("metrics-addr")
		return CmdWatch, parsed, nil
	case "config":
		parsed.Subcommand = p.Subcommand()
		return CmdConfig, parsed, nil
	case "version", "--version":
		return CmdVersion, parsed, nil
	case "help", "-h", "--help":
		return CmdHelp, parsed, nil
	default:
		return CmdUnknown, parsed, &UsageError{Reason: fmt.Sprintf("unknown command %q", parsed.Name)}
	}
}

// parseGlobalFlags extracts global flags wherever they appear.
func parseGlobalFlags(args []string) ([]string, Args, error) {
	var remaining []string
	var parsed Args

	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--json":
			parsed.JSON = true
		case arg == "--offline", arg == "--no-network":
			parsed.Offline = true
		case arg == "-v", arg == "--verbose":
			parsed.Verbose = true
		case arg == "--config":
			if i+1 >= len(args) {
				return nil, parsed, &UsageError{Reason: "--config requires a path"}
			}
			i++
			parsed.ConfigPath = args[i]
		case strings.HasPrefix(arg, "--config="):
			parsed.ConfigPath = strings.TrimPrefix(arg, "--config=")
		default:
			remaining = append(remaining, arg)
		}
	}
	return remaining, parsed, nil
}

// =============================================================================
// ENTRY POINT
// =============================================================================

// Streams are the process streams a command talks to.
type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// Stdio returns the process streams.
func Stdio() Streams {
	return Streams{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

// Run executes argv and returns the process exit code.
func Run(ctx context.Context, argv []string, s Streams) int {
	cmd, args, err := Parse(argv)
	if err != nil {
		DisplayError(s, err, args.JSON)
		PrintUsage(s.Err)
		return ExitCode(err)
	}

	switch cmd {
	case CmdHelp:
		PrintUsage(s.Out)
		return ExitSuccess
	case CmdVersion:
		return finish(s, args, "version", handleVersion(s, args))
	case CmdConfig:
		return finish(s, args, "config", handleConfig(s, args))
	}

	app, err := NewApp(args, s)
	if err != nil {
		return finish(s, args, args.Name, err)
	}
	defer app.Close()

	switch cmd {
	case CmdLogin:
		err = app.Login(ctx, s, args)
	case CmdLogout:
		err = app.Logout(ctx, s, args)
	case CmdStatus:
		err = app.Status(ctx, s, args)
	case CmdToken:
		err = app.Token(ctx, s, args)
	case CmdWhoami:
		err = app.Whoami(ctx, s, args)
	case CmdWatch:
		err = app.Watch(ctx, s, args)
	}
	return finish(s, args, args.Name, err)
}

func finish(s Streams, args Args, command string, err error) int {
	if err == nil {
		return ExitSuccess
	}
	if args.JSON {
		NewJSONErrorResponse(command, err).Print(s.Out)
	} else {
		DisplayError(s, err, false)
	}
	return ExitCode(err)
}
