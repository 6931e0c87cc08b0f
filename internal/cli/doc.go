// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the sessionkeeper command line.
//
// # Commands
//
//   - login: validate input, check lockout, authenticate, persist tokens
//   - logout: end the session locally and best-effort on the backend
//   - status: session, lockout and store state, optionally with metrics
//   - token: print a valid access token for scripts
//   - whoami: print the logged-in user
//   - watch: keep the session alive, follow the token store, run the
//     realtime bridge and serve /metrics
//   - config, version, help
//
// Every command accepts --json and then prints a single JSONResponse
// envelope. Exit codes are listed in errors.go.
//
// # Usage
//
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	os.Exit(cli.Run(ctx, os.Args[1:], cli.Stdio()))
package cli
