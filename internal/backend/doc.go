// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package backend is the HTTP client for the authentication REST API.
//
// # Endpoints
//
//   - POST /auth/login   {identifier, secret} -> {user, accessToken, refreshToken, expiresIn?}
//   - POST /auth/logout  (bearer)
//   - POST /auth/refresh {refreshToken} -> {accessToken, refreshToken?, expiresIn?}
//   - GET  /auth/me      (bearer) -> {user}
//
// # Errors
//
// Transport failures, timeouts and offline blocks wrap ErrNetworkUnavailable.
// Non-2xx responses are *APIError; 401 and 403 also match ErrUnauthorized.
// Only GET /auth/me is retried; login, refresh and logout run exactly once.
//
// # Usage
//
//	client, err := backend.NewClient(backend.Config{BaseURL: "https://auth.example.com"},
//		backend.WithGuard(guard), backend.WithLogger(logger))
//	res, err := client.Login(ctx, identifier, secret)
package backend
