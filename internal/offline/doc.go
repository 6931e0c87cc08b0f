// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline gates outbound connections for air-gapped operation.
//
// A Guard is created once at startup and shared by the backend client and the
// realtime bridge. In offline mode every call to a non-loopback endpoint fails
// before any socket is opened, and the session manager treats that exactly
// like an unreachable backend.
//
// # Usage
//
//	guard := offline.NewGuard(cfg.Offline.Enabled)
//
//	if err := guard.CheckNetworkAllowed(target); err != nil {
//		return err
//	}
package offline
