// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package realtime keeps an authenticated websocket open for as long as the
// session holds a token. It carries no messages of its own; the connection
// exists so the backend can see which users are online.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/jeranaias/sessionkeeper/internal/offline"
	"github.com/jeranaias/sessionkeeper/internal/session"
)

// Tuning defaults.
const (
	DefaultDialTimeout = 10 * time.Second
	DefaultRetryDelay  = 5 * time.Second
)

// Source is the part of *session.Manager the bridge depends on.
type Source interface {
	Session() session.Session
	OnChange(fn func(session.Change)) (unsubscribe func())
	Reauthorize(ctx context.Context, staleToken string) (string, error)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bridge) { b.log = l.With().Str("component", "realtime").Logger() }
}

// WithDialTimeout bounds each handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.dialTimeout = d }
}

// WithGuard blocks dials the offline guard does not allow.
func WithGuard(g *offline.Guard) Option {
	return func(b *Bridge) { b.guard = g }
}

// WithRetryDelay sets the pause after a failed dial or a dropped connection.
func WithRetryDelay(d time.Duration) Option {
	return func(b *Bridge) { b.retryDelay = d }
}

// =============================================================================
// BRIDGE
// =============================================================================

// Bridge follows session transitions: authenticated opens the connection,
// anonymous or locked closes it, refreshing leaves it alone.
type Bridge struct {
	src         Source
	url         string
	log         zerolog.Logger
	guard       *offline.Guard
	dialTimeout time.Duration
	retryDelay  time.Duration

	// Owned by the Run goroutine.
	conn    *websocket.Conn
	dropped <-chan struct{}

	connected atomic.Bool
	dials     atomic.Int32
}

// New returns a Bridge for the ws:// or wss:// endpoint url.
func New(src Source, url string, opts ...Option) (*Bridge, error) {
	if src == nil {
		return nil, errors.New("realtime: session source is required")
	}
	if url == "" {
		return nil, errors.New("realtime: url is required")
	}
	if err := offline.ValidateEndpoint(url); err != nil {
		return nil, fmt.Errorf("realtime: invalid url %q: %w", url, err)
	}
	b := &Bridge{
		src:         src,
		url:         url,
		log:         zerolog.Nop(),
		dialTimeout: DefaultDialTimeout,
		retryDelay:  DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Connected reports whether a connection is currently open.
func (b *Bridge) Connected() bool {
	return b.connected.Load()
}

// Run follows the session until ctx ends. The open connection, if any, is
// closed with StatusGoingAway on return.
func (b *Bridge) Run(ctx context.Context) error {
	kick := make(chan struct{}, 1)
	unsubscribe := b.src.OnChange(func(session.Change) {
		select {
		case kick <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()
	defer b.disconnect(websocket.StatusGoingAway, "client shutting down")

	var retry <-chan time.Time
	for {
		if retry == nil {
			if err := b.reconcile(ctx); err != nil {
				b.log.Warn().Err(err).Dur("retry_in", b.retryDelay).Msg("realtime connect failed")
				retry = time.After(b.retryDelay)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-kick:
		case <-b.dropped:
			b.log.Info().Msg("realtime connection dropped")
			b.forget()
			retry = time.After(b.retryDelay)
		case <-retry:
			retry = nil
		}
	}
}

// reconcile brings the connection in line with the current session.
func (b *Bridge) reconcile(ctx context.Context) error {
	s := b.src.Session()
	switch s.Status {
	case session.StatusAuthenticated:
		if b.conn != nil {
			return nil
		}
		return b.connect(ctx, s.AccessToken)
	case session.StatusAnonymous, session.StatusLocked:
		b.disconnect(websocket.StatusNormalClosure, "session ended")
	}
	return nil
}

func (b *Bridge) connect(ctx context.Context, token string) error {
	conn, resp, err := b.dial(ctx, token)
	if err != nil && resp != nil && resp.StatusCode == http.StatusUnauthorized {
		b.log.Debug().Msg("realtime handshake rejected token, reauthorizing")
		fresh, rerr := b.src.Reauthorize(ctx, token)
		if rerr != nil {
			return fmt.Errorf("reauthorize for realtime: %w", rerr)
		}
		conn, _, err = b.dial(ctx, fresh)
	}
	if err != nil {
		return err
	}

	b.conn = conn
	// The bridge never reads; CloseRead answers pings and close frames.
	b.dropped = conn.CloseRead(context.WithoutCancel(ctx)).Done()
	b.connected.Store(true)
	b.log.Info().Str("url", b.url).Msg("realtime connected")
	return nil
}

func (b *Bridge) dial(ctx context.Context, token string) (*websocket.Conn, *http.Response, error) {
	if err := b.guard.CheckNetworkAllowed(b.url); err != nil {
		return nil, nil, err
	}
	b.dials.Add(1)
	dctx, cancel := context.WithTimeout(ctx, b.dialTimeout)
	defer cancel()

	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.Dial(dctx, b.url, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return nil, resp, fmt.Errorf("dial %s: %w", b.url, err)
	}
	return conn, resp, nil
}

func (b *Bridge) disconnect(code websocket.StatusCode, reason string) {
	if b.conn == nil {
		return
	}
	if err := b.conn.Close(code, reason); err != nil {
		b.log.Debug().Err(err).Msg("realtime close")
	}
	b.forget()
	b.log.Info().Str("reason", reason).Msg("realtime disconnected")
}

func (b *Bridge) forget() {
	b.conn = nil
	b.dropped = nil
	b.connected.Store(false)
}
