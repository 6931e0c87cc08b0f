// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/sessionkeeper/internal/backend"
	"github.com/jeranaias/sessionkeeper/internal/metrics"
)

// =============================================================================
// REFRESH COORDINATOR
// =============================================================================

// RefreshCoordinator keeps at most one refresh call in flight. Callers that
// arrive while a refresh runs join a FIFO queue and all receive its result.
type RefreshCoordinator struct {
	m *Manager

	// queue and inflight are guarded by m.mu.
	queue    []chan refreshResult
	inflight bool
}

type refreshResult struct {
	token string
	err   error
}

// refreshPlan is what the leader needs to run one refresh.
type refreshPlan struct {
	epoch        uint64
	refreshToken string
	current      string // set when the session already moved past staleToken
}

func newRefreshCoordinator(m *Manager) *RefreshCoordinator {
	return &RefreshCoordinator{m: m}
}

// Refresh returns an access token newer than staleToken. The network call
// runs detached from ctx; a caller whose ctx ends stops waiting while the
// refresh continues for the others.
func (c *RefreshCoordinator) Refresh(ctx context.Context, staleToken string) (string, error) {
	ch := make(chan refreshResult, 1)

	c.m.mu.Lock()
	c.queue = append(c.queue, ch)
	leader := !c.inflight
	c.inflight = true
	c.m.mu.Unlock()

	if leader {
		go c.run(context.WithoutCancel(ctx), staleToken)
	}

	select {
	case r := <-ch:
		return r.token, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// waiting reports the queue length.
func (c *RefreshCoordinator) waiting() int {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	return len(c.queue)
}

func (c *RefreshCoordinator) run(ctx context.Context, staleToken string) {
	token, err := c.refresh(ctx, staleToken)

	c.m.mu.Lock()
	queue := c.queue
	c.queue = nil
	c.inflight = false
	c.m.mu.Unlock()

	for _, ch := range queue {
		ch <- refreshResult{token: token, err: err}
	}
}

func (c *RefreshCoordinator) refresh(ctx context.Context, staleToken string) (string, error) {
	m := c.m

	plan, err := c.begin(ctx, staleToken)
	if err != nil {
		return "", err
	}
	if plan.current != "" {
		m.metrics.Refresh(metrics.RefreshReused)
		return plan.current, nil
	}

	callCtx, cancel := m.detached(ctx)
	pair, err := m.transport.Refresh(callCtx, plan.refreshToken)
	cancel()
	if err != nil {
		return "", c.fail(ctx, plan, err)
	}
	if pair == nil || pair.AccessToken == "" {
		return "", c.fail(ctx, plan, backend.ErrInvalidResponse)
	}

	m.mu.Lock()
	if m.epoch != plan.epoch {
		m.mu.Unlock()
		m.metrics.Refresh(metrics.RefreshStale)
		return "", expiredError(errors.New("session changed during refresh"))
	}
	now := m.now()
	next := m.sess
	next.Status = StatusAuthenticated
	next.AccessToken = pair.AccessToken
	if pair.RefreshToken != "" {
		next.RefreshToken = pair.RefreshToken
	}
	next.IssuedAt = now
	next.ExpiresAt = m.expiryFor(pair.AccessToken, pair.ExpiresIn, now)
	m.mu.Unlock()

	saved, current := m.saveIfCurrent(ctx, plan.epoch, next)
	if !current {
		m.metrics.Refresh(metrics.RefreshStale)
		return "", expiredError(errors.New("session changed during refresh"))
	}
	next.Persisted = saved

	m.mu.Lock()
	if m.epoch != plan.epoch {
		m.mu.Unlock()
		m.metrics.Refresh(metrics.RefreshStale)
		return "", expiredError(errors.New("session changed during refresh"))
	}
	m.setLocked(next, nil)
	m.mu.Unlock()
	m.flush()

	m.metrics.Refresh(metrics.RefreshSuccess)
	m.log.Debug().Bool("persisted", saved).Msg("access token refreshed")
	return next.AccessToken, nil
}

// begin moves the session to refreshing, or reports a token that already
// supersedes staleToken.
func (c *RefreshCoordinator) begin(ctx context.Context, staleToken string) (refreshPlan, error) {
	m := c.m

	m.mu.Lock()
	s := m.sess
	if s.AccessToken == "" || (!s.Status.HasToken() && s.Status != StatusAuthenticating) {
		m.mu.Unlock()
		return refreshPlan{}, ErrNotAuthenticated
	}
	if s.AccessToken != staleToken {
		m.mu.Unlock()
		return refreshPlan{current: s.AccessToken}, nil
	}
	if s.RefreshToken == "" {
		cause := expiredError(errors.New("no refresh token"))
		epoch := m.setLocked(Session{Status: StatusAnonymous}, cause)
		m.mu.Unlock()
		m.flush()
		_ = m.clearIfCurrent(ctx, epoch)
		m.metrics.Refresh(metrics.RefreshFailure)
		return refreshPlan{}, cause
	}

	next := s
	next.Status = StatusRefreshing
	epoch := m.setLocked(next, nil)
	m.mu.Unlock()
	m.flush()

	return refreshPlan{epoch: epoch, refreshToken: s.RefreshToken}, nil
}

// fail ends the session after a refresh error. It never retries.
func (c *RefreshCoordinator) fail(ctx context.Context, plan refreshPlan, cause error) error {
	m := c.m
	m.metrics.Refresh(metrics.RefreshFailure)
	err := expiredError(fmt.Errorf("refresh failed: %w", cause))

	m.mu.Lock()
	if m.epoch != plan.epoch {
		m.mu.Unlock()
		return err
	}
	epoch := m.setLocked(Session{Status: StatusAnonymous}, err)
	m.mu.Unlock()
	m.flush()

	_ = m.clearIfCurrent(ctx, epoch)
	m.log.Warn().Err(cause).Msg("refresh failed, session ended")
	return err
}
