// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jeranaias/sessionkeeper/internal/backend"
	"github.com/jeranaias/sessionkeeper/internal/metrics"
	"github.com/jeranaias/sessionkeeper/internal/security"
	"github.com/jeranaias/sessionkeeper/internal/storage"
	"github.com/jeranaias/sessionkeeper/internal/util"
)

// =============================================================================
// TRANSPORT
// =============================================================================

// Transport performs the four remote auth calls. *backend.Client satisfies it.
type Transport interface {
	Login(ctx context.Context, identifier, secret string) (*backend.LoginResult, error)
	Logout(ctx context.Context, accessToken string) error
	Refresh(ctx context.Context, refreshToken string) (*backend.TokenPair, error)
	CurrentUser(ctx context.Context, accessToken string) (*backend.User, error)
}

// =============================================================================
// OPTIONS
// =============================================================================

// Default tuning values.
const (
	DefaultExpirySkew  = 30 * time.Second
	DefaultCallTimeout = 30 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l.With().Str("component", "session").Logger() }
}

// WithMetrics records lifecycle metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLockoutPolicy replaces the default 3/30s, 6/45s, 9/60s policy.
func WithLockoutPolicy(p security.LockoutPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithValidator replaces the default credential validator.
func WithValidator(v *security.CredentialValidator) Option {
	return func(m *Manager) { m.validator = v }
}

// WithLockoutFile keeps the failed login record across restarts.
func WithLockoutFile(f *security.LockoutFile) Option {
	return func(m *Manager) { m.lockFile = f }
}

// WithExpirySkew refreshes tokens this long before their known expiry.
func WithExpirySkew(d time.Duration) Option {
	return func(m *Manager) { m.skew = d }
}

// WithCallTimeout bounds every detached transport call.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) { m.callTimeout = d }
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns the session state machine and is the only writer of the
// token store. All methods are safe for concurrent use.
//
// OnChange listeners run outside the state lock, in transition order, on
// whichever goroutine is draining the event queue. They must not block on
// Manager operations.
type Manager struct {
	mu sync.Mutex

	store     storage.TokenStore
	transport Transport
	policy    security.LockoutPolicy
	validator *security.CredentialValidator
	lockFile  *security.LockoutFile
	refresher *RefreshCoordinator

	log         zerolog.Logger
	metrics     *metrics.Collector
	now         func() time.Time
	skew        time.Duration
	callTimeout time.Duration

	// State guarded by mu. Every transition bumps epoch; async completions
	// carrying an older epoch are discarded.
	sess          Session
	hydrated      *Session
	attempts      security.AttemptRecord
	epoch         uint64
	loginInFlight bool

	// Events
	listeners []listener
	nextID    int
	pending   []Change
	flushing  bool

	// storeMu orders store writes against epoch checks.
	storeMu    sync.Mutex
	lockFileMu sync.Mutex

	restoreOnce sync.Once
	restoreErr  error
}

// New builds a Manager and hydrates it from the store. Validation of a
// hydrated session happens in Restore.
func New(store storage.TokenStore, transport Transport, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session: token store is required")
	}
	if transport == nil {
		return nil, errors.New("session: transport is required")
	}

	m := &Manager{
		store:       store,
		transport:   transport,
		policy:      security.DefaultLockoutPolicy(),
		log:         zerolog.Nop(),
		now:         time.Now,
		skew:        DefaultExpirySkew,
		callTimeout: DefaultCallTimeout,
		sess:        Session{Status: StatusAnonymous},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.validator == nil {
		m.validator = security.NewCredentialValidator(security.IdentifierAny, security.MinSecretLengthCeiling)
	}
	m.refresher = newRefreshCoordinator(m)

	m.loadAttempts()
	m.hydrate(context.Background())

	if m.hydrated == nil && m.policy.IsLocked(m.attempts, m.now()) {
		m.sess = Session{Status: StatusLocked}
	}
	return m, nil
}

func (m *Manager) loadAttempts() {
	if m.lockFile == nil {
		return
	}
	rec, err := m.lockFile.Load()
	if err != nil {
		// An unreadable record must not reset the counter.
		m.log.Warn().Err(err).Str("path", m.lockFile.Path()).Msg("lockout state rejected, applying ceiling lock")
		m.metrics.StorageError("lockout_load")
		rec = m.policy.Penalize(security.AttemptRecord{}, m.now())
		m.attempts = rec
		m.saveAttempts()
		return
	}
	m.attempts = rec
}

func (m *Manager) hydrate(ctx context.Context) {
	snap, err := m.store.Load(ctx)
	if err != nil {
		m.metrics.StorageError("load")
		if errors.Is(err, storage.ErrCorrupt) {
			m.log.Warn().Err(err).Msg("stored session is corrupt, clearing")
			if err := m.store.Clear(ctx); err != nil {
				m.metrics.StorageError("clear")
				m.log.Error().Err(err).Msg("failed to clear corrupt session")
			}
			return
		}
		m.log.Error().Err(err).Msg("failed to load stored session")
		return
	}
	if snap == nil {
		return
	}
	s, err := sessionFromSnapshot(snap)
	if err != nil {
		m.log.Warn().Err(err).Msg("stored session is unusable, clearing")
		if err := m.store.Clear(ctx); err != nil {
			m.metrics.StorageError("clear")
		}
		return
	}
	m.hydrated = &s
}

// =============================================================================
// STATE ACCESS
// =============================================================================

// Session returns a copy of the current session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.clone()
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.Status
}

// Lockout returns the failed login record. An elapsed lock is cleared here.
func (m *Manager) Lockout() LockoutStatus {
	m.mu.Lock()
	expired := m.expireLockLocked(m.now())
	st := lockoutStatus(m.policy, m.attempts, m.now())
	m.mu.Unlock()
	m.flush()
	if expired {
		m.saveAttempts()
	}
	return st
}

// OnChange registers fn for every transition and returns its unsubscribe.
func (m *Manager) OnChange(fn func(Change)) (unsubscribe func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.listeners = slices.DeleteFunc(m.listeners, func(l listener) bool { return l.id == id })
		})
	}
}

// setLocked replaces the session, bumps the epoch and queues a Change.
// Callers hold mu and call flush after unlocking.
func (m *Manager) setLocked(next Session, cause error) uint64 {
	prev := m.sess.Status
	m.sess = next
	m.epoch++
	m.pending = append(m.pending, Change{
		From:    prev,
		To:      next.Status,
		Session: next.clone(),
		Err:     cause,
		At:      m.now(),
	})
	m.metrics.Transition(string(next.Status), next.Status.HasToken())

	ev := m.log.Debug().Str("from", string(prev)).Str("to", string(next.Status))
	if cause != nil {
		ev = ev.AnErr("cause", cause)
	}
	ev.Msg("session transition")
	return m.epoch
}

// flush delivers queued changes. Only one goroutine drains at a time so
// listeners observe transitions in order.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.flushing {
		m.mu.Unlock()
		return
	}
	m.flushing = true
	for len(m.pending) > 0 {
		batch := m.pending
		m.pending = nil
		ls := slices.Clone(m.listeners)
		m.mu.Unlock()

		for _, c := range batch {
			for _, l := range ls {
				l.fn(c)
			}
		}

		m.mu.Lock()
	}
	m.flushing = false
	m.mu.Unlock()
}

// expireLockLocked moves an elapsed lock back to anonymous.
func (m *Manager) expireLockLocked(now time.Time) bool {
	if m.attempts.LockUntil.IsZero() || m.policy.IsLocked(m.attempts, now) {
		return false
	}
	m.attempts = m.policy.Expire(m.attempts, now)
	if m.sess.Status == StatusLocked {
		m.setLocked(Session{Status: StatusAnonymous}, nil)
	}
	return true
}

func (m *Manager) expiryFor(accessToken string, expiresIn time.Duration, now time.Time) time.Time {
	if expiresIn > 0 {
		return now.Add(expiresIn)
	}
	if exp, ok := backend.TokenExpiry(accessToken); ok {
		return exp
	}
	return time.Time{}
}

func (m *Manager) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.callTimeout)
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// saveIfCurrent writes s while epoch is still current. It reports whether
// the write succeeded and whether the epoch was current.
func (m *Manager) saveIfCurrent(ctx context.Context, epoch uint64, s Session) (saved, current bool) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	current = m.epoch == epoch
	m.mu.Unlock()
	if !current {
		return false, false
	}

	snap, err := s.snapshot()
	if err == nil {
		err = m.store.Save(ctx, snap)
	}
	if err != nil {
		m.metrics.StorageError("save")
		m.log.Warn().Err(err).Msg("session not persisted, continuing in memory")
		return false, true
	}
	return true, true
}

// clearIfCurrent empties the store unless a newer transition happened.
func (m *Manager) clearIfCurrent(ctx context.Context, epoch uint64) error {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	current := m.epoch == epoch
	m.mu.Unlock()
	if !current {
		return nil
	}
	if err := m.store.Clear(ctx); err != nil {
		m.metrics.StorageError("clear")
		m.log.Error().Err(err).Msg("failed to clear token store")
		return err
	}
	return nil
}

func (m *Manager) saveAttempts() {
	if m.lockFile == nil {
		return
	}
	m.lockFileMu.Lock()
	defer m.lockFileMu.Unlock()

	m.mu.Lock()
	rec := m.attempts
	m.mu.Unlock()
	if err := m.lockFile.Save(rec); err != nil {
		m.metrics.StorageError("lockout_save")
		m.log.Warn().Err(err).Msg("failed to persist lockout state")
	}
}

// =============================================================================
// RESTORE
// =============================================================================

// Restore validates a hydrated session against the backend once. Later calls
// return the outcome of the first. A network failure keeps the stored
// session; a 401 attempts one silent refresh.
func (m *Manager) Restore(ctx context.Context) (Session, error) {
	m.restoreOnce.Do(func() {
		m.restoreErr = m.restore(context.WithoutCancel(ctx))
	})
	return m.Session(), m.restoreErr
}

func (m *Manager) restore(ctx context.Context) error {
	m.mu.Lock()
	h := m.hydrated
	m.hydrated = nil
	if h == nil || m.sess.Status != StatusAnonymous {
		m.mu.Unlock()
		return nil
	}
	validating := *h
	validating.Status = StatusAuthenticating
	epoch := m.setLocked(validating, nil)
	m.mu.Unlock()
	m.flush()

	callCtx, cancel := m.detached(ctx)
	user, err := m.transport.CurrentUser(callCtx, h.AccessToken)
	cancel()

	switch {
	case err == nil:
		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			return nil
		}
		next := m.sess
		next.Status = StatusAuthenticated
		next.User = user
		ep := m.setLocked(next, nil)
		m.mu.Unlock()
		m.flush()

		if saved, _ := m.saveIfCurrent(ctx, ep, next); !saved {
			m.markUnpersisted(ep)
		}
		m.log.Info().Str("user", util.MaskIdentifier(user.ID)).Msg("stored session validated")
		return nil

	case errors.Is(err, backend.ErrUnauthorized) && h.RefreshToken != "":
		m.log.Info().Msg("stored access token rejected, refreshing")
		_, rerr := m.refresher.Refresh(ctx, h.AccessToken)
		return rerr

	case backend.IsTransient(err):
		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			return nil
		}
		next := m.sess
		next.Status = StatusAuthenticated
		m.setLocked(next, nil)
		m.mu.Unlock()
		m.flush()
		m.log.Warn().Err(err).Msg("could not validate stored session, keeping it until the backend is reachable")
		return nil

	default:
		m.mu.Lock()
		if m.epoch != epoch {
			m.mu.Unlock()
			return nil
		}
		cause := expiredError(err)
		ep := m.setLocked(Session{Status: StatusAnonymous}, cause)
		m.mu.Unlock()
		m.flush()
		_ = m.clearIfCurrent(ctx, ep)
		m.log.Info().Err(err).Msg("stored session is no longer valid")
		return cause
	}
}

func (m *Manager) markUnpersisted(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch == epoch {
		m.sess.Persisted = false
	}
}

// =============================================================================
// LOGIN
// =============================================================================

type loginOutcome struct {
	res *backend.LoginResult
	err error
}

// Login validates the input, checks the lockout and calls the backend.
// Cancelling ctx returns ctx.Err() and discards the late response.
func (m *Manager) Login(ctx context.Context, identifier, secret string) (Session, error) {
	m.Restore(ctx)

	creds := m.validator.Normalize(security.Credentials{Identifier: identifier, Secret: secret})
	now := m.now()

	m.mu.Lock()
	switch m.sess.Status {
	case StatusAuthenticating:
		m.mu.Unlock()
		return m.Session(), ErrLoginInProgress
	case StatusAuthenticated, StatusRefreshing:
		m.mu.Unlock()
		return m.Session(), ErrAlreadyAuthenticated
	}

	if res := m.validator.Validate(creds); !res.Valid {
		m.mu.Unlock()
		m.metrics.LoginAttempt(metrics.LoginInvalid)
		return m.Session(), &ValidationError{Fields: res.FieldErrors}
	}

	expired := m.expireLockLocked(now)
	if m.policy.IsLocked(m.attempts, now) {
		if m.sess.Status != StatusLocked {
			m.setLocked(Session{Status: StatusLocked}, nil)
		}
		err := &LockedError{
			Remaining: m.policy.Remaining(m.attempts, now),
			Attempts:  m.attempts.Count,
			LockUntil: m.attempts.LockUntil,
		}
		s := m.sess.clone()
		m.mu.Unlock()
		m.flush()
		m.metrics.LoginAttempt(metrics.LoginLocked)
		return s, err
	}

	m.loginInFlight = true
	epoch := m.setLocked(Session{Status: StatusAuthenticating}, nil)
	m.mu.Unlock()
	m.flush()
	if expired {
		m.saveAttempts()
	}

	m.log.Debug().Str("identifier", util.MaskIdentifier(creds.Identifier)).Msg("login started")

	done := make(chan loginOutcome, 1)
	callCtx, cancel := m.detached(ctx)
	go func() {
		defer cancel()
		res, err := m.transport.Login(callCtx, creds.Identifier, creds.Secret)
		done <- loginOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return m.finishLogin(context.WithoutCancel(ctx), epoch, out)
	case <-ctx.Done():
		m.abandonLogin(epoch, ctx.Err())
		m.metrics.LoginAttempt(metrics.LoginCancelled)
		return m.Session(), ctx.Err()
	}
}

func (m *Manager) abandonLogin(epoch uint64, cause error) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.loginInFlight = false
	m.setLocked(Session{Status: StatusAnonymous}, cause)
	m.mu.Unlock()
	m.flush()
	m.log.Debug().Msg("login cancelled, late response will be discarded")
}

func (m *Manager) finishLogin(ctx context.Context, epoch uint64, out loginOutcome) (Session, error) {
	if out.err != nil {
		return m.failLogin(epoch, out.err)
	}

	now := m.now()
	res := out.res
	user := res.User
	next := Session{
		Status:       StatusAuthenticated,
		User:         &user,
		AccessToken:  res.Tokens.AccessToken,
		RefreshToken: res.Tokens.RefreshToken,
		IssuedAt:     now,
		ExpiresAt:    m.expiryFor(res.Tokens.AccessToken, res.Tokens.ExpiresIn, now),
	}

	saved, current := m.saveIfCurrent(ctx, epoch, next)
	if !current {
		return m.Session(), ErrLoginSuperseded
	}
	next.Persisted = saved

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return m.Session(), ErrLoginSuperseded
	}
	m.loginInFlight = false
	m.attempts = m.policy.RecordSuccess(m.attempts)
	m.setLocked(next, nil)
	m.mu.Unlock()
	m.flush()
	m.saveAttempts()

	m.metrics.LoginAttempt(metrics.LoginSuccess)
	m.log.Info().Str("user", util.MaskIdentifier(user.ID)).Bool("persisted", saved).Msg("login succeeded")
	return next.clone(), nil
}

func (m *Manager) failLogin(epoch uint64, cause error) (Session, error) {
	now := m.now()

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return m.Session(), ErrLoginSuperseded
	}
	m.loginInFlight = false

	if !backend.IsRejection(cause) {
		err := networkError(cause)
		m.setLocked(Session{Status: StatusAnonymous}, err)
		s := m.sess.clone()
		m.mu.Unlock()
		m.flush()
		m.metrics.LoginAttempt(metrics.LoginNetwork)
		m.log.Warn().Err(cause).Msg("login failed before the backend could decide")
		return s, err
	}

	m.attempts = m.policy.RecordFailure(m.attempts, now)
	rejected := newRejectedError(cause, m.attempts.Count)

	var err error = rejected
	next := Session{Status: StatusAnonymous}
	locked := m.policy.IsLocked(m.attempts, now)
	if locked {
		next.Status = StatusLocked
		err = &LockedError{
			Remaining: m.policy.Remaining(m.attempts, now),
			Attempts:  m.attempts.Count,
			LockUntil: m.attempts.LockUntil,
			Cause:     rejected,
		}
	}
	m.setLocked(next, err)
	s := m.sess.clone()
	m.mu.Unlock()
	m.flush()
	m.saveAttempts()

	m.metrics.LoginAttempt(metrics.LoginRejected)
	if locked {
		m.metrics.Lockout()
		m.log.Warn().Int("attempts", rejected.Attempts).Msg("login locked")
	}
	return s, err
}

// =============================================================================
// LOGOUT
// =============================================================================

// Logout ends the session locally, clears the store and makes a best-effort
// remote logout. Only a failure to clear the store is returned.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	prev := m.sess
	remoteToken := prev.AccessToken
	if remoteToken == "" && m.hydrated != nil {
		// Logged out before the stored session was validated.
		remoteToken = m.hydrated.AccessToken
	}
	m.hydrated = nil
	m.loginInFlight = false

	epoch := m.epoch
	if prev.Status != StatusAnonymous && prev.Status != StatusLocked {
		epoch = m.setLocked(Session{Status: StatusAnonymous}, nil)
	}
	m.mu.Unlock()
	m.flush()

	// The store is cleared even when ctx is already done.
	err := m.clearIfCurrent(context.WithoutCancel(ctx), epoch)

	if remoteToken != "" {
		callCtx, cancel := m.detached(ctx)
		if rerr := m.transport.Logout(callCtx, remoteToken); rerr != nil {
			m.log.Debug().Err(rerr).Msg("remote logout failed, ignoring")
		}
		cancel()
	}
	m.log.Info().Msg("logged out")
	return err
}

// =============================================================================
// TOKENS
// =============================================================================

// AccessToken returns a token for an outgoing request, refreshing first when
// the cached token is known to be expired. A failed refresh returns an error
// matching ErrSessionExpired.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.Restore(ctx)

	m.mu.Lock()
	s := m.sess
	m.mu.Unlock()

	switch s.Status {
	case StatusAuthenticated:
		if !s.expired(m.now(), m.skew) {
			return s.AccessToken, nil
		}
		return m.refresher.Refresh(ctx, s.AccessToken)
	case StatusRefreshing:
		return m.refresher.Refresh(ctx, s.AccessToken)
	default:
		return "", ErrNotAuthenticated
	}
}

// Reauthorize is called after the backend rejected staleToken with a 401.
// If the session already holds a different token it is returned without a
// network call.
func (m *Manager) Reauthorize(ctx context.Context, staleToken string) (string, error) {
	m.Restore(ctx)
	if !m.Status().HasToken() {
		return "", ErrNotAuthenticated
	}
	return m.refresher.Refresh(ctx, staleToken)
}

// =============================================================================
// RESYNC
// =============================================================================

// Resync reconciles the in-memory session with the store after another
// process changed it: an emptied store logs this session out, new tokens are
// adopted.
func (m *Manager) Resync(ctx context.Context) error {
	snap, err := m.store.Load(ctx)
	if err != nil {
		m.metrics.StorageError("load")
		return err
	}

	m.mu.Lock()
	cur := m.sess
	if m.loginInFlight || cur.Status == StatusLocked || cur.Status == StatusAuthenticating ||
		cur.Status == StatusRefreshing {
		m.mu.Unlock()
		return nil
	}

	if snap == nil {
		if cur.Status.HasToken() && cur.Persisted {
			m.setLocked(Session{Status: StatusAnonymous}, ErrSessionExpired)
			m.mu.Unlock()
			m.flush()
			m.log.Info().Msg("session cleared by another process")
			return nil
		}
		m.mu.Unlock()
		return nil
	}

	if snap.AccessToken == cur.AccessToken {
		m.mu.Unlock()
		return nil
	}
	next, err := sessionFromSnapshot(snap)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.setLocked(next, nil)
	m.mu.Unlock()
	m.flush()
	m.log.Info().Msg("adopted session written by another process")
	return nil
}
