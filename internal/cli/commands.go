// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// commands.go - Command handlers.
//
// Handlers print results to s.Out and return errors for Run to display.

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jeranaias/sessionkeeper/internal/config"
	"github.com/jeranaias/sessionkeeper/internal/metrics"
	"github.com/jeranaias/sessionkeeper/internal/realtime"
	"github.com/jeranaias/sessionkeeper/internal/session"
	"github.com/jeranaias/sessionkeeper/internal/storage"
)

// keepAliveInterval is how often watch asks for a valid token.
const keepAliveInterval = 15 * time.Second

// =============================================================================
// LOGIN / LOGOUT
// =============================================================================

// Login prompts for missing credentials and logs in.
func (a *App) Login(ctx context.Context, s Streams, args Args) error {
	m := a.manager
	if _, err := m.Restore(ctx); err != nil {
		a.log.Debug().Err(err).Msg("stored session not restored")
	}
	if m.Status().HasToken() {
		return session.ErrAlreadyAuthenticated
	}

	p := newPrompter(s)
	identifier := args.Identifier
	if identifier == "" {
		var err error
		identifier, err = p.Prompt("Identifier: ")
		if err != nil {
			p.Close()
			return err
		}
	}
	secret, err := p.PasswordPrompt("Secret: ")
	p.Close()
	if err != nil {
		return err
	}

	sess, err := m.Login(ctx, identifier, secret)
	if err != nil {
		return err
	}

	if args.JSON {
		return NewJSONResponse("login", sessionData(sess)).Print(s.Out)
	}
	fmt.Fprintf(s.Out, "%s Logged in as %s\n", SuccessStyle.Render("[OK]"), ValueStyle.Render(sess.User.Label()))
	if !sess.ExpiresAt.IsZero() {
		fmt.Fprintf(s.Out, "%s%s\n", RenderLabel("Expires"), sess.ExpiresAt.Local().Format(time.RFC1123))
	}
	if !sess.Persisted {
		fmt.Fprintf(s.Out, "%s\n", WarningStyle.Render("Session could not be saved and will end with this process."))
	}
	return nil
}

// Logout ends the session and clears stored tokens.
func (a *App) Logout(ctx context.Context, s Streams, args Args) error {
	prev := a.manager.Session()
	if err := a.manager.Logout(ctx); err != nil {
		return err
	}
	if args.JSON {
		return NewJSONResponse("logout", map[string]any{"was": string(prev.Status)}).Print(s.Out)
	}
	fmt.Fprintf(s.Out, "%s Logged out\n", SuccessStyle.Render("[OK]"))
	return nil
}

// =============================================================================
// STATUS
// =============================================================================

// Status shows the session and lockout state.
func (a *App) Status(ctx context.Context, s Streams, args Args) error {
	m := a.manager
	if _, err := m.Restore(ctx); err != nil {
		a.log.Debug().Err(err).Msg("stored session not restored")
	}

	data := StatusData{
		Session: sessionData(m.Session()),
		Lockout: lockoutData(m.Lockout()),
		Backend: a.client.BaseURL(),
		Store:   a.storeDescription(),
		Offline: a.guard.IsOffline(),
	}
	if args.Metrics {
		var buf bytes.Buffer
		if err := metrics.WriteText(&buf, a.registry); err != nil {
			return err
		}
		data.Metrics = buf.String()
	}

	if args.JSON {
		return NewJSONResponse("status", data).Print(s.Out)
	}

	w := s.Out
	fmt.Fprintln(w, TitleStyle.Render("sessionkeeper status"))
	fmt.Fprintln(w, RenderSeparator(40))
	fmt.Fprintf(w, "%s%s\n", RenderLabel("Session"), RenderStatus(session.Status(data.Session.Status)))
	if u := data.Session.User; u != nil {
		fmt.Fprintf(w, "%s%s\n", RenderLabel("User"), ValueStyle.Render(userLine(u)))
	}
	if data.Session.ExpiresAt != "" {
		fmt.Fprintf(w, "%s%s\n", RenderLabel("Expires"), data.Session.ExpiresAt)
	}
	if data.Session.Status == string(session.StatusAuthenticated) && !data.Session.Persisted {
		fmt.Fprintf(w, "%s%s\n", RenderLabel("Persisted"), WarningStyle.Render("no"))
	}
	lock := data.Lockout
	switch {
	case lock.Locked:
		fmt.Fprintf(w, "%s%s\n", RenderLabel("Lockout"),
			ErrorStyle.Render(fmt.Sprintf("locked, %ds remaining", lock.RemainingSeconds)))
	case lock.Attempts > 0:
		fmt.Fprintf(w, "%s%s\n", RenderLabel("Lockout"),
			WarningStyle.Render(fmt.Sprintf("%d failed attempts", lock.Attempts)))
	default:
		fmt.Fprintf(w, "%s%s\n", RenderLabel("Lockout"), DimStyle.Render("clear"))
	}
	fmt.Fprintf(w, "%s%s\n", RenderLabel("Backend"), ValueStyle.Render(data.Backend))
	fmt.Fprintf(w, "%s%s\n", RenderLabel("Store"), ValueStyle.Render(data.Store))
	if data.Offline {
		fmt.Fprintf(w, "%s%s\n", RenderLabel("Network"), WarningStyle.Render(a.guard.StatusIndicator()))
	}
	if data.Metrics != "" {
		fmt.Fprintln(w)
		fmt.Fprint(w, data.Metrics)
	}
	return nil
}

func (a *App) storeDescription() string {
	if a.cfg.Storage.Driver == config.DriverMemory {
		return config.DriverMemory
	}
	return a.cfg.Storage.Driver + " " + a.cfg.Storage.Path
}

func userLine(u *UserData) string {
	parts := []string{u.ID}
	if u.DisplayName != "" {
		parts[0] = u.DisplayName + " (" + u.ID + ")"
	}
	if u.Role != "" {
		parts = append(parts, u.Role)
	}
	return strings.Join(parts, ", ")
}

// =============================================================================
// TOKEN / WHOAMI
// =============================================================================

// Token prints a valid access token, refreshing first if it is stale.
func (a *App) Token(ctx context.Context, s Streams, args Args) error {
	token, err := a.manager.AccessToken(ctx)
	if err != nil {
		return err
	}
	if args.JSON {
		d := TokenData{AccessToken: token}
		if exp := a.manager.Session().ExpiresAt; !exp.IsZero() {
			d.ExpiresAt = exp.UTC().Format(time.RFC3339)
		}
		return NewJSONResponse("token", d).Print(s.Out)
	}
	fmt.Fprintln(s.Out, token)
	return nil
}

// Whoami shows the logged-in user.
func (a *App) Whoami(ctx context.Context, s Streams, args Args) error {
	sess, err := a.manager.Restore(ctx)
	if err != nil && !sess.Status.HasToken() {
		return err
	}
	if !sess.Status.HasToken() || sess.User == nil {
		return session.ErrNotAuthenticated
	}
	if args.JSON {
		return NewJSONResponse("whoami", sessionData(sess).User).Print(s.Out)
	}
	u := sessionData(sess).User
	fmt.Fprintf(s.Out, "%s%s\n", RenderLabel("ID"), ValueStyle.Render(u.ID))
	for _, row := range [][2]string{
		{"Name", u.DisplayName},
		{"Email", u.Email},
		{"Role", u.Role},
		{"Grade", u.Grade},
	} {
		if row[1] != "" {
			fmt.Fprintf(s.Out, "%s%s\n", RenderLabel(row[0]), ValueStyle.Render(row[1]))
		}
	}
	return nil
}

// =============================================================================
// WATCH
// =============================================================================

// Watch keeps the session alive until ctx ends. It prints every transition,
// follows external changes to the token store, and optionally runs the
// realtime bridge and a metrics endpoint.
func (a *App) Watch(ctx context.Context, s Streams, args Args) error {
	m := a.manager

	var outMu sync.Mutex
	unsubscribe := m.OnChange(func(c session.Change) {
		outMu.Lock()
		defer outMu.Unlock()
		if args.JSON {
			NewJSONResponse("watch", changeData(c)).Print(s.Out)
			return
		}
		line := fmt.Sprintf("%s %s -> %s", c.At.Local().Format(time.TimeOnly), c.From, RenderStatus(c.To))
		if c.Err != nil {
			line += " " + DimStyle.Render("("+c.Err.Error()+")")
		}
		fmt.Fprintln(s.Out, line)
	})
	defer unsubscribe()

	if _, err := m.Restore(ctx); err != nil {
		a.log.Warn().Err(err).Msg("stored session not restored")
	}
	if !args.JSON {
		outMu.Lock()
		fmt.Fprintf(s.Out, "%s%s\n", RenderLabel("Watching"), RenderStatus(m.Status()))
		outMu.Unlock()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	fail := func(err error) {
		select {
		case errCh <- err:
		default:
		}
		cancel()
	}

	if a.cfg.Storage.Driver != config.DriverMemory {
		w, err := storage.NewWatcher(a.cfg.Storage.Path, 0)
		if err != nil {
			return fmt.Errorf("failed to watch token store: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx, func() {
				if err := m.Resync(ctx); err != nil {
					a.log.Warn().Err(err).Msg("token store resync failed")
				}
			}, func(err error) {
				a.log.Warn().Err(err).Msg("token store watcher error")
			})
		}()
	}

	if a.cfg.Realtime.Enabled {
		bridge, err := realtime.New(m, a.cfg.Realtime.URL, realtime.WithLogger(a.log), realtime.WithGuard(a.guard))
		if err != nil {
			return &ConfigError{Err: err}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Run(ctx); err != nil {
				fail(err)
			}
		}()
	}

	addr := args.MetricsAddr
	if addr == "" && a.cfg.Metrics.Enabled {
		addr = a.cfg.Metrics.Addr
	}
	if addr != "" {
		srv := a.metricsServer(addr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.log.Info().Str("addr", addr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fail(fmt.Errorf("metrics server: %w", err))
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer stop()
			srv.Shutdown(shutdownCtx)
		}()
	}

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			select {
			case err := <-errCh:
				return err
			default:
				return nil
			}
		case <-ticker.C:
			if !m.Status().HasToken() {
				continue
			}
			if _, err := m.AccessToken(ctx); err != nil && ctx.Err() == nil {
				a.log.Debug().Err(err).Msg("keep-alive token check failed")
			}
		}
	}
}

func (a *App) metricsServer(addr string) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(a.registry))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, a.manager.Status())
	})
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// =============================================================================
// CONFIG / VERSION
// =============================================================================

func handleConfig(s Streams, args Args) error {
	switch args.Subcommand {
	case "", "show":
		cfg, err := config.Load(args.ConfigPath)
		if err != nil {
			return &ConfigError{Err: err}
		}
		if args.JSON {
			return NewJSONResponse("config", cfg).Print(s.Out)
		}
		fmt.Fprint(s.Out, cfg.String())
		return nil

	case "path":
		path, err := configPath(args)
		if err != nil {
			return err
		}
		if args.JSON {
			return NewJSONResponse("config", ConfigPathData{Path: path}).Print(s.Out)
		}
		fmt.Fprintln(s.Out, path)
		return nil

	case "init":
		path, err := configPath(args)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			return &UsageError{Reason: path + " already exists"}
		}
		if err := config.SaveTOML(config.Default(), path); err != nil {
			return &ConfigError{Err: err}
		}
		if args.JSON {
			return NewJSONResponse("config", ConfigPathData{Path: path, Created: true}).Print(s.Out)
		}
		fmt.Fprintf(s.Out, "%s Wrote %s\n", SuccessStyle.Render("[OK]"), path)
		return nil
	}
	return &UsageError{Reason: fmt.Sprintf("unknown config subcommand %q", args.Subcommand)}
}

func configPath(args Args) (string, error) {
	if args.ConfigPath != "" {
		return args.ConfigPath, nil
	}
	path, err := config.ConfigPathTOML()
	if err != nil {
		return "", &ConfigError{Err: err}
	}
	return path, nil
}

func handleVersion(s Streams, args Args) error {
	if args.JSON {
		return NewJSONResponse("version", VersionData{
			Version:   Version,
			GitCommit: GitCommit,
			BuildDate: BuildDate,
			GoVersion: runtime.Version(),
		}).Print(s.Out)
	}
	PrintVersion(s.Out)
	return nil
}
