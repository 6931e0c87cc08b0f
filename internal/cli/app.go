// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - Builds the session manager and its collaborators from config.

package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/jeranaias/sessionkeeper/internal/backend"
	"github.com/jeranaias/sessionkeeper/internal/config"
	"github.com/jeranaias/sessionkeeper/internal/logging"
	"github.com/jeranaias/sessionkeeper/internal/metrics"
	"github.com/jeranaias/sessionkeeper/internal/offline"
	"github.com/jeranaias/sessionkeeper/internal/security"
	"github.com/jeranaias/sessionkeeper/internal/session"
	"github.com/jeranaias/sessionkeeper/internal/storage"
)

// App holds everything a command needs. Close releases it.
type App struct {
	cfg      *config.Config
	log      zerolog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Collector
	guard    *offline.Guard
	client   *backend.Client
	store    storage.TokenStore
	manager  *session.Manager

	closers []io.Closer
}

// NewApp loads configuration and wires the manager.
func NewApp(args Args, s Streams) (*App, error) {
	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		return nil, &ConfigError{Err: err}
	}
	if args.Offline {
		cfg.Offline.Enabled = true
	}
	if args.Verbose {
		cfg.Logging.Level = "debug"
	}

	app := &App{cfg: cfg}
	if err := app.init(s); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) init(s Streams) error {
	logCfg := logging.Config{
		Level:   a.cfg.Logging.Level,
		Format:  a.cfg.Logging.Format,
		File:    a.cfg.Logging.File,
		NoColor: !ColorsEnabled(),
	}
	if s.Err == io.Writer(os.Stderr) {
		log, closer, err := logging.New(logCfg)
		if err != nil {
			return &ConfigError{Err: err}
		}
		a.log = log
		a.closers = append(a.closers, closer)
	} else {
		log, err := logging.NewWithWriter(logCfg, s.Err)
		if err != nil {
			return &ConfigError{Err: err}
		}
		a.log = log
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)
	a.guard = offline.NewGuard(a.cfg.Offline.Enabled)

	client, err := backend.NewClient(backend.Config{
		BaseURL:           a.cfg.Backend.BaseURL,
		Timeout:           a.cfg.BackendTimeout(),
		RequestsPerSecond: a.cfg.Backend.RequestsPerSecond,
		Burst:             a.cfg.Backend.Burst,
		MaxRetries:        a.cfg.Backend.MaxRetries,
		UserAgent:         userAgent(a.cfg),
	}, backend.WithGuard(a.guard), backend.WithLogger(a.log))
	if err != nil {
		return &ConfigError{Err: err}
	}
	a.client = client

	policy, err := a.cfg.LockoutPolicy()
	if err != nil {
		return &ConfigError{Err: err}
	}
	opts := []session.Option{
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
		session.WithLockoutPolicy(policy),
		session.WithValidator(security.NewCredentialValidator(
			security.IdentifierKind(a.cfg.Credentials.IdentifierKind),
			a.cfg.Credentials.MinSecretLength,
		)),
		session.WithExpirySkew(a.cfg.ExpirySkew()),
	}

	var master []byte
	if a.needsMasterKey() {
		master, err = a.masterKey()
		if err != nil {
			return err
		}
		defer security.ZeroBytes(master)
	}

	a.store, err = a.openStore(master)
	if err != nil {
		return err
	}

	if a.cfg.Lockout.Persist {
		hmacKey, err := security.DeriveSubkey(master, security.PurposeLockoutHMAC)
		if err != nil {
			return err
		}
		lockFile, err := security.NewLockoutFile(a.cfg.Lockout.StatePath, hmacKey)
		security.ZeroBytes(hmacKey)
		if err != nil {
			return err
		}
		opts = append(opts, session.WithLockoutFile(lockFile))
	}

	a.manager, err = session.New(a.store, a.client, opts...)
	return err
}

func userAgent(cfg *config.Config) string {
	if cfg.Backend.UserAgent != "" {
		return cfg.Backend.UserAgent
	}
	return "sessionkeeper/" + Version
}

func (a *App) needsMasterKey() bool {
	return a.cfg.Storage.Driver != config.DriverMemory || a.cfg.Lockout.Persist
}

// masterKey derives the key from the passphrase when one is set, otherwise
// loads or creates the stored master key.
func (a *App) masterKey() ([]byte, error) {
	var (
		key []byte
		err error
	)
	if a.cfg.Storage.Passphrase != "" {
		key, err = security.PassphraseKey(a.cfg.Storage.Passphrase, a.cfg.Storage.KeyPath+".salt")
	} else {
		key, err = security.LoadOrCreateMasterKey(security.NewKeyStore(a.cfg.Storage.KeyPath))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load master key: %w", err)
	}
	return key, nil
}

func (a *App) openStore(master []byte) (storage.TokenStore, error) {
	if a.cfg.Storage.Driver == config.DriverMemory {
		return storage.NewMemoryStore(), nil
	}

	c, err := security.NewDerivedCipher(master, security.PurposeTokenStore)
	if err != nil {
		return nil, err
	}
	switch a.cfg.Storage.Driver {
	case config.DriverSQLite:
		st, err := storage.OpenSQLiteStore(a.cfg.Storage.Path, c)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st)
		return st, nil
	case config.DriverFile:
		return storage.NewFileStore(a.cfg.Storage.Path, c)
	}
	return nil, &ConfigError{Err: fmt.Errorf("unknown storage driver %q", a.cfg.Storage.Driver)}
}

// Close releases the store and log file.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Manager returns the wired session manager.
func (a *App) Manager() *session.Manager {
	return a.manager
}
