// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/sessionkeeper/internal/security"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS secure_kv (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    updated_at INTEGER NOT NULL
);`

// SQLiteStore keeps each entry as an encrypted row. Save and Clear each run
// in one transaction.
type SQLiteStore struct {
	db     *sql.DB
	cipher *security.Cipher
	path   string

	// beforeInsert is called ahead of each row insert; tests use it to fail
	// part way through a save.
	beforeInsert func(key string) error
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string, c *security.Cipher) (*SQLiteStore, error) {
	if c == nil {
		return nil, errors.New("sqlite store requires a cipher")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps the
	// transaction and its statements on the same handle.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA secure_delete=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	_ = os.Chmod(path, 0600)

	return &SQLiteStore{db: db, cipher: c, path: path}, nil
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save replaces every row with the entries of snap.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	if err := snap.validate(); err != nil {
		return wrapErr("save", err)
	}
	sealed, err := sealEntries(s.cipher, snap.entries())
	if err != nil {
		return wrapErr("save", err)
	}
	return wrapErr("save", s.replace(ctx, sealed))
}

func (s *SQLiteStore) replace(ctx context.Context, rows map[string][]byte) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, "DELETE FROM secure_kv"); err != nil {
		return err
	}

	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	now := time.Now().Unix()
	for _, k := range keys {
		if s.beforeInsert != nil {
			if err = s.beforeInsert(k); err != nil {
				return err
			}
		}
		if _, err = tx.ExecContext(ctx,
			"INSERT INTO secure_kv (key, value, updated_at) VALUES (?, ?, ?)",
			k, rows[k], now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Load reads every row and rebuilds the snapshot.
func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM secure_kv")
	if err != nil {
		return nil, wrapErr("load", err)
	}
	defer rows.Close()

	sealed := make(map[string][]byte)
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, wrapErr("load", err)
		}
		sealed[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("load", err)
	}

	plain, err := openEntries(s.cipher, sealed)
	if err != nil {
		return nil, wrapErr("load", err)
	}
	snap, err := snapshotFromEntries(plain)
	return snap, wrapErr("load", err)
}

// Clear deletes every row.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM secure_kv"); err != nil {
		return wrapErr("clear", err)
	}
	return nil
}
