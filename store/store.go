// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package store is the durable record of orchestrations, observations, and
// the denormalized agent/pattern/collaboration statistics, backed by a
// single SQLite file in WAL mode. Keyword search uses an FTS5 index when
// the linked SQLite provides the module (go-sqlcipher needs -tags fts5)
// and falls back to LIKE matching otherwise.
//
// The store degrades instead of failing the engine: when the underlying
// file becomes unavailable, writes fail fast with a recoverable error and
// reads return empty results until a later operation succeeds again.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
	_ "github.com/teradata-labs/weft/internal/sqlitedriver"
)

// DefaultPath is the persistence file used when the caller does not choose
// one.
const DefaultPath = ".memory/orchestrations.db"

// Store owns the orchestration database. One writer at a time (serialized
// by SQLite's write transaction); readers proceed concurrently under WAL.
type Store struct {
	db       *sql.DB
	path     string
	logger   *zap.Logger
	degraded atomic.Bool

	// fts records whether the linked SQLite has the fts5 module. Set once
	// during Open, read-only afterwards.
	fts bool
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("create db directory: %w", err))
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("open database: %w", err))
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// storms under concurrent pattern completions.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, path: path, logger: logger}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("%s: %w", pragma, err))
		}
	}

	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	s.ensureSearchIndex(context.Background())

	logger.Info("store opened", zap.String("path", path), zap.Bool("fts5", s.fts))
	return s, nil
}

// DB exposes the underlying handle for sibling components that share the
// persistence file (the cost ledger keeps its usage table here).
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the persistence file location.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Healthy reports whether the store is accepting writes.
func (s *Store) Healthy() bool { return !s.degraded.Load() }

// writeErr classifies a write failure, flipping the store into degraded
// mode so subsequent operations fail fast.
func (s *Store) writeErr(op string, err error) error {
	s.degraded.Store(true)
	s.logger.Error("store degraded", zap.String("op", op), zap.Error(err))
	return weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("%s: %w", op, err))
}

// checkHealth probes a degraded store and clears the flag when the engine
// answers again.
func (s *Store) checkHealth(ctx context.Context) error {
	if !s.degraded.Load() {
		return nil
	}
	if err := s.db.PingContext(ctx); err != nil {
		return weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("store degraded: %w", err))
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("store degraded: %w", err))
	}
	s.degraded.Store(false)
	s.logger.Info("store recovered")
	return nil
}
