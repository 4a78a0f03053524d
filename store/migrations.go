// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
)

// migrations are forward-only and applied in order inside one transaction
// each. The schema is private to this package.
var migrations = []string{
	// v1: core orchestration record and stats.
	`
	CREATE TABLE IF NOT EXISTS orchestrations (
		id TEXT PRIMARY KEY,
		pattern TEXT NOT NULL,
		agent_ids_json TEXT NOT NULL,
		task_text TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_create_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		model TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_orchestrations_pattern ON orchestrations(pattern);
	CREATE INDEX IF NOT EXISTS idx_orchestrations_started_at ON orchestrations(started_at);
	CREATE INDEX IF NOT EXISTS idx_orchestrations_success ON orchestrations(success);

	CREATE TABLE IF NOT EXISTS observations (
		id TEXT PRIMARY KEY,
		orchestration_id TEXT NOT NULL REFERENCES orchestrations(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		text TEXT NOT NULL,
		text_hash TEXT NOT NULL,
		concepts_json TEXT NOT NULL DEFAULT '[]',
		importance INTEGER NOT NULL,
		agent_insights_json TEXT NOT NULL DEFAULT '{}',
		source TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(orchestration_id, text_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_observations_orchestration ON observations(orchestration_id);

	CREATE TABLE IF NOT EXISTS agent_stats (
		agent_id TEXT PRIMARY KEY,
		total INTEGER NOT NULL DEFAULT 0,
		successes INTEGER NOT NULL DEFAULT 0,
		total_duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS pattern_stats (
		pattern TEXT PRIMARY KEY,
		total INTEGER NOT NULL DEFAULT 0,
		successes INTEGER NOT NULL DEFAULT 0,
		total_duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS collaborations (
		key TEXT PRIMARY KEY,
		agent_ids_json TEXT NOT NULL,
		total INTEGER NOT NULL DEFAULT 0,
		successes INTEGER NOT NULL DEFAULT 0
	);
	`,

	// v2: usage records for the cost ledger. Monetary values are integer
	// micro-USD to keep six decimals exact.
	`
	CREATE TABLE IF NOT EXISTS usage_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		orchestration_id TEXT NOT NULL,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cache_create_tokens INTEGER NOT NULL DEFAULT 0,
		cache_read_tokens INTEGER NOT NULL DEFAULT 0,
		cost_micro_usd INTEGER NOT NULL DEFAULT 0,
		cache_savings_micro_usd INTEGER NOT NULL DEFAULT 0,
		unknown_model INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_records_created_at ON usage_records(created_at);
	CREATE INDEX IF NOT EXISTS idx_usage_records_model ON usage_records(model);
	CREATE INDEX IF NOT EXISTS idx_usage_records_orchestration ON usage_records(orchestration_id);
	`,
}

// searchIndexDDL is applied outside the numbered migrations because the
// fts5 module is a compile-time option of the linked SQLite. go-sqlcipher
// ships without it unless built with -tags fts5; modernc.org/sqlite always
// has it.
const searchIndexDDL = `
	CREATE VIRTUAL TABLE IF NOT EXISTS search_index USING fts5(
		orchestration_id UNINDEXED,
		task,
		result,
		observations
	)`

// ensureSearchIndex creates the FTS5 table when the module is available and
// records the outcome. Without it the store still works; keyword search
// degrades to LIKE matching over task and result text.
func (s *Store) ensureSearchIndex(ctx context.Context) {
	if _, err := s.db.ExecContext(ctx, searchIndexDDL); err != nil {
		s.fts = false
		s.logger.Warn("fts5 unavailable, keyword search degrades to LIKE matching",
			zap.Error(err))
		return
	}
	s.fts = true
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("create schema_migrations: %w", err))
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("read schema version: %w", err))
	}

	for v := current; v < len(migrations); v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("begin migration %d: %w", v+1, err))
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			_ = tx.Rollback()
			return weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("apply migration %d: %w", v+1, err))
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, strftime('%s','now'))`, v+1); err != nil {
			_ = tx.Rollback()
			return weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("record migration %d: %w", v+1, err))
		}
		if err := tx.Commit(); err != nil {
			return weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("commit migration %d: %w", v+1, err))
		}
		s.logger.Info("applied store migration", zap.Int("version", v+1))
	}
	return nil
}
