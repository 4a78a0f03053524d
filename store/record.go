// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
)

// RecordOrchestration persists one completed orchestration together with
// its paired stat updates in a single transaction. The id must be new;
// orchestration rows are immutable once written.
func (s *Store) RecordOrchestration(ctx context.Context, o *weft.Orchestration) (string, error) {
	if err := s.checkHealth(ctx); err != nil {
		return "", err
	}
	if o == nil {
		return "", weft.Errorf(weft.KindInvalidInput, "orchestration is nil")
	}
	if len(o.AgentIDs) == 0 {
		return "", weft.Errorf(weft.KindInvalidInput, "orchestration has no agents")
	}
	if !o.Pattern.Valid() {
		return "", weft.Errorf(weft.KindInvalidInput, "unknown pattern %q", o.Pattern)
	}
	if o.DurationMs < 0 {
		return "", weft.Errorf(weft.KindInvalidInput, "negative duration %d", o.DurationMs)
	}
	if o.Tokens.Input < 0 || o.Tokens.Output < 0 || o.Tokens.CacheCreate < 0 || o.Tokens.CacheRead < 0 {
		return "", weft.Errorf(weft.KindInvalidInput, "negative token counts")
	}
	if o.ID == "" {
		o.ID = weft.NewOrchestrationID()
	}
	if o.StartedAt.IsZero() {
		o.StartedAt = time.Now()
	}

	agentIDs, err := json.Marshal(o.AgentIDs)
	if err != nil {
		return "", weft.Errorf(weft.KindInvalidInput, "encode agent ids: %v", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", s.writeErr("record orchestration", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO orchestrations (
			id, pattern, agent_ids_json, task_text, result, success,
			started_at, duration_ms,
			input_tokens, output_tokens, cache_create_tokens, cache_read_tokens,
			model
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, string(o.Pattern), string(agentIDs), o.TaskText, o.Result, boolInt(o.Success),
		o.StartedAt.UnixMilli(), o.DurationMs,
		o.Tokens.Input, o.Tokens.Output, o.Tokens.CacheCreate, o.Tokens.CacheRead,
		o.Model,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return "", weft.Errorf(weft.KindInvalidInput, "orchestration %s already recorded", o.ID)
		}
		return "", s.writeErr("insert orchestration", err)
	}

	if s.fts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO search_index (orchestration_id, task, result, observations)
			VALUES (?, ?, ?, '')`,
			o.ID, o.TaskText, o.Result,
		); err != nil {
			return "", s.writeErr("index orchestration", err)
		}
	}

	if err := updateStats(ctx, tx, o); err != nil {
		return "", s.writeErr("update stats", err)
	}

	if err := tx.Commit(); err != nil {
		return "", s.writeErr("commit orchestration", err)
	}

	s.logger.Debug("orchestration recorded",
		zap.String("id", o.ID),
		zap.String("pattern", string(o.Pattern)),
		zap.Bool("success", o.Success))
	return o.ID, nil
}

func updateStats(ctx context.Context, tx *sql.Tx, o *weft.Orchestration) error {
	success := boolInt(o.Success)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pattern_stats (pattern, total, successes, total_duration_ms)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(pattern) DO UPDATE SET
			total = total + 1,
			successes = successes + excluded.successes,
			total_duration_ms = total_duration_ms + excluded.total_duration_ms`,
		string(o.Pattern), success, o.DurationMs,
	); err != nil {
		return fmt.Errorf("pattern stats: %w", err)
	}

	seen := make(map[string]struct{}, len(o.AgentIDs))
	for _, agentID := range o.AgentIDs {
		if _, dup := seen[agentID]; dup {
			continue
		}
		seen[agentID] = struct{}{}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO agent_stats (agent_id, total, successes, total_duration_ms)
			VALUES (?, 1, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				total = total + 1,
				successes = successes + excluded.successes,
				total_duration_ms = total_duration_ms + excluded.total_duration_ms`,
			agentID, success, o.DurationMs,
		); err != nil {
			return fmt.Errorf("agent stats %s: %w", agentID, err)
		}
	}

	if len(seen) > 1 {
		key := weft.CollaborationKey(o.AgentIDs)
		ids := make([]string, 0, len(seen))
		for id := range seen {
			ids = append(ids, id)
		}
		idsJSON, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("encode collaboration ids: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO collaborations (key, agent_ids_json, total, successes)
			VALUES (?, ?, 1, ?)
			ON CONFLICT(key) DO UPDATE SET
				total = total + 1,
				successes = successes + excluded.successes`,
			key, string(idsJSON), success,
		); err != nil {
			return fmt.Errorf("collaborations: %w", err)
		}
	}
	return nil
}

// AddObservations attaches observations to an existing orchestration.
// Idempotent per (orchestrationID, hash of text): replays are ignored.
func (s *Store) AddObservations(ctx context.Context, orchestrationID string, obs []weft.Observation) error {
	if err := s.checkHealth(ctx); err != nil {
		return err
	}
	if orchestrationID == "" {
		return weft.Errorf(weft.KindInvalidInput, "empty orchestration id")
	}
	if len(obs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.writeErr("add observations", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM orchestrations WHERE id = ?`, orchestrationID).Scan(&exists); err != nil {
		return s.writeErr("check orchestration", err)
	}
	if exists == 0 {
		return weft.Errorf(weft.KindNotFound, "orchestration %s not found", orchestrationID)
	}

	now := time.Now().UnixMilli()
	inserted := 0
	for i := range obs {
		ob := obs[i]
		ob.OrchestrationID = orchestrationID
		ob.Type = weft.NormalizeObservationType(ob.Type)
		ob.Importance = weft.ClampImportance(ob.Importance)
		if len(ob.Concepts) > weft.MaxObservationConcepts {
			ob.Concepts = ob.Concepts[:weft.MaxObservationConcepts]
		}
		if ob.ID == "" {
			ob.ID = uuid.NewString()
		}
		if ob.Source == "" {
			ob.Source = "rule"
		}

		conceptsJSON, err := json.Marshal(ob.Concepts)
		if err != nil {
			return weft.Errorf(weft.KindInvalidInput, "encode concepts: %v", err)
		}
		insightsJSON, err := json.Marshal(ob.AgentInsights)
		if err != nil {
			return weft.Errorf(weft.KindInvalidInput, "encode insights: %v", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO observations (
				id, orchestration_id, type, text, text_hash,
				concepts_json, importance, agent_insights_json, source, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ob.ID, orchestrationID, string(ob.Type), ob.Text, hashText(ob.Text),
			string(conceptsJSON), ob.Importance, string(insightsJSON), ob.Source, now,
		)
		if err != nil {
			return s.writeErr("insert observation", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if inserted > 0 && s.fts {
		if err := refreshSearchIndex(ctx, tx, orchestrationID); err != nil {
			return s.writeErr("refresh search index", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.writeErr("commit observations", err)
	}

	s.logger.Debug("observations added",
		zap.String("orchestration_id", orchestrationID),
		zap.Int("inserted", inserted),
		zap.Int("duplicates", len(obs)-inserted))
	return nil
}

// refreshSearchIndex rebuilds the observations column of the FTS row so
// keyword search reflects the current text and concepts.
func refreshSearchIndex(ctx context.Context, tx *sql.Tx, orchestrationID string) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT text, concepts_json FROM observations WHERE orchestration_id = ? ORDER BY created_at, id`,
		orchestrationID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var text, conceptsJSON string
		if err := rows.Scan(&text, &conceptsJSON); err != nil {
			return err
		}
		var concepts []string
		_ = json.Unmarshal([]byte(conceptsJSON), &concepts)
		b.WriteString(text)
		if len(concepts) > 0 {
			b.WriteString(" ")
			b.WriteString(strings.Join(concepts, " "))
		}
		b.WriteString("\n")
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE search_index SET observations = ? WHERE orchestration_id = ?`,
		b.String(), orchestrationID)
	return err
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
