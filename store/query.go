// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
)

// Query filters a search. Zero values mean "no constraint".
type Query struct {
	// Text ranks results with BM25 over task, result, and observation text
	// + concepts. Empty means filter-only, ordered newest first.
	Text string

	Pattern weft.Pattern
	AgentID string // matches orchestrations that include this agent
	Success *bool
	From    time.Time
	To      time.Time
	Limit   int
}

// Summary is a search hit.
type Summary struct {
	ID          string
	Pattern     weft.Pattern
	TaskSnippet string
	Result      string
	Success     bool
	StartedAt   time.Time
	DurationMs  int64
	TokenTotal  int64
	Relevance   float64
}

// Search returns orchestration summaries matching the query. On a degraded
// store it returns an empty slice.
func (s *Store) Search(ctx context.Context, q Query) ([]Summary, error) {
	if s.degraded.Load() {
		if err := s.checkHealth(ctx); err != nil {
			return []Summary{}, nil
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	var (
		sb   strings.Builder
		args []any
	)
	switch {
	case q.Text != "" && s.fts:
		sb.WriteString(`
			SELECT o.id, o.pattern, o.task_text, o.result, o.success,
			       o.started_at, o.duration_ms,
			       o.input_tokens + o.output_tokens + o.cache_create_tokens + o.cache_read_tokens,
			       bm25(search_index) AS rank
			FROM search_index
			JOIN orchestrations o ON o.id = search_index.orchestration_id
			WHERE search_index MATCH ?`)
		args = append(args, ftsQuery(q.Text))
	case q.Text != "":
		// Degraded keyword path for builds without the fts5 module. No
		// BM25 rank, so relevance stays zero and recency orders results.
		sb.WriteString(`
			SELECT o.id, o.pattern, o.task_text, o.result, o.success,
			       o.started_at, o.duration_ms,
			       o.input_tokens + o.output_tokens + o.cache_create_tokens + o.cache_read_tokens,
			       0.0 AS rank
			FROM orchestrations o
			WHERE (`)
		for i, term := range strings.Fields(q.Text) {
			if i > 0 {
				sb.WriteString(" OR ")
			}
			sb.WriteString("o.task_text LIKE ? OR o.result LIKE ?")
			like := "%" + term + "%"
			args = append(args, like, like)
		}
		sb.WriteString(")")
	default:
		sb.WriteString(`
			SELECT o.id, o.pattern, o.task_text, o.result, o.success,
			       o.started_at, o.duration_ms,
			       o.input_tokens + o.output_tokens + o.cache_create_tokens + o.cache_read_tokens,
			       0.0 AS rank
			FROM orchestrations o
			WHERE 1=1`)
	}

	if q.Pattern != "" {
		sb.WriteString(" AND o.pattern = ?")
		args = append(args, string(q.Pattern))
	}
	if q.AgentID != "" {
		sb.WriteString(" AND o.agent_ids_json LIKE ?")
		args = append(args, `%"`+q.AgentID+`"%`)
	}
	if q.Success != nil {
		sb.WriteString(" AND o.success = ?")
		args = append(args, boolInt(*q.Success))
	}
	if !q.From.IsZero() {
		sb.WriteString(" AND o.started_at >= ?")
		args = append(args, q.From.UnixMilli())
	}
	if !q.To.IsZero() {
		sb.WriteString(" AND o.started_at < ?")
		args = append(args, q.To.UnixMilli())
	}

	if q.Text != "" && s.fts {
		sb.WriteString(" ORDER BY rank LIMIT ?")
	} else {
		sb.WriteString(" ORDER BY o.started_at DESC LIMIT ?")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		s.logger.Warn("search failed, returning empty", zap.Error(err))
		return []Summary{}, nil
	}
	defer rows.Close()

	out := make([]Summary, 0, limit)
	for rows.Next() {
		var (
			sum       Summary
			pattern   string
			success   int
			startedAt int64
			rank      float64
		)
		if err := rows.Scan(&sum.ID, &pattern, &sum.TaskSnippet, &sum.Result, &success,
			&startedAt, &sum.DurationMs, &sum.TokenTotal, &rank); err != nil {
			return nil, weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("scan summary: %w", err))
		}
		sum.Pattern = weft.Pattern(pattern)
		sum.Success = success != 0
		sum.StartedAt = time.UnixMilli(startedAt)
		// SQLite's bm25() ranks more-negative-is-better. Map it order
		// preserving into [0,1): the strongest match gets the highest
		// relevance.
		if rank < 0 {
			sum.Relevance = 1.0 - 1.0/(1.0-rank)
		}
		if q.Text == "" {
			sum.Relevance = 0
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ftsQuery quotes each term so user text cannot inject FTS5 syntax.
func ftsQuery(text string) string {
	fields := strings.Fields(text)
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, ``)+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// GetByID loads one orchestration, optionally with its observations.
// Returns nil when not found.
func (s *Store) GetByID(ctx context.Context, id string, includeObservations bool) (*weft.Orchestration, error) {
	if s.degraded.Load() {
		if err := s.checkHealth(ctx); err != nil {
			return nil, nil
		}
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, pattern, agent_ids_json, task_text, result, success,
		       started_at, duration_ms,
		       input_tokens, output_tokens, cache_create_tokens, cache_read_tokens, model
		FROM orchestrations WHERE id = ?`, id)

	var (
		o         weft.Orchestration
		pattern   string
		agentsRaw string
		success   int
		startedAt int64
	)
	err := row.Scan(&o.ID, &pattern, &agentsRaw, &o.TaskText, &o.Result, &success,
		&startedAt, &o.DurationMs,
		&o.Tokens.Input, &o.Tokens.Output, &o.Tokens.CacheCreate, &o.Tokens.CacheRead, &o.Model)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("get orchestration: %w", err))
	}

	o.Pattern = weft.Pattern(pattern)
	o.Success = success != 0
	o.StartedAt = time.UnixMilli(startedAt)
	if err := json.Unmarshal([]byte(agentsRaw), &o.AgentIDs); err != nil {
		return nil, weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("decode agent ids: %w", err))
	}

	if includeObservations {
		obs, err := s.observationsFor(ctx, id)
		if err != nil {
			return nil, err
		}
		o.Observations = obs
	}
	return &o, nil
}

func (s *Store) observationsFor(ctx context.Context, orchestrationID string) ([]weft.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, orchestration_id, type, text, concepts_json, importance, agent_insights_json, source
		FROM observations WHERE orchestration_id = ? ORDER BY created_at, id`, orchestrationID)
	if err != nil {
		return nil, weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("load observations: %w", err))
	}
	defer rows.Close()

	var out []weft.Observation
	for rows.Next() {
		var (
			ob           weft.Observation
			typ          string
			conceptsJSON string
			insightsJSON string
		)
		if err := rows.Scan(&ob.ID, &ob.OrchestrationID, &typ, &ob.Text,
			&conceptsJSON, &ob.Importance, &insightsJSON, &ob.Source); err != nil {
			return nil, weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("scan observation: %w", err))
		}
		ob.Type = weft.ObservationType(typ)
		_ = json.Unmarshal([]byte(conceptsJSON), &ob.Concepts)
		_ = json.Unmarshal([]byte(insightsJSON), &ob.AgentInsights)
		out = append(out, ob)
	}
	return out, rows.Err()
}

// Stat is a denormalized success counter for an agent or pattern.
type Stat struct {
	ID            string
	Total         int64
	Successes     int64
	SuccessRate   float64 // 0 when Total is 0
	AvgDurationMs float64
}

// AgentStats returns stats for one agent (id != "") or all agents.
func (s *Store) AgentStats(ctx context.Context, id string) ([]Stat, error) {
	return s.stats(ctx, "agent_stats", "agent_id", id)
}

// PatternStats returns stats for one pattern (pattern != "") or all.
func (s *Store) PatternStats(ctx context.Context, pattern weft.Pattern) ([]Stat, error) {
	return s.stats(ctx, "pattern_stats", "pattern", string(pattern))
}

func (s *Store) stats(ctx context.Context, table, keyColumn, key string) ([]Stat, error) {
	if s.degraded.Load() {
		if err := s.checkHealth(ctx); err != nil {
			return []Stat{}, nil
		}
	}

	query := fmt.Sprintf(
		`SELECT %s, total, successes, total_duration_ms FROM %s`, keyColumn, table)
	var args []any
	if key != "" {
		query += fmt.Sprintf(" WHERE %s = ?", keyColumn)
		args = append(args, key)
	}
	query += fmt.Sprintf(" ORDER BY %s", keyColumn)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("load %s: %w", table, err))
	}
	defer rows.Close()

	var out []Stat
	for rows.Next() {
		var (
			st       Stat
			totalDur int64
		)
		if err := rows.Scan(&st.ID, &st.Total, &st.Successes, &totalDur); err != nil {
			return nil, weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("scan %s: %w", table, err))
		}
		if st.Total > 0 {
			st.SuccessRate = float64(st.Successes) / float64(st.Total)
			st.AvgDurationMs = float64(totalDur) / float64(st.Total)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Collaboration aggregates runs where the same agent set appeared together.
type Collaboration struct {
	Key         string
	AgentIDs    []string
	Total       int64
	Successes   int64
	SuccessRate float64
}

// CollaborationFilter constrains the Collaborations listing.
type CollaborationFilter struct {
	MinRate  float64
	MinCount int64
}

// Collaborations lists agent sets ordered by success rate descending.
func (s *Store) Collaborations(ctx context.Context, f CollaborationFilter) ([]Collaboration, error) {
	if s.degraded.Load() {
		if err := s.checkHealth(ctx); err != nil {
			return []Collaboration{}, nil
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, agent_ids_json, total, successes FROM collaborations WHERE total >= ?`,
		max64(f.MinCount, 1))
	if err != nil {
		return nil, weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("load collaborations: %w", err))
	}
	defer rows.Close()

	var out []Collaboration
	for rows.Next() {
		var (
			c       Collaboration
			idsJSON string
		)
		if err := rows.Scan(&c.Key, &idsJSON, &c.Total, &c.Successes); err != nil {
			return nil, weft.WrapKind(weft.KindStoreUnavailable, fmt.Errorf("scan collaboration: %w", err))
		}
		if c.Total > 0 {
			c.SuccessRate = float64(c.Successes) / float64(c.Total)
		}
		if c.SuccessRate < f.MinRate {
			continue
		}
		_ = json.Unmarshal([]byte(idsJSON), &c.AgentIDs)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Highest success rate first; ties by volume, then key for determinism.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && lessCollab(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func lessCollab(a, b Collaboration) bool {
	if a.SuccessRate != b.SuccessRate {
		return a.SuccessRate > b.SuccessRate
	}
	if a.Total != b.Total {
		return a.Total > b.Total
	}
	return a.Key < b.Key
}

// Cleanup deletes orchestrations strictly older than cutoff while always
// retaining the keepMinimum most recent rows. Returns the deleted count.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Time, keepMinimum int) (int64, error) {
	if err := s.checkHealth(ctx); err != nil {
		return 0, err
	}
	if keepMinimum < 0 {
		keepMinimum = 0
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, s.writeErr("cleanup", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.fts {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM search_index WHERE orchestration_id IN (
				SELECT id FROM orchestrations
				WHERE started_at < ?
				AND id NOT IN (SELECT id FROM orchestrations ORDER BY started_at DESC, id DESC LIMIT ?)
			)`, olderThan.UnixMilli(), keepMinimum); err != nil {
			return 0, s.writeErr("cleanup search index", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM orchestrations
		WHERE started_at < ?
		AND id NOT IN (SELECT id FROM orchestrations ORDER BY started_at DESC, id DESC LIMIT ?)`,
		olderThan.UnixMilli(), keepMinimum)
	if err != nil {
		return 0, s.writeErr("cleanup orchestrations", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, s.writeErr("commit cleanup", err)
	}

	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		s.logger.Info("store cleanup", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
