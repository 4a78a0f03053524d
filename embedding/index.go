// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package embedding maintains a vector-similarity index over recorded
// orchestrations. The external vector backend sits behind a circuit
// breaker; while the backend is unavailable, searches fall back to the
// keyword index in the persistent store and writes are skipped.
package embedding

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
	"github.com/teradata-labs/weft/store"
)

// SearchMode selects how SearchSimilar combines vector and keyword scores.
type SearchMode string

const (
	ModeVector  SearchMode = "vector"
	ModeKeyword SearchMode = "keyword"
	ModeHybrid  SearchMode = "hybrid"
)

// Hybrid blend weights.
const (
	vectorWeight  = 0.7
	keywordWeight = 0.3
)

// KeywordSearcher is the fallback path used when the vector backend is
// down. *store.Store satisfies it.
type KeywordSearcher interface {
	Search(ctx context.Context, q store.Query) ([]store.Summary, error)
}

// Options configures an Index.
type Options struct {
	ChunkSize    int // batch upsert chunk size, default 16
	DefaultLimit int // search result cap when the caller gives none, default 10
	Breaker      BreakerConfig
}

// SearchOptions narrows a SearchSimilar call.
type SearchOptions struct {
	Limit         int
	MinSimilarity float64
	Mode          SearchMode // default hybrid
}

// BatchResult reports the outcome of AddBatch.
type BatchResult struct {
	Successful int
	Failed     int
	Errors     []error
}

// Index fronts a vector backend with breaker protection and keyword
// fallback. All methods are safe for concurrent use.
type Index struct {
	backend weft.EmbeddingBackend
	keyword KeywordSearcher
	breaker *Breaker
	logger  *zap.Logger
	opts    Options
}

// New builds an Index. backend may be nil, in which case every search
// takes the keyword path and writes are no-ops.
func New(backend weft.EmbeddingBackend, keyword KeywordSearcher, logger *zap.Logger, opts Options) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 16
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 10
	}
	return &Index{
		backend: backend,
		keyword: keyword,
		breaker: NewBreaker(opts.Breaker, logger),
		logger:  logger,
		opts:    opts,
	}
}

// Breaker exposes the circuit breaker, mainly for health reporting.
func (ix *Index) Breaker() *Breaker { return ix.breaker }

// Add indexes one orchestration. The write is skipped silently while the
// breaker is open; the keyword index still covers the record.
func (ix *Index) Add(ctx context.Context, orchestrationID, text string, metadata map[string]string) error {
	if ix.backend == nil || text == "" {
		return nil
	}
	if ix.breaker.Open() {
		ix.logger.Debug("embedding add skipped, breaker open",
			zap.String("orchestration_id", orchestrationID))
		return nil
	}

	item := weft.EmbeddingItem{
		ID:       orchestrationID,
		Text:     text,
		Metadata: stampMetadata(orchestrationID, metadata),
	}
	err := ix.breaker.Execute(func() error {
		return ix.backend.Upsert(ctx, []weft.EmbeddingItem{item})
	})
	if err != nil {
		if weft.IsKind(err, weft.KindEmbeddingUnavailable) {
			return nil
		}
		return fmt.Errorf("index orchestration %s: %w", orchestrationID, err)
	}
	return nil
}

// AddBatch upserts items in chunks. A failing chunk is recorded and the
// remaining chunks still run, so a transient backend error loses at most
// one chunk of work.
func (ix *Index) AddBatch(ctx context.Context, items []weft.EmbeddingItem) BatchResult {
	var res BatchResult
	if ix.backend == nil || len(items) == 0 {
		return res
	}

	for start := 0; start < len(items); start += ix.opts.ChunkSize {
		end := start + ix.opts.ChunkSize
		if end > len(items) {
			end = len(items)
		}
		chunk := make([]weft.EmbeddingItem, end-start)
		copy(chunk, items[start:end])
		for i := range chunk {
			chunk[i].Metadata = stampMetadata(chunk[i].ID, chunk[i].Metadata)
		}

		err := ix.breaker.Execute(func() error {
			return ix.backend.Upsert(ctx, chunk)
		})
		if err != nil {
			res.Failed += len(chunk)
			res.Errors = append(res.Errors, fmt.Errorf("chunk [%d:%d]: %w", start, end, err))
			ix.logger.Warn("embedding batch chunk failed",
				zap.Int("start", start), zap.Int("size", len(chunk)), zap.Error(err))
			continue
		}
		res.Successful += len(chunk)
	}
	return res
}

// Delete removes orchestration ids from the vector backend.
func (ix *Index) Delete(ctx context.Context, ids []string) error {
	if ix.backend == nil || len(ids) == 0 {
		return nil
	}
	return ix.breaker.Execute(func() error {
		return ix.backend.Delete(ctx, ids)
	})
}

type scoredHit struct {
	hit       weft.EmbeddingHit
	score     float64
	startedAt int64
}

// SearchSimilar runs a similarity query. It never surfaces an error: when
// both the vector and keyword paths fail the result is empty.
func (ix *Index) SearchSimilar(ctx context.Context, query string, opts SearchOptions) []weft.EmbeddingHit {
	if query == "" {
		return []weft.EmbeddingHit{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = ix.opts.DefaultLimit
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeHybrid
	}

	merged := make(map[string]*scoredHit)

	if mode == ModeVector || mode == ModeHybrid {
		weight := vectorWeight
		if mode == ModeVector {
			weight = 1.0
		}
		vhits, err := ix.vectorSearch(ctx, query, limit)
		if err != nil {
			// Unweighted keyword results instead of a 0.3-scaled remainder.
			ix.logger.Warn("vector search unavailable, falling back to keyword", zap.Error(err))
			mode = ModeKeyword
		} else {
			for _, h := range vhits {
				mergeHit(merged, h, weight*h.Similarity)
			}
		}
	}

	if mode == ModeKeyword || mode == ModeHybrid {
		weight := keywordWeight
		if mode == ModeKeyword {
			weight = 1.0
		}
		for _, h := range ix.keywordSearch(ctx, query, limit) {
			mergeHit(merged, h, weight*h.Similarity)
		}
	}

	ranked := make([]*scoredHit, 0, len(merged))
	for _, sh := range merged {
		if sh.score < opts.MinSimilarity {
			continue
		}
		ranked = append(ranked, sh)
	}
	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.hit.Similarity != b.hit.Similarity {
			return a.hit.Similarity > b.hit.Similarity
		}
		if a.startedAt != b.startedAt {
			return a.startedAt > b.startedAt
		}
		return a.hit.ID < b.hit.ID
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]weft.EmbeddingHit, len(ranked))
	for i, sh := range ranked {
		h := sh.hit
		h.Similarity = sh.score
		out[i] = h
	}
	return out
}

func (ix *Index) vectorSearch(ctx context.Context, query string, limit int) ([]weft.EmbeddingHit, error) {
	if ix.backend == nil {
		return nil, weft.Errorf(weft.KindEmbeddingUnavailable, "no vector backend configured")
	}
	var hits []weft.EmbeddingHit
	err := ix.breaker.Execute(func() error {
		var qerr error
		hits, qerr = ix.backend.Query(ctx, query, limit, nil)
		return qerr
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

func (ix *Index) keywordSearch(ctx context.Context, query string, limit int) []weft.EmbeddingHit {
	if ix.keyword == nil {
		return nil
	}
	summaries, err := ix.keyword.Search(ctx, store.Query{Text: query, Limit: limit})
	if err != nil {
		ix.logger.Warn("keyword fallback search failed", zap.Error(err))
		return nil
	}
	hits := make([]weft.EmbeddingHit, 0, len(summaries))
	for _, s := range summaries {
		hits = append(hits, weft.EmbeddingHit{
			ID:         s.ID,
			Similarity: s.Relevance,
			Text:       s.TaskSnippet,
			Metadata: map[string]string{
				"pattern":    string(s.Pattern),
				"started_at": strconv.FormatInt(s.StartedAt.UnixMilli(), 10),
			},
		})
	}
	return hits
}

// mergeHit folds a weighted leg score into the per-id accumulator.
func mergeHit(merged map[string]*scoredHit, h weft.EmbeddingHit, weighted float64) {
	sh, ok := merged[h.ID]
	if !ok {
		merged[h.ID] = &scoredHit{hit: h, score: weighted, startedAt: startedAtOf(h)}
		return
	}
	sh.score += weighted
	if h.Similarity > sh.hit.Similarity {
		sh.hit = h
		sh.startedAt = startedAtOf(h)
	}
}

func startedAtOf(h weft.EmbeddingHit) int64 {
	if h.Metadata == nil {
		return 0
	}
	ms, err := strconv.ParseInt(h.Metadata["started_at"], 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

func stampMetadata(orchestrationID string, metadata map[string]string) map[string]string {
	out := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		out[k] = v
	}
	out["orchestration_id"] = orchestrationID
	if _, ok := out["started_at"]; !ok {
		out["started_at"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	}
	return out
}
