// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package retrieval assembles prior-execution context for a new task
// within a token budget. Layer 1 is a compact index of similar past
// orchestrations; Layer 2 adds full records with observations for the
// most relevant hits, truncating progressively when the budget is tight.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
	"github.com/teradata-labs/weft/embedding"
	"github.com/teradata-labs/weft/store"
)

// Defaults.
const (
	DefaultLayer1Limit  = 10
	DefaultLayer2Limit  = 5
	DefaultSafetyBuffer = 0.2
	DefaultCacheSize    = 100
	DefaultCacheTTL     = 5 * time.Minute
	DefaultMaxTokens    = 8000

	taskSnippetMax   = 100
	resultSummaryMax = 150
)

// Storage is the subset of the persistent store the retriever reads.
type Storage interface {
	Search(ctx context.Context, q store.Query) ([]store.Summary, error)
	GetByID(ctx context.Context, id string, includeObservations bool) (*weft.Orchestration, error)
}

// SimilaritySearcher finds past orchestrations similar to a task.
// *embedding.Index satisfies it.
type SimilaritySearcher interface {
	SearchSimilar(ctx context.Context, query string, opts embedding.SearchOptions) []weft.EmbeddingHit
}

// Options configures a Retriever. Zero fields take defaults.
type Options struct {
	Layer1Limit   int
	Layer2Limit   int
	SafetyBuffer  float64 // fraction of maxTokens held back, default 0.2
	MinSimilarity float64
	SearchMode    embedding.SearchMode // forwarded to the searcher, default hybrid
	CacheSize     int
	CacheTTL      time.Duration
}

// Request describes the upcoming execution context is assembled for.
type Request struct {
	TaskText string
	AgentIDs []string
	Pattern  weft.Pattern
	// MaxTokens is the whole-context allowance before the safety buffer.
	// Zero means no room at all; negative picks DefaultMaxTokens.
	MaxTokens int
}

// IndexEntry is one Layer-1 line: just enough to recognize a relevant
// past run without paying for its full record.
type IndexEntry struct {
	ID            string       `json:"id"`
	Pattern       weft.Pattern `json:"pattern"`
	TaskSnippet   string       `json:"task_snippet"`
	ResultSummary string       `json:"result_summary"`
	Relevance     float64      `json:"relevance"`
	StartedAt     time.Time    `json:"started_at"`
	Success       bool         `json:"success"`
	TokenCount    int          `json:"token_count"`
}

// Detail is one Layer-2 item: the full orchestration, possibly truncated
// to fit the remaining budget.
type Detail struct {
	Orchestration *weft.Orchestration `json:"orchestration"`
	Truncated     bool                `json:"truncated"`
	TokenCount    int                 `json:"token_count"`
}

// Result is the assembled context. Loaded=false means retrieval failed
// and the caller should proceed without history.
type Result struct {
	Loaded      bool
	Progressive bool // true when Layer 2 was populated
	TokenCount  int
	Layer1      []IndexEntry
	Layer2      []Detail
	FromCache   bool
	Err         error
}

// Retriever assembles context and caches assembled results by task
// signature. Safe for concurrent use.
type Retriever struct {
	storage  Storage
	searcher SimilaritySearcher
	counter  weft.TokenCounter
	cache    *expirable.LRU[string, *Result]
	logger   *zap.Logger
	opts     Options
}

// New builds a Retriever. searcher may be nil; the keyword index then
// serves as the only similarity source.
func New(storage Storage, searcher SimilaritySearcher, counter weft.TokenCounter, logger *zap.Logger, opts Options) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Layer1Limit <= 0 {
		opts.Layer1Limit = DefaultLayer1Limit
	}
	if opts.Layer2Limit <= 0 {
		opts.Layer2Limit = DefaultLayer2Limit
	}
	if opts.SafetyBuffer <= 0 || opts.SafetyBuffer >= 1 {
		opts.SafetyBuffer = DefaultSafetyBuffer
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	return &Retriever{
		storage:  storage,
		searcher: searcher,
		counter:  counter,
		cache:    expirable.NewLRU[string, *Result](opts.CacheSize, nil, opts.CacheTTL),
		logger:   logger,
		opts:     opts,
	}
}

// Retrieve assembles context for req. It never panics the caller's flow:
// on failure the result carries Loaded=false and the error.
func (r *Retriever) Retrieve(ctx context.Context, req Request) *Result {
	if strings.TrimSpace(req.TaskText) == "" {
		return &Result{Loaded: true, Layer1: []IndexEntry{}, Layer2: []Detail{}}
	}
	// A zero budget is literal: nothing fits, but retrieval did not fail.
	// Negative means "use the default". Handled before the cache so a
	// zero-budget call cannot seed an empty entry for real budgets.
	if req.MaxTokens == 0 {
		return &Result{Loaded: true, Layer1: []IndexEntry{}, Layer2: []Detail{}}
	}

	key := CacheKey(req.TaskText, req.AgentIDs, req.Pattern)
	if cached, ok := r.cache.Get(key); ok {
		out := *cached
		out.FromCache = true
		return &out
	}

	res, err := r.assemble(ctx, req)
	if err != nil {
		r.logger.Warn("context retrieval failed, continuing without history",
			zap.String("pattern", string(req.Pattern)), zap.Error(err))
		return &Result{Loaded: false, TokenCount: 0, Err: err}
	}

	r.cache.Add(key, res)
	return res
}

func (r *Retriever) assemble(ctx context.Context, req Request) (*Result, error) {
	maxTokens := req.MaxTokens
	if maxTokens < 0 {
		maxTokens = DefaultMaxTokens
	}
	budget := int(float64(maxTokens) * (1 - r.opts.SafetyBuffer))

	candidates, err := r.candidates(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &Result{Loaded: true, Layer1: []IndexEntry{}, Layer2: []Detail{}}

	// Layer 1 first. Entries are ordered by relevance; stop adding once
	// the budget is consumed.
	used := 0
	for _, c := range candidates {
		entry := IndexEntry{
			ID:            c.id,
			Pattern:       c.pattern,
			TaskSnippet:   truncateRunes(c.task, taskSnippetMax),
			ResultSummary: truncateRunes(c.result, resultSummaryMax),
			Relevance:     c.relevance,
			StartedAt:     c.startedAt,
			Success:       c.success,
		}
		entry.TokenCount = r.count(renderIndexEntry(entry))
		if used+entry.TokenCount > budget {
			break
		}
		used += entry.TokenCount
		res.Layer1 = append(res.Layer1, entry)
	}

	// Layer 2 only when the index left headroom.
	if used < budget {
		res.Layer2 = r.assembleDetails(ctx, candidates, budget-used)
		for _, d := range res.Layer2 {
			used += d.TokenCount
		}
	}

	res.TokenCount = used
	res.Progressive = len(res.Layer2) > 0
	return res, nil
}

// assembleDetails fills Layer 2 in descending relevance, truncating items
// that would overflow and skipping them when even the core does not fit.
func (r *Retriever) assembleDetails(ctx context.Context, candidates []candidate, budget int) []Detail {
	details := []Detail{}
	remaining := budget

	n := r.opts.Layer2Limit
	if n > len(candidates) {
		n = len(candidates)
	}
	for _, c := range candidates[:n] {
		o, err := r.storage.GetByID(ctx, c.id, true)
		if err != nil || o == nil {
			if err != nil {
				r.logger.Debug("layer2 fetch failed", zap.String("id", c.id), zap.Error(err))
			}
			continue
		}

		d, ok := r.fitDetail(o, remaining)
		if !ok {
			continue
		}
		details = append(details, d)
		remaining -= d.TokenCount
		if remaining <= 0 {
			break
		}
	}
	return details
}

// fitDetail renders o at decreasing levels of completeness until it fits
// the remaining budget. Preservation order: core fields, observations,
// result summary, metadata.
func (r *Retriever) fitDetail(o *weft.Orchestration, remaining int) (Detail, bool) {
	type level struct {
		render    func(*weft.Orchestration) string
		truncated bool
	}
	levels := []level{
		{renderDetailFull, false},
		{renderDetailNoMetadata, true},
		{renderDetailNoResult, true},
		{renderDetailCore, true},
	}
	for _, l := range levels {
		cost := r.count(l.render(o))
		if cost <= remaining {
			return Detail{Orchestration: o, Truncated: l.truncated, TokenCount: cost}, true
		}
	}
	return Detail{}, false
}

type candidate struct {
	id        string
	pattern   weft.Pattern
	task      string
	result    string
	relevance float64
	startedAt time.Time
	success   bool
}

// candidates resolves similarity hits to store-backed summaries ordered
// by descending relevance.
func (r *Retriever) candidates(ctx context.Context, req Request) ([]candidate, error) {
	var out []candidate
	seen := make(map[string]bool)

	if r.searcher != nil {
		hits := r.searcher.SearchSimilar(ctx, req.TaskText, embedding.SearchOptions{
			Limit:         r.opts.Layer1Limit,
			MinSimilarity: r.opts.MinSimilarity,
			Mode:          r.opts.SearchMode,
		})
		for _, h := range hits {
			if seen[h.ID] {
				continue
			}
			o, err := r.storage.GetByID(ctx, h.ID, false)
			if err != nil {
				return nil, fmt.Errorf("resolve similar orchestration %s: %w", h.ID, err)
			}
			if o == nil {
				continue
			}
			seen[h.ID] = true
			out = append(out, candidate{
				id:        o.ID,
				pattern:   o.Pattern,
				task:      o.TaskText,
				result:    o.Result,
				relevance: h.Similarity,
				startedAt: o.StartedAt,
				success:   o.Success,
			})
		}
	}

	// Keyword top-up when similarity search returned little.
	if len(out) < r.opts.Layer1Limit {
		summaries, err := r.storage.Search(ctx, store.Query{
			Text:  req.TaskText,
			Limit: r.opts.Layer1Limit,
		})
		if err != nil {
			return nil, fmt.Errorf("keyword candidate search: %w", err)
		}
		for _, s := range summaries {
			if seen[s.ID] || len(out) >= r.opts.Layer1Limit {
				continue
			}
			seen[s.ID] = true
			out = append(out, candidate{
				id:        s.ID,
				pattern:   s.Pattern,
				task:      s.TaskSnippet,
				result:    s.Result,
				relevance: s.Relevance,
				startedAt: s.StartedAt,
				success:   s.Success,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].relevance > out[j].relevance })
	return out, nil
}

func (r *Retriever) count(text string) int {
	if r.counter == nil {
		return len(text) / 4
	}
	return r.counter.Count(text, "")
}

// CacheKey is a stable signature of (task, agents, pattern). Task text is
// lowercased with whitespace collapsed; agent ids are deduplicated and
// sorted so ordering does not fragment the cache.
func CacheKey(taskText string, agentIDs []string, pattern weft.Pattern) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(taskText)), " ")

	agents := make([]string, 0, len(agentIDs))
	seen := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		if !seen[id] {
			seen[id] = true
			agents = append(agents, id)
		}
	}
	sort.Strings(agents)

	h := sha256.New()
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(agents, ",")))
	h.Write([]byte{0})
	h.Write([]byte(pattern))
	return hex.EncodeToString(h.Sum(nil))
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
