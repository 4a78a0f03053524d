// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package embedding

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/weft"
	"github.com/teradata-labs/weft/store"
)

// fakeBackend is an in-memory weft.EmbeddingBackend whose failure mode is
// scriptable per call.
type fakeBackend struct {
	mu      sync.Mutex
	items   map[string]weft.EmbeddingItem
	hits    []weft.EmbeddingHit
	fail    bool
	upserts int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{items: make(map[string]weft.EmbeddingItem)}
}

func (f *fakeBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}

func (f *fakeBackend) Upsert(ctx context.Context, items []weft.EmbeddingItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.fail {
		return errors.New("backend unavailable")
	}
	for _, it := range items {
		f.items[it.ID] = it
	}
	return nil
}

func (f *fakeBackend) Query(ctx context.Context, text string, limit int, filter map[string]string) ([]weft.EmbeddingHit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("backend unavailable")
	}
	return f.hits, nil
}

func (f *fakeBackend) Delete(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("backend unavailable")
	}
	for _, id := range ids {
		delete(f.items, id)
	}
	return nil
}

func (f *fakeBackend) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

type fakeKeyword struct {
	summaries []store.Summary
	err       error
}

func (f *fakeKeyword) Search(ctx context.Context, q store.Query) ([]store.Summary, error) {
	return f.summaries, f.err
}

func metaAt(ms int64) map[string]string {
	return map[string]string{"started_at": strconv.FormatInt(ms, 10)}
}

func TestAddStampsMetadata(t *testing.T) {
	backend := newFakeBackend()
	ix := New(backend, nil, zaptest.NewLogger(t), Options{})

	require.NoError(t, ix.Add(context.Background(), "o-1", "task text", map[string]string{"pattern": "parallel"}))

	it, ok := backend.items["o-1"]
	require.True(t, ok)
	assert.Equal(t, "o-1", it.Metadata["orchestration_id"])
	assert.Equal(t, "parallel", it.Metadata["pattern"])
	assert.NotEmpty(t, it.Metadata["started_at"])
}

func TestAddSkippedWhileOpen(t *testing.T) {
	backend := newFakeBackend()
	backend.setFail(true)
	ix := New(backend, nil, zaptest.NewLogger(t), Options{
		Breaker: BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour},
	})

	// First write trips the breaker but the error does not reach callers
	// as a kinded unavailability.
	err := ix.Add(context.Background(), "o-1", "x", nil)
	require.Error(t, err)
	require.Equal(t, StateOpen, ix.Breaker().State())

	// While open, writes are silent no-ops and never touch the backend.
	before := backend.upserts
	require.NoError(t, ix.Add(context.Background(), "o-2", "y", nil))
	assert.Equal(t, before, backend.upserts)
}

func TestAddBatchChunkIsolation(t *testing.T) {
	backend := newFakeBackend()
	items := make([]weft.EmbeddingItem, 6)
	for i := range items {
		items[i] = weft.EmbeddingItem{ID: "o-" + strconv.Itoa(i), Text: "t"}
	}

	// Fail only the second of three chunks.
	calls := 0
	wrapped := upsertScript{inner: backend, failOn: func() bool {
		calls++
		return calls == 2
	}}
	ix := New(&wrapped, nil, zaptest.NewLogger(t), Options{
		ChunkSize: 2,
		Breaker:   BreakerConfig{FailureThreshold: 100, Cooldown: time.Hour},
	})

	res := ix.AddBatch(context.Background(), items)
	assert.Equal(t, 4, res.Successful)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Error(), "chunk [2:4]")
}

type upsertScript struct {
	inner  *fakeBackend
	failOn func() bool
}

func (u *upsertScript) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return u.inner.Embed(ctx, texts)
}

func (u *upsertScript) Upsert(ctx context.Context, items []weft.EmbeddingItem) error {
	if u.failOn() {
		return errors.New("scripted failure")
	}
	return u.inner.Upsert(ctx, items)
}

func (u *upsertScript) Query(ctx context.Context, text string, limit int, filter map[string]string) ([]weft.EmbeddingHit, error) {
	return u.inner.Query(ctx, text, limit, filter)
}

func (u *upsertScript) Delete(ctx context.Context, ids []string) error {
	return u.inner.Delete(ctx, ids)
}

func TestSearchHybridBlendsScores(t *testing.T) {
	backend := newFakeBackend()
	backend.hits = []weft.EmbeddingHit{
		{ID: "a", Similarity: 0.9, Text: "vec a", Metadata: metaAt(100)},
		{ID: "b", Similarity: 0.5, Text: "vec b", Metadata: metaAt(200)},
	}
	keyword := &fakeKeyword{summaries: []store.Summary{
		{ID: "b", Relevance: 1.0, TaskSnippet: "kw b", StartedAt: time.UnixMilli(200)},
		{ID: "c", Relevance: 0.8, TaskSnippet: "kw c", StartedAt: time.UnixMilli(300)},
	}}
	ix := New(backend, keyword, zaptest.NewLogger(t), Options{})

	hits := ix.SearchSimilar(context.Background(), "query", SearchOptions{Mode: ModeHybrid, Limit: 10})
	require.Len(t, hits, 3)

	// a: 0.7*0.9 = 0.63; b: 0.7*0.5 + 0.3*1.0 = 0.65; c: 0.3*0.8 = 0.24
	assert.Equal(t, "b", hits[0].ID)
	assert.InDelta(t, 0.65, hits[0].Similarity, 1e-9)
	assert.Equal(t, "a", hits[1].ID)
	assert.InDelta(t, 0.63, hits[1].Similarity, 1e-9)
	assert.Equal(t, "c", hits[2].ID)
}

func TestSearchFallsBackToKeyword(t *testing.T) {
	backend := newFakeBackend()
	backend.setFail(true)
	keyword := &fakeKeyword{summaries: []store.Summary{
		{ID: "k1", Relevance: 0.7, TaskSnippet: "kw", StartedAt: time.UnixMilli(1)},
	}}
	ix := New(backend, keyword, zaptest.NewLogger(t), Options{})

	hits := ix.SearchSimilar(context.Background(), "query", SearchOptions{Mode: ModeHybrid})
	require.Len(t, hits, 1)
	assert.Equal(t, "k1", hits[0].ID)
	// Fallback results keep their full keyword relevance, not the 0.3 blend.
	assert.InDelta(t, 0.7, hits[0].Similarity, 1e-9)
}

func TestSearchNeverErrors(t *testing.T) {
	backend := newFakeBackend()
	backend.setFail(true)
	keyword := &fakeKeyword{err: errors.New("store degraded")}
	ix := New(backend, keyword, zaptest.NewLogger(t), Options{})

	hits := ix.SearchSimilar(context.Background(), "query", SearchOptions{})
	assert.Empty(t, hits)
	assert.NotNil(t, hits)
}

func TestSearchTieBreaks(t *testing.T) {
	backend := newFakeBackend()
	backend.hits = []weft.EmbeddingHit{
		{ID: "z", Similarity: 0.8, Metadata: metaAt(100)},
		{ID: "y", Similarity: 0.8, Metadata: metaAt(200)}, // newer wins
		{ID: "a", Similarity: 0.8, Metadata: metaAt(100)}, // same ts as z, lexicographic
	}
	ix := New(backend, nil, zaptest.NewLogger(t), Options{})

	hits := ix.SearchSimilar(context.Background(), "q", SearchOptions{Mode: ModeVector, Limit: 10})
	require.Len(t, hits, 3)
	assert.Equal(t, "y", hits[0].ID)
	assert.Equal(t, "a", hits[1].ID)
	assert.Equal(t, "z", hits[2].ID)
}

func TestSearchMinSimilarityAndLimit(t *testing.T) {
	backend := newFakeBackend()
	backend.hits = []weft.EmbeddingHit{
		{ID: "a", Similarity: 0.9, Metadata: metaAt(1)},
		{ID: "b", Similarity: 0.6, Metadata: metaAt(2)},
		{ID: "c", Similarity: 0.2, Metadata: metaAt(3)},
	}
	ix := New(backend, nil, zaptest.NewLogger(t), Options{})

	hits := ix.SearchSimilar(context.Background(), "q", SearchOptions{
		Mode: ModeVector, Limit: 1, MinSimilarity: 0.5,
	})
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
}
