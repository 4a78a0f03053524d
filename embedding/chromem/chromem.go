// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package chromem adapts the embedded chromem-go vector database to the
// weft.EmbeddingBackend contract. It runs fully in process, optionally
// persisting to a gob file next to the orchestration database.
package chromem

import (
	"context"
	"fmt"
	"path/filepath"

	chromemgo "github.com/philippgille/chromem-go"

	"github.com/teradata-labs/weft"
)

// EmbedFunc produces a vector for one text. When nil, chromem-go's
// default (OpenAI, keyed from the environment) is used.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// Config for the backend.
type Config struct {
	// PersistPath is a directory for the on-disk index. Empty keeps the
	// index in memory only.
	PersistPath string
	// Collection name, defaulting to "orchestrations".
	Collection string
	Embed      EmbedFunc
}

// Backend implements weft.EmbeddingBackend over a chromem-go collection.
type Backend struct {
	db         *chromemgo.DB
	collection *chromemgo.Collection
	embed      chromemgo.EmbeddingFunc
}

// New opens (or creates) the collection.
func New(cfg Config) (*Backend, error) {
	if cfg.Collection == "" {
		cfg.Collection = "orchestrations"
	}

	var db *chromemgo.DB
	var err error
	if cfg.PersistPath != "" {
		db, err = chromemgo.NewPersistentDB(filepath.Join(cfg.PersistPath, "vectors.gob"), false)
		if err != nil {
			return nil, fmt.Errorf("open persistent vector db: %w", err)
		}
	} else {
		db = chromemgo.NewDB()
	}

	var embed chromemgo.EmbeddingFunc
	if cfg.Embed != nil {
		embed = chromemgo.EmbeddingFunc(cfg.Embed)
	}
	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("open collection %q: %w", cfg.Collection, err)
	}

	return &Backend{db: db, collection: collection, embed: embed}, nil
}

// Embed vectorizes texts one by one through the configured function.
func (b *Backend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if b.embed == nil {
		return nil, fmt.Errorf("no embedding function configured")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := b.embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Upsert adds or replaces documents in the collection.
func (b *Backend) Upsert(ctx context.Context, items []weft.EmbeddingItem) error {
	for _, it := range items {
		doc := chromemgo.Document{
			ID:       it.ID,
			Content:  it.Text,
			Metadata: it.Metadata,
		}
		if err := b.collection.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add document %s: %w", it.ID, err)
		}
	}
	return nil
}

// Query returns up to limit documents similar to text. chromem reports
// cosine similarity in [0,1], higher is better.
func (b *Backend) Query(ctx context.Context, text string, limit int, filter map[string]string) ([]weft.EmbeddingHit, error) {
	if limit <= 0 {
		limit = 5
	}
	// chromem rejects queries asking for more results than stored docs.
	if n := b.collection.Count(); limit > n {
		if n == 0 {
			return nil, nil
		}
		limit = n
	}

	results, err := b.collection.Query(ctx, text, limit, filter, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	hits := make([]weft.EmbeddingHit, len(results))
	for i, r := range results {
		hits[i] = weft.EmbeddingHit{
			ID:         r.ID,
			Similarity: float64(r.Similarity),
			Text:       r.Content,
			Metadata:   r.Metadata,
		}
	}
	return hits, nil
}

// Delete removes documents by id.
func (b *Backend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := b.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (b *Backend) Count() int { return b.collection.Count() }
