// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package weft

import "context"

// InvocationResult is what an AgentDriver returns for one invocation.
// Partial output may accompany a failure; the driver signals that by
// returning both a result and an error.
type InvocationResult struct {
	Output  string
	Tokens  TokenUsage
	Model   string
	Quality float64 // self-reported, 0 when the driver does not score
}

// AgentDriver is the transport that actually runs an agent. The engine
// treats it as opaque: Invoke must honor ctx cancellation and return a
// recoverable error on failure.
type AgentDriver interface {
	Invoke(ctx context.Context, agent *AgentDefinition, task Task) (*InvocationResult, error)
}

// AgentDriverFunc adapts a function to the AgentDriver interface.
type AgentDriverFunc func(ctx context.Context, agent *AgentDefinition, task Task) (*InvocationResult, error)

func (f AgentDriverFunc) Invoke(ctx context.Context, agent *AgentDefinition, task Task) (*InvocationResult, error) {
	return f(ctx, agent, task)
}

// EmbeddingHit is one result from an embedding backend query.
type EmbeddingHit struct {
	ID         string
	Similarity float64
	Text       string
	Metadata   map[string]string
}

// EmbeddingItem is one record upserted into an embedding backend.
type EmbeddingItem struct {
	ID       string
	Text     string
	Metadata map[string]string
}

// EmbeddingBackend is the external vector store contract. Every method may
// fail; the embedding index circuit-breaks on repeated failure.
type EmbeddingBackend interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Query(ctx context.Context, text string, limit int, filter map[string]string) ([]EmbeddingHit, error)
	Upsert(ctx context.Context, items []EmbeddingItem) error
	Delete(ctx context.Context, ids []string) error
}

// TokenCounter estimates the token cost of a payload. Count must be a pure,
// deterministic function of its inputs.
type TokenCounter interface {
	Count(text string, model string) int
}

// TokenCounterFunc adapts a function to the TokenCounter interface.
type TokenCounterFunc func(text string, model string) int

func (f TokenCounterFunc) Count(text string, model string) int { return f(text, model) }

// CompletionOptions tune a single completion request.
type CompletionOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// CompletionDriver is the AI categorization transport: one prompt in, raw
// text out. Implementations must respect ctx deadlines.
type CompletionDriver interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string, opts CompletionOptions) (string, error)
}
