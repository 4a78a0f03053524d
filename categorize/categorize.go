// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package categorize extracts typed observations from completed
// orchestrations. The primary path asks a completion driver for a
// structured JSON verdict; the rule-based fallback is always available,
// so categorization itself never fails.
package categorize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
)

// Defaults.
const (
	DefaultConcurrency = 3
	DefaultMaxTokens   = 1024

	// SourceAI and SourceRule mark which path produced an observation.
	SourceAI   = "ai"
	SourceRule = "rule"
)

// Options configures a Categorizer.
type Options struct {
	Model       string  // model used for the AI path
	MaxTokens   int     // completion cap, default 1024
	Temperature float64 // default 0 for deterministic extraction
	Concurrency int     // batch parallelism, default 3
}

// Extraction is the categorization result for one orchestration.
type Extraction struct {
	Observation     weft.Observation
	Recommendations string // AI-path only, advisory text not persisted
}

// Outcome is one item of a batch result.
type Outcome struct {
	OrchestrationID string
	Extraction      Extraction
	Err             error
}

// Categorizer extracts observations. driver may be nil, which forces the
// rule path for every orchestration.
type Categorizer struct {
	driver weft.CompletionDriver
	logger *zap.Logger
	opts   Options
}

// New builds a Categorizer.
func New(driver weft.CompletionDriver, logger *zap.Logger, opts Options) *Categorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Categorizer{driver: driver, logger: logger, opts: opts}
}

// Categorize extracts one observation for o. The AI path is attempted
// first when a driver is configured; any failure falls back to rules.
// The only hard error is context cancellation.
func (c *Categorizer) Categorize(ctx context.Context, o *weft.Orchestration) (Extraction, error) {
	if err := ctx.Err(); err != nil {
		return Extraction{}, weft.WrapKind(weft.KindCancelled, err)
	}

	if c.driver != nil {
		ext, err := c.aiCategorize(ctx, o)
		if err == nil {
			return ext, nil
		}
		if weft.IsKind(err, weft.KindCancelled) {
			return Extraction{}, err
		}
		c.logger.Warn("ai categorization failed, using rule fallback",
			zap.String("orchestration_id", o.ID), zap.Error(err))
	}

	return Extraction{Observation: c.ruleCategorize(o)}, nil
}

// CategorizeBatch processes orchestrations with bounded concurrency.
// Per-item failures are recorded in the outcome, never aborting peers.
func (c *Categorizer) CategorizeBatch(ctx context.Context, orchestrations []*weft.Orchestration) []Outcome {
	outcomes := make([]Outcome, len(orchestrations))
	sem := make(chan struct{}, c.opts.Concurrency)
	var wg sync.WaitGroup

	for i, o := range orchestrations {
		wg.Add(1)
		go func(i int, o *weft.Orchestration) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			ext, err := c.Categorize(ctx, o)
			outcomes[i] = Outcome{OrchestrationID: o.ID, Extraction: ext, Err: err}
		}(i, o)
	}
	wg.Wait()
	return outcomes
}

func (c *Categorizer) aiCategorize(ctx context.Context, o *weft.Orchestration) (Extraction, error) {
	reply, err := c.driver.Complete(ctx, systemPrompt, userPrompt(o), weft.CompletionOptions{
		Model:       c.opts.Model,
		MaxTokens:   c.opts.MaxTokens,
		Temperature: c.opts.Temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return Extraction{}, weft.WrapKind(weft.KindCancelled, ctx.Err())
		}
		return Extraction{}, weft.WrapKind(weft.KindCategorizerFailed, err)
	}

	parsed, err := parseReply(reply)
	if err != nil {
		return Extraction{}, weft.WrapKind(weft.KindCategorizerFailed, err)
	}

	obsType := weft.ObservationType(parsed.Type)
	if !obsType.Valid() {
		c.logger.Warn("unknown observation type from model, defaulting",
			zap.String("type", parsed.Type), zap.String("orchestration_id", o.ID))
		obsType = weft.ObservationPatternUsage
	}

	concepts := parsed.conceptList()
	if len(concepts) > weft.MaxObservationConcepts {
		concepts = concepts[:weft.MaxObservationConcepts]
	}

	return Extraction{
		Observation: weft.Observation{
			OrchestrationID: o.ID,
			Type:            obsType,
			Text:            strings.TrimSpace(parsed.Observation),
			Concepts:        concepts,
			Importance:      weft.ClampImportance(parsed.Importance),
			AgentInsights:   parsed.AgentInsights,
			Source:          SourceAI,
		},
		Recommendations: strings.TrimSpace(parsed.Recommendations),
	}, nil
}

type aiReply struct {
	Type            string            `json:"type"`
	Observation     string            `json:"observation"`
	Concepts        json.RawMessage   `json:"concepts"`
	Importance      int               `json:"importance"`
	AgentInsights   map[string]string `json:"agent_insights"`
	Recommendations string            `json:"recommendations"`
}

// conceptList coerces the concepts field: anything but a string array
// becomes empty.
func (r *aiReply) conceptList() []string {
	if len(r.Concepts) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(r.Concepts, &list); err != nil {
		return nil
	}
	out := list[:0]
	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseReply extracts the JSON object from a model reply, tolerating a
// surrounding markdown code fence.
func parseReply(reply string) (*aiReply, error) {
	body := strings.TrimSpace(reply)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		if i := strings.LastIndex(body, "```"); i >= 0 {
			body = body[:i]
		}
		body = strings.TrimSpace(body)
	}

	var parsed aiReply
	if err := json.Unmarshal([]byte(body), &parsed); err != nil {
		return nil, fmt.Errorf("reply is not valid JSON: %w", err)
	}
	if strings.TrimSpace(parsed.Type) == "" || strings.TrimSpace(parsed.Observation) == "" {
		return nil, fmt.Errorf("reply missing required fields type/observation")
	}
	return &parsed, nil
}
