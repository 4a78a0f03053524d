// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package patterns

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
)

// Convergence thresholds: cosine over embeddings when a backend is
// available, token Jaccard otherwise.
const (
	DefaultDebateRounds = 3
	cosineConvergence   = 0.98
	jaccardConvergence  = 0.9
)

// DebateOptions tune the debate pattern.
type DebateOptions struct {
	Rounds        int    // default 3
	SynthesizerID string // default: first agent in the list
	// Embedder enables cosine convergence checks. Optional.
	Embedder weft.EmbeddingBackend
}

// DebateRound is one round's record.
type DebateRound struct {
	Number    int                 `json:"number"`
	Proposal  string              `json:"proposal"`
	Critiques []weft.AgentOutcome `json:"critiques,omitempty"`
}

// DebateData is the debate pattern's Result.Data.
type DebateData struct {
	Final     string        `json:"final"`
	Rounds    []DebateRound `json:"rounds"`
	Converged bool          `json:"converged"`
}

// Debate iterates proposal, critique and revision rounds. The
// synthesizer is indispensable: its failure fails the pattern.
type Debate struct {
	runner *Runner
	logger *zap.Logger
}

// NewDebate builds the executor.
func NewDebate(runner *Runner, logger *zap.Logger) *Debate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Debate{runner: runner, logger: logger}
}

// Execute runs the debate. Round one is the synthesizer's initial
// proposal; every later round critiques in parallel and merges. Two
// near-identical consecutive revisions stop the debate early.
func (d *Debate) Execute(ctx context.Context, agentIDs []string, task weft.Task, opts DebateOptions) (*weft.PatternResult, error) {
	if err := validateAgents(agentIDs, 2); err != nil {
		return nil, err
	}
	rounds := opts.Rounds
	if rounds <= 0 {
		rounds = DefaultDebateRounds
	}
	synthID := opts.SynthesizerID
	if synthID == "" {
		synthID = agentIDs[0]
	}
	critics := make([]string, 0, len(agentIDs)-1)
	for _, id := range agentIDs {
		if id != synthID {
			critics = append(critics, id)
		}
	}
	started := time.Now()
	result := &weft.PatternResult{}
	data := DebateData{}

	// Round 1: initial proposal.
	proposalTask := task
	proposalTask.Text = fmt.Sprintf("%s\n\nProduce an initial proposal for this task.", task.Text)
	proposal := d.runner.Invoke(ctx, synthID, proposalTask)
	collect(result, []weft.AgentOutcome{proposal})
	if proposal.Err != nil {
		result.Success = false
		result.Data = data
		result.DurationMs = time.Since(started).Milliseconds()
		return result, nil
	}
	current := proposal.Output
	data.Rounds = append(data.Rounds, DebateRound{Number: 1, Proposal: current})

	for round := 2; round <= rounds; round++ {
		critiqueTask := task
		critiqueTask.Text = fmt.Sprintf(
			"%s\n\nCritique the following proposal. Point out flaws and suggest concrete improvements.\n\nProposal:\n%s",
			task.Text, current)
		critiques := d.runner.InvokeAll(ctx, critics, critiqueTask)
		collect(result, critiques)

		okCritiques := succeeded(critiques)
		var sb strings.Builder
		for _, c := range okCritiques {
			fmt.Fprintf(&sb, "Critique from %s:\n%s\n\n", c.AgentID, c.Output)
		}

		reviseTask := task
		reviseTask.Text = fmt.Sprintf(
			"%s\n\nRevise the proposal below, addressing the critiques.\n\nProposal:\n%s\n\n%s",
			task.Text, current, sb.String())
		revision := d.runner.Invoke(ctx, synthID, reviseTask)
		collect(result, []weft.AgentOutcome{revision})
		if revision.Err != nil {
			// Synthesizer down mid-debate: fail, keep the history.
			data.Final = current
			result.Success = false
			result.Data = data
			result.DurationMs = time.Since(started).Milliseconds()
			return result, nil
		}

		data.Rounds = append(data.Rounds, DebateRound{
			Number:    round,
			Proposal:  revision.Output,
			Critiques: critiques,
		})

		if d.converged(ctx, current, revision.Output, opts.Embedder) {
			current = revision.Output
			data.Converged = true
			d.logger.Debug("debate converged early", zap.Int("round", round))
			break
		}
		current = revision.Output
	}

	data.Final = current
	result.Success = true
	result.Data = data
	result.DurationMs = time.Since(started).Milliseconds()
	return result, nil
}

// converged compares consecutive revisions: embedding cosine when a
// backend answers, token Jaccard otherwise.
func (d *Debate) converged(ctx context.Context, prev, next string, embedder weft.EmbeddingBackend) bool {
	if prev == next {
		return true
	}
	if embedder != nil {
		vecs, err := embedder.Embed(ctx, []string{prev, next})
		if err == nil && len(vecs) == 2 {
			return cosine(vecs[0], vecs[1]) >= cosineConvergence
		}
		d.logger.Debug("embedding convergence check unavailable, using jaccard", zap.Error(err))
	}
	return tokenJaccard(prev, next) >= jaccardConvergence
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// tokenJaccard is |intersection| / |union| over lowercased word sets.
func tokenJaccard(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(s)) {
		set[f] = true
	}
	return set
}
