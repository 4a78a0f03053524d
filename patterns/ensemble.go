// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package patterns

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
)

// EnsembleStrategy selects how independent agent runs are combined.
type EnsembleStrategy string

const (
	StrategyBestOf EnsembleStrategy = "best-of"
	StrategyMerge  EnsembleStrategy = "merge"
	StrategyVote   EnsembleStrategy = "vote"
)

// Selector picks one outcome from the successful ones. Used by the
// best-of strategy.
type Selector func([]weft.AgentOutcome) weft.AgentOutcome

// EnsembleOptions tune the ensemble pattern.
type EnsembleOptions struct {
	Strategy EnsembleStrategy // default best-of
	Select   Selector         // best-of only, optional
}

// EnsembleData is the ensemble pattern's Result.Data.
type EnsembleData struct {
	Strategy EnsembleStrategy `json:"strategy"`
	// Output is the combined result: the selected output for best-of,
	// the concatenation for merge, the winning label for vote.
	Output string `json:"output"`
	// Winner is the contributing agent for best-of.
	Winner string `json:"winner,omitempty"`
	// Tally maps label to vote count for the vote strategy.
	Tally map[string]int `json:"tally,omitempty"`
}

// Ensemble fans a task out to every agent independently and combines
// the results with the configured strategy.
type Ensemble struct {
	runner *Runner
	logger *zap.Logger
}

// NewEnsemble builds the executor.
func NewEnsemble(runner *Runner, logger *zap.Logger) *Ensemble {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ensemble{runner: runner, logger: logger}
}

// Execute runs all agents and combines their outputs. Failed agents
// drop out of the combination; the pattern succeeds as long as at
// least one agent contributed.
func (e *Ensemble) Execute(ctx context.Context, agentIDs []string, task weft.Task, opts EnsembleOptions) (*weft.PatternResult, error) {
	if err := validateAgents(agentIDs, 1); err != nil {
		return nil, err
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyBestOf
	}
	started := time.Now()
	result := &weft.PatternResult{}

	outcomes := e.runner.InvokeAll(ctx, agentIDs, task)
	collect(result, outcomes)
	ok := succeeded(outcomes)
	data := EnsembleData{Strategy: strategy}
	if len(ok) == 0 {
		result.Success = false
		result.Data = data
		result.DurationMs = time.Since(started).Milliseconds()
		return result, nil
	}

	switch strategy {
	case StrategyMerge:
		data.Output = mergeOutputs(ok)
	case StrategyVote:
		data.Output, data.Tally = voteOutputs(ok)
	default:
		sel := opts.Select
		if sel == nil {
			sel = bestByQuality
		}
		winner := sel(ok)
		data.Output = winner.Output
		data.Winner = winner.AgentID
	}

	result.Success = true
	result.Data = data
	result.DurationMs = time.Since(started).Milliseconds()
	return result, nil
}

// bestByQuality is the default best-of selector: highest self-reported
// quality, ties broken by lowest latency.
func bestByQuality(outcomes []weft.AgentOutcome) weft.AgentOutcome {
	best := outcomes[0]
	for _, o := range outcomes[1:] {
		if o.Quality > best.Quality ||
			(o.Quality == best.Quality && o.DurationMs < best.DurationMs) {
			best = o
		}
	}
	return best
}

// mergeOutputs concatenates outputs in input agent order, dropping
// duplicates by content hash.
func mergeOutputs(outcomes []weft.AgentOutcome) string {
	seen := make(map[string]struct{}, len(outcomes))
	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		sum := sha256.Sum256([]byte(o.Output))
		key := hex.EncodeToString(sum[:])
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		parts = append(parts, o.Output)
	}
	return strings.Join(parts, "\n\n")
}

// voteOutputs treats each output as a classification label. Plurality
// wins; ties break lexicographically on the normalized label.
func voteOutputs(outcomes []weft.AgentOutcome) (string, map[string]int) {
	tally := make(map[string]int, len(outcomes))
	for _, o := range outcomes {
		tally[normalizeLabel(o.Output)]++
	}
	labels := make([]string, 0, len(tally))
	for label := range tally {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	winner := labels[0]
	for _, label := range labels[1:] {
		if tally[label] > tally[winner] {
			winner = label
		}
	}
	return winner, tally
}

func normalizeLabel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
