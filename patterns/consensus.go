// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package patterns

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
)

// ConsensusStrategy selects how votes are tallied.
type ConsensusStrategy string

const (
	StrategyMajority  ConsensusStrategy = "majority"  // winner needs threshold share
	StrategyWeighted  ConsensusStrategy = "weighted"  // same rule, caller weights matter
	StrategyUnanimous ConsensusStrategy = "unanimous" // everyone must agree
)

// DefaultConsensusThreshold is the winning share required of the total
// weight.
const DefaultConsensusThreshold = 0.6

// ConsensusOptions tune the consensus pattern.
type ConsensusOptions struct {
	Options   []string
	Strategy  ConsensusStrategy  // default majority
	Threshold float64            // clamped to [0.5, 1.0], default 0.6
	Weights   map[string]float64 // per-agent, default 1.0
}

// Vote is one agent's parsed choice.
type Vote struct {
	AgentID    string  `json:"agent_id"`
	Option     string  `json:"option"`
	Confidence float64 `json:"confidence"`
}

// ConsensusData is what the consensus pattern returns in Result.Data.
type ConsensusData struct {
	Consensus   bool               `json:"consensus"`
	Winner      string             `json:"winner,omitempty"`
	Votes       []Vote             `json:"votes"`
	Tally       map[string]float64 `json:"tally"`
	TotalWeight float64            `json:"total_weight"`
}

// Consensus has agents vote on a closed option list.
type Consensus struct {
	runner *Runner
	logger *zap.Logger
}

// NewConsensus builds the executor.
func NewConsensus(runner *Runner, logger *zap.Logger) *Consensus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consensus{runner: runner, logger: logger}
}

// Execute asks every agent to pick an option, then tallies. Weights of
// failed agents are excluded from the total, so consensus is computed
// over the agents that actually voted.
func (c *Consensus) Execute(ctx context.Context, agentIDs []string, task weft.Task, opts ConsensusOptions) (*weft.PatternResult, error) {
	if err := validateAgents(agentIDs, 1); err != nil {
		return nil, err
	}
	if len(opts.Options) < 2 {
		return nil, weft.Errorf(weft.KindInvalidInput,
			"consensus requires at least 2 options, got %d", len(opts.Options))
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyMajority
	}
	threshold := clampThreshold(opts.Threshold)
	started := time.Now()

	voteTask := task
	voteTask.Text = votePrompt(task.Text, opts.Options)
	outcomes := c.runner.InvokeAll(ctx, agentIDs, voteTask)

	result := &weft.PatternResult{}
	collect(result, outcomes)

	data := ConsensusData{Tally: make(map[string]float64)}
	for _, o := range succeeded(outcomes) {
		vote, ok := parseVote(o.Output, opts.Options)
		if !ok {
			result.Failures = append(result.Failures, weft.AgentFailure{
				AgentID: o.AgentID,
				Kind:    weft.KindAgentFailure,
				Reason:  "reply did not name one of the options",
			})
			continue
		}
		vote.AgentID = o.AgentID

		weight := 1.0
		if w, has := opts.Weights[o.AgentID]; has {
			weight = w
		}
		// Every strategy tallies weight times confidence; the strategy
		// only changes the acceptance rule in decide.
		data.Tally[vote.Option] += weight * vote.Confidence
		data.TotalWeight += weight
		data.Votes = append(data.Votes, vote)
	}

	data.Winner, data.Consensus = decide(data, strategy, threshold, len(data.Votes))
	result.Data = data
	result.Success = data.Consensus
	result.DurationMs = time.Since(started).Milliseconds()

	c.logger.Debug("consensus pattern finished",
		zap.String("strategy", string(strategy)),
		zap.Bool("consensus", data.Consensus),
		zap.String("winner", data.Winner))
	return result, nil
}

// decide picks the winning option, lexicographic on ties, and checks it
// against the strategy's acceptance rule.
func decide(data ConsensusData, strategy ConsensusStrategy, threshold float64, voters int) (string, bool) {
	if len(data.Votes) == 0 || data.TotalWeight == 0 {
		return "", false
	}

	options := make([]string, 0, len(data.Tally))
	for o := range data.Tally {
		options = append(options, o)
	}
	sort.Strings(options)

	winner := options[0]
	for _, o := range options[1:] {
		if data.Tally[o] > data.Tally[winner] {
			winner = o
		}
	}

	switch strategy {
	case StrategyUnanimous:
		// Every voter picked the winner.
		if len(data.Tally) == 1 && voters > 0 {
			return winner, true
		}
		return "", false
	default:
		if data.Tally[winner] >= threshold*data.TotalWeight {
			return winner, true
		}
		return "", false
	}
}

func clampThreshold(t float64) float64 {
	if t == 0 {
		return DefaultConsensusThreshold
	}
	if t < 0.5 {
		return 0.5
	}
	if t > 1.0 {
		return 1.0
	}
	return t
}

func votePrompt(task string, options []string) string {
	return fmt.Sprintf(`%s

Choose exactly one of the following options: %s
Reply with JSON: {"option": "<your choice>", "confidence": <0.0-1.0>}`,
		task, strings.Join(options, ", "))
}

// parseVote reads an agent's reply. JSON is preferred; a bare mention of
// exactly one option is accepted with confidence 0.5.
func parseVote(output string, options []string) (Vote, bool) {
	body := strings.TrimSpace(output)
	if i := strings.Index(body, "{"); i >= 0 {
		if j := strings.LastIndex(body, "}"); j > i {
			var v Vote
			if err := json.Unmarshal([]byte(body[i:j+1]), &v); err == nil {
				if opt, ok := matchOption(v.Option, options); ok {
					if v.Confidence <= 0 || v.Confidence > 1 {
						v.Confidence = 0.5
					}
					v.Option = opt
					return v, true
				}
			}
		}
	}

	// Fallback: the reply names exactly one known option.
	var found string
	lower := strings.ToLower(body)
	for _, opt := range options {
		if strings.Contains(lower, strings.ToLower(opt)) {
			if found != "" {
				return Vote{}, false
			}
			found = opt
		}
	}
	if found == "" {
		return Vote{}, false
	}
	return Vote{Option: found, Confidence: 0.5}, true
}

func matchOption(choice string, options []string) (string, bool) {
	choice = strings.TrimSpace(strings.ToLower(choice))
	for _, opt := range options {
		if strings.ToLower(opt) == choice {
			return opt, true
		}
	}
	return "", false
}
