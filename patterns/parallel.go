// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package patterns

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
)

// Synthesizer combines per-agent outcomes into the pattern's data. Only
// successful outcomes are passed in.
type Synthesizer func(outcomes []weft.AgentOutcome) any

// ParallelOptions tune the parallel pattern.
type ParallelOptions struct {
	// RequireAll makes success depend on every agent instead of any.
	RequireAll bool
	// Synthesize overrides the default ordered-outputs synthesis.
	Synthesize Synthesizer
}

// Parallel dispatches all agents at once and aggregates whatever comes
// back.
type Parallel struct {
	runner *Runner
	logger *zap.Logger
}

// NewParallel builds the executor.
func NewParallel(runner *Runner, logger *zap.Logger) *Parallel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parallel{runner: runner, logger: logger}
}

// Execute runs every agent concurrently and waits for all of them.
func (p *Parallel) Execute(ctx context.Context, agentIDs []string, task weft.Task, opts ParallelOptions) (*weft.PatternResult, error) {
	if err := validateAgents(agentIDs, 1); err != nil {
		return nil, err
	}
	started := time.Now()

	outcomes := p.runner.InvokeAll(ctx, agentIDs, task)

	result := &weft.PatternResult{}
	collect(result, outcomes)

	ok := succeeded(outcomes)
	if opts.RequireAll {
		result.Success = len(ok) == len(agentIDs)
	} else {
		result.Success = len(ok) > 0
	}

	synthesize := opts.Synthesize
	if synthesize == nil {
		synthesize = orderedOutputs
	}
	result.Data = synthesize(ok)
	result.DurationMs = time.Since(started).Milliseconds()

	p.logger.Debug("parallel pattern finished",
		zap.Int("agents", len(agentIDs)),
		zap.Int("succeeded", len(ok)),
		zap.Bool("success", result.Success))
	return result, nil
}

// orderedOutputs is the default synthesis: each successful agent's
// output in dispatch order.
func orderedOutputs(outcomes []weft.AgentOutcome) any {
	outputs := make([]string, len(outcomes))
	for i, o := range outcomes {
		outputs[i] = o.Output
	}
	return outputs
}
