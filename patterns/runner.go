// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package patterns implements the five execution strategies: parallel,
// consensus, debate, review and ensemble. All of them dispatch agents
// through a shared runner that handles timeouts, retries and failure
// capture; an executor never aborts on an optional agent's failure.
package patterns

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
)

// Runner defaults.
const (
	DefaultTimeout     = 60 * time.Second
	DefaultMaxRetries  = 3
	DefaultBackoffBase = time.Second
	DefaultJitter      = 0.2
)

// Source resolves agent ids to definitions. *registry.Registry
// satisfies it.
type Source interface {
	GetByName(name string) *weft.AgentDefinition
}

// RunnerOptions tune per-agent invocation.
type RunnerOptions struct {
	Timeout     time.Duration // per attempt
	MaxRetries  int
	BackoffBase time.Duration
	Jitter      float64 // backoff jitter fraction, 0.2 = ±20%
}

// Runner invokes agents through the driver with retry and timeout
// handling shared by every pattern.
type Runner struct {
	driver weft.AgentDriver
	agents Source
	logger *zap.Logger
	opts   RunnerOptions
}

// NewRunner builds a Runner. Zero option fields take the defaults.
func NewRunner(driver weft.AgentDriver, agents Source, logger *zap.Logger, opts RunnerOptions) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.Jitter <= 0 || opts.Jitter >= 1 {
		opts.Jitter = DefaultJitter
	}
	return &Runner{driver: driver, agents: agents, logger: logger, opts: opts}
}

// Invoke runs one agent to completion, retrying transient failures with
// exponential backoff. Context cancellation is never retried.
func (r *Runner) Invoke(ctx context.Context, agentID string, task weft.Task) weft.AgentOutcome {
	started := time.Now()
	outcome := weft.AgentOutcome{AgentID: agentID}

	def := r.agents.GetByName(agentID)
	if def == nil {
		outcome.Err = weft.Errorf(weft.KindNotFound, "agent %q not registered", agentID)
		outcome.DurationMs = time.Since(started).Milliseconds()
		return outcome
	}

	var lastErr error
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
		res, err := r.driver.Invoke(attemptCtx, def, task)
		cancel()

		if err == nil && res != nil {
			if attempt > 0 {
				r.logger.Info("agent retry succeeded",
					zap.String("agent", agentID), zap.Int("attempt", attempt+1))
			}
			outcome.Output = res.Output
			outcome.Tokens = res.Tokens
			outcome.Model = res.Model
			outcome.Quality = res.Quality
			outcome.DurationMs = time.Since(started).Milliseconds()
			return outcome
		}
		if err == nil {
			err = errors.New("driver returned no result")
		}
		lastErr = err

		// The caller's cancellation ends the loop immediately.
		if ctx.Err() != nil {
			outcome.Err = weft.WrapKind(weft.KindCancelled, ctx.Err())
			outcome.DurationMs = time.Since(started).Milliseconds()
			return outcome
		}
		if attempt >= r.opts.MaxRetries {
			break
		}

		delay := r.backoff(attempt)
		r.logger.Warn("agent invocation failed, retrying",
			zap.String("agent", agentID),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			outcome.Err = weft.WrapKind(weft.KindCancelled, ctx.Err())
			outcome.DurationMs = time.Since(started).Milliseconds()
			return outcome
		case <-time.After(delay):
		}
	}

	kind := weft.KindAgentFailure
	if errors.Is(lastErr, context.DeadlineExceeded) {
		kind = weft.KindTimeout
	}
	outcome.Err = weft.WrapKind(kind, lastErr)
	outcome.DurationMs = time.Since(started).Milliseconds()
	return outcome
}

// backoff is base*2^attempt with ±jitter applied.
func (r *Runner) backoff(attempt int) time.Duration {
	d := float64(r.opts.BackoffBase) * float64(int64(1)<<uint(attempt))
	d *= 1 + r.opts.Jitter*(2*rand.Float64()-1)
	return time.Duration(d)
}

// InvokeAll fans agentIDs out concurrently and returns outcomes in input
// order.
func (r *Runner) InvokeAll(ctx context.Context, agentIDs []string, task weft.Task) []weft.AgentOutcome {
	outcomes := make([]weft.AgentOutcome, len(agentIDs))
	var wg sync.WaitGroup
	for i, id := range agentIDs {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			outcomes[i] = r.Invoke(ctx, id, task)
		}(i, id)
	}
	wg.Wait()
	return outcomes
}

// collect folds outcomes into the shared result fields.
func collect(result *weft.PatternResult, outcomes []weft.AgentOutcome) {
	for _, o := range outcomes {
		result.PerAgent = append(result.PerAgent, o)
		result.Tokens.Add(o.Tokens)
		if o.Err != nil {
			result.Failures = append(result.Failures, weft.AgentFailure{
				AgentID: o.AgentID,
				Kind:    weft.KindOf(o.Err),
				Reason:  o.Err.Error(),
			})
		}
	}
}

// succeeded filters outcomes without an error, preserving order.
func succeeded(outcomes []weft.AgentOutcome) []weft.AgentOutcome {
	out := make([]weft.AgentOutcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err == nil {
			out = append(out, o)
		}
	}
	return out
}

func validateAgents(agentIDs []string, minimum int) error {
	if len(agentIDs) < minimum {
		return weft.Errorf(weft.KindInvalidInput,
			"pattern requires at least %d agent(s), got %d", minimum, len(agentIDs))
	}
	return nil
}
