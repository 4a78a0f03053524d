// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package orchestrator is the public façade of the engine. It wires the
// lifecycle hooks, the event bus, memory retrieval, persistence and cost
// accounting around the pattern executors, and owns the async consumers
// that vectorize and categorize completed runs.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
	"github.com/teradata-labs/weft/bus"
	"github.com/teradata-labs/weft/categorize"
	"github.com/teradata-labs/weft/cost"
	"github.com/teradata-labs/weft/embedding"
	"github.com/teradata-labs/weft/hooks"
	"github.com/teradata-labs/weft/patterns"
	"github.com/teradata-labs/weft/registry"
	"github.com/teradata-labs/weft/retrieval"
	"github.com/teradata-labs/weft/store"
)

// Event topics emitted by the orchestrator.
const (
	TopicStarting = "orchestration:starting"
	TopicRunning  = "orchestration:running"
	TopicDone     = "orchestration:done"
	TopicWarning  = "orchestration:warning"
	TopicComplete = "orchestrator:execution:complete"
)

// Config tunes the execute pipeline. Zero values take the defaults.
type Config struct {
	// InvokeTimeout bounds one agent attempt. Default 60s.
	InvokeTimeout time.Duration
	// Retries per agent invocation. Default 3.
	Retries int
	// RetryBase is the backoff base. Default 1s.
	RetryBase time.Duration
	// MemoryEnabled gates context loading and saving. On by default;
	// only an explicit opt-out disables it.
	MemoryEnabled bool
	// MemoryTokenBudget caps the assembled memory context. Default 2000.
	MemoryTokenBudget int
}

func (c Config) withDefaults() Config {
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = patterns.DefaultTimeout
	}
	if c.Retries <= 0 {
		c.Retries = patterns.DefaultMaxRetries
	}
	if c.RetryBase <= 0 {
		c.RetryBase = patterns.DefaultBackoffBase
	}
	if c.MemoryTokenBudget <= 0 {
		c.MemoryTokenBudget = 2000
	}
	return c
}

// Deps carries the orchestrator's collaborators. Driver, Bus and Hooks
// are required; everything else is optional and its absence disables the
// corresponding pipeline step.
type Deps struct {
	Driver      weft.AgentDriver
	Agents      *registry.Registry
	Bus         *bus.Bus
	Hooks       *hooks.Registry
	Store       *store.Store
	Retriever   *retrieval.Retriever
	Index       *embedding.Index
	Categorizer *categorize.Categorizer
	Ledger      *cost.Ledger
	Logger      *zap.Logger
}

// ExecuteOptions carry per-run overrides and the pattern-specific knobs.
type ExecuteOptions struct {
	// Timeout bounds the whole run. Zero derives it from the pattern.
	Timeout time.Duration

	Parallel  patterns.ParallelOptions
	Consensus patterns.ConsensusOptions
	Debate    patterns.DebateOptions
	Review    patterns.ReviewOptions
	Ensemble  patterns.EnsembleOptions
}

// Result is what every Execute call returns to the caller.
type Result struct {
	OrchestrationID string              `json:"orchestration_id"`
	Pattern         weft.Pattern        `json:"pattern"`
	AgentIDs        []string            `json:"agent_ids"`
	Success         bool                `json:"success"`
	Reason          string              `json:"reason,omitempty"` // "cancelled" or "timeout"
	Data            any                 `json:"data,omitempty"`
	PerAgent        []weft.AgentOutcome `json:"per_agent"`
	DurationMs      int64               `json:"duration_ms"`
	Tokens          weft.TokenUsage     `json:"tokens"`
	Errors          []weft.AgentFailure `json:"errors,omitempty"`
	Warnings        []string            `json:"warnings,omitempty"`
	MemoryContext   string              `json:"-"`
	Persisted       bool                `json:"persisted"`
}

// PatternMetrics counts runs per pattern.
type PatternMetrics struct {
	Started   int64
	Completed int64
	Failed    int64
	Cancelled int64
}

// Summary is the payload of TopicComplete, consumed asynchronously by
// the embedding and categorization subscribers.
type Summary struct {
	OrchestrationID string
	Pattern         weft.Pattern
	AgentIDs        []string
	TaskText        string
	Output          string
	Success         bool
	StartedAt       time.Time
	DurationMs      int64
	Tokens          weft.TokenUsage
	Model           string
}

// Orchestrator dispatches tasks to pattern executors and runs the
// surrounding lifecycle pipeline.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	agents    *agentSource
	runner    *patterns.Runner
	parallel  *patterns.Parallel
	consensus *patterns.Consensus
	debate    *patterns.Debate
	review    *patterns.Review
	ensemble  *patterns.Ensemble

	mu      sync.Mutex
	metrics map[weft.Pattern]*PatternMetrics
	subs    []*bus.Subscription
}

// New wires an orchestrator from its collaborators.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Driver == nil {
		return nil, weft.Errorf(weft.KindInvalidInput, "orchestrator requires an agent driver")
	}
	if deps.Bus == nil {
		return nil, weft.Errorf(weft.KindInvalidInput, "orchestrator requires an event bus")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Hooks == nil {
		deps.Hooks = hooks.NewRegistry(logger)
	}
	cfg = cfg.withDefaults()

	agents := &agentSource{registry: deps.Agents, manual: make(map[string]*weft.AgentDefinition)}
	runner := patterns.NewRunner(deps.Driver, agents, logger, patterns.RunnerOptions{
		Timeout:     cfg.InvokeTimeout,
		MaxRetries:  cfg.Retries,
		BackoffBase: cfg.RetryBase,
	})

	o := &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		logger:    logger,
		agents:    agents,
		runner:    runner,
		parallel:  patterns.NewParallel(runner, logger),
		consensus: patterns.NewConsensus(runner, logger),
		debate:    patterns.NewDebate(runner, logger),
		review:    patterns.NewReview(runner, logger),
		ensemble:  patterns.NewEnsemble(runner, logger),
		metrics:   make(map[weft.Pattern]*PatternMetrics),
	}
	o.attachConsumers()
	return o, nil
}

// Register adds an agent definition directly, shadowing any file-based
// definition of the same name.
func (o *Orchestrator) Register(def *weft.AgentDefinition) error {
	if def == nil || def.Name == "" || def.Model == "" {
		return weft.Errorf(weft.KindInvalidInput, "agent definition requires name and model")
	}
	o.agents.register(def)
	return nil
}

// Discover loads agent definitions from a directory tree.
func (o *Orchestrator) Discover(rootPath string) (int, error) {
	reg := registry.New(rootPath, o.logger)
	n, err := reg.Load()
	if err != nil {
		return 0, err
	}
	o.agents.swap(reg)
	return n, nil
}

// Agent resolves a definition by name.
func (o *Orchestrator) Agent(name string) *weft.AgentDefinition {
	return o.agents.GetByName(name)
}

// Execute runs one orchestration end to end: beforeExecution hooks,
// memory load, budget gate, pattern dispatch, afterExecution persistence
// and cost accounting, then the async completion fan-out.
func (o *Orchestrator) Execute(ctx context.Context, pattern weft.Pattern, agentIDs []string, task weft.Task, opts ExecuteOptions) (*Result, error) {
	if !pattern.Valid() {
		return nil, weft.Errorf(weft.KindInvalidInput, "unknown pattern %q", pattern)
	}
	if len(agentIDs) == 0 {
		return nil, weft.Errorf(weft.KindInvalidInput, "at least one agent is required")
	}

	id := weft.NewOrchestrationID()
	startedAt := time.Now()

	if err := o.budgetGate(ctx); err != nil {
		return nil, err
	}
	if o.cfg.MemoryEnabled && o.deps.Retriever != nil {
		task.MemoryContext = o.loadMemory(ctx, task.Text, agentIDs, pattern)
	}

	env := &Envelope{
		OrchestrationID: id,
		Pattern:         pattern,
		AgentIDs:        agentIDs,
		Task:            task,
	}
	if out, err := o.deps.Hooks.Execute(ctx, hooks.BeforeExecution, env); err != nil {
		return o.onError(ctx, env, fmt.Errorf("beforeExecution: %w", err))
	} else if e, ok := out.(*Envelope); ok {
		env = e
		task = env.Task
	}

	o.deps.Bus.Publish(ctx, TopicStarting, Summary{
		OrchestrationID: id, Pattern: pattern, AgentIDs: agentIDs,
		TaskText: task.Text, StartedAt: startedAt,
	})
	o.count(pattern, func(m *PatternMetrics) { m.Started++ })

	runCtx, cancel := context.WithTimeout(ctx, o.runTimeout(pattern, opts))
	defer cancel()
	o.deps.Bus.Publish(ctx, TopicRunning, Summary{OrchestrationID: id, Pattern: pattern, AgentIDs: agentIDs})

	pres, err := o.dispatch(runCtx, pattern, agentIDs, task, opts)
	if err != nil {
		o.count(pattern, func(m *PatternMetrics) { m.Failed++ })
		return o.onError(ctx, env, err)
	}

	res := &Result{
		OrchestrationID: id,
		Pattern:         pattern,
		AgentIDs:        agentIDs,
		Success:         pres.Success,
		Data:            pres.Data,
		PerAgent:        pres.PerAgent,
		DurationMs:      time.Since(startedAt).Milliseconds(),
		Tokens:          pres.Tokens,
		Errors:          pres.Failures,
		MemoryContext:   task.MemoryContext,
	}
	if reason := cancelReason(runCtx, pres); reason != "" {
		res.Success = false
		res.Reason = reason
		o.count(pattern, func(m *PatternMetrics) { m.Cancelled++ })
	} else if res.Success {
		o.count(pattern, func(m *PatternMetrics) { m.Completed++ })
	} else {
		o.count(pattern, func(m *PatternMetrics) { m.Failed++ })
	}

	summary := o.afterExecution(ctx, env, res, task, startedAt)

	// Async fan-out happens after afterExecution; the caller never waits
	// on the consumers. The publish context is detached so a cancelled
	// run still announces its completion.
	fanCtx := context.WithoutCancel(ctx)
	o.deps.Bus.Publish(fanCtx, TopicComplete, summary)
	o.deps.Bus.Publish(fanCtx, TopicDone, summary)

	return res, nil
}

// Metrics returns the per-pattern counters.
func (o *Orchestrator) Metrics(pattern weft.Pattern) PatternMetrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	if m := o.metrics[pattern]; m != nil {
		return *m
	}
	return PatternMetrics{}
}

// Close cancels the async consumers.
func (o *Orchestrator) Close() {
	for _, s := range o.subs {
		s.Cancel()
	}
}

// Envelope travels through the hook stages.
type Envelope struct {
	OrchestrationID string
	Pattern         weft.Pattern
	AgentIDs        []string
	Task            weft.Task
	Result          *Result // set for afterExecution and onError
	Err             error   // set for onError
}

func (o *Orchestrator) budgetGate(ctx context.Context) error {
	if o.deps.Ledger == nil || !o.deps.Ledger.Enforcing() {
		return nil
	}
	status, err := o.deps.Ledger.BudgetStatus(ctx)
	if err != nil {
		o.logger.Warn("budget status unavailable, admitting run", zap.Error(err))
		return nil
	}
	if status.Daily.Status == cost.StatusExceeded || status.Monthly.Status == cost.StatusExceeded {
		return weft.Errorf(weft.KindBudgetExceeded,
			"budget exhausted: daily $%.2f of $%.2f, monthly $%.2f of $%.2f",
			status.Daily.SpentUSD, status.Daily.LimitUSD,
			status.Monthly.SpentUSD, status.Monthly.LimitUSD)
	}
	return nil
}

func (o *Orchestrator) loadMemory(ctx context.Context, taskText string, agentIDs []string, pattern weft.Pattern) string {
	res := o.deps.Retriever.Retrieve(ctx, retrieval.Request{
		TaskText:  taskText,
		AgentIDs:  agentIDs,
		Pattern:   pattern,
		MaxTokens: o.cfg.MemoryTokenBudget,
	})
	if res == nil || !res.Loaded {
		return ""
	}
	return res.Render()
}

func (o *Orchestrator) dispatch(ctx context.Context, pattern weft.Pattern, agentIDs []string, task weft.Task, opts ExecuteOptions) (*weft.PatternResult, error) {
	switch pattern {
	case weft.PatternParallel:
		return o.parallel.Execute(ctx, agentIDs, task, opts.Parallel)
	case weft.PatternConsensus:
		return o.consensus.Execute(ctx, agentIDs, task, opts.Consensus)
	case weft.PatternDebate:
		return o.debate.Execute(ctx, agentIDs, task, opts.Debate)
	case weft.PatternReview:
		return o.review.Execute(ctx, agentIDs, task, opts.Review)
	case weft.PatternEnsemble:
		return o.ensemble.Execute(ctx, agentIDs, task, opts.Ensemble)
	default:
		return nil, weft.Errorf(weft.KindInvalidInput, "unknown pattern %q", pattern)
	}
}

// runTimeout derives the whole-run bound: debate and review scale with
// their round count, everything else gets one invocation window plus
// retry headroom.
func (o *Orchestrator) runTimeout(pattern weft.Pattern, opts ExecuteOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	base := o.cfg.InvokeTimeout
	switch pattern {
	case weft.PatternDebate:
		rounds := opts.Debate.Rounds
		if rounds <= 0 {
			rounds = patterns.DefaultDebateRounds
		}
		return base * time.Duration(rounds+1)
	case weft.PatternReview:
		rounds := opts.Review.Rounds
		if rounds <= 0 {
			rounds = patterns.DefaultReviewRounds
		}
		return base * time.Duration(rounds+1)
	default:
		return base * time.Duration(o.cfg.Retries+1)
	}
}

// afterExecution persists the run and its cost, then runs the hook
// stage. Store degradation downgrades persistence to a warning so the
// run itself still succeeds.
func (o *Orchestrator) afterExecution(ctx context.Context, env *Envelope, res *Result, task weft.Task, startedAt time.Time) Summary {
	output := renderData(res.Data)
	model := o.modelFor(res.AgentIDs)

	orch := &weft.Orchestration{
		ID:         res.OrchestrationID,
		Pattern:    res.Pattern,
		AgentIDs:   res.AgentIDs,
		TaskText:   task.Text,
		Result:     output,
		Success:    res.Success,
		StartedAt:  startedAt,
		DurationMs: res.DurationMs,
		Tokens:     res.Tokens,
		Model:      model,
	}

	// Cancelled runs still record their partial results, so the writes
	// run on a detached context.
	writeCtx, cancelWrite := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelWrite()

	if o.deps.Store != nil && o.cfg.MemoryEnabled {
		if _, err := o.deps.Store.RecordOrchestration(writeCtx, orch); err != nil {
			res.Warnings = append(res.Warnings, "persistence unavailable")
			o.deps.Bus.Publish(writeCtx, TopicWarning, Summary{
				OrchestrationID: res.OrchestrationID,
				Pattern:         res.Pattern,
				AgentIDs:        res.AgentIDs,
				Success:         res.Success,
			})
			o.logger.Warn("orchestration not persisted, continuing memory-only",
				zap.String("orchestration_id", res.OrchestrationID),
				zap.Error(err))
		} else {
			res.Persisted = true
		}
	}
	if o.deps.Ledger != nil && res.Tokens.Total() > 0 {
		if _, err := o.deps.Ledger.RecordUsage(writeCtx, res.OrchestrationID, model, res.Tokens); err != nil {
			o.logger.Warn("usage not recorded", zap.Error(err))
		}
	}

	env.Result = res
	if _, err := o.deps.Hooks.Execute(ctx, hooks.AfterExecution, env); err != nil {
		o.logger.Error("afterExecution hook failed", zap.Error(err))
	}

	return Summary{
		OrchestrationID: res.OrchestrationID,
		Pattern:         res.Pattern,
		AgentIDs:        res.AgentIDs,
		TaskText:        task.Text,
		Output:          output,
		Success:         res.Success,
		StartedAt:       startedAt,
		DurationMs:      res.DurationMs,
		Tokens:          res.Tokens,
		Model:           model,
	}
}

// onError runs the onError stage. A handler that attaches a Result to
// the envelope replaces the error with that result for the caller.
func (o *Orchestrator) onError(ctx context.Context, env *Envelope, err error) (*Result, error) {
	env.Err = err
	out, hookErr := o.deps.Hooks.Execute(ctx, hooks.OnError, env)
	if hookErr != nil {
		o.logger.Error("onError hook failed", zap.Error(hookErr))
		return nil, err
	}
	if e, ok := out.(*Envelope); ok && e.Result != nil {
		return e.Result, nil
	}
	return nil, err
}

func (o *Orchestrator) count(pattern weft.Pattern, f func(*PatternMetrics)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := o.metrics[pattern]
	if m == nil {
		m = &PatternMetrics{}
		o.metrics[pattern] = m
	}
	f(m)
}

// modelFor picks the recorded model: the first resolvable agent's.
func (o *Orchestrator) modelFor(agentIDs []string) string {
	for _, id := range agentIDs {
		if def := o.agents.GetByName(id); def != nil {
			return def.Model
		}
	}
	return ""
}

// cancelReason distinguishes a cancelled run from a timed-out one. A
// pattern that finished before the deadline keeps its own result even
// if the context fired afterwards.
func cancelReason(ctx context.Context, pres *weft.PatternResult) string {
	err := ctx.Err()
	if err == nil {
		return ""
	}
	interrupted := false
	for _, f := range pres.Failures {
		if f.Kind == weft.KindCancelled || f.Kind == weft.KindTimeout {
			interrupted = true
			break
		}
	}
	if !interrupted && pres.Success {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "cancelled"
}

func renderData(data any) string {
	if data == nil {
		return ""
	}
	if s, ok := data.(string); ok {
		return s
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(raw)
}

// agentSource resolves names against manual registrations first, then
// the file registry.
type agentSource struct {
	mu       sync.RWMutex
	registry *registry.Registry
	manual   map[string]*weft.AgentDefinition
}

func (s *agentSource) GetByName(name string) *weft.AgentDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if def, ok := s.manual[name]; ok {
		return def
	}
	if s.registry != nil {
		return s.registry.GetByName(name)
	}
	return nil
}

func (s *agentSource) register(def *weft.AgentDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manual[def.Name] = def
}

func (s *agentSource) swap(reg *registry.Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry = reg
}
