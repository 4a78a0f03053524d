// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/weft"
	"github.com/teradata-labs/weft/bus"
	"github.com/teradata-labs/weft/categorize"
	"github.com/teradata-labs/weft/cost"
	"github.com/teradata-labs/weft/embedding"
	"github.com/teradata-labs/weft/hooks"
	"github.com/teradata-labs/weft/patterns"
	"github.com/teradata-labs/weft/store"
)

func testAgent(name string) *weft.AgentDefinition {
	return &weft.AgentDefinition{Name: name, Model: "claude-sonnet-4-5"}
}

// harness bundles an orchestrator with the collaborators a test needs.
type harness struct {
	orch  *Orchestrator
	bus   *bus.Bus
	hooks *hooks.Registry
	store *store.Store
}

func newHarness(t *testing.T, driver weft.AgentDriver, mutate func(*Deps, *Config)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	s, err := store.Open(filepath.Join(t.TempDir(), "orchestrations.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	b := bus.New(logger, bus.Options{})
	t.Cleanup(b.Close)
	h := hooks.NewRegistry(logger)

	deps := Deps{
		Driver: driver,
		Bus:    b,
		Hooks:  h,
		Store:  s,
		Logger: logger,
	}
	cfg := Config{MemoryEnabled: true, InvokeTimeout: 2 * time.Second, RetryBase: time.Millisecond}
	if mutate != nil {
		mutate(&deps, &cfg)
	}

	o, err := New(deps, cfg)
	require.NoError(t, err)
	t.Cleanup(o.Close)

	require.NoError(t, o.Register(testAgent("a1")))
	require.NoError(t, o.Register(testAgent("a2")))
	return &harness{orch: o, bus: b, hooks: h, store: s}
}

func okDriver(output string) weft.AgentDriver {
	return weft.AgentDriverFunc(func(_ context.Context, agent *weft.AgentDefinition, _ weft.Task) (*weft.InvocationResult, error) {
		return &weft.InvocationResult{
			Output: output + " from " + agent.Name,
			Tokens: weft.TokenUsage{Input: 100, Output: 50},
		}, nil
	})
}

func TestExecuteParallelEndToEnd(t *testing.T) {
	h := newHarness(t, okDriver("answer"), nil)

	res, err := h.orch.Execute(context.Background(), weft.PatternParallel,
		[]string{"a1", "a2"}, weft.Task{Text: "summarize the report"}, ExecuteOptions{})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.OrchestrationID)
	assert.Len(t, res.PerAgent, 2)
	assert.Equal(t, int64(200), res.Tokens.Input)
	assert.True(t, res.Persisted)

	// Run is visible in the store with the pipeline's own id.
	got, err := h.store.GetByID(context.Background(), res.OrchestrationID, false)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, weft.PatternParallel, got.Pattern)
	assert.Equal(t, "claude-sonnet-4-5", got.Model)

	m := h.orch.Metrics(weft.PatternParallel)
	assert.Equal(t, int64(1), m.Started)
	assert.Equal(t, int64(1), m.Completed)

	require.Eventually(t, func() bool {
		return len(h.bus.History(TopicDone, 1)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, h.bus.History(TopicStarting, 10), 1)
	assert.Len(t, h.bus.History(TopicComplete, 10), 1)
}

func TestExecuteRejectsBadInput(t *testing.T) {
	h := newHarness(t, okDriver("x"), nil)

	_, err := h.orch.Execute(context.Background(), weft.Pattern("pipeline"), []string{"a1"}, weft.Task{Text: "t"}, ExecuteOptions{})
	assert.Equal(t, weft.KindInvalidInput, weft.KindOf(err))

	_, err = h.orch.Execute(context.Background(), weft.PatternParallel, nil, weft.Task{Text: "t"}, ExecuteOptions{})
	assert.Equal(t, weft.KindInvalidInput, weft.KindOf(err))
}

func TestExecuteBudgetGate(t *testing.T) {
	var ledger *cost.Ledger
	h := newHarness(t, okDriver("x"), func(deps *Deps, _ *Config) {
		ledger = cost.New(deps.Store.DB(), deps.Bus, zaptest.NewLogger(t), cost.Config{
			DailyLimitUSD: 0.01,
			Enforce:       true,
		})
		deps.Ledger = ledger
	})

	// Burn past the daily limit, then the gate must fail fast.
	_, err := ledger.RecordUsage(context.Background(), "prior-run", "claude-sonnet-4-5", weft.TokenUsage{Input: 1_000_000})
	require.NoError(t, err)

	_, err = h.orch.Execute(context.Background(), weft.PatternParallel, []string{"a1"}, weft.Task{Text: "t"}, ExecuteOptions{})
	require.Error(t, err)
	assert.Equal(t, weft.KindBudgetExceeded, weft.KindOf(err))
}

func TestStoreOutageDowngradesToWarning(t *testing.T) {
	h := newHarness(t, okDriver("answer"), nil)

	// Take the persistence file away mid-flight.
	require.NoError(t, h.store.Close())

	res, err := h.orch.Execute(context.Background(), weft.PatternParallel,
		[]string{"a1", "a2"}, weft.Task{Text: "summarize the report"}, ExecuteOptions{})

	require.NoError(t, err)
	assert.True(t, res.Success, "a store outage must not fail the run")
	assert.False(t, res.Persisted)
	assert.Contains(t, res.Warnings, "persistence unavailable")

	require.Eventually(t, func() bool {
		return len(h.bus.History(TopicWarning, 10)) == 1
	}, 2*time.Second, 10*time.Millisecond, "exactly one warning event")
}

func TestExecuteRecordsUsage(t *testing.T) {
	var ledger *cost.Ledger
	h := newHarness(t, okDriver("x"), func(deps *Deps, _ *Config) {
		ledger = cost.New(deps.Store.DB(), deps.Bus, zaptest.NewLogger(t), cost.Config{DailyLimitUSD: 100})
		deps.Ledger = ledger
	})

	_, err := h.orch.Execute(context.Background(), weft.PatternParallel, []string{"a1"}, weft.Task{Text: "t"}, ExecuteOptions{})
	require.NoError(t, err)

	stats := ledger.SessionStats()
	assert.Equal(t, int64(1), stats.Records)
	assert.Equal(t, int64(150), stats.Tokens.Total())
}

func TestBeforeExecutionHookFailureSurfaces(t *testing.T) {
	h := newHarness(t, okDriver("x"), nil)
	h.hooks.Register(hooks.BeforeExecution, "guard", func(_ context.Context, _ any) (any, error) {
		return nil, errors.New("policy veto")
	}, hooks.Options{})

	_, err := h.orch.Execute(context.Background(), weft.PatternParallel, []string{"a1"}, weft.Task{Text: "t"}, ExecuteOptions{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy veto")
}

func TestOnErrorHookReplacesResult(t *testing.T) {
	h := newHarness(t, okDriver("x"), nil)
	h.hooks.Register(hooks.BeforeExecution, "guard", func(_ context.Context, _ any) (any, error) {
		return nil, errors.New("veto")
	}, hooks.Options{})
	h.hooks.Register(hooks.OnError, "recover", func(_ context.Context, input any) (any, error) {
		env := input.(*Envelope)
		env.Result = &Result{Pattern: env.Pattern, Success: false, Reason: "recovered"}
		return env, nil
	}, hooks.Options{})

	res, err := h.orch.Execute(context.Background(), weft.PatternParallel, []string{"a1"}, weft.Task{Text: "t"}, ExecuteOptions{})

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "recovered", res.Reason)
}

func TestExecuteCancellation(t *testing.T) {
	driver := weft.AgentDriverFunc(func(ctx context.Context, _ *weft.AgentDefinition, _ weft.Task) (*weft.InvocationResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, driver, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	res, err := h.orch.Execute(ctx, weft.PatternParallel, []string{"a1", "a2"}, weft.Task{Text: "t"}, ExecuteOptions{})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "cancelled", res.Reason)
	assert.NotEmpty(t, res.Errors)

	m := h.orch.Metrics(weft.PatternParallel)
	assert.Equal(t, int64(1), m.Cancelled)

	// Partial results are still recorded.
	got, gerr := h.store.GetByID(context.Background(), res.OrchestrationID, false)
	require.NoError(t, gerr)
	require.NotNil(t, got)
	assert.False(t, got.Success)
}

func TestExecuteTimeout(t *testing.T) {
	driver := weft.AgentDriverFunc(func(ctx context.Context, _ *weft.AgentDefinition, _ weft.Task) (*weft.InvocationResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, driver, nil)

	res, err := h.orch.Execute(context.Background(), weft.PatternParallel, []string{"a1"}, weft.Task{Text: "t"}, ExecuteOptions{
		Timeout: 50 * time.Millisecond,
	})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "timeout", res.Reason)
}

// recordingBackend captures upserts for the consumer tests.
type recordingBackend struct {
	mu    sync.Mutex
	items []weft.EmbeddingItem
}

func (b *recordingBackend) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}

func (b *recordingBackend) Query(context.Context, string, int, map[string]string) ([]weft.EmbeddingHit, error) {
	return nil, nil
}

func (b *recordingBackend) Upsert(_ context.Context, items []weft.EmbeddingItem) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, items...)
	return nil
}

func (b *recordingBackend) Delete(context.Context, []string) error { return nil }

func (b *recordingBackend) ids() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.items))
	for i, it := range b.items {
		out[i] = it.ID
	}
	return out
}

func TestAsyncConsumersRunAfterExecute(t *testing.T) {
	backend := &recordingBackend{}
	h := newHarness(t, okDriver("we decided to cache aggressively"), func(deps *Deps, _ *Config) {
		deps.Index = embedding.New(backend, nil, zaptest.NewLogger(t), embedding.Options{})
		deps.Categorizer = categorize.New(nil, zaptest.NewLogger(t), categorize.Options{})
	})

	res, err := h.orch.Execute(context.Background(), weft.PatternParallel,
		[]string{"a1"}, weft.Task{Text: "we decided to adopt a write-through cache"}, ExecuteOptions{})
	require.NoError(t, err)

	// Vectorization lands with the orchestration id.
	require.Eventually(t, func() bool {
		for _, id := range backend.ids() {
			if id == res.OrchestrationID {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// Rule categorization attaches an observation.
	require.Eventually(t, func() bool {
		got, gerr := h.store.GetByID(context.Background(), res.OrchestrationID, true)
		return gerr == nil && got != nil && len(got.Observations) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got, err := h.store.GetByID(context.Background(), res.OrchestrationID, true)
	require.NoError(t, err)
	assert.Equal(t, weft.ObservationDecision, got.Observations[0].Type)
}

func TestRegisterShadowsDiscovery(t *testing.T) {
	h := newHarness(t, okDriver("x"), nil)

	require.Error(t, h.orch.Register(&weft.AgentDefinition{Name: "incomplete"}))
	require.NoError(t, h.orch.Register(&weft.AgentDefinition{Name: "a1", Model: "claude-opus-4-1"}))
	assert.Equal(t, "claude-opus-4-1", h.orch.Agent("a1").Model)
}

func TestRunTimeoutScalesWithDebateRounds(t *testing.T) {
	h := newHarness(t, okDriver("x"), nil)

	plain := h.orch.runTimeout(weft.PatternParallel, ExecuteOptions{})
	debate := h.orch.runTimeout(weft.PatternDebate, ExecuteOptions{Debate: patterns.DebateOptions{Rounds: 5}})
	assert.Greater(t, debate, plain)
}
