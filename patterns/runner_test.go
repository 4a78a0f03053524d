// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package patterns

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/weft"
)

// fakeSource resolves any listed name to a minimal definition.
type fakeSource struct {
	agents map[string]*weft.AgentDefinition
}

func sourceFor(names ...string) *fakeSource {
	s := &fakeSource{agents: make(map[string]*weft.AgentDefinition, len(names))}
	for _, n := range names {
		s.agents[n] = &weft.AgentDefinition{Name: n, Model: "claude-sonnet-4-5"}
	}
	return s
}

func (s *fakeSource) GetByName(name string) *weft.AgentDefinition { return s.agents[name] }

// scriptDriver answers per agent from a reply function. Safe for
// concurrent use.
type scriptDriver struct {
	mu    sync.Mutex
	calls map[string]int
	reply func(agentID string, call int, task weft.Task) (*weft.InvocationResult, error)
}

func newScriptDriver(reply func(agentID string, call int, task weft.Task) (*weft.InvocationResult, error)) *scriptDriver {
	return &scriptDriver{calls: make(map[string]int), reply: reply}
}

func (d *scriptDriver) Invoke(ctx context.Context, agent *weft.AgentDefinition, task weft.Task) (*weft.InvocationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.calls[agent.Name]++
	call := d.calls[agent.Name]
	d.mu.Unlock()
	return d.reply(agent.Name, call, task)
}

func (d *scriptDriver) callCount(agentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[agentID]
}

// echoDriver replies with a fixed output per agent.
func echoDriver(replies map[string]string) *scriptDriver {
	return newScriptDriver(func(agentID string, _ int, _ weft.Task) (*weft.InvocationResult, error) {
		return &weft.InvocationResult{Output: replies[agentID], Tokens: weft.TokenUsage{Input: 10, Output: 5}}, nil
	})
}

func fastRunner(t *testing.T, driver weft.AgentDriver, agents Source) *Runner {
	t.Helper()
	return NewRunner(driver, agents, zaptest.NewLogger(t), RunnerOptions{
		Timeout:     time.Second,
		BackoffBase: time.Millisecond,
	})
}

func TestInvokeRetriesTransientFailure(t *testing.T) {
	driver := newScriptDriver(func(_ string, call int, _ weft.Task) (*weft.InvocationResult, error) {
		if call < 3 {
			return nil, errors.New("upstream hiccup")
		}
		return &weft.InvocationResult{Output: "ok"}, nil
	})
	r := fastRunner(t, driver, sourceFor("a1"))

	out := r.Invoke(context.Background(), "a1", weft.Task{Text: "t"})

	require.NoError(t, out.Err)
	assert.Equal(t, "ok", out.Output)
	assert.Equal(t, 3, driver.callCount("a1"))
}

func TestInvokeExhaustsRetries(t *testing.T) {
	driver := newScriptDriver(func(string, int, weft.Task) (*weft.InvocationResult, error) {
		return nil, errors.New("always down")
	})
	r := fastRunner(t, driver, sourceFor("a1"))

	out := r.Invoke(context.Background(), "a1", weft.Task{Text: "t"})

	require.Error(t, out.Err)
	assert.Equal(t, weft.KindAgentFailure, weft.KindOf(out.Err))
	// Initial attempt plus MaxRetries.
	assert.Equal(t, 1+DefaultMaxRetries, driver.callCount("a1"))
}

func TestInvokeUnknownAgent(t *testing.T) {
	r := fastRunner(t, echoDriver(nil), sourceFor("a1"))

	out := r.Invoke(context.Background(), "ghost", weft.Task{Text: "t"})

	require.Error(t, out.Err)
	assert.Equal(t, weft.KindNotFound, weft.KindOf(out.Err))
}

func TestInvokeTimeoutKind(t *testing.T) {
	driver := newScriptDriver(func(string, int, weft.Task) (*weft.InvocationResult, error) {
		return nil, context.DeadlineExceeded
	})
	r := fastRunner(t, driver, sourceFor("a1"))

	out := r.Invoke(context.Background(), "a1", weft.Task{Text: "t"})

	require.Error(t, out.Err)
	assert.Equal(t, weft.KindTimeout, weft.KindOf(out.Err))
}

func TestInvokeCancellationNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	driver := newScriptDriver(func(string, int, weft.Task) (*weft.InvocationResult, error) {
		cancel()
		return nil, ctx.Err()
	})
	r := fastRunner(t, driver, sourceFor("a1"))

	out := r.Invoke(ctx, "a1", weft.Task{Text: "t"})

	require.Error(t, out.Err)
	assert.Equal(t, weft.KindCancelled, weft.KindOf(out.Err))
	assert.Equal(t, 1, driver.callCount("a1"))
}

func TestInvokeAllPreservesOrder(t *testing.T) {
	driver := newScriptDriver(func(agentID string, _ int, _ weft.Task) (*weft.InvocationResult, error) {
		if agentID == "a1" {
			// The slowest agent must still land in slot 0.
			time.Sleep(20 * time.Millisecond)
		}
		return &weft.InvocationResult{Output: "from " + agentID}, nil
	})
	r := fastRunner(t, driver, sourceFor("a1", "a2", "a3"))

	outs := r.InvokeAll(context.Background(), []string{"a1", "a2", "a3"}, weft.Task{Text: "t"})

	require.Len(t, outs, 3)
	for i, id := range []string{"a1", "a2", "a3"} {
		assert.Equal(t, id, outs[i].AgentID)
		assert.True(t, strings.HasSuffix(outs[i].Output, id))
	}
}

func TestCollectAggregatesTokensAndFailures(t *testing.T) {
	result := &weft.PatternResult{}
	collect(result, []weft.AgentOutcome{
		{AgentID: "a1", Tokens: weft.TokenUsage{Input: 100, Output: 50}},
		{AgentID: "a2", Err: weft.Errorf(weft.KindTimeout, "deadline")},
	})

	assert.Equal(t, int64(100), result.Tokens.Input)
	assert.Equal(t, int64(50), result.Tokens.Output)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "a2", result.Failures[0].AgentID)
	assert.Equal(t, weft.KindTimeout, result.Failures[0].Kind)
}
