// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package patterns

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/weft"
)

// constEmbedder returns the same vector for every text, which makes any
// two revisions cosine-identical.
type constEmbedder struct{}

func (constEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (constEmbedder) Query(context.Context, string, int, map[string]string) ([]weft.EmbeddingHit, error) {
	return nil, nil
}
func (constEmbedder) Upsert(context.Context, []weft.EmbeddingItem) error { return nil }
func (constEmbedder) Delete(context.Context, []string) error             { return nil }

func debateData(t *testing.T, res *weft.PatternResult) DebateData {
	t.Helper()
	data, ok := res.Data.(DebateData)
	require.True(t, ok)
	return data
}

func TestDebateRunsRoundsAndRecordsHistory(t *testing.T) {
	driver := newScriptDriver(func(agentID string, call int, task weft.Task) (*weft.InvocationResult, error) {
		if agentID == "synth" {
			switch call {
			case 1:
				return &weft.InvocationResult{Output: "draft one"}, nil
			case 2:
				return &weft.InvocationResult{Output: "draft two with fixes"}, nil
			default:
				return &weft.InvocationResult{Output: "draft three polished"}, nil
			}
		}
		// Critics must see the current proposal in their prompt.
		if !strings.Contains(task.Text, "draft") {
			return nil, errors.New("critique prompt missing proposal")
		}
		return &weft.InvocationResult{Output: "needs work, from " + agentID}, nil
	})
	d := NewDebate(fastRunner(t, driver, sourceFor("synth", "c1", "c2")), zaptest.NewLogger(t))

	res, err := d.Execute(context.Background(), []string{"synth", "c1", "c2"}, weft.Task{Text: "design it"}, DebateOptions{Rounds: 3})

	require.NoError(t, err)
	assert.True(t, res.Success)
	data := debateData(t, res)
	assert.Equal(t, "draft three polished", data.Final)
	require.Len(t, data.Rounds, 3)
	assert.Equal(t, "draft one", data.Rounds[0].Proposal)
	assert.Empty(t, data.Rounds[0].Critiques)
	require.Len(t, data.Rounds[1].Critiques, 2)
	assert.Equal(t, "c1", data.Rounds[1].Critiques[0].AgentID)
	assert.False(t, data.Converged)
}

func TestDebateStopsOnIdenticalRevision(t *testing.T) {
	driver := newScriptDriver(func(agentID string, call int, _ weft.Task) (*weft.InvocationResult, error) {
		if agentID == "synth" {
			if call == 1 {
				return &weft.InvocationResult{Output: "first draft"}, nil
			}
			return &weft.InvocationResult{Output: "the settled answer"}, nil
		}
		return &weft.InvocationResult{Output: "fine"}, nil
	})
	d := NewDebate(fastRunner(t, driver, sourceFor("synth", "c1")), zaptest.NewLogger(t))

	res, err := d.Execute(context.Background(), []string{"synth", "c1"}, weft.Task{Text: "t"}, DebateOptions{Rounds: 5})

	require.NoError(t, err)
	data := debateData(t, res)
	assert.True(t, data.Converged)
	// Round 2 revises to "the settled answer", round 3 repeats it.
	assert.Len(t, data.Rounds, 3)
	assert.Equal(t, "the settled answer", data.Final)
}

func TestDebateEmbeddingConvergence(t *testing.T) {
	driver := newScriptDriver(func(agentID string, call int, _ weft.Task) (*weft.InvocationResult, error) {
		if agentID == "synth" {
			outputs := []string{"alpha", "beta", "gamma", "delta"}
			return &weft.InvocationResult{Output: outputs[(call-1)%len(outputs)]}, nil
		}
		return &weft.InvocationResult{Output: "critique"}, nil
	})
	d := NewDebate(fastRunner(t, driver, sourceFor("synth", "c1")), zaptest.NewLogger(t))

	// Texts differ every round but the embedder maps them to the same
	// vector, so the cosine check stops the debate at round 2.
	res, err := d.Execute(context.Background(), []string{"synth", "c1"}, weft.Task{Text: "t"}, DebateOptions{
		Rounds:   4,
		Embedder: constEmbedder{},
	})

	require.NoError(t, err)
	data := debateData(t, res)
	assert.True(t, data.Converged)
	assert.Len(t, data.Rounds, 2)
}

func TestDebateSynthesizerFailureFailsPattern(t *testing.T) {
	driver := newScriptDriver(func(agentID string, call int, _ weft.Task) (*weft.InvocationResult, error) {
		if agentID == "synth" && call > 1 {
			return nil, errors.New("synthesizer crashed")
		}
		return &weft.InvocationResult{Output: "content from " + agentID}, nil
	})
	d := NewDebate(fastRunner(t, driver, sourceFor("synth", "c1")), zaptest.NewLogger(t))

	res, err := d.Execute(context.Background(), []string{"synth", "c1"}, weft.Task{Text: "t"}, DebateOptions{Rounds: 3})

	require.NoError(t, err)
	assert.False(t, res.Success)
	data := debateData(t, res)
	assert.Equal(t, "content from synth", data.Final, "last good proposal is kept")
	assert.NotEmpty(t, res.Failures)
}

func TestDebateCriticFailureTolerated(t *testing.T) {
	driver := newScriptDriver(func(agentID string, call int, _ weft.Task) (*weft.InvocationResult, error) {
		if agentID == "c2" {
			return nil, errors.New("critic down")
		}
		if agentID == "synth" {
			if call == 1 {
				return &weft.InvocationResult{Output: "v1"}, nil
			}
			return &weft.InvocationResult{Output: "v-final"}, nil
		}
		return &weft.InvocationResult{Output: "ok"}, nil
	})
	d := NewDebate(fastRunner(t, driver, sourceFor("synth", "c1", "c2")), zaptest.NewLogger(t))

	res, err := d.Execute(context.Background(), []string{"synth", "c1", "c2"}, weft.Task{Text: "t"}, DebateOptions{Rounds: 2})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.Failures)
	assert.Equal(t, "v-final", debateData(t, res).Final)
}

func TestTokenJaccard(t *testing.T) {
	assert.InDelta(t, 1.0, tokenJaccard("same words here", "same words here"), 1e-9)
	assert.InDelta(t, 0.5, tokenJaccard("a b c", "a b d"), 1e-9)
	assert.InDelta(t, 0.0, tokenJaccard("x y", "p q"), 1e-9)
}
