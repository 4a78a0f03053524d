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

func reviewData(t *testing.T, res *weft.PatternResult) ReviewData {
	t.Helper()
	data, ok := res.Data.(ReviewData)
	require.True(t, ok)
	return data
}

func TestReviewSingleRound(t *testing.T) {
	driver := newScriptDriver(func(agentID string, call int, task weft.Task) (*weft.InvocationResult, error) {
		if agentID == "creator" {
			if call == 1 {
				return &weft.InvocationResult{Output: "draft artefact"}, nil
			}
			return &weft.InvocationResult{Output: "revised artefact"}, nil
		}
		if !strings.Contains(task.Text, "draft artefact") {
			return nil, errors.New("review prompt missing artefact")
		}
		return &weft.InvocationResult{Output: "change X, from " + agentID}, nil
	})
	r := NewReview(fastRunner(t, driver, sourceFor("creator", "r1", "r2")), zaptest.NewLogger(t))

	res, err := r.Execute(context.Background(), []string{"creator", "r1", "r2"}, weft.Task{Text: "write it"}, ReviewOptions{})

	require.NoError(t, err)
	assert.True(t, res.Success)
	data := reviewData(t, res)
	assert.Equal(t, "revised artefact", data.Final)
	require.Len(t, data.Rounds, 1)
	assert.Equal(t, "draft artefact", data.Rounds[0].Artefact)
	require.Len(t, data.Rounds[0].Reviews, 2)
	assert.False(t, data.Accepted)
}

func TestReviewAcceptedMarkerStopsEarly(t *testing.T) {
	driver := newScriptDriver(func(agentID string, call int, _ weft.Task) (*weft.InvocationResult, error) {
		if agentID == "creator" {
			switch call {
			case 1:
				return &weft.InvocationResult{Output: "v1"}, nil
			case 2:
				return &weft.InvocationResult{Output: "v2"}, nil
			default:
				return &weft.InvocationResult{Output: "v3 final\nACCEPTED"}, nil
			}
		}
		return &weft.InvocationResult{Output: "nitpick"}, nil
	})
	r := NewReview(fastRunner(t, driver, sourceFor("creator", "r1")), zaptest.NewLogger(t))

	res, err := r.Execute(context.Background(), []string{"creator", "r1"}, weft.Task{Text: "t"}, ReviewOptions{Rounds: 5})

	require.NoError(t, err)
	data := reviewData(t, res)
	assert.True(t, data.Accepted)
	assert.Len(t, data.Rounds, 2, "marker in round 2 ends the loop")
	assert.Equal(t, "v3 final", data.Final, "marker line is stripped")
}

func TestReviewCreatorFailureFailsPattern(t *testing.T) {
	driver := newScriptDriver(func(agentID string, _ int, _ weft.Task) (*weft.InvocationResult, error) {
		if agentID == "creator" {
			return nil, errors.New("creator offline")
		}
		return &weft.InvocationResult{Output: "review"}, nil
	})
	r := NewReview(fastRunner(t, driver, sourceFor("creator", "r1")), zaptest.NewLogger(t))

	res, err := r.Execute(context.Background(), []string{"creator", "r1"}, weft.Task{Text: "t"}, ReviewOptions{})

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Failures)
	assert.Empty(t, reviewData(t, res).Final)
}

func TestReviewReviewerFailureTolerated(t *testing.T) {
	driver := newScriptDriver(func(agentID string, call int, _ weft.Task) (*weft.InvocationResult, error) {
		switch {
		case agentID == "r2":
			return nil, errors.New("reviewer down")
		case agentID == "creator" && call == 1:
			return &weft.InvocationResult{Output: "draft"}, nil
		case agentID == "creator":
			return &weft.InvocationResult{Output: "final"}, nil
		}
		return &weft.InvocationResult{Output: "looks fine"}, nil
	})
	r := NewReview(fastRunner(t, driver, sourceFor("creator", "r1", "r2")), zaptest.NewLogger(t))

	res, err := r.Execute(context.Background(), []string{"creator", "r1", "r2"}, weft.Task{Text: "t"}, ReviewOptions{})

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "final", reviewData(t, res).Final)
	assert.NotEmpty(t, res.Failures)
}

func TestReviewExplicitCreator(t *testing.T) {
	driver := newScriptDriver(func(agentID string, _ int, _ weft.Task) (*weft.InvocationResult, error) {
		return &weft.InvocationResult{Output: "out from " + agentID}, nil
	})
	r := NewReview(fastRunner(t, driver, sourceFor("a1", "a2")), zaptest.NewLogger(t))

	res, err := r.Execute(context.Background(), []string{"a1", "a2"}, weft.Task{Text: "t"}, ReviewOptions{CreatorID: "a2"})

	require.NoError(t, err)
	assert.Equal(t, "out from a2", reviewData(t, res).Final)
}

func TestStripAccepted(t *testing.T) {
	body, ok := stripAccepted("the artefact\nACCEPTED")
	assert.True(t, ok)
	assert.Equal(t, "the artefact", body)

	body, ok = stripAccepted("mentions ACCEPTED inline only")
	assert.False(t, ok)
	assert.Equal(t, "mentions ACCEPTED inline only", body)
}
