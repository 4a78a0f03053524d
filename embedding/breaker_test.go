// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package embedding

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teradata-labs/weft"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute}, zaptest.NewLogger(t))
	boom := errors.New("backend down")

	for i := 0; i < 3; i++ {
		assert.Equal(t, StateClosed, b.State())
		err := b.Execute(func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, StateOpen, b.State())

	// Rejected without invoking the operation.
	called := false
	err := b.Execute(func() error { called = true; return nil })
	assert.True(t, weft.IsKind(err, weft.KindEmbeddingUnavailable))
	assert.False(t, called)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute}, zaptest.NewLogger(t))
	boom := errors.New("flaky")

	require.Error(t, b.Execute(func() error { return boom }))
	require.Error(t, b.Execute(func() error { return boom }))
	require.NoError(t, b.Execute(func() error { return nil }))
	require.Error(t, b.Execute(func() error { return boom }))
	require.Error(t, b.Execute(func() error { return boom }))
	assert.Equal(t, StateClosed, b.State(), "interleaved successes keep the breaker closed")
}

func TestBreakerProbeClosesAfterCooldown(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond}, zaptest.NewLogger(t))

	require.Error(t, b.Execute(func() error { return errors.New("down") }))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond}, zaptest.NewLogger(t))

	require.Error(t, b.Execute(func() error { return errors.New("down") }))
	time.Sleep(20 * time.Millisecond)
	require.Error(t, b.Execute(func() error { return errors.New("still down") }))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		OnStateChange: func(from, to BreakerState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}, zaptest.NewLogger(t))

	require.Error(t, b.Execute(func() error { return errors.New("down") }))
	b.Reset()
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}
