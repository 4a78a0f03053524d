// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package embedding

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
)

// BreakerState is the current mode of the circuit breaker.
type BreakerState int

const (
	StateClosed   BreakerState = iota // backend healthy, requests flow
	StateOpen                         // backend disabled, requests rejected
	StateHalfOpen                     // single probe in flight
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes the circuit breaker protecting the vector backend.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	Cooldown         time.Duration // open duration before a half-open probe
	OnStateChange    func(from, to BreakerState)
}

// DefaultBreakerConfig returns the production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         60 * time.Second,
	}
}

// Breaker guards the embedding backend against cascading failures. While
// open every call is rejected immediately; after the cooldown a single
// probe is admitted and its outcome decides between closed and open.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probing     bool
	config      BreakerConfig
	logger      *zap.Logger
}

// NewBreaker creates a closed breaker. Zero config fields fall back to
// DefaultBreakerConfig values.
func NewBreaker(config BreakerConfig, logger *zap.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{state: StateClosed, config: config, logger: logger}
}

// Execute runs op under breaker control. When the breaker is open and the
// cooldown has not elapsed, op is not invoked and a KindEmbeddingUnavailable
// error is returned.
func (b *Breaker) Execute(op func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := op()
	b.after(err)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailure) >= b.config.Cooldown {
			b.setState(StateHalfOpen)
			b.probing = true
			b.logger.Info("embedding breaker half-open",
				zap.Duration("cooldown", b.config.Cooldown))
			return nil
		}
		return weft.Errorf(weft.KindEmbeddingUnavailable,
			"embedding backend circuit open, retry after %v",
			b.config.Cooldown-time.Since(b.lastFailure))
	case StateHalfOpen:
		// One probe at a time. Concurrent callers wait out the probe.
		if b.probing {
			return weft.Errorf(weft.KindEmbeddingUnavailable,
				"embedding backend probe in flight")
		}
		b.probing = true
		return nil
	}
	return weft.Errorf(weft.KindEmbeddingUnavailable, "embedding breaker in unknown state")
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.probing = false
			b.setState(StateClosed)
			b.logger.Info("embedding breaker closed", zap.String("reason", "probe succeeded"))
		}
		return
	}

	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.setState(StateOpen)
			b.logger.Warn("embedding breaker opened",
				zap.Int("consecutive_failures", b.failures),
				zap.Duration("cooldown", b.config.Cooldown),
				zap.Error(err))
		}
	case StateHalfOpen:
		b.probing = false
		b.setState(StateOpen)
		b.logger.Warn("embedding breaker reopened",
			zap.String("reason", "probe failed"), zap.Error(err))
	}
}

func (b *Breaker) setState(next BreakerState) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(prev, next)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Open reports whether calls are currently being rejected without a probe.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && time.Since(b.lastFailure) < b.config.Cooldown
}

// Reset closes the breaker immediately.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.setState(StateClosed)
}
