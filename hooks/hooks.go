// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package hooks implements the lifecycle stage pipeline. Critical work
// (memory save/load, cost accounting) runs here so that its completion is
// part of the caller's control flow; optional work runs on the event bus
// instead.
package hooks

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Stage names used by the orchestrator.
const (
	BeforeExecution        = "beforeExecution"
	AfterExecution         = "afterExecution"
	OnError                = "onError"
	BeforeAgentExecution   = "beforeAgentExecution"
	AfterAgentExecution    = "afterAgentExecution"
	BeforePatternSelection = "beforePatternSelection"
	AfterPatternSelection  = "afterPatternSelection"
)

// Handler transforms the pipeline value. The returned value is passed to
// the next handler in the stage.
type Handler func(ctx context.Context, input any) (any, error)

// Options control how a handler participates in its stage.
type Options struct {
	// Priority orders handlers ascending; ties break by registration order.
	Priority int

	// Isolated handlers cannot fail the pipeline: their error is logged and
	// the previous value is forwarded to the next handler.
	Isolated bool
}

type registration struct {
	id       string
	handler  Handler
	priority int
	seq      int
	isolated bool
}

// StageMetrics aggregates per-stage execution counters.
type StageMetrics struct {
	Executions    int64
	Successes     int64
	Failures      int64
	TotalDuration time.Duration
}

// Registry holds the ordered handler pipelines keyed by stage name. Safe
// for concurrent use; registration while a stage executes affects only
// subsequent executions.
type Registry struct {
	mu      sync.RWMutex
	stages  map[string][]registration
	metrics map[string]*StageMetrics
	logger  *zap.Logger
	seq     int
}

// NewRegistry creates an empty hook registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		stages:  make(map[string][]registration),
		metrics: make(map[string]*StageMetrics),
		logger:  logger,
	}
}

// Register adds a handler to a stage pipeline.
func (r *Registry) Register(stage, id string, handler Handler, opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	regs := append(r.stages[stage], registration{
		id:       id,
		handler:  handler,
		priority: opts.Priority,
		seq:      r.seq,
		isolated: opts.Isolated,
	})
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].seq < regs[j].seq
	})
	r.stages[stage] = regs
}

// Unregister removes a handler by id. Unknown ids are ignored.
func (r *Registry) Unregister(stage, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.stages[stage]
	for i, reg := range regs {
		if reg.id == id {
			r.stages[stage] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Execute runs the stage pipeline sequentially. Each handler receives the
// previous handler's return value. A non-isolated handler error stops the
// pipeline and is surfaced to the caller together with the last good value.
func (r *Registry) Execute(ctx context.Context, stage string, input any) (any, error) {
	r.mu.RLock()
	regs := make([]registration, len(r.stages[stage]))
	copy(regs, r.stages[stage])
	r.mu.RUnlock()

	start := time.Now()
	value := input
	var failed error

	for _, reg := range regs {
		out, err := reg.handler(ctx, value)
		if err != nil {
			if reg.isolated {
				r.logger.Warn("isolated hook failed, forwarding previous value",
					zap.String("stage", stage),
					zap.String("hook_id", reg.id),
					zap.Error(err))
				continue
			}
			r.logger.Error("hook failed, stopping stage",
				zap.String("stage", stage),
				zap.String("hook_id", reg.id),
				zap.Error(err))
			failed = err
			break
		}
		value = out
	}

	r.record(stage, time.Since(start), failed == nil)
	return value, failed
}

func (r *Registry) record(stage string, d time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.metrics[stage]
	if m == nil {
		m = &StageMetrics{}
		r.metrics[stage] = m
	}
	m.Executions++
	if ok {
		m.Successes++
	} else {
		m.Failures++
	}
	m.TotalDuration += d
}

// Metrics returns a snapshot of the stage's counters.
func (r *Registry) Metrics(stage string) StageMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m := r.metrics[stage]; m != nil {
		return *m
	}
	return StageMetrics{}
}

// Handlers returns the registered handler ids for a stage, in pipeline
// order.
func (r *Registry) Handlers(stage string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.stages[stage]))
	for _, reg := range r.stages[stage] {
		ids = append(ids, reg.id)
	}
	return ids
}
