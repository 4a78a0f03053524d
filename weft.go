// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package weft defines the shared domain types of the weft orchestration
// engine: patterns, orchestrations, observations, agent definitions, and the
// contracts consumed from external collaborators (agent drivers, embedding
// backends, token counters).
package weft

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Pattern identifies a collaboration pattern.
type Pattern string

const (
	PatternParallel  Pattern = "parallel"
	PatternConsensus Pattern = "consensus"
	PatternDebate    Pattern = "debate"
	PatternReview    Pattern = "review"
	PatternEnsemble  Pattern = "ensemble"
)

// Patterns lists every supported pattern in a stable order.
func Patterns() []Pattern {
	return []Pattern{PatternParallel, PatternConsensus, PatternDebate, PatternReview, PatternEnsemble}
}

// Valid reports whether p is one of the supported patterns.
func (p Pattern) Valid() bool {
	switch p {
	case PatternParallel, PatternConsensus, PatternDebate, PatternReview, PatternEnsemble:
		return true
	}
	return false
}

func (p Pattern) String() string { return string(p) }

// ParsePattern converts a string into a Pattern.
func ParsePattern(s string) (Pattern, error) {
	p := Pattern(s)
	if !p.Valid() {
		return "", Errorf(KindInvalidInput, "unknown pattern %q", s)
	}
	return p, nil
}

// TokenUsage counts tokens consumed by one or more LLM calls.
type TokenUsage struct {
	Input       int64 `json:"input"`
	Output      int64 `json:"output"`
	CacheCreate int64 `json:"cache_create"`
	CacheRead   int64 `json:"cache_read"`
}

// Total returns the sum of all token classes.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output + u.CacheCreate + u.CacheRead
}

// Add accumulates another usage into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.CacheCreate += other.CacheCreate
	u.CacheRead += other.CacheRead
}

// Task is the work handed to the agents of an orchestration. Payload is
// opaque to the engine; only Text is inspected (keyword search, token
// estimation).
type Task struct {
	Text    string            `json:"text"`
	Payload map[string]string `json:"payload,omitempty"`

	// MemoryContext is filled in by the orchestrator before dispatch when
	// memory is enabled. Drivers receive it verbatim.
	MemoryContext string `json:"memory_context,omitempty"`
}

// Orchestration is the persisted record of one pattern execution.
type Orchestration struct {
	ID         string     `json:"id"`
	Pattern    Pattern    `json:"pattern"`
	AgentIDs   []string   `json:"agent_ids"`
	TaskText   string     `json:"task_text"`
	Result     string     `json:"result"`
	Success    bool       `json:"success"`
	StartedAt  time.Time  `json:"started_at"`
	DurationMs int64      `json:"duration_ms"`
	Tokens     TokenUsage `json:"tokens"`
	Model      string     `json:"model,omitempty"`

	// Observations are attached asynchronously after the run completes and
	// are only populated on reads that request them.
	Observations []Observation `json:"observations,omitempty"`
}

// NewOrchestrationID returns a time-ordered opaque identifier.
func NewOrchestrationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ObservationType classifies a learning extracted from an orchestration.
type ObservationType string

const (
	ObservationDecision     ObservationType = "decision"
	ObservationBugfix       ObservationType = "bugfix"
	ObservationFeature      ObservationType = "feature"
	ObservationPatternUsage ObservationType = "pattern-usage"
	ObservationDiscovery    ObservationType = "discovery"
	ObservationRefactor     ObservationType = "refactor"
)

// Valid reports whether t is one of the closed observation type set.
func (t ObservationType) Valid() bool {
	switch t {
	case ObservationDecision, ObservationBugfix, ObservationFeature,
		ObservationPatternUsage, ObservationDiscovery, ObservationRefactor:
		return true
	}
	return false
}

// NormalizeObservationType maps unknown types to pattern-usage.
func NormalizeObservationType(t ObservationType) ObservationType {
	if t.Valid() {
		return t
	}
	return ObservationPatternUsage
}

// MaxObservationConcepts caps the concept tags stored per observation.
const MaxObservationConcepts = 5

// Observation is a typed learning extracted from a completed orchestration.
type Observation struct {
	ID              string            `json:"id"`
	OrchestrationID string            `json:"orchestration_id"`
	Type            ObservationType   `json:"type"`
	Text            string            `json:"text"`
	Concepts        []string          `json:"concepts,omitempty"`
	Importance      int               `json:"importance"`
	AgentInsights   map[string]string `json:"agent_insights,omitempty"`
	Source          string            `json:"source"` // "ai" or "rule"
}

// ClampImportance bounds an importance score to [1,10].
func ClampImportance(v int) int {
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}

// Priority orders agents when best-match scoring ties.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank returns a numeric rank, higher wins.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// AgentDefinition is a declaratively described agent loaded from the
// registry. Name and Model are required; everything else is optional.
type AgentDefinition struct {
	Name         string         `yaml:"name"`
	DisplayName  string         `yaml:"display_name"`
	Model        string         `yaml:"model"`
	Temperature  float64        `yaml:"temperature"`
	MaxTokens    int            `yaml:"max_tokens"`
	Capabilities []string       `yaml:"capabilities"`
	Category     string         `yaml:"category"`
	Phase        string         `yaml:"phase"`
	Priority     Priority       `yaml:"priority"`
	Tools        []string       `yaml:"tools"`
	Tags         []string       `yaml:"tags"`
	Extra        map[string]any `yaml:"-"` // unrecognized metadata keys, preserved

	// Instructions is the free-form body following the metadata preamble.
	Instructions string `yaml:"-"`

	// Path is the file the definition was loaded from.
	Path string `yaml:"-"`
}

// AgentOutcome captures one agent's contribution to a pattern run.
type AgentOutcome struct {
	AgentID    string     `json:"agent_id"`
	Output     string     `json:"output"`
	Tokens     TokenUsage `json:"tokens"`
	Model      string     `json:"model,omitempty"`
	Quality    float64    `json:"quality,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	Err        error      `json:"-"`
}

// MarshalJSON renders Err as its message so outcomes survive the trip
// through the store's JSON columns.
func (o AgentOutcome) MarshalJSON() ([]byte, error) {
	type alias AgentOutcome
	return json.Marshal(struct {
		alias
		Error string `json:"error,omitempty"`
	}{alias: alias(o), Error: errString(o.Err)})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// AgentFailure records a per-agent failure inside a pattern run.
type AgentFailure struct {
	AgentID string    `json:"agent_id"`
	Kind    ErrorKind `json:"kind"`
	Reason  string    `json:"reason"`
}

// PatternResult is what every pattern executor returns.
type PatternResult struct {
	Success    bool           `json:"success"`
	Data       any            `json:"data,omitempty"`
	PerAgent   []AgentOutcome `json:"per_agent"`
	DurationMs int64          `json:"duration_ms"`
	Tokens     TokenUsage     `json:"tokens"`
	Failures   []AgentFailure `json:"failures,omitempty"`
}

// CollaborationKey builds the canonical key for a set of collaborating
// agents: the sorted, deduplicated agent ids joined with "+".
func CollaborationKey(agentIDs []string) string {
	seen := make(map[string]struct{}, len(agentIDs))
	uniq := make([]string, 0, len(agentIDs))
	for _, id := range agentIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	sort.Strings(uniq)
	key := ""
	for i, id := range uniq {
		if i > 0 {
			key += "+"
		}
		key += id
	}
	return key
}
