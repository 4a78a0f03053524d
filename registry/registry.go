// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package registry loads declarative agent files from a directory tree
// and indexes them for lookup and capability-based matching. Files carry
// a YAML front-matter preamble followed by free-form instructions.
package registry

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
)

// Best-match scoring weights.
const (
	capabilityScore = 3
	phaseScore      = 2
	modelScore      = 1
)

// MatchSpec describes what BestMatch is looking for.
type MatchSpec struct {
	Capabilities []string // required capabilities, at least one must match
	Phase        string
	Model        string // preferred model, optional
}

// index holds all lookup maps. It is rebuilt wholesale on every load and
// swapped in under the registry lock, so readers never observe a
// half-built state.
type index struct {
	byName       map[string]*weft.AgentDefinition
	byCategory   map[string][]*weft.AgentDefinition
	byPhase      map[string][]*weft.AgentDefinition
	byCapability map[string][]*weft.AgentDefinition
	byTag        map[string][]*weft.AgentDefinition
	byModel      map[string][]*weft.AgentDefinition
	all          []*weft.AgentDefinition
}

func newIndex() *index {
	return &index{
		byName:       make(map[string]*weft.AgentDefinition),
		byCategory:   make(map[string][]*weft.AgentDefinition),
		byPhase:      make(map[string][]*weft.AgentDefinition),
		byCapability: make(map[string][]*weft.AgentDefinition),
		byTag:        make(map[string][]*weft.AgentDefinition),
		byModel:      make(map[string][]*weft.AgentDefinition),
	}
}

func (ix *index) insert(def *weft.AgentDefinition) error {
	if _, dup := ix.byName[def.Name]; dup {
		return fmt.Errorf("duplicate agent name %q", def.Name)
	}
	ix.byName[def.Name] = def
	ix.byCategory[def.Category] = append(ix.byCategory[def.Category], def)
	if def.Phase != "" {
		ix.byPhase[def.Phase] = append(ix.byPhase[def.Phase], def)
	}
	for _, c := range def.Capabilities {
		ix.byCapability[c] = append(ix.byCapability[c], def)
	}
	for _, t := range def.Tags {
		ix.byTag[t] = append(ix.byTag[t], def)
	}
	ix.byModel[def.Model] = append(ix.byModel[def.Model], def)
	ix.all = append(ix.all, def)
	return nil
}

// Registry is a reloadable collection of agent definitions. Lookups are
// cheap map reads; Reload swaps the whole index atomically.
type Registry struct {
	root   string
	logger *zap.Logger

	mu  sync.RWMutex
	idx *index
}

// New creates an empty registry rooted at dir. Call Load to populate it.
func New(dir string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{root: dir, logger: logger, idx: newIndex()}
}

// Root returns the directory the registry loads from.
func (r *Registry) Root() string { return r.root }

// Load walks the root directory and indexes every parseable agent file.
// Files that fail to parse are logged and skipped; the rest still load.
// Returns the number of agents loaded.
func (r *Registry) Load() (int, error) {
	next := newIndex()
	var rejected int

	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != r.root {
				return filepath.SkipDir
			}
			return nil
		}
		if !isAgentFile(d.Name()) {
			return nil
		}

		def, perr := parseFile(path)
		if perr != nil {
			rejected++
			r.logger.Warn("rejecting agent file",
				zap.String("path", path), zap.Error(perr))
			return nil
		}
		if ierr := next.insert(def); ierr != nil {
			rejected++
			r.logger.Warn("rejecting agent file",
				zap.String("path", path), zap.Error(ierr))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walk agent directory %s: %w", r.root, err)
	}

	sort.Slice(next.all, func(i, j int) bool { return next.all[i].Name < next.all[j].Name })

	r.mu.Lock()
	r.idx = next
	r.mu.Unlock()

	r.logger.Info("agent registry loaded",
		zap.String("dir", r.root),
		zap.Int("agents", len(next.all)),
		zap.Int("rejected", rejected))
	return len(next.all), nil
}

// Reload is Load under its intention-revealing name, used by Watch.
func (r *Registry) Reload() (int, error) { return r.Load() }

func isAgentFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".txt", ".agent":
		return true
	}
	return false
}

// GetByName returns the agent or nil.
func (r *Registry) GetByName(name string) *weft.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idx.byName[name]
}

// GetByCategory returns agents in a category.
func (r *Registry) GetByCategory(category string) []*weft.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*weft.AgentDefinition(nil), r.idx.byCategory[category]...)
}

// GetByPhase returns agents declaring the phase.
func (r *Registry) GetByPhase(phase string) []*weft.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*weft.AgentDefinition(nil), r.idx.byPhase[phase]...)
}

// GetByCapability returns agents declaring the capability.
func (r *Registry) GetByCapability(capability string) []*weft.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*weft.AgentDefinition(nil), r.idx.byCapability[capability]...)
}

// GetByTag returns agents carrying the tag.
func (r *Registry) GetByTag(tag string) []*weft.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*weft.AgentDefinition(nil), r.idx.byTag[tag]...)
}

// GetByModel returns agents pinned to the model.
func (r *Registry) GetByModel(model string) []*weft.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*weft.AgentDefinition(nil), r.idx.byModel[model]...)
}

// All returns every loaded agent, sorted by name.
func (r *Registry) All() []*weft.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*weft.AgentDefinition(nil), r.idx.all...)
}

// Len returns the number of loaded agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.idx.all)
}

// BestMatch scores every agent against spec: +3 per matched capability,
// +2 for a phase match, +1 for the preferred model. Agents matching no
// capability are out; ties resolve by priority then name. Returns nil
// when nothing matches.
func (r *Registry) BestMatch(spec MatchSpec) *weft.AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *weft.AgentDefinition
	bestScore := 0

	for _, def := range r.idx.all {
		matched := 0
		for _, want := range spec.Capabilities {
			for _, have := range def.Capabilities {
				if have == want {
					matched++
					break
				}
			}
		}
		if matched == 0 {
			continue
		}

		score := matched * capabilityScore
		if spec.Phase != "" && def.Phase == spec.Phase {
			score += phaseScore
		}
		if spec.Model != "" && def.Model == spec.Model {
			score += modelScore
		}

		if best == nil || score > bestScore ||
			(score == bestScore && beats(def, best)) {
			best = def
			bestScore = score
		}
	}
	return best
}

func beats(a, b *weft.AgentDefinition) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	return a.Name < b.Name
}

// Diagnostics re-walks the tree and returns per-file parse errors
// without mutating the live index. Useful for operator tooling.
func (r *Registry) Diagnostics(ctx context.Context) map[string]error {
	out := make(map[string]error)
	_ = filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil || d.IsDir() || !isAgentFile(d.Name()) {
			return err
		}
		if _, perr := parseFile(path); perr != nil {
			out[path] = perr
		}
		return nil
	})
	return out
}
