// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft/bus"
	"github.com/teradata-labs/weft/categorize"
	"github.com/teradata-labs/weft/config"
	"github.com/teradata-labs/weft/cost"
	anthropicdriver "github.com/teradata-labs/weft/driver/anthropic"
	"github.com/teradata-labs/weft/embedding"
	"github.com/teradata-labs/weft/embedding/chromem"
	"github.com/teradata-labs/weft/hooks"
	"github.com/teradata-labs/weft/maintenance"
	"github.com/teradata-labs/weft/orchestrator"
	"github.com/teradata-labs/weft/registry"
	"github.com/teradata-labs/weft/retrieval"
	"github.com/teradata-labs/weft/store"
	"github.com/teradata-labs/weft/tokenizer"
)

// engine bundles everything a command needs, with a single Close.
type engine struct {
	orch      *orchestrator.Orchestrator
	store     *store.Store
	ledger    *cost.Ledger
	agents    *registry.Registry
	bus       *bus.Bus
	janitor   *maintenance.Janitor
	stopWatch context.CancelFunc
}

func (e *engine) Close() {
	if e.stopWatch != nil {
		e.stopWatch()
	}
	if e.janitor != nil {
		e.janitor.Stop()
	}
	if e.orch != nil {
		e.orch.Close()
	}
	if e.bus != nil {
		e.bus.Close()
	}
	if e.store != nil {
		_ = e.store.Close()
	}
}

// openEngine wires the full stack from the loaded config.
func openEngine(cfg *config.Config, logger *zap.Logger) (*engine, error) {
	s, err := store.Open(cfg.Memory.DBPath, logger)
	if err != nil {
		return nil, err
	}

	b := bus.New(logger, bus.Options{
		HistorySize:   cfg.Bus.HistorySize,
		HandlerBudget: cfg.Bus.HandlerBudget(),
		MaxQueue:      cfg.Bus.MaxQueue,
	})

	ledger := cost.New(s.DB(), b, logger, cost.Config{
		DailyLimitUSD:     cfg.Cost.DailyBudgetUSD,
		MonthlyLimitUSD:   cfg.Cost.MonthlyBudgetUSD,
		Enforce:           cfg.Cost.Enforce,
		WarnThreshold:     cfg.Cost.WarnThreshold,
		CriticalThreshold: cfg.Cost.CriticalThreshold,
	})

	agents := registry.New(cfg.Agents.Dir, logger)
	if _, err := agents.Load(); err != nil {
		logger.Warn("agent directory not loaded", zap.String("dir", cfg.Agents.Dir), zap.Error(err))
	}

	driver, err := anthropicdriver.New(anthropicdriver.Config{}, logger)
	if err != nil {
		s.Close()
		b.Close()
		return nil, err
	}

	index := buildIndex(cfg, s, logger)
	counter := tokenizer.NewTiktoken()

	var retriever *retrieval.Retriever
	if cfg.Memory.EnableMemory {
		var searcher retrieval.SimilaritySearcher
		if index != nil {
			searcher = index
		}
		retriever = retrieval.New(s, searcher, counter, logger, retrieval.Options{
			SafetyBuffer: cfg.Memory.SafetyBuffer,
			SearchMode:   embedding.SearchMode(cfg.Embedding.SearchMode),
			CacheSize:    cfg.Memory.CacheSize,
			CacheTTL:     cfg.Memory.CacheTTL(),
		})
	}

	orch, err := orchestrator.New(orchestrator.Deps{
		Driver:      driver,
		Agents:      agents,
		Bus:         b,
		Hooks:       hooks.NewRegistry(logger),
		Store:       s,
		Retriever:   retriever,
		Index:       index,
		Categorizer: categorize.New(driver, logger, categorize.Options{}),
		Ledger:      ledger,
		Logger:      logger,
	}, orchestrator.Config{
		InvokeTimeout:     cfg.Orchestrator.Timeout(),
		Retries:           cfg.Orchestrator.Retries,
		RetryBase:         cfg.Orchestrator.RetryBase(),
		MemoryEnabled:     cfg.Memory.EnableMemory,
		MemoryTokenBudget: cfg.Memory.ContextTokenBudget,
	})
	if err != nil {
		s.Close()
		b.Close()
		return nil, err
	}

	eng := &engine{orch: orch, store: s, ledger: ledger, agents: agents, bus: b}

	if cfg.Agents.Watch {
		watchCtx, cancel := context.WithCancel(context.Background())
		eng.stopWatch = cancel
		if _, err := agents.Watch(watchCtx, registry.WatchOptions{Debounce: cfg.Agents.WatchDebounce()}); err != nil {
			logger.Warn("agent hot reload unavailable", zap.Error(err))
		}
	}

	if cfg.Maintenance.Enabled {
		eng.janitor = maintenance.New(s, ledger, logger, maintenance.Config{
			Schedule:      cfg.Maintenance.Schedule,
			RetentionDays: cfg.Maintenance.RetentionDays,
			KeepMinimum:   cfg.Maintenance.KeepMinimum,
		})
		if err := eng.janitor.Start(); err != nil {
			logger.Warn("janitor not started", zap.Error(err))
			eng.janitor = nil
		}
	}

	return eng, nil
}

// buildIndex returns the embedding index, or nil when embeddings are
// disabled. Without an embedding API key the index degrades to keyword
// search over the store.
func buildIndex(cfg *config.Config, s *store.Store, logger *zap.Logger) *embedding.Index {
	if !cfg.Embedding.Enabled {
		return nil
	}
	opts := embedding.Options{
		Breaker: embedding.BreakerConfig{
			FailureThreshold: cfg.Embedding.Circuit.Threshold,
			Cooldown:         cfg.Embedding.Circuit.Cooldown(),
		},
	}
	if os.Getenv("OPENAI_API_KEY") == "" {
		logger.Info("no embedding api key, using keyword search only")
		return embedding.New(nil, s, logger, opts)
	}
	backend, err := chromem.New(chromem.Config{PersistPath: cfg.Embedding.PersistPath})
	if err != nil {
		logger.Warn("vector backend unavailable, using keyword search only", zap.Error(err))
		return embedding.New(nil, s, logger, opts)
	}
	return embedding.New(backend, s, logger, opts)
}

// patternTimeout is a small guard so CLI runs do not hang forever when
// the config sets a zero timeout.
func patternTimeout(cfg *config.Config) time.Duration {
	if t := cfg.Orchestrator.Timeout(); t > 0 {
		return t
	}
	return time.Minute
}
