// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package config loads the engine configuration. Precedence is flags >
// config file > environment > defaults; the file format is YAML with the
// documented key set.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigFileName is the file viper searches for when no explicit
// path is given.
const DefaultConfigFileName = "weft"

// Config is the full recognized option set.
type Config struct {
	Memory       MemoryConfig       `mapstructure:"memory"`
	Embedding    EmbeddingConfig    `mapstructure:"embedding"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Cost         CostConfig         `mapstructure:"cost"`
	Bus          BusConfig          `mapstructure:"bus"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	Maintenance  MaintenanceConfig  `mapstructure:"maintenance"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// MemoryConfig controls persistence and context retrieval.
type MemoryConfig struct {
	DBPath             string  `mapstructure:"dbPath"`
	EnableMemory       bool    `mapstructure:"enableMemory"`
	ContextTokenBudget int     `mapstructure:"contextTokenBudget"`
	SafetyBuffer       float64 `mapstructure:"safetyBuffer"`
	CacheSize          int     `mapstructure:"cacheSize"`
	CacheTTLMs         int     `mapstructure:"cacheTTL"`
}

// CacheTTL converts the millisecond knob.
func (m MemoryConfig) CacheTTL() time.Duration {
	return time.Duration(m.CacheTTLMs) * time.Millisecond
}

// EmbeddingConfig controls the vector index.
type EmbeddingConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	PersistPath string        `mapstructure:"persistPath"`
	SearchMode  string        `mapstructure:"searchMode"` // vector|keyword|hybrid
	Circuit     CircuitConfig `mapstructure:"circuit"`
}

// CircuitConfig tunes the embedding circuit breaker.
type CircuitConfig struct {
	Threshold  int `mapstructure:"threshold"`
	CooldownMs int `mapstructure:"cooldownMs"`
}

// Cooldown converts the millisecond knob.
func (c CircuitConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// OrchestratorConfig tunes the execute pipeline.
type OrchestratorConfig struct {
	Retries     int `mapstructure:"retries"`
	RetryBaseMs int `mapstructure:"retryBaseMs"`
	TimeoutMs   int `mapstructure:"timeoutMs"`
}

// RetryBase converts the millisecond knob.
func (o OrchestratorConfig) RetryBase() time.Duration {
	return time.Duration(o.RetryBaseMs) * time.Millisecond
}

// Timeout converts the millisecond knob.
func (o OrchestratorConfig) Timeout() time.Duration {
	return time.Duration(o.TimeoutMs) * time.Millisecond
}

// CostConfig tunes the ledger.
type CostConfig struct {
	DailyBudgetUSD    float64 `mapstructure:"dailyBudgetUSD"`
	MonthlyBudgetUSD  float64 `mapstructure:"monthlyBudgetUSD"`
	WarnThreshold     float64 `mapstructure:"warnThreshold"`
	CriticalThreshold float64 `mapstructure:"criticalThreshold"`
	Enforce           bool    `mapstructure:"enforce"`
}

// BusConfig tunes the event bus.
type BusConfig struct {
	HistorySize     int `mapstructure:"historySize"`
	HandlerBudgetMs int `mapstructure:"handlerBudgetMs"`
	MaxQueue        int `mapstructure:"maxQueue"`
}

// HandlerBudget converts the millisecond knob.
func (b BusConfig) HandlerBudget() time.Duration {
	return time.Duration(b.HandlerBudgetMs) * time.Millisecond
}

// AgentsConfig locates agent definition files.
type AgentsConfig struct {
	Dir             string `mapstructure:"dir"`
	Watch           bool   `mapstructure:"watch"`
	WatchDebounceMs int    `mapstructure:"watchDebounceMs"`
}

// WatchDebounce converts the millisecond knob.
func (a AgentsConfig) WatchDebounce() time.Duration {
	return time.Duration(a.WatchDebounceMs) * time.Millisecond
}

// MaintenanceConfig drives the scheduled retention janitor.
type MaintenanceConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Schedule      string `mapstructure:"schedule"` // 5-field cron expression
	RetentionDays int    `mapstructure:"retentionDays"`
	KeepMinimum   int    `mapstructure:"keepMinimum"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug|info|warn|error
	Format string `mapstructure:"format"` // json|console
}

// Load reads configuration from the given file, or from the search path
// (working directory, then ~/.weft) when cfgFile is empty. A missing file
// is not an error; defaults and environment still apply.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(DefaultConfigFileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.weft")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && cfgFile != "" {
			return nil, fmt.Errorf("reading config file %s: %w", cfgFile, err)
		}
	}

	v.SetEnvPrefix("WEFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects out-of-range values early.
func (c *Config) Validate() error {
	if c.Memory.SafetyBuffer < 0 || c.Memory.SafetyBuffer >= 1 {
		return fmt.Errorf("memory.safetyBuffer must be in [0, 1), got %v", c.Memory.SafetyBuffer)
	}
	if c.Memory.ContextTokenBudget < 0 {
		return fmt.Errorf("memory.contextTokenBudget must not be negative, got %d", c.Memory.ContextTokenBudget)
	}
	switch c.Embedding.SearchMode {
	case "vector", "keyword", "hybrid":
	default:
		return fmt.Errorf("embedding.searchMode must be vector, keyword or hybrid, got %q", c.Embedding.SearchMode)
	}
	if c.Cost.WarnThreshold >= c.Cost.CriticalThreshold {
		return fmt.Errorf("cost.warnThreshold %v must be below cost.criticalThreshold %v",
			c.Cost.WarnThreshold, c.Cost.CriticalThreshold)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("memory.dbPath", ".memory/orchestrations.db")
	v.SetDefault("memory.enableMemory", true)
	v.SetDefault("memory.contextTokenBudget", 2000)
	v.SetDefault("memory.safetyBuffer", 0.2)
	v.SetDefault("memory.cacheSize", 100)
	v.SetDefault("memory.cacheTTL", 300_000)

	v.SetDefault("embedding.enabled", true)
	v.SetDefault("embedding.persistPath", ".memory/vectors")
	v.SetDefault("embedding.searchMode", "hybrid")
	v.SetDefault("embedding.circuit.threshold", 3)
	v.SetDefault("embedding.circuit.cooldownMs", 60_000)

	v.SetDefault("orchestrator.retries", 3)
	v.SetDefault("orchestrator.retryBaseMs", 1_000)
	v.SetDefault("orchestrator.timeoutMs", 60_000)

	v.SetDefault("cost.dailyBudgetUSD", 0.0)
	v.SetDefault("cost.monthlyBudgetUSD", 0.0)
	v.SetDefault("cost.warnThreshold", 0.8)
	v.SetDefault("cost.criticalThreshold", 0.95)
	v.SetDefault("cost.enforce", false)

	v.SetDefault("bus.historySize", 1000)
	v.SetDefault("bus.handlerBudgetMs", 5_000)
	v.SetDefault("bus.maxQueue", 10_000)

	v.SetDefault("agents.dir", "agents")
	v.SetDefault("agents.watch", false)
	v.SetDefault("agents.watchDebounceMs", 500)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.schedule", "30 3 * * *")
	v.SetDefault("maintenance.retentionDays", 90)
	v.SetDefault("maintenance.keepMinimum", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}
