// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))

	// A named but missing file is an error; the empty search-path case
	// is not.
	require.Error(t, err)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, ".memory/orchestrations.db", cfg.Memory.DBPath)
	assert.True(t, cfg.Memory.EnableMemory)
	assert.Equal(t, 2000, cfg.Memory.ContextTokenBudget)
	assert.Equal(t, 5*time.Minute, cfg.Memory.CacheTTL())
	assert.Equal(t, "hybrid", cfg.Embedding.SearchMode)
	assert.Equal(t, 3, cfg.Embedding.Circuit.Threshold)
	assert.Equal(t, time.Minute, cfg.Embedding.Circuit.Cooldown())
	assert.Equal(t, time.Minute, cfg.Orchestrator.Timeout())
	assert.InDelta(t, 0.8, cfg.Cost.WarnThreshold, 1e-9)
	assert.False(t, cfg.Cost.Enforce)
	assert.Equal(t, 10_000, cfg.Bus.MaxQueue)
	assert.Equal(t, 500*time.Millisecond, cfg.Agents.WatchDebounce())
	assert.True(t, cfg.Maintenance.Enabled)
	assert.Equal(t, "30 3 * * *", cfg.Maintenance.Schedule)
	assert.Equal(t, 90, cfg.Maintenance.RetentionDays)
	assert.Equal(t, 100, cfg.Maintenance.KeepMinimum)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
memory:
  dbPath: /var/lib/weft/orchestrations.db
  contextTokenBudget: 4000
embedding:
  searchMode: keyword
cost:
  dailyBudgetUSD: 25.5
  enforce: true
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "/var/lib/weft/orchestrations.db", cfg.Memory.DBPath)
	assert.Equal(t, 4000, cfg.Memory.ContextTokenBudget)
	assert.Equal(t, "keyword", cfg.Embedding.SearchMode)
	assert.InDelta(t, 25.5, cfg.Cost.DailyBudgetUSD, 1e-9)
	assert.True(t, cfg.Cost.Enforce)
	// Untouched sections keep their defaults.
	assert.True(t, cfg.Memory.EnableMemory)
	assert.Equal(t, 1000, cfg.Bus.HistorySize)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"bad search mode", "embedding:\n  searchMode: cosine\n", "searchMode"},
		{"buffer out of range", "memory:\n  safetyBuffer: 1.5\n", "safetyBuffer"},
		{"inverted thresholds", "cost:\n  warnThreshold: 0.99\n", "warnThreshold"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
