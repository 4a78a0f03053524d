// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package maintenance runs the scheduled cleanup of old orchestrations
// and usage records.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/cost"
	"github.com/teradata-labs/weft/store"
)

// Defaults for the retention policy.
const (
	DefaultSchedule       = "30 3 * * *" // daily, 03:30
	DefaultRetentionDays  = 90
	DefaultKeepMinimum    = 100
	defaultCleanupTimeout = 5 * time.Minute
)

// Config tunes the janitor.
type Config struct {
	// Schedule is a standard 5-field cron expression.
	Schedule string
	// RetentionDays is the age past which records are eligible.
	RetentionDays int
	// KeepMinimum orchestrations survive regardless of age.
	KeepMinimum int
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.KeepMinimum <= 0 {
		c.KeepMinimum = DefaultKeepMinimum
	}
	return c
}

// Janitor prunes the store and the cost ledger on a cron schedule.
type Janitor struct {
	store  *store.Store
	ledger *cost.Ledger
	logger *zap.Logger
	cfg    Config

	engine *cron.Cron
}

// New creates a janitor. The ledger is optional.
func New(s *store.Store, l *cost.Ledger, logger *zap.Logger, cfg Config) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		store:  s,
		ledger: l,
		logger: logger,
		cfg:    cfg.withDefaults(),
		engine: cron.New(),
	}
}

// Start registers the cleanup job and starts the cron engine.
func (j *Janitor) Start() error {
	if _, err := j.engine.AddFunc(j.cfg.Schedule, j.runOnce); err != nil {
		return err
	}
	j.engine.Start()
	j.logger.Info("janitor started",
		zap.String("schedule", j.cfg.Schedule),
		zap.Int("retention_days", j.cfg.RetentionDays),
		zap.Int("keep_minimum", j.cfg.KeepMinimum))
	return nil
}

// Stop halts the engine and waits for a running job to finish.
func (j *Janitor) Stop() {
	ctx := j.engine.Stop()
	<-ctx.Done()
}

func (j *Janitor) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCleanupTimeout)
	defer cancel()
	j.Run(ctx)
}

// Run executes one cleanup pass immediately.
func (j *Janitor) Run(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -j.cfg.RetentionDays)

	if j.store != nil {
		deleted, err := j.store.Cleanup(ctx, cutoff, j.cfg.KeepMinimum)
		if err != nil {
			j.logger.Error("store cleanup failed", zap.Error(err))
		} else if deleted > 0 {
			j.logger.Info("store cleanup done", zap.Int64("deleted", deleted))
		}
	}
	if j.ledger != nil {
		deleted, err := j.ledger.Cleanup(ctx, j.cfg.RetentionDays)
		if err != nil {
			j.logger.Error("ledger cleanup failed", zap.Error(err))
		} else if deleted > 0 {
			j.logger.Info("ledger cleanup done", zap.Int64("deleted", deleted))
		}
	}
}
