// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package cost tracks token spend per orchestration against daily and
// monthly budgets. Monetary values are integer micro-USD internally;
// the exported surface speaks float USD.
package cost

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
)

// Budget status levels, ordered by severity.
type Status string

const (
	StatusOK       Status = "ok"       // below the warn threshold
	StatusWarning  Status = "warning"  // past warn, below critical
	StatusCritical Status = "critical" // past critical, below the limit
	StatusExceeded Status = "exceeded" // at or over the limit
)

// Default spend fractions at which a window's status escalates.
const (
	DefaultWarnThreshold     = 0.8
	DefaultCriticalThreshold = 0.95
)

func (s Status) rank() int {
	switch s {
	case StatusWarning:
		return 1
	case StatusCritical:
		return 2
	case StatusExceeded:
		return 3
	default:
		return 0
	}
}

// Topics published on budget threshold crossings.
const (
	TopicBudgetWarning  = "usage:budget:warning"
	TopicBudgetCritical = "usage:budget:critical"
	TopicBudgetExceeded = "usage:budget:exceeded"
)

// Publisher is the event-bus sliver the ledger needs. *bus.Bus
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any)
}

// Config for a Ledger. Zero limits disable the corresponding budget.
type Config struct {
	DailyLimitUSD   float64
	MonthlyLimitUSD float64
	Enforce         bool // orchestrator refuses new work once exceeded
	Pricing         map[string]ModelPricing

	// WarnThreshold and CriticalThreshold are spend fractions of a
	// window's limit. Defaults 0.8 and 0.95.
	WarnThreshold     float64
	CriticalThreshold float64
}

// UsageRecord is one priced usage row.
type UsageRecord struct {
	OrchestrationID string
	Model           string
	Tokens          weft.TokenUsage
	CostUSD         float64
	CacheSavingsUSD float64
	UnknownModel    bool
	CreatedAt       time.Time
}

// WindowStatus describes one budget window.
type WindowStatus struct {
	LimitUSD     float64 `json:"limit_usd"`
	SpentUSD     float64 `json:"spent_usd"`
	RemainingUSD float64 `json:"remaining_usd"`
	Percent      float64 `json:"percent"`
	Status       Status  `json:"status"`
	ProjectedUSD float64 `json:"projected_usd"`
}

// BudgetStatus covers both budget windows.
type BudgetStatus struct {
	Daily   WindowStatus `json:"daily"`
	Monthly WindowStatus `json:"monthly"`
}

// SessionStats are in-memory counters since the ledger was built.
type SessionStats struct {
	Records    int64
	Tokens     weft.TokenUsage
	CostUSD    float64
	SavingsUSD float64
}

// CostRow is one aggregate from AgentCosts or PatternCosts.
type CostRow struct {
	Key     string  // agent id or pattern name
	Runs    int64   // orchestrations contributing
	Tokens  int64   // total tokens across classes
	CostUSD float64 `json:"cost_usd"`
}

// BudgetEvent is the payload published on threshold crossings.
type BudgetEvent struct {
	Window   string  `json:"window"` // "daily" or "monthly"
	Status   Status  `json:"status"`
	SpentUSD float64 `json:"spent_usd"`
	LimitUSD float64 `json:"limit_usd"`
	Percent  float64 `json:"percent"`
}

// Ledger records usage into the shared orchestration database and keeps
// session counters. Safe for concurrent use.
type Ledger struct {
	db     *sql.DB
	bus    Publisher
	logger *zap.Logger
	cfg    Config
	now    func() time.Time

	mu              sync.Mutex
	sessionRecords  int64
	sessionTokens   weft.TokenUsage
	sessionCost     int64 // micro-USD
	sessionSavings  int64 // micro-USD
	lastDailyStat   Status
	lastMonthlyStat Status
}

// New builds a Ledger over the store's database handle.
func New(db *sql.DB, eventBus Publisher, logger *zap.Logger, cfg Config) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Pricing == nil {
		cfg.Pricing = defaultPricing
	}
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = DefaultWarnThreshold
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = DefaultCriticalThreshold
	}
	return &Ledger{
		db:              db,
		bus:             eventBus,
		logger:          logger,
		cfg:             cfg,
		now:             time.Now,
		lastDailyStat:   StatusOK,
		lastMonthlyStat: StatusOK,
	}
}

// Enforcing reports whether exceeded budgets should gate new work.
func (l *Ledger) Enforcing() bool { return l.cfg.Enforce }

// RecordUsage prices tokens for one orchestration, persists the record
// and publishes budget events on any threshold crossing. An unpriceable
// model yields a zero-cost row flagged unknown_model.
func (l *Ledger) RecordUsage(ctx context.Context, orchestrationID, model string, tokens weft.TokenUsage) (*UsageRecord, error) {
	var costMicro, savingsMicro int64
	pricing, known := lookupPricing(l.cfg.Pricing, model)
	if known {
		costMicro = tokenCost(pricing, tokens)
		savingsMicro = cacheSavings(pricing, tokens)
	} else {
		l.logger.Warn("no pricing for model, recording zero cost",
			zap.String("model", model), zap.String("orchestration_id", orchestrationID))
	}

	rec := &UsageRecord{
		OrchestrationID: orchestrationID,
		Model:           model,
		Tokens:          tokens,
		CostUSD:         microToUSD(costMicro),
		CacheSavingsUSD: microToUSD(savingsMicro),
		UnknownModel:    !known,
		CreatedAt:       l.now(),
	}

	unknown := 0
	if !known {
		unknown = 1
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO usage_records
			(orchestration_id, model, input_tokens, output_tokens,
			 cache_create_tokens, cache_read_tokens,
			 cost_micro_usd, cache_savings_micro_usd, unknown_model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		orchestrationID, model, tokens.Input, tokens.Output,
		tokens.CacheCreate, tokens.CacheRead,
		costMicro, savingsMicro, unknown, rec.CreatedAt.UnixMilli())
	if err != nil {
		return nil, weft.WrapKind(weft.KindStoreUnavailable,
			fmt.Errorf("insert usage record: %w", err))
	}

	l.mu.Lock()
	l.sessionRecords++
	l.sessionTokens.Add(tokens)
	l.sessionCost += costMicro
	l.sessionSavings += savingsMicro
	l.mu.Unlock()

	l.checkThresholds(ctx)
	return rec, nil
}

// checkThresholds publishes one event per window per upward crossing.
func (l *Ledger) checkThresholds(ctx context.Context) {
	if l.bus == nil || (l.cfg.DailyLimitUSD <= 0 && l.cfg.MonthlyLimitUSD <= 0) {
		return
	}
	status, err := l.BudgetStatus(ctx)
	if err != nil {
		l.logger.Debug("budget status unavailable for threshold check", zap.Error(err))
		return
	}

	l.mu.Lock()
	crossings := make([]BudgetEvent, 0, 2)
	if status.Daily.Status.rank() > l.lastDailyStat.rank() {
		crossings = append(crossings, BudgetEvent{
			Window: "daily", Status: status.Daily.Status,
			SpentUSD: status.Daily.SpentUSD, LimitUSD: status.Daily.LimitUSD,
			Percent: status.Daily.Percent,
		})
	}
	l.lastDailyStat = status.Daily.Status
	if status.Monthly.Status.rank() > l.lastMonthlyStat.rank() {
		crossings = append(crossings, BudgetEvent{
			Window: "monthly", Status: status.Monthly.Status,
			SpentUSD: status.Monthly.SpentUSD, LimitUSD: status.Monthly.LimitUSD,
			Percent: status.Monthly.Percent,
		})
	}
	l.lastMonthlyStat = status.Monthly.Status
	l.mu.Unlock()

	for _, ev := range crossings {
		l.bus.Publish(ctx, topicFor(ev.Status), ev)
		l.logger.Warn("budget threshold crossed",
			zap.String("window", ev.Window),
			zap.String("status", string(ev.Status)),
			zap.Float64("spent_usd", ev.SpentUSD),
			zap.Float64("limit_usd", ev.LimitUSD))
	}
}

func topicFor(s Status) string {
	switch s {
	case StatusExceeded:
		return TopicBudgetExceeded
	case StatusCritical:
		return TopicBudgetCritical
	default:
		return TopicBudgetWarning
	}
}

// BudgetStatus computes spend for the current day and month windows.
func (l *Ledger) BudgetStatus(ctx context.Context) (*BudgetStatus, error) {
	now := l.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	dayEnd := dayStart.Add(24 * time.Hour)
	monthEnd := monthStart.AddDate(0, 1, 0)

	dailySpent, err := l.spentSince(ctx, dayStart)
	if err != nil {
		return nil, err
	}
	monthlySpent, err := l.spentSince(ctx, monthStart)
	if err != nil {
		return nil, err
	}

	return &BudgetStatus{
		Daily:   l.window(l.cfg.DailyLimitUSD, dailySpent, dayStart, dayEnd, now),
		Monthly: l.window(l.cfg.MonthlyLimitUSD, monthlySpent, monthStart, monthEnd, now),
	}, nil
}

func (l *Ledger) spentSince(ctx context.Context, since time.Time) (int64, error) {
	var spent sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT SUM(cost_micro_usd) FROM usage_records WHERE created_at >= ?`,
		since.UnixMilli()).Scan(&spent)
	if err != nil {
		return 0, weft.WrapKind(weft.KindStoreUnavailable,
			fmt.Errorf("sum usage records: %w", err))
	}
	return spent.Int64, nil
}

func (l *Ledger) window(limitUSD float64, spentMicro int64, start, end, now time.Time) WindowStatus {
	w := WindowStatus{
		LimitUSD: limitUSD,
		SpentUSD: microToUSD(spentMicro),
	}

	// Linear projection over the elapsed fraction of the window.
	elapsed := now.Sub(start).Seconds()
	if total := end.Sub(start).Seconds(); elapsed > 0 && total > 0 {
		w.ProjectedUSD = w.SpentUSD * total / elapsed
	}

	if limitUSD <= 0 {
		w.Status = StatusOK
		return w
	}

	w.RemainingUSD = limitUSD - w.SpentUSD
	if w.RemainingUSD < 0 {
		w.RemainingUSD = 0
	}
	w.Percent = w.SpentUSD / limitUSD * 100

	switch {
	case w.Percent >= 100:
		w.Status = StatusExceeded
	case w.Percent >= l.cfg.CriticalThreshold*100:
		w.Status = StatusCritical
	case w.Percent >= l.cfg.WarnThreshold*100:
		w.Status = StatusWarning
	default:
		w.Status = StatusOK
	}
	return w
}

// AgentCosts aggregates spend per agent over [from, to). Cost of a run
// is split evenly across its participants.
func (l *Ledger) AgentCosts(ctx context.Context, from, to time.Time) ([]CostRow, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT o.agent_ids_json, u.cost_micro_usd,
		       u.input_tokens + u.output_tokens + u.cache_create_tokens + u.cache_read_tokens
		FROM usage_records u
		JOIN orchestrations o ON o.id = u.orchestration_id
		WHERE u.created_at >= ? AND u.created_at < ?`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, weft.WrapKind(weft.KindStoreUnavailable,
			fmt.Errorf("query agent costs: %w", err))
	}
	defer rows.Close()

	type acc struct {
		runs   int64
		tokens int64
		micro  int64
	}
	byAgent := make(map[string]*acc)
	for rows.Next() {
		var agentsJSON string
		var micro, tokens int64
		if err := rows.Scan(&agentsJSON, &micro, &tokens); err != nil {
			return nil, fmt.Errorf("scan agent cost row: %w", err)
		}
		var agents []string
		if err := json.Unmarshal([]byte(agentsJSON), &agents); err != nil || len(agents) == 0 {
			continue
		}
		share := micro / int64(len(agents))
		tokenShare := tokens / int64(len(agents))
		for _, id := range agents {
			a := byAgent[id]
			if a == nil {
				a = &acc{}
				byAgent[id] = a
			}
			a.runs++
			a.micro += share
			a.tokens += tokenShare
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent cost rows: %w", err)
	}

	out := make([]CostRow, 0, len(byAgent))
	for id, a := range byAgent {
		out = append(out, CostRow{Key: id, Runs: a.runs, Tokens: a.tokens, CostUSD: microToUSD(a.micro)})
	}
	sortCostRows(out)
	return out, nil
}

// PatternCosts aggregates spend per pattern over [from, to).
func (l *Ledger) PatternCosts(ctx context.Context, from, to time.Time) ([]CostRow, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT o.pattern, COUNT(*), SUM(u.cost_micro_usd),
		       SUM(u.input_tokens + u.output_tokens + u.cache_create_tokens + u.cache_read_tokens)
		FROM usage_records u
		JOIN orchestrations o ON o.id = u.orchestration_id
		WHERE u.created_at >= ? AND u.created_at < ?
		GROUP BY o.pattern`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, weft.WrapKind(weft.KindStoreUnavailable,
			fmt.Errorf("query pattern costs: %w", err))
	}
	defer rows.Close()

	var out []CostRow
	for rows.Next() {
		var r CostRow
		var micro int64
		if err := rows.Scan(&r.Key, &r.Runs, &micro, &r.Tokens); err != nil {
			return nil, fmt.Errorf("scan pattern cost row: %w", err)
		}
		r.CostUSD = microToUSD(micro)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pattern cost rows: %w", err)
	}
	sortCostRows(out)
	return out, nil
}

func sortCostRows(rows []CostRow) {
	// Highest spend first; stable name order for equal spend.
	for i := 1; i < len(rows); i++ {
		for j := i; j > 0; j-- {
			a, b := rows[j-1], rows[j]
			if b.CostUSD > a.CostUSD || (b.CostUSD == a.CostUSD && b.Key < a.Key) {
				rows[j-1], rows[j] = b, a
			} else {
				break
			}
		}
	}
}

// SessionStats returns counters accumulated since construction.
func (l *Ledger) SessionStats() SessionStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return SessionStats{
		Records:    l.sessionRecords,
		Tokens:     l.sessionTokens,
		CostUSD:    microToUSD(l.sessionCost),
		SavingsUSD: microToUSD(l.sessionSavings),
	}
}

// Cleanup deletes usage records older than the given number of days and
// returns how many were removed.
func (l *Ledger) Cleanup(ctx context.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		return 0, weft.Errorf(weft.KindInvalidInput, "olderThanDays must be positive, got %d", olderThanDays)
	}
	cutoff := l.now().AddDate(0, 0, -olderThanDays)
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM usage_records WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, weft.WrapKind(weft.KindStoreUnavailable,
			fmt.Errorf("delete usage records: %w", err))
	}
	return res.RowsAffected()
}
