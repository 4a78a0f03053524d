// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package cost

import (
	"strings"

	"github.com/teradata-labs/weft"
)

// ModelPricing holds per-token-class prices in micro-USD per million
// tokens. USD-per-MTok figures multiply by 1e6 exactly, so the table
// carries six decimals without floating point.
type ModelPricing struct {
	Input       int64
	Output      int64
	CacheCreate int64
	CacheRead   int64
}

// usdPerMTok converts a USD/MTok price to the table's integer unit.
func usdPerMTok(usd float64) int64 { return int64(usd*1e6 + 0.5) }

// defaultPricing maps model id prefixes to prices. Dated releases such
// as claude-sonnet-4-5-20250929 resolve through prefix match.
var defaultPricing = map[string]ModelPricing{
	"claude-opus-4-1": {
		Input: usdPerMTok(15), Output: usdPerMTok(75),
		CacheCreate: usdPerMTok(18.75), CacheRead: usdPerMTok(1.50),
	},
	"claude-opus-4": {
		Input: usdPerMTok(15), Output: usdPerMTok(75),
		CacheCreate: usdPerMTok(18.75), CacheRead: usdPerMTok(1.50),
	},
	"claude-sonnet-4-5": {
		Input: usdPerMTok(3), Output: usdPerMTok(15),
		CacheCreate: usdPerMTok(3.75), CacheRead: usdPerMTok(0.30),
	},
	"claude-sonnet-4": {
		Input: usdPerMTok(3), Output: usdPerMTok(15),
		CacheCreate: usdPerMTok(3.75), CacheRead: usdPerMTok(0.30),
	},
	"claude-haiku-4-5": {
		Input: usdPerMTok(1), Output: usdPerMTok(5),
		CacheCreate: usdPerMTok(1.25), CacheRead: usdPerMTok(0.10),
	},
	"claude-3-5-haiku": {
		Input: usdPerMTok(0.80), Output: usdPerMTok(4),
		CacheCreate: usdPerMTok(1), CacheRead: usdPerMTok(0.08),
	},
}

// lookupPricing resolves a model id, longest prefix first.
func lookupPricing(table map[string]ModelPricing, model string) (ModelPricing, bool) {
	if p, ok := table[model]; ok {
		return p, true
	}
	var (
		best    ModelPricing
		bestLen = -1
	)
	for prefix, p := range table {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = p, len(prefix)
		}
	}
	return best, bestLen >= 0
}

// tokenCost computes micro-USD for one usage at the given pricing,
// rounding half up per token class.
func tokenCost(p ModelPricing, t weft.TokenUsage) int64 {
	return perMTok(t.Input, p.Input) +
		perMTok(t.Output, p.Output) +
		perMTok(t.CacheCreate, p.CacheCreate) +
		perMTok(t.CacheRead, p.CacheRead)
}

// cacheSavings is what the cached reads would have cost at the full
// input rate, minus what they actually cost.
func cacheSavings(p ModelPricing, t weft.TokenUsage) int64 {
	saved := perMTok(t.CacheRead, p.Input) - perMTok(t.CacheRead, p.CacheRead)
	if saved < 0 {
		return 0
	}
	return saved
}

func perMTok(tokens int64, priceMicro int64) int64 {
	return (tokens*priceMicro + 500_000) / 1_000_000
}

func microToUSD(m int64) float64 { return float64(m) / 1e6 }
