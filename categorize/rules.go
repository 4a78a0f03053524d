// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package categorize

import (
	"fmt"
	"strings"

	"github.com/teradata-labs/weft"
)

// typeRule matches keywords in task+result text. Rules are evaluated in
// order; the first hit wins.
type typeRule struct {
	obsType    weft.ObservationType
	importance int
	keywords   []string
}

var typeRules = []typeRule{
	{weft.ObservationDecision, 7, []string{"decide", "decision", "chose", "chosen", "selected", "opted", "agreed"}},
	{weft.ObservationDiscovery, 6, []string{"discover", "found that", "learned", "realized", "identified", "uncovered"}},
	{weft.ObservationRefactor, 5, []string{"refactor", "restructure", "rework", "simplif", "cleanup"}},
	{weft.ObservationFeature, 5, []string{"implement", "feature", "added", "built", "introduce"}},
	{weft.ObservationBugfix, 6, []string{"fix", "bug", "error", "crash", "regression", "fault"}},
}

const patternUsageImportance = 4

// ruleCategorize derives an observation from keyword heuristics. Always
// succeeds.
func (c *Categorizer) ruleCategorize(o *weft.Orchestration) weft.Observation {
	text := strings.ToLower(o.TaskText + " " + o.Result)

	obsType := weft.ObservationPatternUsage
	importance := patternUsageImportance
	for _, rule := range typeRules {
		if containsAny(text, rule.keywords) {
			obsType = rule.obsType
			importance = rule.importance
			break
		}
	}

	if !o.Success {
		importance -= 2
		if importance < 1 {
			importance = 1
		}
	}

	concepts := []string{string(o.Pattern), string(obsType)}
	if !o.Success {
		concepts = append(concepts, "failure-analysis")
	}
	if len(o.AgentIDs) > 1 {
		concepts = append(concepts, "multi-agent")
	}
	if len(concepts) > weft.MaxObservationConcepts {
		concepts = concepts[:weft.MaxObservationConcepts]
	}

	outcome := "completed successfully"
	if !o.Success {
		outcome = "failed"
	}
	summary := fmt.Sprintf("%s orchestration with %d agent(s) %s: %s",
		o.Pattern, len(o.AgentIDs), outcome, snippet(o.TaskText, 140))

	return weft.Observation{
		OrchestrationID: o.ID,
		Type:            obsType,
		Text:            summary,
		Concepts:        concepts,
		Importance:      importance,
		Source:          SourceRule,
	}
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

func snippet(s string, max int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max]) + "..."
}
