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

const systemPrompt = `You are an observation extractor for a multi-agent orchestration engine.
Given one completed orchestration, respond with a single JSON object and nothing else:
{
  "type": one of "decision" | "bugfix" | "feature" | "pattern-usage" | "discovery" | "refactor",
  "observation": one to two sentences stating the key learning,
  "concepts": array of 3 to 5 short tag strings,
  "importance": integer 1-10,
  "agent_insights": object mapping agent id to a one-line insight,
  "recommendations": free text advice for similar future tasks
}`

func userPrompt(o *weft.Orchestration) string {
	var b strings.Builder
	outcome := "succeeded"
	if !o.Success {
		outcome = "failed"
	}
	fmt.Fprintf(&b, "Pattern: %s\nAgents: %s\nOutcome: %s (%d ms)\n",
		o.Pattern, strings.Join(o.AgentIDs, ", "), outcome, o.DurationMs)
	fmt.Fprintf(&b, "Task:\n%s\n", o.TaskText)
	if o.Result != "" {
		fmt.Fprintf(&b, "Result:\n%s\n", o.Result)
	}
	return b.String()
}
