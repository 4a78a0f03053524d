// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package retrieval

import (
	"fmt"
	"strings"

	"github.com/teradata-labs/weft"
)

// Render flattens the assembled context into the prose block injected
// into the task's memory context.
func (res *Result) Render() string {
	if res == nil || !res.Loaded || (len(res.Layer1) == 0 && len(res.Layer2) == 0) {
		return ""
	}

	var b strings.Builder
	if len(res.Layer1) > 0 {
		b.WriteString("## Similar past executions\n")
		for _, e := range res.Layer1 {
			b.WriteString(renderIndexEntry(e))
			b.WriteByte('\n')
		}
	}
	if len(res.Layer2) > 0 {
		b.WriteString("\n## Details\n")
		for _, d := range res.Layer2 {
			switch {
			case !d.Truncated:
				b.WriteString(renderDetailFull(d.Orchestration))
			default:
				b.WriteString(renderDetailCore(d.Orchestration))
			}
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func renderIndexEntry(e IndexEntry) string {
	outcome := "ok"
	if !e.Success {
		outcome = "failed"
	}
	return fmt.Sprintf("- [%s/%s] %s => %s (relevance %.2f, %s)",
		e.Pattern, outcome, e.TaskSnippet, e.ResultSummary,
		e.Relevance, e.StartedAt.Format("2006-01-02"))
}

// renderDetailFull includes everything: core fields, observations,
// result and run metadata.
func renderDetailFull(o *weft.Orchestration) string {
	var b strings.Builder
	renderCore(&b, o)
	renderObservations(&b, o)
	renderResult(&b, o)
	renderMetadata(&b, o)
	return b.String()
}

func renderDetailNoMetadata(o *weft.Orchestration) string {
	var b strings.Builder
	renderCore(&b, o)
	renderObservations(&b, o)
	renderResult(&b, o)
	return b.String()
}

func renderDetailNoResult(o *weft.Orchestration) string {
	var b strings.Builder
	renderCore(&b, o)
	renderObservations(&b, o)
	return b.String()
}

func renderDetailCore(o *weft.Orchestration) string {
	var b strings.Builder
	renderCore(&b, o)
	return b.String()
}

func renderCore(b *strings.Builder, o *weft.Orchestration) {
	outcome := "succeeded"
	if !o.Success {
		outcome = "failed"
	}
	fmt.Fprintf(b, "### %s (%s, %s)\nTask: %s\n",
		o.ID, o.Pattern, outcome, o.TaskText)
}

func renderObservations(b *strings.Builder, o *weft.Orchestration) {
	if len(o.Observations) == 0 {
		return
	}
	b.WriteString("Learnings:\n")
	for _, ob := range o.Observations {
		fmt.Fprintf(b, "- (%s, importance %d) %s", ob.Type, ob.Importance, ob.Text)
		if len(ob.Concepts) > 0 {
			fmt.Fprintf(b, " [%s]", strings.Join(ob.Concepts, ", "))
		}
		b.WriteByte('\n')
	}
}

func renderResult(b *strings.Builder, o *weft.Orchestration) {
	if o.Result == "" {
		return
	}
	fmt.Fprintf(b, "Result: %s\n", o.Result)
}

func renderMetadata(b *strings.Builder, o *weft.Orchestration) {
	fmt.Fprintf(b, "Agents: %s | Model: %s | Duration: %dms | Tokens: %d\n",
		strings.Join(o.AgentIDs, ", "), o.Model, o.DurationMs, o.Tokens.Total())
}
