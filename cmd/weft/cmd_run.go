// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/weft"
	"github.com/teradata-labs/weft/orchestrator"
	"github.com/teradata-labs/weft/patterns"
)

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Execute a task with a collaboration pattern",
	Example: `  weft run --pattern parallel --agents researcher,writer "Summarize the Q3 report"
  weft run --pattern consensus --agents a,b,c --options go,rust "Pick the language"
  weft run --pattern debate --agents lead,critic1,critic2 --rounds 4 "Design the API"`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("pattern", "parallel", "collaboration pattern: parallel, consensus, debate, review, ensemble")
	runCmd.Flags().StringSlice("agents", nil, "agent names, in order (first is synthesizer/creator where relevant)")
	runCmd.Flags().StringSlice("options", nil, "consensus option list")
	runCmd.Flags().Int("rounds", 0, "debate/review round count")
	runCmd.Flags().String("strategy", "", "consensus (majority|weighted|unanimous) or ensemble (best-of|merge|vote) strategy")
	runCmd.Flags().Bool("json", false, "print the full result as JSON")
	_ = runCmd.MarkFlagRequired("agents")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	eng, err := openEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	pattern, _ := cmd.Flags().GetString("pattern")
	agents, _ := cmd.Flags().GetStringSlice("agents")
	options, _ := cmd.Flags().GetStringSlice("options")
	rounds, _ := cmd.Flags().GetInt("rounds")
	strategy, _ := cmd.Flags().GetString("strategy")
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := orchestrator.ExecuteOptions{
		Consensus: patterns.ConsensusOptions{
			Options:  options,
			Strategy: patterns.ConsensusStrategy(strategy),
		},
		Debate:   patterns.DebateOptions{Rounds: rounds},
		Review:   patterns.ReviewOptions{Rounds: rounds},
		Ensemble: patterns.EnsembleOptions{Strategy: patterns.EnsembleStrategy(strategy)},
	}

	res, err := eng.orch.Execute(ctx, weft.Pattern(pattern), agents, weft.Task{Text: args[0]}, opts)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printResult(cmd, res)
	return nil
}

func printResult(cmd *cobra.Command, res *orchestrator.Result) {
	out := cmd.OutOrStdout()
	status := "ok"
	if !res.Success {
		status = "failed"
		if res.Reason != "" {
			status = res.Reason
		}
	}
	fmt.Fprintf(out, "orchestration %s [%s] %s in %dms, %d tokens\n",
		res.OrchestrationID, res.Pattern, status, res.DurationMs, res.Tokens.Total())

	for _, o := range res.PerAgent {
		mark := "+"
		if o.Err != nil {
			mark = "!"
		}
		fmt.Fprintf(out, "  %s %s (%dms, %d tokens)\n", mark, o.AgentID, o.DurationMs, o.Tokens.Total())
	}
	for _, f := range res.Errors {
		fmt.Fprintf(out, "  error [%s] %s: %s\n", f.Kind, f.AgentID, f.Reason)
	}
	if res.Data != nil {
		fmt.Fprintln(out, strings.TrimSpace(renderCLIData(res.Data)))
	}
}

func renderCLIData(data any) string {
	switch v := data.(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, "\n---\n")
	default:
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
