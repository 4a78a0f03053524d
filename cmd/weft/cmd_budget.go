// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/weft/cost"
	"github.com/teradata-labs/weft/store"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Show budget status and spend breakdown",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := store.Open(cfg.Memory.DBPath, logger)
		if err != nil {
			return err
		}
		defer s.Close()

		ledger := cost.New(s.DB(), nil, logger, cost.Config{
			DailyLimitUSD:     cfg.Cost.DailyBudgetUSD,
			MonthlyLimitUSD:   cfg.Cost.MonthlyBudgetUSD,
			Enforce:           cfg.Cost.Enforce,
			WarnThreshold:     cfg.Cost.WarnThreshold,
			CriticalThreshold: cfg.Cost.CriticalThreshold,
		})
		ctx := context.Background()
		out := cmd.OutOrStdout()

		status, err := ledger.BudgetStatus(ctx)
		if err != nil {
			return err
		}
		printWindow(out, "daily", status.Daily)
		printWindow(out, "monthly", status.Monthly)

		days, _ := cmd.Flags().GetInt("days")
		from := time.Now().AddDate(0, 0, -days)
		to := time.Now()

		byPattern, err := ledger.PatternCosts(ctx, from, to)
		if err != nil {
			return err
		}
		if len(byPattern) > 0 {
			fmt.Fprintf(out, "\nspend by pattern, last %d days\n", days)
			for _, row := range byPattern {
				fmt.Fprintf(out, "  %-16s %5d runs  %10d tokens  $%.4f\n", row.Key, row.Runs, row.Tokens, row.CostUSD)
			}
		}
		byAgent, err := ledger.AgentCosts(ctx, from, to)
		if err != nil {
			return err
		}
		if len(byAgent) > 0 {
			fmt.Fprintf(out, "\nspend by agent, last %d days\n", days)
			for _, row := range byAgent {
				fmt.Fprintf(out, "  %-16s %5d runs  %10d tokens  $%.4f\n", row.Key, row.Runs, row.Tokens, row.CostUSD)
			}
		}
		return nil
	},
}

func printWindow(out io.Writer, name string, w cost.WindowStatus) {
	if w.LimitUSD <= 0 {
		fmt.Fprintf(out, "%-8s no limit set, spent $%.4f\n", name, w.SpentUSD)
		return
	}
	fmt.Fprintf(out, "%-8s $%.4f of $%.2f (%.1f%%, %s), projected $%.2f\n",
		name, w.SpentUSD, w.LimitUSD, w.Percent, w.Status, w.ProjectedUSD)
}

func init() {
	budgetCmd.Flags().Int("days", 30, "breakdown window in days")
	rootCmd.AddCommand(budgetCmd)
}
