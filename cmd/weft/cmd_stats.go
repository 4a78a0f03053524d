// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft"
	"github.com/teradata-labs/weft/store"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show orchestration statistics from memory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := store.Open(cfg.Memory.DBPath, logger)
		if err != nil {
			return err
		}
		defer s.Close()
		out := cmd.OutOrStdout()
		ctx := context.Background()

		fmt.Fprintln(out, "pattern           runs  success   avg ms")
		for _, p := range weft.Patterns() {
			rows, err := s.PatternStats(ctx, p)
			if err != nil {
				logger.Warn("pattern stats unavailable", zap.String("pattern", string(p)), zap.Error(err))
				continue
			}
			for _, st := range rows {
				fmt.Fprintf(out, "%-16s %5d  %6.1f%%  %7.0f\n",
					p, st.Total, st.SuccessRate*100, st.AvgDurationMs)
			}
		}

		collabs, err := s.Collaborations(ctx, store.CollaborationFilter{MinCount: 2})
		if err != nil {
			return err
		}
		if len(collabs) > 0 {
			fmt.Fprintln(out, "\ntop collaborations")
			for _, c := range collabs {
				fmt.Fprintf(out, "  %-40s %4d runs  %5.1f%% success\n",
					c.Key, c.Total, c.SuccessRate*100)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
