// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teradata-labs/weft/config"
	"github.com/teradata-labs/weft/internal/log"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Weft - multi-agent orchestration engine with persistent memory",
	Long: `Weft runs multi-agent collaboration patterns (parallel, consensus,
debate, review, ensemble) over the Anthropic API, with persistent
orchestration memory, semantic retrieval and cost tracking.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if err := bindFlags(cmd, cfg); err != nil {
			return err
		}
		logger, err = log.Build(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return err
		}
		log.SetLogger(logger)
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = log.Sync()
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./weft.yaml, ~/.weft/weft.yaml)")
	rootCmd.PersistentFlags().String("db", "", "orchestration database path (overrides memory.dbPath)")
	rootCmd.PersistentFlags().String("agents-dir", "", "agent definition directory (overrides agents.dir)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
}

// bindFlags applies explicit flags over the loaded config, keeping the
// flags > file > env > defaults precedence.
func bindFlags(cmd *cobra.Command, cfg *config.Config) error {
	if f := cmd.Flags().Lookup("db"); f != nil && f.Changed {
		cfg.Memory.DBPath = f.Value.String()
	}
	if f := cmd.Flags().Lookup("agents-dir"); f != nil && f.Changed {
		cfg.Agents.Dir = f.Value.String()
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Logging.Level = f.Value.String()
	}
	return nil
}
