// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/teradata-labs/weft/registry"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect the agent registry",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List discovered agent definitions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := loadAgents()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, def := range reg.All() {
			caps := strings.Join(def.Capabilities, ", ")
			fmt.Fprintf(out, "%-24s %-28s %-10s %s\n", def.Name, def.Model, def.Priority, caps)
		}
		fmt.Fprintf(out, "%d agents\n", reg.Len())
		return nil
	},
}

var agentsShowCmd = &cobra.Command{
	Use:   "show [name]",
	Short: "Show one agent definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadAgents()
		if err != nil {
			return err
		}
		def := reg.GetByName(args[0])
		if def == nil {
			return fmt.Errorf("agent %q not found under %s", args[0], reg.Root())
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "name:         %s\n", def.Name)
		fmt.Fprintf(out, "display name: %s\n", def.DisplayName)
		fmt.Fprintf(out, "model:        %s\n", def.Model)
		fmt.Fprintf(out, "category:     %s\n", def.Category)
		fmt.Fprintf(out, "phase:        %s\n", def.Phase)
		fmt.Fprintf(out, "priority:     %s\n", def.Priority)
		fmt.Fprintf(out, "capabilities: %s\n", strings.Join(def.Capabilities, ", "))
		fmt.Fprintf(out, "tags:         %s\n", strings.Join(def.Tags, ", "))
		fmt.Fprintf(out, "file:         %s\n", def.Path)
		if def.Instructions != "" {
			fmt.Fprintf(out, "\n%s\n", def.Instructions)
		}
		return nil
	},
}

var agentsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate every agent definition file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg, err := loadAgents()
		if err != nil {
			return err
		}
		problems := reg.Diagnostics(context.Background())
		if len(problems) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "all agent files valid")
			return nil
		}
		for path, perr := range problems {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %v\n", path, perr)
		}
		return fmt.Errorf("%d invalid agent files", len(problems))
	},
}

func loadAgents() (*registry.Registry, error) {
	reg := registry.New(cfg.Agents.Dir, logger)
	if _, err := reg.Load(); err != nil {
		return nil, err
	}
	return reg, nil
}

func init() {
	agentsCmd.AddCommand(agentsListCmd, agentsShowCmd, agentsCheckCmd)
	rootCmd.AddCommand(agentsCmd)
}
