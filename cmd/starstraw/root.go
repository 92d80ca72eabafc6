// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Starstraw Contributors

package main

import (
	"github.com/spf13/cobra"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the starstraw CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "starstraw",
		Short: "Starstraw - skill-based authentication service",
		Long: `Starstraw is an authentication and authorization service where
permissions are gated by progressive skill levels instead of static roles.`,
	}

	// Global flag for config file path
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")

	// Add subcommands
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewSeedCmd())
	cmd.AddCommand(NewStatusCmd())

	return cmd
}
