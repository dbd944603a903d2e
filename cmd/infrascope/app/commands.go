// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the infrascope command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/infrascope/infrascope/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "infrascope",
	DisableAutoGenTag: true,
	Short:             "Infrascope is an MCP server for infrastructure discovery",
	Long: `Infrascope is an MCP (Model Context Protocol) server for infrastructure
discovery and inventory. It exposes network scanning tools, an encrypted
configuration management database, and a plugin system to MCP clients over
stdio, streamable HTTP, and AMQP transports.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the infrascope CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
