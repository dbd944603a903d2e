// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/infrascope/infrascope/pkg/config"
	"github.com/infrascope/infrascope/pkg/logger"
	"github.com/infrascope/infrascope/pkg/plugins"
	"github.com/infrascope/infrascope/pkg/server"
)

var (
	serveTransport string
	servePort      int
	serveHost      string
)

// factories maps plugin manifest entries to their compiled-in
// factories. Plugins link statically, so shipping a new plugin means
// adding its factory here and rebuilding.
var factories = plugins.FactoryTable{}

// newServeCommand creates the 'serve' subcommand.
func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the infrascope MCP server",
		Long: `Start the infrascope MCP server with the configured transports.
Configuration is read from the environment; the --transport, --host, and
--port flags override TRANSPORT_MODE, HTTP_HOST, and HTTP_PORT.`,
		RunE: serveCmdFunc,
	}

	cmd.Flags().StringVar(&serveTransport, "transport", "", "Transport mode: stdio, http, amqp, or all")
	cmd.Flags().StringVar(&serveHost, "host", "", "Host for the HTTP transport")
	cmd.Flags().IntVar(&servePort, "port", 0, "Port for the HTTP transport")

	return cmd
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	// The debug flag may have changed the log level.
	logger.Initialize()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if serveTransport != "" {
		cfg.Mode = config.TransportMode(serveTransport)
	}
	if serveHost != "" {
		cfg.HTTPHost = serveHost
	}
	if servePort != 0 {
		cfg.HTTPPort = servePort
	}

	srv, err := server.New(ctx, cfg, server.Options{Factories: factories})
	if err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}

	return srv.Run(ctx)
}
