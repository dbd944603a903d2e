// SPDX-FileCopyrightText: Copyright 2026 Infrascope Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the infrascope server.
package main

import (
	"os"

	"github.com/infrascope/infrascope/cmd/infrascope/app"
	"github.com/infrascope/infrascope/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
