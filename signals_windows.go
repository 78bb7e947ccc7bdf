// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build windows

package main

import (
	"github.com/soothill/rack-power-monitor/app"
	"github.com/soothill/rack-power-monitor/pkg/logger"
)

// setupDebugSignalHandlers is a no-op on Windows as SIGUSR1/SIGUSR2 don't exist.
// State can be inspected through /api/racks and /metrics instead.
func setupDebugSignalHandlers(_ *app.App) {
	logger.Debug().Msg("Debug signal handlers not available on Windows")
}
