// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package mcpserver exposes the device registry as Model Context Protocol
// tools over streamable HTTP.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/soothill/rack-power-monitor/monitoring"
	"github.com/soothill/rack-power-monitor/registry"
)

const (
	serverName    = "rack-power-monitor"
	serverVersion = "1.0.0"
)

// Registry is the part of the device registry the tools drive.
type Registry interface {
	List() []registry.DeviceInfo
	Get(name string) (registry.DeviceInfo, error)
	Add(ctx context.Context, req registry.AddRequest) (registry.DeviceInfo, error)
	Delete(name string) error
	Clear() error
	Start(ctx context.Context, name string, opts registry.StartOptions) error
	Pause(name string) error
	Resume(name string) error
	Stop(name string) error
	Readings(name string) (monitoring.Summary, error)
	Settings() registry.SettingsView
	UpdateSettings(req registry.SettingsRequest) (registry.SettingsView, error)
}

// Registration pairs an MCP tool definition with its handler function.
type Registration struct {
	Tool    mcp.Tool
	Handler server.ToolHandlerFunc
}

// RegisterAll adds every Registration to the given MCP server.
func RegisterAll(s *server.MCPServer, registrations []Registration) {
	for _, r := range registrations {
		s.AddTool(r.Tool, r.Handler)
	}
}

// NewServer builds an MCP server with every rack tool registered.
func NewServer(reg Registry, logger zerolog.Logger) *server.MCPServer {
	s := server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))
	RegisterAll(s, RackTools(reg, logger))
	return s
}

// NewHandler returns the streamable HTTP endpoint for the rack tools.
func NewHandler(reg Registry, logger zerolog.Logger) http.Handler {
	return server.NewStreamableHTTPServer(NewServer(reg, logger))
}

// JSONResult marshals v to indented JSON and returns an mcp.CallToolResult.
func JSONResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultText(fmt.Sprintf("error marshaling result: %v", err))
	}
	return mcp.NewToolResultText(string(data))
}

// ErrorResult returns an mcp.CallToolResult that describes an error condition.
func ErrorResult(msg string) *mcp.CallToolResult {
	return mcp.NewToolResultText(fmt.Sprintf("error: %s", msg))
}

// logCall records a tool invocation.
func logCall(logger zerolog.Logger, tool string, params map[string]any, err error, start time.Time) {
	ev := logger.Debug()
	if err != nil {
		ev = logger.Info().Err(err)
	}
	ev.Str("tool", tool).Interface("params", params).Dur("duration", time.Since(start)).Msg("MCP tool called")
}
