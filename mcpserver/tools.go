// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package mcpserver

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/soothill/rack-power-monitor/registry"
)

const (
	toolListRacks   = "list_racks"
	toolGetRack     = "get_rack"
	toolGetReadings = "get_readings"
	toolAddRack     = "add_rack"
	toolStart       = "start_monitoring"
	toolPause       = "pause_monitoring"
	toolResume      = "resume_monitoring"
	toolStop        = "stop_monitoring"
	toolDeleteRack  = "delete_rack"
	toolClearRacks  = "clear_racks"
	toolGetSettings = "get_settings"
	toolSetSettings = "update_settings"
)

// commandResult is returned by tools that change state.
type commandResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// RackTools returns the tool registrations for rack management.
func RackTools(reg Registry, logger zerolog.Logger) []Registration {
	logger = logger.With().Str("component", "mcp").Logger()
	return []Registration{
		listRacks(reg, logger),
		getRack(reg, logger),
		getReadings(reg, logger),
		addRack(reg, logger),
		startMonitoring(reg, logger),
		command(toolPause, "Pause polling of a monitored rack. The session file stays open.", reg.Pause, logger),
		command(toolResume, "Resume polling of a paused rack.", reg.Resume, logger),
		command(toolStop, "Stop monitoring a rack and close its session file.", reg.Stop, logger),
		command(toolDeleteRack, "Remove a rack from the registry. Fails while the rack is monitored.", reg.Delete, logger),
		clearRacks(reg, logger),
		getSettings(reg, logger),
		updateSettings(reg, logger),
	}
}

func nameParam() mcp.ToolOption {
	return mcp.WithString("name",
		mcp.Required(),
		mcp.Description("Rack name"),
	)
}

func listRacks(reg Registry, logger zerolog.Logger) Registration {
	tool := mcp.NewTool(toolListRacks,
		mcp.WithDescription("List every registered rack controller with its address and monitoring status."),
	)

	handler := func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		racks := reg.List()
		logCall(logger, toolListRacks, nil, nil, start)
		return JSONResult(racks), nil
	}

	return Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func getRack(reg Registry, logger zerolog.Logger) Registration {
	tool := mcp.NewTool(toolGetRack,
		mcp.WithDescription("Get one rack's address, status and latest reading."),
		nameParam(),
	)

	handler := func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		params := map[string]any{"name": name}

		info, err := reg.Get(name)
		logCall(logger, toolGetRack, params, err, start)
		if err != nil {
			return ErrorResult(err.Error()), nil
		}
		return JSONResult(info), nil
	}

	return Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func getReadings(reg Registry, logger zerolog.Logger) Registration {
	tool := mcp.NewTool(toolGetReadings,
		mcp.WithDescription("Get the buffered power readings of a rack with min, max, average and mode in watts."),
		nameParam(),
	)

	handler := func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		params := map[string]any{"name": name}

		summary, err := reg.Readings(name)
		logCall(logger, toolGetReadings, params, err, start)
		if err != nil {
			return ErrorResult(err.Error()), nil
		}
		return JSONResult(summary), nil
	}

	return Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func addRack(reg Registry, logger zerolog.Logger) Registration {
	tool := mcp.NewTool(toolAddRack,
		mcp.WithDescription("Register a rack controller by name and address."),
		nameParam(),
		mcp.WithString("address",
			mcp.Required(),
			mcp.Description("Host name or IP address of the rack controller"),
		),
		mcp.WithString("username", mcp.Description("Redfish user name; empty uses the default")),
		mcp.WithString("password", mcp.Description("Redfish password; stored encrypted")),
		mcp.WithNumber("poll_rate_seconds", mcp.Description("Poll interval for this rack (default: settings interval)")),
		mcp.WithBoolean("auto_start", mcp.Description("Start monitoring immediately (default: false)")),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		add := registry.AddRequest{
			Name:            req.GetString("name", ""),
			Address:         req.GetString("address", ""),
			Username:        req.GetString("username", ""),
			Password:        req.GetString("password", ""),
			PollRateSeconds: req.GetInt("poll_rate_seconds", 0),
			AutoStart:       req.GetBool("auto_start", false),
		}
		params := map[string]any{"name": add.Name, "address": add.Address, "auto_start": add.AutoStart}

		info, err := reg.Add(ctx, add)
		logCall(logger, toolAddRack, params, err, start)
		if err != nil {
			return ErrorResult(err.Error()), nil
		}
		return JSONResult(info), nil
	}

	return Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func startMonitoring(reg Registry, logger zerolog.Logger) Registration {
	tool := mcp.NewTool(toolStart,
		mcp.WithDescription("Start polling a rack's power draw. Succeeds without effect if it is already monitored."),
		nameParam(),
		mcp.WithNumber("interval_seconds", mcp.Description("Poll interval override")),
		mcp.WithNumber("duration_hours", mcp.Description("Stop after this many hours (default: settings duration, or continuous)")),
	)

	handler := func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		name := req.GetString("name", "")
		interval := req.GetInt("interval_seconds", 0)
		hours := req.GetFloat("duration_hours", 0)
		params := map[string]any{"name": name, "interval_seconds": interval, "duration_hours": hours}

		var opts registry.StartOptions
		if interval > 0 {
			opts.Interval = time.Duration(interval) * time.Second
		}
		if hours > 0 {
			d := time.Duration(hours * float64(time.Hour))
			opts.Duration = &d
		}

		err := reg.Start(ctx, name, opts)
		logCall(logger, toolStart, params, err, start)
		return result(err), nil
	}

	return Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

// command builds a tool that runs a single named operation.
func command(name, description string, fn func(string) error, logger zerolog.Logger) Registration {
	tool := mcp.NewTool(name,
		mcp.WithDescription(description),
		nameParam(),
	)

	handler := func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		rack := req.GetString("name", "")

		err := fn(rack)
		logCall(logger, name, map[string]any{"name": rack}, err, start)
		return result(err), nil
	}

	return Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func result(err error) *mcp.CallToolResult {
	if err != nil {
		return JSONResult(commandResult{Error: err.Error()})
	}
	return JSONResult(commandResult{OK: true})
}

func clearRacks(reg Registry, logger zerolog.Logger) Registration {
	tool := mcp.NewTool(toolClearRacks,
		mcp.WithDescription("Remove every rack from the registry. Fails while any rack is monitored."),
	)

	handler := func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		err := reg.Clear()
		logCall(logger, toolClearRacks, nil, err, start)
		return result(err), nil
	}

	return Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func getSettings(reg Registry, logger zerolog.Logger) Registration {
	tool := mcp.NewTool(toolGetSettings,
		mcp.WithDescription("Get the global settings: data directory, default credentials, poll interval, run length and alert policy. The default password is never shown."),
	)

	handler := func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		view := reg.Settings()
		logCall(logger, toolGetSettings, nil, nil, start)
		return JSONResult(view), nil
	}

	return Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}

func updateSettings(reg Registry, logger zerolog.Logger) Registration {
	tool := mcp.NewTool(toolSetSettings,
		mcp.WithDescription("Change global settings. Omitted values are kept. The default password is stored encrypted."),
		mcp.WithString("data_dir", mcp.Description("Directory for session files; applies after restart")),
		mcp.WithString("default_username", mcp.Description("Redfish user name for racks without their own")),
		mcp.WithString("default_password", mcp.Description("Redfish password for racks without their own; empty clears it")),
		mcp.WithNumber("default_interval_minutes", mcp.Description("Default poll interval in minutes")),
		mcp.WithNumber("default_duration_hours", mcp.Description("Default run length in hours; 0 polls continuously")),
		mcp.WithBoolean("enable_alerts", mcp.Description("Send alerts when a reading exceeds the threshold")),
		mcp.WithNumber("alert_threshold", mcp.Description("Alert threshold in watts")),
	)

	handler := func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		args := req.GetArguments()
		var in registry.SettingsRequest
		params := map[string]any{}

		if _, ok := args["data_dir"]; ok {
			v := req.GetString("data_dir", "")
			in.DataDir, params["data_dir"] = &v, v
		}
		if _, ok := args["default_username"]; ok {
			v := req.GetString("default_username", "")
			in.DefaultUsername, params["default_username"] = &v, v
		}
		if _, ok := args["default_password"]; ok {
			v := req.GetString("default_password", "")
			in.DefaultPassword, params["default_password"] = &v, "***"
		}
		if _, ok := args["default_interval_minutes"]; ok {
			v := req.GetFloat("default_interval_minutes", 0)
			in.DefaultIntervalMinutes, params["default_interval_minutes"] = &v, v
		}
		if _, ok := args["default_duration_hours"]; ok {
			v := req.GetFloat("default_duration_hours", 0)
			in.DefaultDurationHours, params["default_duration_hours"] = &v, v
		}
		if _, ok := args["enable_alerts"]; ok {
			v := req.GetBool("enable_alerts", false)
			in.EnableAlerts, params["enable_alerts"] = &v, v
		}
		if _, ok := args["alert_threshold"]; ok {
			v := req.GetFloat("alert_threshold", 0)
			in.AlertThreshold, params["alert_threshold"] = &v, v
		}

		view, err := reg.UpdateSettings(in)
		logCall(logger, toolSetSettings, params, err, start)
		if err != nil {
			return ErrorResult(err.Error()), nil
		}
		return JSONResult(view), nil
	}

	return Registration{Tool: tool, Handler: server.ToolHandlerFunc(handler)}
}
