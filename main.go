// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Command rack-power-monitor polls R-SCM rack controllers over Redfish,
// records their power draw to per-session CSV files and serves a dashboard
// API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/soothill/rack-power-monitor/app"
	"github.com/soothill/rack-power-monitor/config"
	"github.com/soothill/rack-power-monitor/pkg/logger"
	"github.com/soothill/rack-power-monitor/storage"
)

const healthCheckTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthCheck := flag.Bool("health-check", false, "Perform health check and exit")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	flag.Parse()

	if *healthCheck {
		os.Exit(performHealthCheck(*configPath))
	}

	if *validateConfig {
		os.Exit(performConfigValidation(*configPath, os.Stdout, os.Stderr))
	}

	cfg, watchPath, err := loadConfig(*configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Initialize(cfg.Logging.Level, cfg.Logging.Format)

	logger.Info().Msg("Starting Rack Power Monitor")
	if watchPath == "" {
		logger.Warn().Str("path", *configPath).Msg("Configuration file not found, using defaults")
	}
	logger.Info().
		Str("listen_address", cfg.Web.ListenAddress).
		Str("settings_file", cfg.Monitoring.SettingsFile).
		Bool("influxdb", cfg.InfluxDB.Enabled()).
		Bool("discovery", cfg.Discovery.Enabled).
		Msg("Configuration loaded")

	application, err := app.New(cfg, watchPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	setupDebugSignalHandlers(application)
	application.Run()
}

// loadConfig reads the configuration file. A missing file yields the
// defaults and an empty watch path.
func loadConfig(path string) (*config.Config, string, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), "", nil
	}
	return nil, "", err
}

// performHealthCheck queries the running instance's /health endpoint and,
// when configured, InfluxDB. It returns the process exit code.
func performHealthCheck(configPath string) int {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: could not load config: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if err := checkHealth(ctx, healthURL(cfg.Web.ListenAddress)); err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}

	if cfg.InfluxDB.Enabled() {
		influxDB, err := storage.NewInfluxDBStorage(
			cfg.InfluxDB.URL,
			cfg.InfluxDB.Token,
			cfg.InfluxDB.Organization,
			cfg.InfluxDB.Bucket,
			storage.DefaultBreakerSettings(),
			nil,
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: could not create InfluxDB client: %v\n", err)
			return 1
		}
		defer influxDB.Close()

		if err := influxDB.Health(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: InfluxDB is unhealthy: %v\n", err)
			return 1
		}
	}

	fmt.Println("Health check passed")
	return 0
}

// healthURL turns a listen address into a loopback URL for /health.
func healthURL(listenAddress string) string {
	host, port, err := net.SplitHostPort(listenAddress)
	if err != nil {
		host, port = "", listenAddress
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/health"
}

func checkHealth(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("web server unreachable: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("web server returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// performConfigValidation validates the configuration file and returns exit code
func performConfigValidation(configPath string, stdout, stderr io.Writer) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(configPath); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		fmt.Fprintf(stderr, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(stderr, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "\n✅ Configuration validation PASSED")
	fmt.Fprintln(stdout, "\nConfiguration summary:")
	fmt.Fprintf(stdout, "  Listen Address: %s\n", cfg.Web.ListenAddress)
	fmt.Fprintf(stdout, "  MCP Endpoint: %t\n", cfg.Web.MCPEnabled)
	fmt.Fprintf(stdout, "  Settings File: %s\n", cfg.Monitoring.SettingsFile)
	fmt.Fprintf(stdout, "  Redfish Port: %d\n", cfg.Monitoring.Port)
	fmt.Fprintf(stdout, "  Request Timeout: %s\n", cfg.Monitoring.RequestTimeout)
	fmt.Fprintf(stdout, "  Plain HTTP Fallback: %t\n", cfg.Monitoring.PlainHTTPAllowed())
	fmt.Fprintf(stdout, "  Readings Buffer: %d\n", cfg.Monitoring.ReadingsBuffer)
	fmt.Fprintf(stdout, "  Log Level: %s\n", cfg.Logging.Level)

	if cfg.InfluxDB.Enabled() {
		fmt.Fprintf(stdout, "  InfluxDB URL: %s\n", cfg.InfluxDB.URL)
		fmt.Fprintf(stdout, "  InfluxDB Organization: %s\n", cfg.InfluxDB.Organization)
		fmt.Fprintf(stdout, "  InfluxDB Bucket: %s\n", cfg.InfluxDB.Bucket)
	} else {
		fmt.Fprintln(stdout, "  InfluxDB: Disabled")
	}

	if cfg.Discovery.Enabled {
		fmt.Fprintf(stdout, "  Discovery: %s.%s every %s\n", cfg.Discovery.ServiceType, cfg.Discovery.Domain, cfg.Discovery.Interval)
	} else {
		fmt.Fprintln(stdout, "  Discovery: Disabled")
	}

	if cfg.Notifications.SlackWebhookURL != "" {
		fmt.Fprintln(stdout, "  Slack Notifications: Enabled")
	} else {
		fmt.Fprintln(stdout, "  Slack Notifications: Disabled")
	}

	fmt.Fprintln(stdout, "\nAll validation checks passed. Configuration is ready for use.")
	return 0
}
