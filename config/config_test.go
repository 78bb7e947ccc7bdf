// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	rpmerrors "github.com/soothill/rack-power-monitor/pkg/errors"
)

// validConfig returns a configuration that passes Validate.
func validConfig() Config {
	cfg := Config{
		InfluxDB: InfluxDBConfig{
			URL:          "http://localhost:8086",
			Token:        "test-token",
			Organization: "test-org",
			Bucket:       "test-bucket",
		},
		Logging: LoggingConfig{Level: "info"},
	}
	cfg.setDefaults()
	return cfg
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "influxdb disabled", mutate: func(c *Config) { c.InfluxDB = InfluxDBConfig{OpenTimeout: time.Minute} }},
		{name: "missing influxdb token", mutate: func(c *Config) { c.InfluxDB.Token = "" }, wantErr: true},
		{name: "short influxdb token", mutate: func(c *Config) { c.InfluxDB.Token = "short" }, wantErr: true},
		{name: "missing organization", mutate: func(c *Config) { c.InfluxDB.Organization = "" }, wantErr: true},
		{name: "missing bucket", mutate: func(c *Config) { c.InfluxDB.Bucket = "" }, wantErr: true},
		{name: "influxdb bad scheme", mutate: func(c *Config) { c.InfluxDB.URL = "ftp://localhost:8086" }, wantErr: true},
		{name: "remote influxdb over http", mutate: func(c *Config) { c.InfluxDB.URL = "http://influx.example.com:8086" }, wantErr: true},
		{name: "remote influxdb over https", mutate: func(c *Config) { c.InfluxDB.URL = "https://influx.example.com:8086" }},
		{name: "invalid log level", mutate: func(c *Config) { c.Logging.Level = "invalid" }, wantErr: true},
		{name: "invalid log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "tiny readings buffer", mutate: func(c *Config) { c.Monitoring.ReadingsBuffer = 5 }, wantErr: true},
		{name: "request timeout too short", mutate: func(c *Config) { c.Monitoring.RequestTimeout = 100 * time.Millisecond }, wantErr: true},
		{name: "port out of range", mutate: func(c *Config) { c.Monitoring.Port = 70000 }, wantErr: true},
		{name: "webhook over http", mutate: func(c *Config) { c.Notifications.SlackWebhookURL = "http://hooks.slack.com/x" }, wantErr: true},
		{name: "webhook over https", mutate: func(c *Config) { c.Notifications.SlackWebhookURL = "https://hooks.slack.com/x" }},
		{name: "discovery interval too short", mutate: func(c *Config) { c.Discovery.Interval = 10 * time.Second }, wantErr: true},
		{name: "discovery timeout beyond interval", mutate: func(c *Config) { c.Discovery.Timeout = 2 * c.Discovery.Interval }, wantErr: true},
		{name: "bad service type", mutate: func(c *Config) { c.Discovery.ServiceType = "redfish._tcp" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("nonexistent-config.yaml")
	if err == nil {
		t.Error("Load() should fail when file doesn't exist")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: yaml: content:\n  - missing\n  closing")

	_, err := Load(path)
	if err == nil {
		t.Error("Load() should fail with invalid YAML")
	}
}

func TestLoad_InvalidValuesWrapSentinel(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: shouting\n")

	_, err := Load(path)
	if !errors.Is(err, rpmerrors.ErrInvalidConfig) {
		t.Errorf("Load() error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoad_ValidFile(t *testing.T) {
	path := writeConfig(t, `web:
  listen_address: "127.0.0.1:5050"
  mcp_enabled: true
monitoring:
  settings_file: "/var/lib/rpm/settings.yaml"
  request_timeout: 5s
  allow_plain_http: false
influxdb:
  url: "http://localhost:8086"
  token: "test-token"
  organization: "test-org"
  bucket: "test-bucket"
discovery:
  enabled: true
  interval: 30m
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Web.ListenAddress != "127.0.0.1:5050" {
		t.Errorf("Web.ListenAddress = %v, want 127.0.0.1:5050", cfg.Web.ListenAddress)
	}
	if !cfg.Web.MCPEnabled {
		t.Error("Web.MCPEnabled = false, want true")
	}
	if cfg.Monitoring.SettingsFile != "/var/lib/rpm/settings.yaml" {
		t.Errorf("Monitoring.SettingsFile = %v, want /var/lib/rpm/settings.yaml", cfg.Monitoring.SettingsFile)
	}
	if cfg.Monitoring.RequestTimeout != 5*time.Second {
		t.Errorf("Monitoring.RequestTimeout = %v, want 5s", cfg.Monitoring.RequestTimeout)
	}
	if cfg.Monitoring.PlainHTTPAllowed() {
		t.Error("PlainHTTPAllowed() = true, want false")
	}
	if !cfg.InfluxDB.Enabled() {
		t.Error("InfluxDB.Enabled() = false, want true")
	}
	if !cfg.Discovery.Enabled || cfg.Discovery.Interval != 30*time.Minute {
		t.Errorf("Discovery = %+v, want enabled with 30m interval", cfg.Discovery)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %v, want json", cfg.Logging.Format)
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `influxdb:
  url: "http://localhost:8086"
  token: "file-token"
  organization: "file-org"
  bucket: "file-bucket"
logging:
  level: "info"
`)

	t.Setenv("INFLUXDB_URL", "https://env-host:8086")
	t.Setenv("INFLUXDB_TOKEN", "env-token")
	t.Setenv("INFLUXDB_ORG", "env-org")
	t.Setenv("INFLUXDB_BUCKET", "env-bucket")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.slack.com/services/T/B/X")
	t.Setenv("RPM_LISTEN_ADDRESS", ":6000")
	t.Setenv("RPM_SETTINGS_FILE", "/tmp/env-settings.yaml")
	t.Setenv("RPM_REQUEST_TIMEOUT", "20s")
	t.Setenv("RPM_DISCOVERY_ENABLED", "true")
	t.Setenv("RPM_MCP_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.InfluxDB.URL != "https://env-host:8086" {
		t.Errorf("InfluxDB.URL = %v, want https://env-host:8086", cfg.InfluxDB.URL)
	}
	if cfg.InfluxDB.Token != "env-token" {
		t.Errorf("InfluxDB.Token = %v, want env-token", cfg.InfluxDB.Token)
	}
	if cfg.InfluxDB.Organization != "env-org" {
		t.Errorf("InfluxDB.Organization = %v, want env-org", cfg.InfluxDB.Organization)
	}
	if cfg.InfluxDB.Bucket != "env-bucket" {
		t.Errorf("InfluxDB.Bucket = %v, want env-bucket", cfg.InfluxDB.Bucket)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
	if cfg.Notifications.SlackWebhookURL != "https://hooks.slack.com/services/T/B/X" {
		t.Errorf("Notifications.SlackWebhookURL = %v", cfg.Notifications.SlackWebhookURL)
	}
	if cfg.Web.ListenAddress != ":6000" {
		t.Errorf("Web.ListenAddress = %v, want :6000", cfg.Web.ListenAddress)
	}
	if cfg.Monitoring.SettingsFile != "/tmp/env-settings.yaml" {
		t.Errorf("Monitoring.SettingsFile = %v, want /tmp/env-settings.yaml", cfg.Monitoring.SettingsFile)
	}
	if cfg.Monitoring.RequestTimeout != 20*time.Second {
		t.Errorf("Monitoring.RequestTimeout = %v, want 20s", cfg.Monitoring.RequestTimeout)
	}
	if !cfg.Discovery.Enabled {
		t.Error("Discovery.Enabled = false, want true")
	}
	if !cfg.Web.MCPEnabled {
		t.Error("Web.MCPEnabled = false, want true")
	}
}

func TestLoad_InvalidEnvironmentValueIgnored(t *testing.T) {
	path := writeConfig(t, "monitoring:\n  request_timeout: 7s\n")
	t.Setenv("RPM_REQUEST_TIMEOUT", "soon")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Monitoring.RequestTimeout != 7*time.Second {
		t.Errorf("Monitoring.RequestTimeout = %v, want 7s", cfg.Monitoring.RequestTimeout)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Web.ListenAddress != ":5000" {
		t.Errorf("Default ListenAddress = %v, want :5000", cfg.Web.ListenAddress)
	}
	if cfg.Monitoring.SettingsFile != "rack_settings.yaml" {
		t.Errorf("Default SettingsFile = %v, want rack_settings.yaml", cfg.Monitoring.SettingsFile)
	}
	if cfg.Monitoring.ReadingsBuffer != 1000 {
		t.Errorf("Default ReadingsBuffer = %v, want 1000", cfg.Monitoring.ReadingsBuffer)
	}
	if cfg.Monitoring.RequestTimeout != 10*time.Second {
		t.Errorf("Default RequestTimeout = %v, want 10s", cfg.Monitoring.RequestTimeout)
	}
	if cfg.Monitoring.Port != 8080 {
		t.Errorf("Default Port = %v, want 8080", cfg.Monitoring.Port)
	}
	if !cfg.Monitoring.PlainHTTPAllowed() {
		t.Error("Default PlainHTTPAllowed() = false, want true")
	}
	if cfg.InfluxDB.Enabled() {
		t.Error("InfluxDB should be disabled without a URL")
	}
	if cfg.Discovery.ServiceType != "_redfish._tcp" {
		t.Errorf("Default ServiceType = %v, want _redfish._tcp", cfg.Discovery.ServiceType)
	}
	if cfg.Discovery.Domain != "local." {
		t.Errorf("Default Domain = %v, want local.", cfg.Discovery.Domain)
	}
	if cfg.Notifications.AlertCooldown != 15*time.Minute {
		t.Errorf("Default AlertCooldown = %v, want 15m", cfg.Notifications.AlertCooldown)
	}
	if cfg.Logging.Format != "console" {
		t.Errorf("Default log format = %v, want console", cfg.Logging.Format)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}
