// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for the rack power monitor.
//
// The configuration file covers process-level concerns: logging, the web
// listener, poller tuning, the optional InfluxDB sink, notifications and
// discovery. Operator-editable state (devices, default credentials, polling
// defaults) lives in the separate settings document named by
// monitoring.settings_file.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	rpmerrors "github.com/soothill/rack-power-monitor/pkg/errors"
)

// Config represents the application configuration
type Config struct {
	Logging       LoggingConfig       `yaml:"logging"`
	Web           WebConfig           `yaml:"web"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// WebConfig holds the dashboard listener settings
type WebConfig struct {
	ListenAddress string `yaml:"listen_address"`
	MCPEnabled    bool   `yaml:"mcp_enabled"`
}

// MonitoringConfig tunes the poller and names its state files
type MonitoringConfig struct {
	SettingsFile   string        `yaml:"settings_file"`
	SaltFile       string        `yaml:"salt_file"`
	ReadingsBuffer int           `yaml:"readings_buffer"`
	EventsBuffer   int           `yaml:"events_buffer"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Port           int           `yaml:"port"`
	AllowPlainHTTP *bool         `yaml:"allow_plain_http"`
	SkipPreflight  bool          `yaml:"skip_preflight"`
}

// PlainHTTPAllowed reports whether the Redfish client may retry over HTTP.
func (m MonitoringConfig) PlainHTTPAllowed() bool {
	return m.AllowPlainHTTP == nil || *m.AllowPlainHTTP
}

// InfluxDBConfig holds InfluxDB connection settings. The sink is disabled
// when URL is empty.
type InfluxDBConfig struct {
	URL              string        `yaml:"url"`
	Token            string        `yaml:"token"`
	Organization     string        `yaml:"organization"`
	Bucket           string        `yaml:"bucket"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// Enabled reports whether readings should be mirrored to InfluxDB.
func (c InfluxDBConfig) Enabled() bool {
	return c.URL != ""
}

// NotificationsConfig holds Slack settings
type NotificationsConfig struct {
	SlackWebhookURL string        `yaml:"slack_webhook_url"`
	AlertCooldown   time.Duration `yaml:"alert_cooldown"`
}

// DiscoveryConfig holds mDNS discovery settings
type DiscoveryConfig struct {
	Enabled     bool          `yaml:"enabled"`
	ServiceType string        `yaml:"service_type"`
	Domain      string        `yaml:"domain"`
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides and defaults
	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w: %w", rpmerrors.ErrInvalidConfig, err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, used when no
// configuration file exists.
func Default() *Config {
	var cfg Config
	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()
	return &cfg
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	if url := os.Getenv("INFLUXDB_URL"); url != "" {
		c.InfluxDB.URL = url
	}
	if token := os.Getenv("INFLUXDB_TOKEN"); token != "" {
		c.InfluxDB.Token = token
	}
	if org := os.Getenv("INFLUXDB_ORG"); org != "" {
		c.InfluxDB.Organization = org
	}
	if bucket := os.Getenv("INFLUXDB_BUCKET"); bucket != "" {
		c.InfluxDB.Bucket = bucket
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		c.Notifications.SlackWebhookURL = webhook
	}
	if addr := os.Getenv("RPM_LISTEN_ADDRESS"); addr != "" {
		c.Web.ListenAddress = addr
	}
	if path := os.Getenv("RPM_SETTINGS_FILE"); path != "" {
		c.Monitoring.SettingsFile = path
	}
	if path := os.Getenv("RPM_SALT_FILE"); path != "" {
		c.Monitoring.SaltFile = path
	}
	if timeout := os.Getenv("RPM_REQUEST_TIMEOUT"); timeout != "" {
		duration, parseErr := time.ParseDuration(timeout)
		if parseErr == nil {
			c.Monitoring.RequestTimeout = duration
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse RPM_REQUEST_TIMEOUT '%s': %v\n", timeout, parseErr)
		}
	}
	if enabled := os.Getenv("RPM_DISCOVERY_ENABLED"); enabled != "" {
		value, parseErr := strconv.ParseBool(enabled)
		if parseErr == nil {
			c.Discovery.Enabled = value
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse RPM_DISCOVERY_ENABLED '%s': %v\n", enabled, parseErr)
		}
	}
	if enabled := os.Getenv("RPM_MCP_ENABLED"); enabled != "" {
		value, parseErr := strconv.ParseBool(enabled)
		if parseErr == nil {
			c.Web.MCPEnabled = value
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse RPM_MCP_ENABLED '%s': %v\n", enabled, parseErr)
		}
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Web.ListenAddress == "" {
		c.Web.ListenAddress = ":5000"
	}
	if c.Monitoring.SettingsFile == "" {
		c.Monitoring.SettingsFile = "rack_settings.yaml"
	}
	if c.Monitoring.SaltFile == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Monitoring.SaltFile = home + string(os.PathSeparator) + ".rack_monitor_salt"
		} else {
			c.Monitoring.SaltFile = ".rack_monitor_salt"
		}
	}
	if c.Monitoring.ReadingsBuffer == 0 {
		c.Monitoring.ReadingsBuffer = 1000
	}
	if c.Monitoring.EventsBuffer == 0 {
		c.Monitoring.EventsBuffer = 100
	}
	if c.Monitoring.RequestTimeout == 0 {
		c.Monitoring.RequestTimeout = 10 * time.Second
	}
	if c.Monitoring.Port == 0 {
		c.Monitoring.Port = 8080
	}
	if c.InfluxDB.FailureThreshold == 0 {
		c.InfluxDB.FailureThreshold = 5
	}
	if c.InfluxDB.OpenTimeout == 0 {
		c.InfluxDB.OpenTimeout = 30 * time.Second
	}
	if c.Notifications.AlertCooldown == 0 {
		c.Notifications.AlertCooldown = 15 * time.Minute
	}
	if c.Discovery.ServiceType == "" {
		c.Discovery.ServiceType = "_redfish._tcp"
	}
	if c.Discovery.Domain == "" {
		c.Discovery.Domain = "local."
	}
	if c.Discovery.Interval == 0 {
		c.Discovery.Interval = 10 * time.Minute
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = 10 * time.Second
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if validateErr := c.validateLogging(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateMonitoring(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateInfluxDB(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateNotifications(); validateErr != nil {
		return validateErr
	}

	if validateErr := c.validateDiscovery(); validateErr != nil {
		return validateErr
	}

	return nil
}

// validateInfluxDB validates the InfluxDB configuration. An empty URL
// disables the sink and skips the remaining checks.
func (c *Config) validateInfluxDB() error {
	if !c.InfluxDB.Enabled() {
		return nil
	}

	parsedURL, parseErr := url.Parse(c.InfluxDB.URL)
	if parseErr != nil {
		return fmt.Errorf("influxdb.url is not a valid URL: %w", parseErr)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("influxdb.url must use http or https (got %q)", parsedURL.Scheme)
	}

	// Check for HTTPS in production-like URLs (not localhost/127.0.0.1)
	if securityErr := validateURLSecurity("influxdb.url", parsedURL); securityErr != nil {
		return securityErr
	}

	if c.InfluxDB.Token == "" {
		return fmt.Errorf("influxdb.token is required")
	}
	if len(c.InfluxDB.Token) < 8 {
		return fmt.Errorf("influxdb.token must be at least 8 characters long")
	}
	if c.InfluxDB.Organization == "" {
		return fmt.Errorf("influxdb.organization is required")
	}
	if c.InfluxDB.Bucket == "" {
		return fmt.Errorf("influxdb.bucket is required")
	}
	if c.InfluxDB.OpenTimeout < time.Second {
		return fmt.Errorf("influxdb.open_timeout must be at least 1 second")
	}

	return nil
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections
func validateURLSecurity(field string, parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	isLocal := hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "192.168.") ||
		strings.HasPrefix(hostname, "10.") ||
		strings.HasPrefix(hostname, "172.")

	if !isLocal {
		return fmt.Errorf("%s must use HTTPS for non-local connections (got %s). Using HTTP transmits credentials in plaintext and is a security risk", field, parsedURL.Scheme)
	}

	return nil
}

// validateMonitoring validates the poller configuration
func (c *Config) validateMonitoring() error {
	if c.Monitoring.ReadingsBuffer < 10 {
		return fmt.Errorf("monitoring.readings_buffer must be at least 10")
	}
	if c.Monitoring.ReadingsBuffer > 100000 {
		return fmt.Errorf("monitoring.readings_buffer must not exceed 100000")
	}
	if c.Monitoring.EventsBuffer < 1 {
		return fmt.Errorf("monitoring.events_buffer must be at least 1")
	}
	if c.Monitoring.RequestTimeout < time.Second {
		return fmt.Errorf("monitoring.request_timeout must be at least 1 second")
	}
	if c.Monitoring.RequestTimeout > 2*time.Minute {
		return fmt.Errorf("monitoring.request_timeout must not exceed 2 minutes")
	}
	if c.Monitoring.Port < 1 || c.Monitoring.Port > 65535 {
		return fmt.Errorf("monitoring.port must be between 1 and 65535")
	}
	return nil
}

// validateNotifications validates the Slack webhook
func (c *Config) validateNotifications() error {
	if c.Notifications.SlackWebhookURL != "" {
		parsedURL, err := url.Parse(c.Notifications.SlackWebhookURL)
		if err != nil {
			return fmt.Errorf("notifications.slack_webhook_url is not a valid URL: %w", err)
		}
		if parsedURL.Scheme != "https" {
			return fmt.Errorf("notifications.slack_webhook_url must use HTTPS")
		}
	}
	if c.Notifications.AlertCooldown < time.Second {
		return fmt.Errorf("notifications.alert_cooldown must be at least 1 second")
	}
	return nil
}

// validateDiscovery validates the discovery configuration
func (c *Config) validateDiscovery() error {
	if !strings.HasPrefix(c.Discovery.ServiceType, "_") {
		return fmt.Errorf("discovery.service_type must start with an underscore")
	}
	if c.Discovery.Interval < time.Minute {
		return fmt.Errorf("discovery.interval must be at least 1 minute")
	}
	if c.Discovery.Interval > 24*time.Hour {
		return fmt.Errorf("discovery.interval must not exceed 24 hours")
	}
	if c.Discovery.Timeout < time.Second || c.Discovery.Timeout > c.Discovery.Interval {
		return fmt.Errorf("discovery.timeout must be at least 1 second and not exceed discovery.interval")
	}
	return nil
}

// validateLogging validates the logging configuration
func (c *Config) validateLogging() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true,
		"warning": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error, fatal, panic")
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be console or json")
	}

	return nil
}
