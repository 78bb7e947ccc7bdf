// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/soothill/rack-power-monitor/config"
	"github.com/soothill/rack-power-monitor/credentials"
	"github.com/soothill/rack-power-monitor/discovery"
	"github.com/soothill/rack-power-monitor/mcpserver"
	"github.com/soothill/rack-power-monitor/monitoring"
	"github.com/soothill/rack-power-monitor/pkg/interfaces"
	"github.com/soothill/rack-power-monitor/pkg/logger"
	"github.com/soothill/rack-power-monitor/pkg/notifications"
	"github.com/soothill/rack-power-monitor/pkg/slacknotifier"
	"github.com/soothill/rack-power-monitor/redfish"
	"github.com/soothill/rack-power-monitor/registry"
	"github.com/soothill/rack-power-monitor/settings"
	"github.com/soothill/rack-power-monitor/storage"
	"github.com/soothill/rack-power-monitor/web"
)

const (
	signalChannelSize   = 1
	alertContextTimeout = 5 * time.Second
	influxWriteTimeout  = 5 * time.Second
	shutdownTimeout     = 5 * time.Second
	readHeaderTimeout   = 10 * time.Second
)

// App represents the main application
type App struct {
	cfg           *config.Config
	server        *http.Server
	settings      *settings.Store
	sessions      *storage.CSVStore
	scheduler     *monitoring.Scheduler
	registry      *registry.Registry
	influxDB      *storage.InfluxDBStorage
	sink          interfaces.ReadingSink
	slack         *slacknotifier.Notifier
	notifier      *notifications.Notifier
	scanner       *discovery.Scanner
	configWatcher *config.Watcher
	configChan    chan *config.Config
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	shutdownOnce  sync.Once
}

// New creates a new application instance. configPath may be empty, in which
// case configuration reloads are disabled.
func New(cfg *config.Config, configPath string) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{cfg: cfg, ctx: ctx, cancel: cancel}

	if err := a.initializeComponents(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	if configPath != "" {
		a.configChan = make(chan *config.Config)
		a.configWatcher = config.NewWatcher(configPath, a.configChan)
	}
	return a, nil
}

// initializeComponents builds the settings store, poller, registry, sinks
// and the HTTP server.
func (a *App) initializeComponents() error {
	var err error
	cfg := a.cfg

	a.settings, err = settings.Load(cfg.Monitoring.SettingsFile)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	salt, err := credentials.LoadOrCreateSalt(cfg.Monitoring.SaltFile)
	if err != nil {
		return fmt.Errorf("failed to load encryption salt: %w", err)
	}
	cipher := credentials.NewCipher(credentials.MachineSecret(), salt)

	client := redfish.NewClient(logger.Component("redfish"),
		redfish.WithPort(cfg.Monitoring.Port),
		redfish.WithTimeout(cfg.Monitoring.RequestTimeout),
		redfish.WithPlainHTTPFallback(cfg.Monitoring.PlainHTTPAllowed()),
	)

	a.sessions, err = storage.NewCSVStore(a.settings.Get().DataDir, logger.Component("storage"))
	if err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}
	logger.Info().Str("directory", a.sessions.Dir()).Msg("Session store initialized")

	a.scheduler = monitoring.NewScheduler(logger.Component("monitoring"), client, a.sessions,
		monitoring.WithBufferSize(cfg.Monitoring.ReadingsBuffer),
		monitoring.WithEventBuffer(cfg.Monitoring.EventsBuffer),
	)

	a.slack = slacknotifier.New(cfg.Notifications.SlackWebhookURL)
	if a.slack.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}
	a.notifier = notifications.New(a.slack, a.settings, cfg.Notifications.AlertCooldown, logger.Component("notifications"))

	var ready web.HealthChecker
	if cfg.InfluxDB.Enabled() {
		a.influxDB, err = storage.NewInfluxDBStorage(
			cfg.InfluxDB.URL,
			cfg.InfluxDB.Token,
			cfg.InfluxDB.Organization,
			cfg.InfluxDB.Bucket,
			storage.BreakerSettings{
				FailureThreshold: cfg.InfluxDB.FailureThreshold,
				OpenTimeout:      cfg.InfluxDB.OpenTimeout,
				HalfOpenRequests: storage.DefaultBreakerSettings().HalfOpenRequests,
			},
			a.notifier,
		)
		if err != nil {
			a.scheduler.Close()
			return fmt.Errorf("failed to initialize InfluxDB: %w", err)
		}
		ready = a.influxDB
		a.sink = a.influxDB
		logger.Info().Str("url", cfg.InfluxDB.URL).Str("bucket", cfg.InfluxDB.Bucket).Msg("InfluxDB sink enabled")
	}

	regOpts := registry.Options{
		Context:   a.ctx,
		Settings:  a.settings,
		Cipher:    cipher,
		Checker:   client,
		Monitor:   a.scheduler,
		Logger:    logger.Component("registry"),
		Preflight: !cfg.Monitoring.SkipPreflight,
		OnRemove:  a.notifier.Forget,
	}
	if a.influxDB != nil {
		regOpts.History = a.influxDB
	}
	a.registry, err = registry.New(regOpts)
	if err != nil {
		a.scheduler.Close()
		if a.influxDB != nil {
			a.influxDB.Close()
		}
		return fmt.Errorf("failed to load device registry: %w", err)
	}
	logger.Info().Int("devices", len(a.registry.List())).Msg("Device registry loaded")

	if cfg.Discovery.Enabled {
		a.scanner = discovery.NewScanner(cfg.Discovery.ServiceType, cfg.Discovery.Domain)
	}

	var mcpHandler http.Handler
	if cfg.Web.MCPEnabled {
		mcpHandler = mcpserver.NewHandler(a.registry, logger.Component("mcp"))
		logger.Info().Msg("MCP endpoint enabled at /mcp")
	}

	a.server = &http.Server{
		Addr: cfg.Web.ListenAddress,
		Handler: web.NewRouter(web.Options{
			Registry: a.registry,
			Sessions: a.sessions,
			Ready:    ready,
			MCP:      mcpHandler,
			Logger:   logger.Component("web"),
		}),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return nil
}

// Registry returns the device registry.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Handler returns the HTTP handler served on the listen address.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Run starts the application and blocks until shutdown
func (a *App) Run() {
	defer a.cancel()

	a.startHTTPServer()
	a.setupSignalHandler()
	a.startConfigWatcher()
	a.startEventPump()
	a.startDiscovery()

	<-a.ctx.Done()
	logger.Info().Msg("Shutting down")
	a.performCleanup()
}

// Shutdown stops the application; Run returns once cleanup is complete.
func (a *App) Shutdown() {
	a.performGracefulShutdown()
}

// startHTTPServer starts the dashboard, metrics and health check server
func (a *App) startHTTPServer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.server.Addr).Msg("Starting web server")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Web server failed")
		}
	}()
}

// startEventPump forwards recorded readings to InfluxDB and the alert
// check. It drains the events channel until the scheduler closes it.
func (a *App) startEventPump() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for ev := range a.scheduler.Events() {
			a.handleReading(ev)
		}
		logger.Info().Msg("Events channel closed, event pump exiting")
	}()
}

func (a *App) handleReading(ev interfaces.ReadingRecorded) {
	if a.sink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), influxWriteTimeout)
		if err := a.sink.WriteReading(ctx, &ev); err != nil {
			logger.Error().Err(err).Str("device_id", ev.DeviceID).Msg("Failed to write reading to InfluxDB")
		}
		cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), alertContextTimeout)
	defer cancel()
	if _, err := a.notifier.CheckReading(ctx, ev); err != nil {
		logger.Error().Err(err).Str("device", ev.DeviceName).Msg("Failed to send power alert")
	}
}

// startDiscovery runs an initial mDNS scan and repeats it on the configured
// interval, registering new rack controllers.
func (a *App) startDiscovery() {
	if a.scanner == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.performDiscovery(a.ctx)

		ticker := time.NewTicker(a.cfg.Discovery.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.ctx.Done():
				logger.Info().Msg("Discovery loop shutting down")
				return
			case <-ticker.C:
				a.performDiscovery(a.ctx)
			}
		}
	}()
}

func (a *App) performDiscovery(ctx context.Context) {
	logger.Info().Msg("Performing device discovery")
	added, err := a.scanner.Sync(ctx, a.cfg.Discovery.Timeout, a.registry)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		logger.Error().Err(err).Msg("Discovery failed")
		alertCtx, alertCancel := context.WithTimeout(context.Background(), alertContextTimeout)
		defer alertCancel()
		if notifyErr := a.notifier.SendDiscoveryFailure(alertCtx, err); notifyErr != nil {
			logger.Error().Err(notifyErr).Msg("Failed to send discovery failure alert")
		}
		return
	}
	logger.Info().Int("added", added).Int("rack_controllers", len(a.scanner.GetRackControllers())).
		Msg("Discovery complete")
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func (a *App) setupSignalHandler() {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			a.performGracefulShutdown()
		case <-a.ctx.Done():
		}
		signal.Stop(sigChan)
	}()
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	devices := a.registry.List()
	logger.Info().
		Int("registered_devices", len(devices)).
		Int("monitored_devices", a.scheduler.ActiveCount()).
		Msg("Registry state")

	for _, d := range devices {
		ev := logger.Info().
			Str("device_id", d.ID).
			Str("device_name", d.Name).
			Str("address", d.Address).
			Str("status", string(d.Status)).
			Bool("is_monitoring", d.IsMonitoring)
		if d.LastReading != nil {
			ev = ev.Float64("last_watts", d.LastReading.Watts).Time("last_reading_at", d.LastReading.Timestamp)
		}
		ev.Msg("Device")
	}

	if a.scanner != nil {
		logger.Info().
			Int("discovered", len(a.scanner.GetDevices())).
			Int("rack_controllers", len(a.scanner.GetRackControllers())).
			Msg("Discovery state")
	}
	if a.influxDB != nil {
		logger.Info().Str("breaker_state", a.influxDB.BreakerState()).Msg("InfluxDB sink state")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024) // 1MB buffer
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}

// performGracefulShutdown stops the HTTP server and every poll loop, then
// cancels the application context.
func (a *App) performGracefulShutdown() {
	a.shutdownOnce.Do(func() {
		logger.Info().Msg("Initiating graceful shutdown...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
		} else {
			logger.Info().Msg("HTTP server stopped")
		}

		stopped := a.registry.StopAll()
		logger.Info().Int("poll_loops", stopped).Msg("Stop requested for all poll loops")

		if a.configWatcher != nil {
			a.configWatcher.Stop()
		}
		a.cancel()
	})
}

// performCleanup waits for poll loops to close their session files, drains
// the event pump and closes the InfluxDB client.
func (a *App) performCleanup() {
	a.performGracefulShutdown()

	a.scheduler.Close()

	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()

	if a.sink != nil {
		a.sink.Close()
	}
	if err := a.settings.Save(); err != nil {
		logger.Error().Err(err).Msg("Failed to save settings on shutdown")
	}
	logger.Info().Msg("All goroutines finished, exiting")
}

// UpdateConfig applies the reloadable parts of a new configuration.
func (a *App) UpdateConfig(newCfg *config.Config) {
	logger.SetLevel(newCfg.Logging.Level)
	a.slack.UpdateWebhookURL(newCfg.Notifications.SlackWebhookURL)
	a.notifier.SetCooldown(newCfg.Notifications.AlertCooldown)

	if newCfg.Web.ListenAddress != a.cfg.Web.ListenAddress ||
		newCfg.Monitoring.SettingsFile != a.cfg.Monitoring.SettingsFile ||
		newCfg.InfluxDB != a.cfg.InfluxDB ||
		newCfg.Discovery != a.cfg.Discovery {
		logger.Warn().Msg("Listener, settings file, InfluxDB and discovery changes take effect after a restart")
	}

	a.cfg.Logging = newCfg.Logging
	a.cfg.Notifications = newCfg.Notifications
	logger.Info().
		Str("log_level", newCfg.Logging.Level).
		Bool("slack_enabled", a.slack.IsEnabled()).
		Dur("alert_cooldown", newCfg.Notifications.AlertCooldown).
		Msg("Application configuration updated")
}

// startConfigWatcher starts a goroutine to listen for config file reloads
func (a *App) startConfigWatcher() {
	if a.configWatcher == nil {
		return
	}
	a.configWatcher.Start(a.ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				logger.Info().Msg("Config watcher goroutine shutting down")
				return
			case newCfg := <-a.configChan:
				a.UpdateConfig(newCfg)
			}
		}
	}()
}
