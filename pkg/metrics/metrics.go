// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the rack power monitor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DevicesRegistered tracks the number of rack controllers in the registry
	DevicesRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rack_devices_registered",
		Help: "Number of rack controllers known to the registry",
	})

	// DevicesMonitored tracks the number of devices with an active poll loop
	DevicesMonitored = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rack_devices_monitored",
		Help: "Number of rack controllers with an active poll loop",
	})

	// DevicesDiscovered tracks controllers seen by the last mDNS scan
	DevicesDiscovered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rack_devices_discovered",
		Help: "Number of rack controllers found by the last mDNS scan",
	})

	// PollsTotal tracks successful power readings
	PollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rack_power_polls_total",
		Help: "Total number of successful power readings",
	})

	// PollErrors tracks failed poll cycles by failure kind
	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rack_power_poll_errors_total",
		Help: "Total number of failed poll cycles",
	}, []string{"kind"})

	// PausedCycles tracks poll cycles skipped because the device was paused
	PausedCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rack_power_paused_cycles_total",
		Help: "Total number of poll cycles skipped while paused",
	})

	// PollDuration tracks how long a Redfish power read takes
	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rack_power_poll_duration_seconds",
		Help:    "Duration of a Redfish power read in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// CurrentPower tracks the latest reading per device
	CurrentPower = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rack_current_power_watts",
		Help: "Latest total input power in watts",
	}, []string{"device_id", "device_name"})

	// SessionRowsWritten tracks rows appended to session CSV files
	SessionRowsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rack_session_rows_written_total",
		Help: "Total number of rows appended to session CSV files",
	})

	// SessionWriteErrors tracks failed CSV appends
	SessionWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rack_session_write_errors_total",
		Help: "Total number of failed session CSV appends",
	})

	// InfluxDBWritesTotal tracks the total number of writes to InfluxDB
	InfluxDBWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rack_influxdb_writes_total",
		Help: "Total number of writes to InfluxDB",
	})

	// InfluxDBWriteErrors tracks the number of failed writes to InfluxDB
	InfluxDBWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rack_influxdb_write_errors_total",
		Help: "Total number of failed writes to InfluxDB",
	})

	// AlertsSent tracks power threshold alerts delivered
	AlertsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rack_alerts_sent_total",
		Help: "Total number of power threshold alerts sent",
	})

	// DiscoveryDuration tracks how long an mDNS scan takes
	DiscoveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rack_discovery_duration_seconds",
		Help:    "Duration of rack controller discovery in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// ForgetDevice removes per-device series, after a rename or delete.
func ForgetDevice(deviceID string) {
	CurrentPower.DeletePartialMatch(prometheus.Labels{"device_id": deviceID})
}
