// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package notifications turns system events into operator alerts.
//
// Notifier sits on top of a transport (normally the Slack webhook client)
// and knows the domain messages: InfluxDB outages and recoveries, discovery
// failures and rack power over the configured threshold. It satisfies the
// storage layer's notifier interface so the InfluxDB circuit breaker can
// report state changes directly.
//
// Notification failures never block polling. Callers log them and move on.
package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/soothill/rack-power-monitor/pkg/interfaces"
)

// PolicySource reports whether threshold alerts are on and the threshold
// in watts. The settings store implements it.
type PolicySource interface {
	AlertPolicy() (enabled bool, thresholdWatts float64)
}

// Notifier delivers domain alerts through a transport.
type Notifier struct {
	sender interfaces.Notifier
	policy PolicySource
	logger zerolog.Logger

	mu       sync.Mutex
	cooldown time.Duration
	limiters map[string]*rate.Limiter
}

// New creates a Notifier. A nil policy disables threshold alerts.
func New(sender interfaces.Notifier, policy PolicySource, cooldown time.Duration, logger zerolog.Logger) *Notifier {
	return &Notifier{
		sender:   sender,
		policy:   policy,
		logger:   logger,
		cooldown: cooldown,
		limiters: make(map[string]*rate.Limiter),
	}
}

// IsEnabled reports whether the transport is configured.
func (n *Notifier) IsEnabled() bool {
	return n.sender != nil && n.sender.IsEnabled()
}

// SendInfluxDBFailure reports that InfluxDB writes are failing.
func (n *Notifier) SendInfluxDBFailure(ctx context.Context, err error) error {
	return n.send(ctx, "danger", "⚠️ InfluxDB Connection Failure",
		fmt.Sprintf("Failed to write to InfluxDB: %v\nReadings are still recorded to CSV session files.", err))
}

// SendInfluxDBRecovery reports that InfluxDB writes succeed again.
func (n *Notifier) SendInfluxDBRecovery(ctx context.Context) error {
	return n.send(ctx, "good", "✅ InfluxDB Connection Restored",
		"Connection to InfluxDB has been restored. New readings are being mirrored again.")
}

// SendDiscoveryFailure reports a failed mDNS scan.
func (n *Notifier) SendDiscoveryFailure(ctx context.Context, err error) error {
	return n.send(ctx, "warning", "⚠️ Rack Discovery Failure",
		fmt.Sprintf("Failed to discover rack controllers: %v", err))
}

func (n *Notifier) send(ctx context.Context, severity, title, message string) error {
	if !n.IsEnabled() {
		n.logger.Debug().Str("title", title).Msg("Notifications disabled, skipping alert")
		return nil
	}
	if err := n.sender.SendAlert(ctx, severity, title, message); err != nil {
		return err
	}
	n.logger.Debug().Str("title", title).Msg("Notification sent")
	return nil
}
