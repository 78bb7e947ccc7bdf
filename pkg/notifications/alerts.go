// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package notifications

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/soothill/rack-power-monitor/pkg/interfaces"
	"github.com/soothill/rack-power-monitor/pkg/metrics"
)

// SetCooldown changes the minimum gap between threshold alerts for one
// device. Existing per-device limiters are reset.
func (n *Notifier) SetCooldown(cooldown time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cooldown = cooldown
	n.limiters = make(map[string]*rate.Limiter)
}

// Forget drops the alert state of a device.
func (n *Notifier) Forget(deviceID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.limiters, deviceID)
}

// CheckReading sends a threshold alert when a reading exceeds the configured
// threshold, at most once per cooldown per device. It reports whether an
// alert was sent.
func (n *Notifier) CheckReading(ctx context.Context, reading interfaces.ReadingRecorded) (bool, error) {
	if n.policy == nil || !n.IsEnabled() {
		return false, nil
	}
	enabled, threshold := n.policy.AlertPolicy()
	if !enabled || reading.Watts <= threshold {
		return false, nil
	}
	if !n.limiter(reading.DeviceID).Allow() {
		return false, nil
	}

	title := fmt.Sprintf("⚡ Rack %s over power threshold", reading.DeviceName)
	message := fmt.Sprintf("%s (%s) drew %.1f W at %s, above the %.0f W threshold.",
		reading.DeviceName, reading.Address, reading.Watts,
		reading.Timestamp.Format("2006-01-02 15:04:05"), threshold)
	if err := n.sender.SendAlert(ctx, "warning", title, message); err != nil {
		return false, err
	}

	metrics.AlertsSent.Inc()
	n.logger.Info().Str("device_id", reading.DeviceID).Str("device", reading.DeviceName).
		Float64("watts", reading.Watts).Float64("threshold", threshold).Msg("Power threshold alert sent")
	return true, nil
}

func (n *Notifier) limiter(deviceID string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[deviceID]
	if !ok {
		l = rate.NewLimiter(rate.Every(n.cooldown), 1)
		n.limiters[deviceID] = l
	}
	return l
}
