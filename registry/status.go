// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package registry

import (
	"time"

	"github.com/soothill/rack-power-monitor/monitoring"
	"github.com/soothill/rack-power-monitor/pkg/errors"
)

// Status is the derived display state of a device.
type Status string

// Device statuses.
const (
	StatusNotStarted Status = "NotStarted"
	StatusTesting    Status = "Testing"
	StatusConnecting Status = "Connecting"
	StatusMonitoring Status = "Monitoring"
	StatusPaused     Status = "Paused"
	StatusStopping   Status = "Stopping"
	StatusStopped    Status = "Stopped"
	StatusComplete   Status = "Complete"
	StatusError      Status = "Error"
	StatusAuthError  Status = "AuthError"
)

// FreshnessWindow is how recent a reading must be to count as live.
const FreshnessWindow = 5 * time.Minute

// StatusOf derives a device's status.
func (r *Registry) StatusOf(name string) (Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.lookupLocked(name)
	if !ok {
		return "", errors.NewRegistryError("status", name, errors.ErrNotFound)
	}
	return r.statusLocked(d), nil
}

// statusLocked applies the signals in priority order: the pause flag, a
// live poll loop, a running pre-flight, the newest recorded outcome, then
// reading recency.
func (r *Registry) statusLocked(d *Device) Status {
	snap := r.monitor.Snapshot(d.ID)

	if snap.Active {
		switch {
		case snap.Paused:
			return StatusPaused
		case snap.StopRequested:
			return StatusStopping
		case snap.SessionReadings == 0:
			return StatusConnecting
		default:
			return StatusMonitoring
		}
	}

	if r.testing[d.ID] > 0 {
		return StatusTesting
	}

	var lastAt time.Time
	if last, ok := r.monitor.LastReading(d.ID); ok {
		lastAt = last.Timestamp
	}

	outcome, outcomeAt := StatusNotStarted, time.Time{}
	if f, ok := r.failures[d.ID]; ok {
		outcome, outcomeAt = f.status, f.at
	}
	if snap.Outcome != monitoring.OutcomeNone && snap.EndedAt.After(outcomeAt) {
		outcomeAt = snap.EndedAt
		outcome = StatusStopped
		if snap.Outcome == monitoring.OutcomeComplete {
			outcome = StatusComplete
		}
	}
	if !outcomeAt.IsZero() && !outcomeAt.Before(lastAt) {
		return outcome
	}

	if !lastAt.IsZero() && r.now().Sub(lastAt) <= FreshnessWindow {
		return StatusMonitoring
	}
	return StatusNotStarted
}
