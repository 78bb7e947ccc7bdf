// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/soothill/rack-power-monitor/credentials"
	"github.com/soothill/rack-power-monitor/monitoring"
	"github.com/soothill/rack-power-monitor/pkg/errors"
)

// stopWaitTimeout bounds how long Start waits for a stopping loop to exit.
const stopWaitTimeout = 15 * time.Second

// StartOptions override the polling defaults for one start.
type StartOptions struct {
	// Manual takes precedence over stored credentials when complete
	Manual *credentials.Credential
	// Interval overrides the device poll rate and the settings default
	Interval time.Duration
	// Duration limits the run; nil falls back to the settings default and a
	// non-positive value polls until stopped
	Duration *time.Duration
}

// Start begins monitoring a device. Starting a device that is already
// monitored succeeds without doing anything; starting one whose loop is
// still stopping waits for that loop to exit and starts a new one.
// Credential and pre-flight failures are returned to the caller and no poll
// loop is created.
func (r *Registry) Start(ctx context.Context, name string, opts StartOptions) error {
	r.mu.Lock()
	d, ok := r.lookupLocked(name)
	if !ok {
		r.mu.Unlock()
		return errors.NewRegistryError("start", name, errors.ErrNotFound)
	}
	if r.testing[d.ID] > 0 {
		r.mu.Unlock()
		return nil
	}
	if r.monitor.IsActive(d.ID) {
		id, stopping := d.ID, r.monitor.Snapshot(d.ID).StopRequested
		r.mu.Unlock()
		if !stopping {
			return nil
		}
		// The previous loop is still winding down; a restart gets a new loop.
		if err := r.awaitStopped(ctx, id); err != nil {
			return errors.NewRegistryError("start", name, err)
		}
		return r.Start(ctx, name, opts)
	}
	dev := *d
	r.testing[dev.ID]++
	delete(r.failures, dev.ID)
	r.mu.Unlock()

	defer r.endTest(dev.ID)

	cred, err := r.resolveCredential(dev, opts.Manual)
	if err != nil {
		r.recordFailure(dev.ID, StatusAuthError, err)
		r.logger.Warn().Err(err).Str("device", dev.Name).Msg("No usable credentials, not starting")
		return errors.NewRegistryError("start", name, err)
	}

	if r.preflight {
		if _, err := r.checker.CheckConnection(ctx, dev.Address, cred); err != nil {
			status := StatusError
			if stderrors.Is(err, errors.ErrAuthFailed) {
				status = StatusAuthError
			}
			r.recordFailure(dev.ID, status, err)
			return errors.NewRegistryError("start", name, err)
		}
	}

	task := monitoring.Task{
		DeviceID:   dev.ID,
		DeviceName: dev.Name,
		Address:    dev.Address,
		Credential: cred,
		Interval:   r.intervalFor(dev, opts),
		Duration:   r.durationFor(opts),
	}
	if _, err := r.monitor.Start(r.ctx, task); err != nil {
		r.recordFailure(dev.ID, StatusError, err)
		return errors.NewRegistryError("start", name, err)
	}

	ev := r.logger.Info().Str("device_id", dev.ID).Str("device", dev.Name).Dur("interval", task.Interval)
	if task.Duration != nil {
		ev = ev.Dur("duration", *task.Duration)
	}
	ev.Msg("Monitoring started")
	return nil
}

// Pause suspends polling for a monitored device.
func (r *Registry) Pause(name string) error {
	return r.command("pause", name, r.monitor.Pause)
}

// Resume continues polling a paused device.
func (r *Registry) Resume(name string) error {
	return r.command("resume", name, r.monitor.Resume)
}

// Stop ends monitoring for a device. Stopping an idle device is a no-op.
func (r *Registry) Stop(name string) error {
	id, err := r.idOf("stop", name)
	if err != nil {
		return err
	}
	r.monitor.Stop(id)
	return nil
}

// StopAll asks every poll loop to exit.
func (r *Registry) StopAll() int {
	return r.monitor.StopAll()
}

// TestConnection performs a single read with the credentials Start would use.
func (r *Registry) TestConnection(ctx context.Context, name string, manual *credentials.Credential) (float64, bool, error) {
	r.mu.Lock()
	d, ok := r.lookupLocked(name)
	if !ok {
		r.mu.Unlock()
		return 0, false, errors.NewRegistryError("test", name, errors.ErrNotFound)
	}
	dev := *d
	r.testing[dev.ID]++
	r.mu.Unlock()
	defer r.endTest(dev.ID)

	if r.checker == nil {
		return 0, false, errors.NewRegistryError("test", name, errors.ErrUnreachable)
	}
	cred, err := r.resolveCredential(dev, manual)
	if err != nil {
		return 0, false, errors.NewRegistryError("test", name, err)
	}
	watts, err := r.checker.CheckConnection(ctx, dev.Address, cred)
	if err != nil {
		r.logger.Info().Err(err).Str("device", dev.Name).Msg("Connection test failed")
		return 0, false, nil
	}
	return watts, true, nil
}

func (r *Registry) command(op, name string, fn func(string) bool) error {
	id, err := r.idOf(op, name)
	if err != nil {
		return err
	}
	if !fn(id) {
		return errors.NewRegistryError(op, name, errors.ErrNotMonitoring)
	}
	return nil
}

func (r *Registry) idOf(op, name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.lookupLocked(name)
	if !ok {
		return "", errors.NewRegistryError(op, name, errors.ErrNotFound)
	}
	return d.ID, nil
}

func (r *Registry) awaitStopped(ctx context.Context, id string) error {
	waitCtx, cancel := context.WithTimeout(ctx, stopWaitTimeout)
	defer cancel()
	if err := r.monitor.StopAndWait(waitCtx, id); err != nil {
		return fmt.Errorf("%w: previous poll loop still stopping", errors.ErrInUse)
	}
	return nil
}

func (r *Registry) endTest(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.testing[id] <= 1 {
		delete(r.testing, id)
		return
	}
	r.testing[id]--
}

func (r *Registry) recordFailure(id string, status Status, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; ok {
		r.failures[id] = failure{status: status, err: err, at: r.now()}
	}
}

// resolveCredential opens the device's stored override, if any, and runs
// the resolver.
func (r *Registry) resolveCredential(dev Device, manual *credentials.Credential) (credentials.Credential, error) {
	var override *credentials.Credential
	if dev.Username != "" && dev.Password != "" {
		password := dev.Password
		if r.cipher != nil {
			plain, err := r.cipher.Decrypt(dev.Password)
			if err != nil {
				r.logger.Warn().Err(err).Str("device", dev.Name).Msg("Stored device password could not be decrypted, ignoring it")
				password = ""
			} else {
				password = plain
			}
		}
		override = &credentials.Credential{Username: dev.Username, Password: password}
	}
	return r.resolver.Resolve(override, manual)
}

func (r *Registry) intervalFor(dev Device, opts StartOptions) time.Duration {
	switch {
	case opts.Interval > 0:
		return opts.Interval
	case dev.PollRateSeconds > 0:
		return time.Duration(dev.PollRateSeconds) * time.Second
	default:
		return r.store.DefaultInterval()
	}
}

func (r *Registry) durationFor(opts StartOptions) *time.Duration {
	if opts.Duration != nil {
		if *opts.Duration <= 0 {
			return nil
		}
		return opts.Duration
	}
	return r.store.DefaultDuration()
}
