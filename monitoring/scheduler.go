// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package monitoring runs one poll loop per rack controller.
//
// Each loop reads the controller's power on a fixed interval, appends the
// reading to its session file and in-memory buffer, and publishes a
// ReadingRecorded event. Loops share nothing but the scheduler's task map,
// so a slow or failing controller never delays another.
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/soothill/rack-power-monitor/credentials"
	"github.com/soothill/rack-power-monitor/pkg/errors"
	"github.com/soothill/rack-power-monitor/pkg/interfaces"
	"github.com/soothill/rack-power-monitor/pkg/metrics"
)

const (
	// DefaultWaitStep bounds how long a loop waits before rechecking for a stop.
	DefaultWaitStep = time.Second

	eventsChannelSize = 100
)

// State is the lifecycle state of a device's poll loop.
type State string

// Poll loop states.
const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateStopping   State = "stopping"
	StateTerminated State = "terminated"
)

// Outcome records how the last poll loop for a device ended.
type Outcome string

// Loop outcomes.
const (
	OutcomeNone     Outcome = ""
	OutcomeStopped  Outcome = "stopped"
	OutcomeComplete Outcome = "complete"
)

// Task describes a poll loop to start. Credential and Address are
// snapshots; later registry edits do not reach a running loop.
type Task struct {
	DeviceID   string
	DeviceName string
	Address    string
	Credential credentials.Credential
	Interval   time.Duration
	// Duration limits the run; nil polls until stopped
	Duration *time.Duration
}

// NameLookup resolves a device's current name so renames show up in the
// next reading.
type NameLookup interface {
	DeviceName(deviceID string) (string, bool)
}

// Snapshot is the scheduler's view of one device.
type Snapshot struct {
	Active          bool
	State           State
	Paused          bool
	StopRequested   bool
	StartedAt       time.Time
	SessionReadings int64
	LastReadingAt   time.Time
	Outcome         Outcome
	EndedAt         time.Time
}

type outcomeRecord struct {
	outcome Outcome
	at      time.Time
}

type pollTask struct {
	Task
	startedAt time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	// cancel aborts an in-flight read when the loop is stopped
	cancel context.CancelFunc

	paused          atomic.Bool
	stopRequested   atomic.Bool
	sessionReadings atomic.Int64
	lastReadingAt   atomic.Int64
}

func (t *pollTask) requestStop() {
	t.stopRequested.Store(true)
	t.stopOnce.Do(func() {
		close(t.stop)
		t.cancel()
	})
}

// Scheduler owns the per-device poll loops.
type Scheduler struct {
	reader     interfaces.PowerReader
	store      interfaces.SessionStore
	logger     zerolog.Logger
	now        func() time.Time
	waitStep   time.Duration
	bufferSize int

	names    NameLookup
	tasks    map[string]*pollTask
	buffers  map[string]*ReadingBuffer
	outcomes map[string]outcomeRecord
	events   chan interfaces.ReadingRecorded
	closed   bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock used for timestamps and duration expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithWaitStep sets the stop-check granularity of the interval wait.
func WithWaitStep(step time.Duration) Option {
	return func(s *Scheduler) {
		if step > 0 {
			s.waitStep = step
		}
	}
}

// WithBufferSize sets the per-device reading buffer capacity.
func WithBufferSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// WithEventBuffer sets the capacity of the events channel.
func WithEventBuffer(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.events = make(chan interfaces.ReadingRecorded, n)
		}
	}
}

// NewScheduler creates a scheduler reading through reader and writing
// sessions to store.
func NewScheduler(logger zerolog.Logger, reader interfaces.PowerReader, store interfaces.SessionStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		reader:     reader,
		store:      store,
		logger:     logger,
		now:        time.Now,
		waitStep:   DefaultWaitStep,
		bufferSize: DefaultBufferSize,
		tasks:      make(map[string]*pollTask),
		buffers:    make(map[string]*ReadingBuffer),
		outcomes:   make(map[string]outcomeRecord),
		events:     make(chan interfaces.ReadingRecorded, eventsChannelSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetNameLookup installs the lookup used to name readings.
func (s *Scheduler) SetNameLookup(names NameLookup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = names
}

// Start launches a poll loop for task.DeviceID. It returns false without
// error when the device already has a live loop.
func (s *Scheduler) Start(ctx context.Context, task Task) (bool, error) {
	if task.DeviceID == "" {
		return false, errors.NewValidationError("device_id", task.DeviceID, "device ID cannot be empty")
	}
	if task.Interval <= 0 {
		return false, errors.NewValidationError("interval", task.Interval, "interval must be positive")
	}
	if task.Duration != nil && *task.Duration <= 0 {
		return false, errors.NewValidationError("duration", *task.Duration, "duration must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, errors.NewMonitoringError("start", task.DeviceID, fmt.Errorf("scheduler is closed"))
	}
	if _, exists := s.tasks[task.DeviceID]; exists {
		s.logger.Debug().Str("device_id", task.DeviceID).Msg("Device already being monitored, skipping")
		return false, nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t := &pollTask{
		Task:      task,
		startedAt: s.now(),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	s.tasks[task.DeviceID] = t
	delete(s.outcomes, task.DeviceID)
	if _, ok := s.buffers[task.DeviceID]; !ok {
		s.buffers[task.DeviceID] = NewReadingBuffer(s.bufferSize)
	}
	metrics.DevicesMonitored.Set(float64(len(s.tasks)))

	s.wg.Add(1)
	go s.run(loopCtx, t)
	return true, nil
}

// Pause suspends polling without ending the session.
func (s *Scheduler) Pause(deviceID string) bool {
	return s.setPaused(deviceID, true)
}

// Resume continues a paused loop in the same session.
func (s *Scheduler) Resume(deviceID string) bool {
	return s.setPaused(deviceID, false)
}

func (s *Scheduler) setPaused(deviceID string, paused bool) bool {
	s.mu.RLock()
	t, ok := s.tasks[deviceID]
	s.mu.RUnlock()
	if !ok || t.stopRequested.Load() {
		return false
	}
	t.paused.Store(paused)
	s.logger.Info().Str("device_id", deviceID).Bool("paused", paused).Msg("Poll loop pause state changed")
	return true
}

// Stop asks a loop to exit. It returns false if the device has no loop.
func (s *Scheduler) Stop(deviceID string) bool {
	s.mu.RLock()
	t, ok := s.tasks[deviceID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	t.requestStop()
	s.logger.Info().Str("device_id", deviceID).Msg("Stop requested")
	return true
}

// StopAndWait stops a loop and waits for it to exit.
func (s *Scheduler) StopAndWait(ctx context.Context, deviceID string) error {
	s.mu.RLock()
	t, ok := s.tasks[deviceID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	t.requestStop()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return errors.NewMonitoringError("stop", deviceID, ctx.Err())
	}
}

// StopAll asks every loop to exit and returns how many were signalled.
func (s *Scheduler) StopAll() int {
	s.mu.RLock()
	tasks := make([]*pollTask, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.RUnlock()

	for _, t := range tasks {
		t.requestStop()
	}
	return len(tasks)
}

// Close stops all loops, waits for them and closes the events channel.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.StopAll()
	s.wg.Wait()
	close(s.events)
	s.logger.Info().Msg("Scheduler stopped, events channel closed")
}

// Events returns the stream of recorded readings. Events are dropped when
// the channel is full.
func (s *Scheduler) Events() <-chan interfaces.ReadingRecorded {
	return s.events
}

// IsActive reports whether the device has a live loop.
func (s *Scheduler) IsActive(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tasks[deviceID]
	return ok
}

// ActiveCount returns the number of live loops.
func (s *Scheduler) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// Snapshot reports the loop state of one device.
func (s *Scheduler) Snapshot(deviceID string) Snapshot {
	s.mu.RLock()
	t, active := s.tasks[deviceID]
	rec, ended := s.outcomes[deviceID]
	s.mu.RUnlock()

	if !active {
		snap := Snapshot{State: StateIdle}
		if ended {
			snap.State = StateTerminated
			snap.Outcome = rec.outcome
			snap.EndedAt = rec.at
		}
		return snap
	}

	snap := Snapshot{
		Active:          true,
		State:           StateRunning,
		Paused:          t.paused.Load(),
		StopRequested:   t.stopRequested.Load(),
		StartedAt:       t.startedAt,
		SessionReadings: t.sessionReadings.Load(),
	}
	if ns := t.lastReadingAt.Load(); ns != 0 {
		snap.LastReadingAt = time.Unix(0, ns)
	}
	switch {
	case snap.StopRequested:
		snap.State = StateStopping
	case snap.Paused:
		snap.State = StatePaused
	}
	return snap
}

// Readings returns the buffered readings for a device.
func (s *Scheduler) Readings(deviceID string) []Reading {
	s.mu.RLock()
	b, ok := s.buffers[deviceID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return b.Snapshot()
}

// LastReading returns the newest buffered reading for a device.
func (s *Scheduler) LastReading(deviceID string) (Reading, bool) {
	s.mu.RLock()
	b, ok := s.buffers[deviceID]
	s.mu.RUnlock()
	if !ok {
		return Reading{}, false
	}
	return b.Last()
}

// DropReadings discards a device's buffer and recorded outcome.
func (s *Scheduler) DropReadings(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buffers, deviceID)
	delete(s.outcomes, deviceID)
}

func (s *Scheduler) run(ctx context.Context, t *pollTask) {
	defer s.wg.Done()
	defer t.cancel()

	log := s.logger.With().Str("device_id", t.DeviceID).Str("address", t.Address).Logger()
	log.Info().Dur("interval", t.Interval).Msg("Poll loop started")

	session := s.store.NewSession()
	outcome := OutcomeStopped
	defer func() {
		if err := session.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close session file")
		}
		s.finish(t, outcome)
		log.Info().Str("outcome", string(outcome)).Str("session_id", session.ID()).Str("file", session.Path()).
			Int("rows", session.Rows()).Msg("Poll loop exited")
	}()

	for {
		if t.stopRequested.Load() || ctx.Err() != nil {
			return
		}

		cycleStart := s.now()
		if t.Duration != nil && cycleStart.After(t.startedAt.Add(*t.Duration)) {
			outcome = OutcomeComplete
			return
		}

		if t.paused.Load() {
			metrics.PausedCycles.Inc()
		} else {
			s.cycle(ctx, t, session, log)
		}

		if !s.wait(ctx, t, t.Interval-s.now().Sub(cycleStart)) {
			return
		}
	}
}

// cycle performs one read. A panic is contained to the cycle.
func (s *Scheduler) cycle(ctx context.Context, t *pollTask, session interfaces.SessionWriter, log zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PollErrors.WithLabelValues("panic").Inc()
			log.Error().Interface("panic", r).Msg("Recovered from panic in poll cycle")
		}
	}()

	start := time.Now()
	watts, err := s.reader.ReadPower(ctx, t.Address, t.Credential)
	metrics.PollDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() != nil || t.stopRequested.Load() {
			return
		}
		metrics.PollErrors.WithLabelValues(errors.Kind(err)).Inc()
		log.Warn().Err(err).Msg("Power read failed")
		return
	}
	if ctx.Err() != nil || t.stopRequested.Load() {
		log.Debug().Float64("watts", watts).Msg("Discarding reading that completed after stop")
		return
	}
	metrics.PollsTotal.Inc()

	ts := s.now()
	if last := t.lastReadingAt.Load(); last != 0 && ts.UnixNano() < last {
		ts = time.Unix(0, last)
	}
	name := s.deviceName(t)

	if err := session.Append(name, ts, watts); err != nil {
		metrics.SessionWriteErrors.Inc()
		log.Error().Err(err).Msg("Failed to append reading to session file")
	} else {
		metrics.SessionRowsWritten.Inc()
	}

	s.bufferFor(t.DeviceID).Append(Reading{Timestamp: ts, Watts: watts})
	t.sessionReadings.Add(1)
	t.lastReadingAt.Store(ts.UnixNano())
	metrics.CurrentPower.WithLabelValues(t.DeviceID, name).Set(watts)

	log.Debug().Str("device_name", name).Float64("watts", watts).Msg("Power reading")

	s.emit(interfaces.ReadingRecorded{
		DeviceID:   t.DeviceID,
		DeviceName: name,
		Address:    t.Address,
		Timestamp:  ts,
		Watts:      watts,
	}, log)
}

// wait sleeps for d in steps of at most waitStep. It returns false when the
// loop should exit.
func (s *Scheduler) wait(ctx context.Context, t *pollTask, d time.Duration) bool {
	for d > 0 {
		step := d
		if step > s.waitStep {
			step = s.waitStep
		}
		timer := time.NewTimer(step)
		select {
		case <-t.stop:
			timer.Stop()
			return false
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		d -= step
	}
	return !t.stopRequested.Load() && ctx.Err() == nil
}

func (s *Scheduler) emit(ev interfaces.ReadingRecorded, log zerolog.Logger) {
	select {
	case s.events <- ev:
	default:
		log.Warn().Msg("Events channel full, dropping reading event")
	}
}

func (s *Scheduler) deviceName(t *pollTask) string {
	s.mu.RLock()
	names := s.names
	s.mu.RUnlock()
	if names != nil {
		if name, ok := names.DeviceName(t.DeviceID); ok && name != "" {
			return name
		}
	}
	return t.DeviceName
}

func (s *Scheduler) bufferFor(deviceID string) *ReadingBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[deviceID]
	if !ok {
		b = NewReadingBuffer(s.bufferSize)
		s.buffers[deviceID] = b
	}
	return b
}

func (s *Scheduler) finish(t *pollTask, outcome Outcome) {
	s.mu.Lock()
	if s.tasks[t.DeviceID] == t {
		delete(s.tasks, t.DeviceID)
	}
	s.outcomes[t.DeviceID] = outcomeRecord{outcome: outcome, at: s.now()}
	metrics.DevicesMonitored.Set(float64(len(s.tasks)))
	s.mu.Unlock()
	close(t.done)
}
