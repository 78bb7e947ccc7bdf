// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package registry owns the set of known rack controllers and is the single
// entry point for commands against them.
//
// Devices are keyed by a generated UUID. Names are unique and mutable; the
// name index is the only thing a rename touches, so poll loops, reading
// buffers and session files keyed by ID are never orphaned. Every change to
// the device list is written back to the settings document.
package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/soothill/rack-power-monitor/credentials"
	"github.com/soothill/rack-power-monitor/monitoring"
	"github.com/soothill/rack-power-monitor/pkg/errors"
	"github.com/soothill/rack-power-monitor/pkg/interfaces"
	"github.com/soothill/rack-power-monitor/pkg/metrics"
	"github.com/soothill/rack-power-monitor/settings"
)

// Monitor is the part of the scheduler the registry drives.
type Monitor interface {
	Start(ctx context.Context, task monitoring.Task) (bool, error)
	Pause(deviceID string) bool
	Resume(deviceID string) bool
	Stop(deviceID string) bool
	StopAndWait(ctx context.Context, deviceID string) error
	StopAll() int
	IsActive(deviceID string) bool
	Snapshot(deviceID string) monitoring.Snapshot
	Readings(deviceID string) []monitoring.Reading
	LastReading(deviceID string) (monitoring.Reading, bool)
	DropReadings(deviceID string)
	SetNameLookup(names monitoring.NameLookup)
}

// Device is a registered rack controller. Password holds the at-rest form.
type Device struct {
	ID              string
	Name            string
	Address         string
	PollRateSeconds int
	Username        string
	Password        string
}

func (d Device) toSettings() settings.Device {
	return settings.Device{
		ID:       d.ID,
		Name:     d.Name,
		Address:  d.Address,
		PollRate: d.PollRateSeconds,
		Username: d.Username,
		Password: d.Password,
	}
}

// AddRequest describes a device to register.
type AddRequest struct {
	Name            string `json:"name" validate:"required,max=64"`
	Address         string `json:"address" validate:"required,max=253,hostname_rfc1123|ip"`
	Username        string `json:"username,omitempty" validate:"max=128"`
	Password        string `json:"password,omitempty" validate:"max=256"`
	PollRateSeconds int    `json:"poll_rate_seconds,omitempty" validate:"omitempty,min=1,max=86400"`
	AutoStart       bool   `json:"auto_start,omitempty"`
}

// UpdateRequest renames or readdresses a device. A nil Username or Password
// keeps the stored value; an empty one clears it.
type UpdateRequest struct {
	Name     string  `json:"name" validate:"required,max=64"`
	Address  string  `json:"address" validate:"required,max=253,hostname_rfc1123|ip"`
	Username *string `json:"username,omitempty" validate:"omitempty,max=128"`
	Password *string `json:"password,omitempty" validate:"omitempty,max=256"`
}

// DeviceInfo is the externally visible view of a device.
type DeviceInfo struct {
	ID              string              `json:"id"`
	Name            string              `json:"name"`
	Address         string              `json:"address"`
	PollRateSeconds int                 `json:"poll_rate_seconds,omitempty"`
	Status          Status              `json:"status"`
	IsMonitoring    bool                `json:"is_monitoring"`
	LastReading     *monitoring.Reading `json:"last_reading,omitempty"`
	HasCredentials  bool                `json:"has_credentials"`
	LastError       string              `json:"last_error,omitempty"`
}

// Options wires a Registry.
type Options struct {
	// Context bounds every poll loop the registry starts
	Context  context.Context
	Settings *settings.Store
	Cipher   credentials.Cipher
	Checker  interfaces.ConnectionChecker
	Monitor  Monitor
	Logger   zerolog.Logger
	// Preflight runs a connection check before starting a poll loop
	Preflight bool
	// History supplies the last stored reading of a device that has none
	// in memory, such as after a restart
	History History
	// OnRemove is called with the ID of every deleted device
	OnRemove func(deviceID string)
}

// History looks up persisted readings.
type History interface {
	QueryLatestReading(ctx context.Context, deviceID string) (*interfaces.ReadingRecorded, error)
}

// historyTimeout bounds the last-reading lookup made by Get.
const historyTimeout = 2 * time.Second

// failure is a start attempt that ended before a poll loop existed.
type failure struct {
	status Status
	err    error
	at     time.Time
}

// Registry is the device registry.
type Registry struct {
	ctx       context.Context
	store     *settings.Store
	cipher    credentials.Cipher
	resolver  *credentials.Resolver
	checker   interfaces.ConnectionChecker
	monitor   Monitor
	validate  *validator.Validate
	logger    zerolog.Logger
	now       func() time.Time
	preflight bool
	history   History
	onRemove  func(deviceID string)

	mu       sync.RWMutex
	devices  map[string]*Device
	byName   map[string]string
	order    []string
	testing  map[string]int
	failures map[string]failure
}

// New loads the device list from the settings store. Devices saved without
// an ID are assigned one and the settings are rewritten.
func New(opts Options) (*Registry, error) {
	if opts.Settings == nil || opts.Monitor == nil {
		return nil, fmt.Errorf("registry requires settings and a monitor")
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}

	r := &Registry{
		ctx:       opts.Context,
		store:     opts.Settings,
		cipher:    opts.Cipher,
		resolver:  credentials.NewResolver(opts.Settings, opts.Cipher),
		checker:   opts.Checker,
		monitor:   opts.Monitor,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    opts.Logger,
		now:       time.Now,
		preflight: opts.Preflight && opts.Checker != nil,
		history:   opts.History,
		onRemove:  opts.OnRemove,
		devices:   make(map[string]*Device),
		byName:    make(map[string]string),
		testing:   make(map[string]int),
		failures:  make(map[string]failure),
	}

	if sealed, err := r.sealPlaintext(); err != nil {
		return nil, fmt.Errorf("failed to encrypt stored passwords: %w", err)
	} else if sealed {
		r.logger.Warn().Str("path", opts.Settings.Path()).Msg("Encrypted plaintext passwords found in settings file")
	}

	assigned := false
	for _, sd := range opts.Settings.Get().Devices {
		if _, dup := r.byName[sd.Name]; dup || sd.Name == "" {
			r.logger.Warn().Str("device", sd.Name).Msg("Skipping duplicate or unnamed device in settings")
			continue
		}
		id := sd.ID
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
			assigned = true
		}
		r.insertLocked(&Device{
			ID:              id,
			Name:            sd.Name,
			Address:         sd.Address,
			PollRateSeconds: sd.PollRate,
			Username:        sd.Username,
			Password:        sd.Password,
		})
	}
	if assigned {
		if err := r.persistLocked(r.devicesLocked()); err != nil {
			return nil, err
		}
	}

	r.monitor.SetNameLookup(r)
	metrics.DevicesRegistered.Set(float64(len(r.devices)))
	return r, nil
}

// DeviceName resolves a device ID to its current name.
func (r *Registry) DeviceName(deviceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return "", false
	}
	return d.Name, true
}

// Add registers a device. It fails with ErrDuplicate if the name or address
// is taken.
func (r *Registry) Add(ctx context.Context, req AddRequest) (DeviceInfo, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Address = strings.TrimSpace(req.Address)
	if err := r.validateStruct(req); err != nil {
		return DeviceInfo{}, errors.NewRegistryError("add", req.Name, err)
	}

	password, err := r.seal(req.Password)
	if err != nil {
		return DeviceInfo{}, errors.NewRegistryError("add", req.Name, err)
	}

	r.mu.Lock()
	if r.conflictLocked(req.Name, req.Address, "") {
		r.mu.Unlock()
		return DeviceInfo{}, errors.NewRegistryError("add", req.Name, errors.ErrDuplicate)
	}

	d := &Device{
		ID:              uuid.NewString(),
		Name:            req.Name,
		Address:         req.Address,
		PollRateSeconds: req.PollRateSeconds,
		Username:        req.Username,
		Password:        password,
	}
	if err := r.persistLocked(append(r.devicesLocked(), *d)); err != nil {
		r.mu.Unlock()
		return DeviceInfo{}, errors.NewRegistryError("add", req.Name, err)
	}
	r.insertLocked(d)
	metrics.DevicesRegistered.Set(float64(len(r.devices)))
	r.mu.Unlock()

	r.logger.Info().Str("device_id", d.ID).Str("device", d.Name).Str("address", d.Address).Msg("Device added")

	if req.AutoStart {
		if err := r.Start(ctx, d.Name, StartOptions{}); err != nil {
			r.logger.Warn().Err(err).Str("device", d.Name).Msg("Auto-start failed")
		}
	}
	return r.Get(d.Name)
}

// AddDiscovered registers a device found on the network unless its name or
// address is already known. Discovered devices are never auto-started.
func (r *Registry) AddDiscovered(ctx context.Context, name, address string) (bool, error) {
	r.mu.RLock()
	known := r.conflictLocked(strings.TrimSpace(name), strings.TrimSpace(address), "")
	r.mu.RUnlock()
	if known {
		return false, nil
	}
	if _, err := r.Add(ctx, AddRequest{Name: name, Address: address}); err != nil {
		if stderrors.Is(err, errors.ErrDuplicate) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Update renames and readdresses a device. A running poll loop keeps its
// address and credential snapshot but reports the new name from its next
// reading.
func (r *Registry) Update(oldName string, req UpdateRequest) (DeviceInfo, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Address = strings.TrimSpace(req.Address)
	if err := r.validateStruct(req); err != nil {
		return DeviceInfo{}, errors.NewRegistryError("update", oldName, err)
	}

	var sealed string
	if req.Password != nil {
		var err error
		if sealed, err = r.seal(*req.Password); err != nil {
			return DeviceInfo{}, errors.NewRegistryError("update", oldName, err)
		}
	}

	r.mu.Lock()
	d, ok := r.lookupLocked(oldName)
	if !ok {
		r.mu.Unlock()
		return DeviceInfo{}, errors.NewRegistryError("update", oldName, errors.ErrNotFound)
	}
	if r.conflictLocked(req.Name, req.Address, d.ID) {
		r.mu.Unlock()
		return DeviceInfo{}, errors.NewRegistryError("update", oldName, errors.ErrDuplicate)
	}

	next := *d
	next.Name = req.Name
	next.Address = req.Address
	if req.Username != nil {
		next.Username = *req.Username
	}
	if req.Password != nil {
		next.Password = sealed
	}

	list := r.devicesLocked()
	for i := range list {
		if list[i].ID == d.ID {
			list[i] = next
		}
	}
	if err := r.persistLocked(list); err != nil {
		r.mu.Unlock()
		return DeviceInfo{}, errors.NewRegistryError("update", oldName, err)
	}

	renamed := next.Name != d.Name
	if renamed {
		delete(r.byName, d.Name)
		r.byName[next.Name] = d.ID
	}
	*d = next
	r.mu.Unlock()

	if renamed {
		metrics.ForgetDevice(d.ID)
		r.logger.Info().Str("device_id", d.ID).Str("from", oldName).Str("to", next.Name).Msg("Device renamed")
	}
	return r.Get(next.Name)
}

// Delete removes a device. It fails with ErrInUse while the device is being
// monitored or tested.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	d, ok := r.lookupLocked(name)
	if !ok {
		r.mu.Unlock()
		return errors.NewRegistryError("delete", name, errors.ErrNotFound)
	}
	if r.monitor.IsActive(d.ID) || r.testing[d.ID] > 0 {
		r.mu.Unlock()
		return errors.NewRegistryError("delete", name, errors.ErrInUse)
	}

	list := make([]Device, 0, len(r.order))
	for _, existing := range r.devicesLocked() {
		if existing.ID != d.ID {
			list = append(list, existing)
		}
	}
	if err := r.persistLocked(list); err != nil {
		r.mu.Unlock()
		return errors.NewRegistryError("delete", name, err)
	}
	r.removeLocked(d)
	metrics.DevicesRegistered.Set(float64(len(r.devices)))
	r.mu.Unlock()

	r.forget(d.ID)
	r.logger.Info().Str("device_id", d.ID).Str("device", name).Msg("Device deleted")
	return nil
}

// Clear removes every device. It fails with ErrInUse if any is monitored.
func (r *Registry) Clear() error {
	r.mu.Lock()
	for _, id := range r.order {
		if r.monitor.IsActive(id) || r.testing[id] > 0 {
			name := r.devices[id].Name
			r.mu.Unlock()
			return errors.NewRegistryError("clear", name, errors.ErrInUse)
		}
	}
	if err := r.persistLocked(nil); err != nil {
		r.mu.Unlock()
		return errors.NewRegistryError("clear", "", err)
	}
	ids := append([]string(nil), r.order...)
	r.devices = make(map[string]*Device)
	r.byName = make(map[string]string)
	r.order = nil
	r.failures = make(map[string]failure)
	metrics.DevicesRegistered.Set(0)
	r.mu.Unlock()

	for _, id := range ids {
		r.forget(id)
	}
	r.logger.Info().Int("devices", len(ids)).Msg("All devices removed")
	return nil
}

// forget drops everything kept about a removed device.
func (r *Registry) forget(deviceID string) {
	r.monitor.DropReadings(deviceID)
	metrics.ForgetDevice(deviceID)
	if r.onRemove != nil {
		r.onRemove(deviceID)
	}
}

// Get returns one device. A device with no reading in memory reports the
// last stored one when a history backend is configured.
func (r *Registry) Get(name string) (DeviceInfo, error) {
	r.mu.RLock()
	d, ok := r.lookupLocked(name)
	if !ok {
		r.mu.RUnlock()
		return DeviceInfo{}, errors.NewRegistryError("get", name, errors.ErrNotFound)
	}
	info := r.infoLocked(d)
	r.mu.RUnlock()

	if info.LastReading == nil && r.history != nil {
		ctx, cancel := context.WithTimeout(r.ctx, historyTimeout)
		defer cancel()
		rec, err := r.history.QueryLatestReading(ctx, info.ID)
		switch {
		case err == nil && rec != nil:
			info.LastReading = &monitoring.Reading{Timestamp: rec.Timestamp, Watts: rec.Watts}
		case err != nil && !stderrors.Is(err, errors.ErrNotFound):
			r.logger.Debug().Err(err).Str("device_id", info.ID).Msg("Stored reading lookup failed")
		}
	}
	return info, nil
}

// List returns every device in registration order.
func (r *Registry) List() []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceInfo, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.infoLocked(r.devices[id]))
	}
	return out
}

// Readings summarises the buffered readings of a device.
func (r *Registry) Readings(name string) (monitoring.Summary, error) {
	r.mu.RLock()
	d, ok := r.lookupLocked(name)
	r.mu.RUnlock()
	if !ok {
		return monitoring.Summary{}, errors.NewRegistryError("readings", name, errors.ErrNotFound)
	}
	return monitoring.Summarize(r.monitor.Readings(d.ID)), nil
}

func (r *Registry) infoLocked(d *Device) DeviceInfo {
	info := DeviceInfo{
		ID:              d.ID,
		Name:            d.Name,
		Address:         d.Address,
		PollRateSeconds: d.PollRateSeconds,
		Status:          r.statusLocked(d),
		IsMonitoring:    r.monitor.IsActive(d.ID),
		HasCredentials:  d.Username != "" && d.Password != "",
	}
	if last, ok := r.monitor.LastReading(d.ID); ok {
		info.LastReading = &last
	}
	if f, ok := r.failures[d.ID]; ok && f.err != nil {
		info.LastError = f.err.Error()
	}
	return info
}

func (r *Registry) validateStruct(req any) error {
	err := r.validate.Struct(req)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return errors.NewValidationError("request", req, err.Error())
	}
	first := verrs[0]
	ve := errors.NewValidationError(strings.ToLower(first.Field()), first.Value(), validationMessage(first))
	ve.Details = err
	return ve
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + e.Param()
	case "min":
		return "must be at least " + e.Param()
	case "hostname_rfc1123|ip":
		return "must be a host name or IP address"
	default:
		return "failed " + e.Tag() + " validation"
	}
}

// seal encrypts a password for storage.
func (r *Registry) seal(password string) (string, error) {
	if password == "" || r.cipher == nil {
		return password, nil
	}
	return r.cipher.Encrypt(password)
}

func (r *Registry) lookupLocked(name string) (*Device, bool) {
	id, ok := r.byName[strings.TrimSpace(name)]
	if !ok {
		return nil, false
	}
	return r.devices[id], true
}

// conflictLocked reports whether another device than exceptID already uses
// name or address.
func (r *Registry) conflictLocked(name, address, exceptID string) bool {
	if id, ok := r.byName[name]; ok && id != exceptID {
		return true
	}
	for id, d := range r.devices {
		if id != exceptID && strings.EqualFold(d.Address, address) {
			return true
		}
	}
	return false
}

func (r *Registry) insertLocked(d *Device) {
	r.devices[d.ID] = d
	r.byName[d.Name] = d.ID
	r.order = append(r.order, d.ID)
}

func (r *Registry) removeLocked(d *Device) {
	delete(r.devices, d.ID)
	delete(r.byName, d.Name)
	delete(r.failures, d.ID)
	for i, id := range r.order {
		if id == d.ID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) devicesLocked() []Device {
	out := make([]Device, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.devices[id])
	}
	return out
}

func (r *Registry) persistLocked(list []Device) error {
	return r.store.Update(func(s *settings.Settings) error {
		s.Devices = make([]settings.Device, 0, len(list))
		for _, d := range list {
			s.Devices = append(s.Devices, d.toSettings())
		}
		return nil
	})
}
