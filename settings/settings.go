// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package settings persists the operator-editable settings document: data
// directory, default credentials, polling defaults, alerting and the device
// list. It is rewritten on every device-list change.
package settings

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/soothill/rack-power-monitor/pkg/errors"
	"github.com/soothill/rack-power-monitor/pkg/util"
)

// Defaults for a freshly created settings document.
const (
	DefaultDataDir         = "power_data"
	DefaultIntervalMinutes = 1.0
	DefaultAlertThreshold  = 1000.0
	DefaultPollRateSeconds = 60
)

// Device is one persisted rack controller. Password is stored encrypted.
type Device struct {
	ID       string `yaml:"id,omitempty"`
	Name     string `yaml:"name"`
	Address  string `yaml:"address"`
	PollRate int    `yaml:"poll_rate,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Settings is the settings document.
type Settings struct {
	DataDir                string   `yaml:"data_dir"`
	DefaultUsername        string   `yaml:"default_username,omitempty"`
	DefaultPassword        string   `yaml:"default_password,omitempty"`
	DefaultIntervalMinutes float64  `yaml:"default_interval_minutes"`
	DefaultDurationHours   *float64 `yaml:"default_duration_hours,omitempty"`
	EnableAlerts           bool     `yaml:"enable_alerts"`
	AlertThreshold         float64  `yaml:"alert_threshold"`
	Devices                []Device `yaml:"devices"`
}

// Defaults returns a settings document with every default applied.
func Defaults() Settings {
	return Settings{
		DataDir:                DefaultDataDir,
		DefaultIntervalMinutes: DefaultIntervalMinutes,
		AlertThreshold:         DefaultAlertThreshold,
		Devices:                []Device{},
	}
}

func (s *Settings) setDefaults() {
	if s.DataDir == "" {
		s.DataDir = DefaultDataDir
	}
	if s.DefaultIntervalMinutes <= 0 {
		s.DefaultIntervalMinutes = DefaultIntervalMinutes
	}
	if s.AlertThreshold <= 0 {
		s.AlertThreshold = DefaultAlertThreshold
	}
	if s.DefaultDurationHours != nil && *s.DefaultDurationHours <= 0 {
		s.DefaultDurationHours = nil
	}
	if s.Devices == nil {
		s.Devices = []Device{}
	}
}

func (s Settings) clone() Settings {
	out := s
	out.Devices = append([]Device(nil), s.Devices...)
	if s.DefaultDurationHours != nil {
		h := *s.DefaultDurationHours
		out.DefaultDurationHours = &h
	}
	return out
}

// Store guards the settings document and its file.
type Store struct {
	path    string
	mu      sync.RWMutex
	current Settings
}

// Load reads the settings file, creating it with defaults if it does not
// exist.
func Load(path string) (*Store, error) {
	s := &Store{path: path}

	data, err := util.ReadFileSafely(path)
	switch {
	case os.IsNotExist(err):
		s.current = Defaults()
		if err := s.save(); err != nil {
			return nil, err
		}
		return s, nil
	case err != nil:
		return nil, errors.NewConfigError("settings_file", path, err)
	}

	var doc Settings
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.NewConfigError("settings_file", path, fmt.Errorf("failed to parse settings: %w", err))
	}
	doc.setDefaults()
	s.current = doc
	return s, nil
}

// Path returns the settings file path.
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.clone()
}

// Update applies fn to a copy of the settings and saves the result. The
// in-memory document only changes if the save succeeds.
func (s *Store) Update(fn func(*Settings) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.clone()
	if err := fn(&next); err != nil {
		return err
	}
	next.setDefaults()

	prev := s.current
	s.current = next
	if err := s.save(); err != nil {
		s.current = prev
		return err
	}
	return nil
}

// Save writes the current settings to disk.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func (s *Store) save() error {
	data, err := yaml.Marshal(&s.current)
	if err != nil {
		return errors.NewConfigError("settings_file", s.path, err)
	}
	if err := util.WriteFileAtomic(s.path, data, 0o600); err != nil {
		return errors.NewConfigError("settings_file", s.path, err)
	}
	return nil
}

// DefaultCredential returns the global default username and encrypted
// password.
func (s *Store) DefaultCredential() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.DefaultUsername, s.current.DefaultPassword
}

// DefaultInterval returns the default poll interval.
func (s *Store) DefaultInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.current.DefaultIntervalMinutes * float64(time.Minute))
}

// DefaultDuration returns the default run length, or nil for continuous
// polling.
func (s *Store) DefaultDuration() *time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current.DefaultDurationHours == nil {
		return nil
	}
	d := time.Duration(*s.current.DefaultDurationHours * float64(time.Hour))
	return &d
}

// AlertPolicy returns whether alerts are enabled and the threshold in watts.
func (s *Store) AlertPolicy() (bool, float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.EnableAlerts, s.current.AlertThreshold
}
