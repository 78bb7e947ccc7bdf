// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package registry

import (
	"strings"

	"github.com/soothill/rack-power-monitor/credentials"
	"github.com/soothill/rack-power-monitor/pkg/errors"
	"github.com/soothill/rack-power-monitor/settings"
)

// SettingsView is the externally visible form of the global settings. The
// default password is never returned.
type SettingsView struct {
	DataDir                string   `json:"data_dir"`
	DefaultUsername        string   `json:"default_username"`
	HasDefaultPassword     bool     `json:"has_default_password"`
	DefaultIntervalMinutes float64  `json:"default_interval_minutes"`
	DefaultDurationHours   *float64 `json:"default_duration_hours"`
	EnableAlerts           bool     `json:"enable_alerts"`
	AlertThreshold         float64  `json:"alert_threshold"`
}

// SettingsRequest changes the global settings. Nil fields keep their current
// value. An empty DefaultPassword clears it and a DefaultDurationHours of
// zero selects continuous polling.
type SettingsRequest struct {
	DataDir                *string  `json:"data_dir,omitempty" validate:"omitnil,min=1,max=4096"`
	DefaultUsername        *string  `json:"default_username,omitempty" validate:"omitnil,max=128"`
	DefaultPassword        *string  `json:"default_password,omitempty" validate:"omitnil,max=256"`
	DefaultIntervalMinutes *float64 `json:"default_interval_minutes,omitempty" validate:"omitnil,gt=0,lte=1440"`
	DefaultDurationHours   *float64 `json:"default_duration_hours,omitempty" validate:"omitnil,gte=0,lte=8760"`
	EnableAlerts           *bool    `json:"enable_alerts,omitempty"`
	AlertThreshold         *float64 `json:"alert_threshold,omitempty" validate:"omitnil,gt=0"`
}

func viewOf(s settings.Settings) SettingsView {
	return SettingsView{
		DataDir:                s.DataDir,
		DefaultUsername:        s.DefaultUsername,
		HasDefaultPassword:     s.DefaultPassword != "",
		DefaultIntervalMinutes: s.DefaultIntervalMinutes,
		DefaultDurationHours:   s.DefaultDurationHours,
		EnableAlerts:           s.EnableAlerts,
		AlertThreshold:         s.AlertThreshold,
	}
}

// Settings returns the current global settings.
func (r *Registry) Settings() SettingsView {
	return viewOf(r.store.Get())
}

// UpdateSettings applies req to the global settings. The default password is
// sealed before it is written. A new data directory takes effect on restart;
// running poll loops keep their interval and credentials.
func (r *Registry) UpdateSettings(req SettingsRequest) (SettingsView, error) {
	if req.DataDir != nil {
		trimmed := strings.TrimSpace(*req.DataDir)
		req.DataDir = &trimmed
	}
	if err := r.validateStruct(req); err != nil {
		return SettingsView{}, errors.NewRegistryError("settings", "", err)
	}

	var sealed string
	if req.DefaultPassword != nil {
		var err error
		if sealed, err = r.seal(*req.DefaultPassword); err != nil {
			return SettingsView{}, errors.NewRegistryError("settings", "", err)
		}
	}

	prevDir := r.store.Get().DataDir
	err := r.store.Update(func(s *settings.Settings) error {
		if req.DataDir != nil {
			s.DataDir = *req.DataDir
		}
		if req.DefaultUsername != nil {
			s.DefaultUsername = strings.TrimSpace(*req.DefaultUsername)
		}
		if req.DefaultPassword != nil {
			s.DefaultPassword = sealed
		}
		if req.DefaultIntervalMinutes != nil {
			s.DefaultIntervalMinutes = *req.DefaultIntervalMinutes
		}
		if req.DefaultDurationHours != nil {
			h := *req.DefaultDurationHours
			s.DefaultDurationHours = &h
		}
		if req.EnableAlerts != nil {
			s.EnableAlerts = *req.EnableAlerts
		}
		if req.AlertThreshold != nil {
			s.AlertThreshold = *req.AlertThreshold
		}
		return nil
	})
	if err != nil {
		return SettingsView{}, errors.NewRegistryError("settings", "", err)
	}

	view := r.Settings()
	r.logger.Info().
		Float64("interval_minutes", view.DefaultIntervalMinutes).
		Bool("alerts", view.EnableAlerts).
		Float64("alert_threshold", view.AlertThreshold).
		Msg("Settings updated")
	if view.DataDir != prevDir {
		r.logger.Warn().Str("data_dir", view.DataDir).Msg("Data directory change takes effect after restart")
	}
	return view, nil
}

// ResetSettings restores the default global settings. Registered devices are
// kept.
func (r *Registry) ResetSettings() (SettingsView, error) {
	err := r.store.Update(func(s *settings.Settings) error {
		devices := s.Devices
		*s = settings.Defaults()
		s.Devices = devices
		return nil
	})
	if err != nil {
		return SettingsView{}, errors.NewRegistryError("settings", "", err)
	}
	r.logger.Info().Msg("Settings reset to defaults")
	return r.Settings(), nil
}

// sealPlaintext encrypts any default or per-device password that was written
// to the settings file by hand. It reports whether anything changed.
func (r *Registry) sealPlaintext() (bool, error) {
	if r.cipher == nil || !hasPlaintext(r.store.Get()) {
		return false, nil
	}
	sealIfPlain := func(v *string) error {
		if *v == "" || credentials.LooksSealed(*v) {
			return nil
		}
		sealed, err := r.cipher.Encrypt(*v)
		if err != nil {
			return err
		}
		*v = sealed
		return nil
	}
	err := r.store.Update(func(s *settings.Settings) error {
		if err := sealIfPlain(&s.DefaultPassword); err != nil {
			return err
		}
		for i := range s.Devices {
			if err := sealIfPlain(&s.Devices[i].Password); err != nil {
				return err
			}
		}
		return nil
	})
	return err == nil, err
}

func hasPlaintext(s settings.Settings) bool {
	plain := func(v string) bool { return v != "" && !credentials.LooksSealed(v) }
	if plain(s.DefaultPassword) {
		return true
	}
	for _, d := range s.Devices {
		if plain(d.Password) {
			return true
		}
	}
	return false
}
