// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestNetworkErrorWrapsSentinel(t *testing.T) {
	url := "https://10.0.0.5:8080/redfish/v1/PowerEquipment/PowerShelves/1/Oem/Microsoft/PowerMeter"
	err := NewNetworkError("read power", url, fmt.Errorf("%w: status 401", ErrAuthFailed))

	errMsg := err.Error()
	if !strings.Contains(errMsg, "read power") || !strings.Contains(errMsg, "10.0.0.5") {
		t.Errorf("Error() = %q, want message containing op and address", errMsg)
	}

	if !errors.Is(err, ErrAuthFailed) {
		t.Error("errors.Is() should find ErrAuthFailed through NetworkError")
	}
	if errors.Is(err, ErrUnreachable) {
		t.Error("errors.Is() should not match ErrUnreachable")
	}
	if !IsNetworkError(err) {
		t.Error("IsNetworkError() should return true for NetworkError")
	}
}

func TestRegistryError(t *testing.T) {
	err := NewRegistryError("add", "R1", ErrDuplicate)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "registry add") || !strings.Contains(errMsg, `"R1"`) {
		t.Errorf("Error() = %q, want message containing op and device", errMsg)
	}
	if !errors.Is(err, ErrDuplicate) {
		t.Error("errors.Is() should find ErrDuplicate")
	}
	if !IsRegistryError(err) {
		t.Error("IsRegistryError() should return true for RegistryError")
	}

	var re *RegistryError
	if !errors.As(err, &re) {
		t.Fatal("errors.As() should extract RegistryError")
	}
	if re.Device != "R1" {
		t.Errorf("RegistryError.Device = %q, want %q", re.Device, "R1")
	}
}

func TestStorageError(t *testing.T) {
	baseErr := fmt.Errorf("disk full")
	err := NewStorageError("append", "G24", baseErr)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "storage") || !strings.Contains(errMsg, "append") || !strings.Contains(errMsg, "G24") {
		t.Errorf("Error() = %q, want message containing 'storage', 'append', and 'G24'", errMsg)
	}
	if !errors.Is(err, baseErr) {
		t.Error("errors.Is() should find wrapped error")
	}

	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatal("errors.As() should extract StorageError")
	}
	if se.Device != "G24" {
		t.Errorf("StorageError.Device = %q, want %q", se.Device, "G24")
	}
}

func TestConfigError(t *testing.T) {
	err := NewConfigError("web.listen_address", "nope", ErrInvalidConfig)

	if !strings.Contains(err.Error(), "web.listen_address") {
		t.Errorf("Error() = %q, want field name", err.Error())
	}
	if !IsConfigError(err) {
		t.Error("IsConfigError() should return true for ConfigError")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Error("errors.Is() should find ErrInvalidConfig")
	}
}

func TestMonitoringError(t *testing.T) {
	err := NewMonitoringError("start", "0b9c", ErrNoCredentials)

	errMsg := err.Error()
	if !strings.Contains(errMsg, "monitoring start") || !strings.Contains(errMsg, "0b9c") {
		t.Errorf("Error() = %q, want op and device id", errMsg)
	}
	if !IsMonitoringError(err) {
		t.Error("IsMonitoringError() should return true for MonitoringError")
	}
	if !errors.Is(err, ErrNoCredentials) {
		t.Error("errors.Is() should find ErrNoCredentials")
	}
}

func TestValidationError(t *testing.T) {
	err := NewValidationError("address", "", "required")

	if !strings.Contains(err.Error(), "address") || !strings.Contains(err.Error(), "required") {
		t.Errorf("Error() = %q, want field and reason", err.Error())
	}
	if !IsValidationError(err) {
		t.Error("IsValidationError() should return true for ValidationError")
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "none"},
		{"unreachable", NewNetworkError("read power", "x", ErrUnreachable), "unreachable"},
		{"auth", fmt.Errorf("wrapped: %w", ErrAuthFailed), "auth_failed"},
		{"malformed", ErrMalformedResponse, "malformed_response"},
		{"no credentials", NewMonitoringError("start", "id", ErrNoCredentials), "no_credentials"},
		{"duplicate", NewRegistryError("add", "R1", ErrDuplicate), "duplicate"},
		{"in use", NewRegistryError("delete", "R1", ErrInUse), "in_use"},
		{"not found", NewRegistryError("get", "R9", ErrNotFound), "not_found"},
		{"not monitoring", NewRegistryError("pause", "R1", ErrNotMonitoring), "not_monitoring"},
		{"other", fmt.Errorf("boom"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Kind(tt.err); got != tt.want {
				t.Errorf("Kind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorsWithoutUnderlyingError(t *testing.T) {
	if NewDiscoveryError("browse", nil).Error() == "" {
		t.Error("DiscoveryError without underlying error should have message")
	}
	if NewStorageError("append", "", nil).Error() == "" {
		t.Error("StorageError without underlying error should have message")
	}
	if NewConfigError("field", "", nil).Error() == "" {
		t.Error("ConfigError without underlying error should have message")
	}
	if NewNotificationError("slack", nil).Error() == "" {
		t.Error("NotificationError without underlying error should have message")
	}
}

func TestIsHelperWithWrongType(t *testing.T) {
	genericErr := fmt.Errorf("generic error")

	checks := map[string]func(error) bool{
		"IsDiscoveryError":    IsDiscoveryError,
		"IsStorageError":      IsStorageError,
		"IsConfigError":       IsConfigError,
		"IsMonitoringError":   IsMonitoringError,
		"IsRegistryError":     IsRegistryError,
		"IsValidationError":   IsValidationError,
		"IsNetworkError":      IsNetworkError,
		"IsNotificationError": IsNotificationError,
	}
	for name, check := range checks {
		if check(genericErr) {
			t.Errorf("%s() should return false for generic error", name)
		}
	}
}
