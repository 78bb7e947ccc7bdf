// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the Rack Power Monitor.
//
// Every failure the monitor reports maps onto one of a small set of sentinel
// errors (ErrUnreachable, ErrAuthFailed, ErrMalformedResponse, ErrNoCredentials,
// ErrDuplicate, ErrInUse, ErrNotFound). The typed errors below wrap a sentinel
// together with the operation and the device or address involved, so callers
// can branch with errors.Is and still log a descriptive message.
//
// # Example Usage
//
//	err := errors.NewRegistryError("add", "R1", errors.ErrDuplicate)
//	if stderrors.Is(err, errors.ErrDuplicate) {
//	    // report a name or address collision
//	}
//
//	var ne *errors.NetworkError
//	if stderrors.As(err, &ne) {
//	    log.Printf("request to %s failed", ne.Addr)
//	}
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the monitor's failure taxonomy
var (
	// ErrUnreachable indicates a network failure or timeout talking to a device
	ErrUnreachable = errors.New("device unreachable")

	// ErrAuthFailed indicates every authentication strategy was rejected
	ErrAuthFailed = errors.New("authentication failed")

	// ErrMalformedResponse indicates the device answered with an unexpected payload
	ErrMalformedResponse = errors.New("malformed response")

	// ErrNoCredentials indicates no credential source yielded a username and password
	ErrNoCredentials = errors.New("no credentials available")

	// ErrDuplicate indicates a device name or address collision
	ErrDuplicate = errors.New("duplicate device")

	// ErrInUse indicates the device is being monitored
	ErrInUse = errors.New("device in use")

	// ErrNotFound indicates an unknown device name
	ErrNotFound = errors.New("device not found")

	// ErrNotMonitoring indicates a command that needs a running poll loop
	ErrNotMonitoring = errors.New("device not being monitored")

	// ErrCircuitBreakerOpen indicates the circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Kind returns a short label for the sentinel wrapped by err, for use as a
// metric label or log field.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrAuthFailed):
		return "auth_failed"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed_response"
	case errors.Is(err, ErrNoCredentials):
		return "no_credentials"
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrInUse):
		return "in_use"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNotMonitoring):
		return "not_monitoring"
	default:
		return "other"
	}
}

// DiscoveryError represents an error during mDNS discovery.
type DiscoveryError struct {
	Op  string // Operation being performed (e.g., "browse", "create resolver")
	Err error  // Underlying error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("discovery %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("discovery %s failed", e.Op)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// NewDiscoveryError creates a new discovery error.
func NewDiscoveryError(op string, err error) *DiscoveryError {
	return &DiscoveryError{Op: op, Err: err}
}

// IsDiscoveryError checks if an error is a DiscoveryError.
func IsDiscoveryError(err error) bool {
	var de *DiscoveryError
	return errors.As(err, &de)
}

// StorageError represents an error writing or reading session data.
type StorageError struct {
	Op     string // Operation being performed (e.g., "append", "open session")
	Device string // Device name involved in the operation (if applicable)
	Err    error  // Underlying error
}

func (e *StorageError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("storage %s (device=%s): %v", e.Op, e.Device, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s failed", e.Op)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new storage error.
func NewStorageError(op string, device string, err error) *StorageError {
	return &StorageError{Op: op, Device: device, Err: err}
}

// IsStorageError checks if an error is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, may be redacted for sensitive fields)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// MonitoringError represents an error inside a poll loop or while starting one.
type MonitoringError struct {
	Op       string // Operation being performed (e.g., "poll", "start")
	DeviceID string // Device ID involved
	Err      error  // Underlying error
}

func (e *MonitoringError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("monitoring %s (device=%s): %v", e.Op, e.DeviceID, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("monitoring %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("monitoring %s failed", e.Op)
}

func (e *MonitoringError) Unwrap() error {
	return e.Err
}

// NewMonitoringError creates a new monitoring error.
func NewMonitoringError(op string, deviceID string, err error) *MonitoringError {
	return &MonitoringError{Op: op, DeviceID: deviceID, Err: err}
}

// IsMonitoringError checks if an error is a MonitoringError.
func IsMonitoringError(err error) bool {
	var me *MonitoringError
	return errors.As(err, &me)
}

// RegistryError represents a failed device registry command.
type RegistryError struct {
	Op     string // Command (e.g., "add", "update", "delete")
	Device string // Device name the command targeted
	Err    error  // Underlying sentinel or error
}

func (e *RegistryError) Error() string {
	if e.Device != "" {
		return fmt.Sprintf("registry %s %q: %v", e.Op, e.Device, e.Err)
	}
	return fmt.Sprintf("registry %s: %v", e.Op, e.Err)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// NewRegistryError creates a new registry error.
func NewRegistryError(op string, device string, err error) *RegistryError {
	return &RegistryError{Op: op, Device: device, Err: err}
}

// IsRegistryError checks if an error is a RegistryError.
func IsRegistryError(err error) bool {
	var re *RegistryError
	return errors.As(err, &re)
}

// ValidationError represents a data validation error.
type ValidationError struct {
	Field   string // Field that failed validation
	Value   any    // Invalid value
	Reason  string // Why validation failed
	Details error  // Additional details (optional)
}

func (e *ValidationError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("validation error: field %q with value %v: %s (%v)", e.Field, e.Value, e.Reason, e.Details)
	}
	return fmt.Sprintf("validation error: field %q with value %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Details
}

// NewValidationError creates a new validation error.
func NewValidationError(field string, value any, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NetworkError represents a failed request to a rack controller.
type NetworkError struct {
	Op   string // Operation being performed (e.g., "read power")
	Addr string // URL or address (if applicable)
	Err  error  // Underlying error, usually wrapping a sentinel
}

func (e *NetworkError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("network %s (%s): %v", e.Op, e.Addr, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("network %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network %s failed", e.Op)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new network error.
func NewNetworkError(op string, addr string, err error) *NetworkError {
	return &NetworkError{Op: op, Addr: addr, Err: err}
}

// IsNetworkError checks if an error is a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// NotificationError represents an error sending notifications.
type NotificationError struct {
	Type string // Notification type (e.g., "slack")
	Err  error  // Underlying error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notification %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("notification %s failed", e.Type)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// NewNotificationError creates a new notification error.
func NewNotificationError(notifType string, err error) *NotificationError {
	return &NotificationError{Type: notifType, Err: err}
}

// IsNotificationError checks if an error is a NotificationError.
func IsNotificationError(err error) bool {
	var ne *NotificationError
	return errors.As(err, &ne)
}
