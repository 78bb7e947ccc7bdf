// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"

	"github.com/soothill/rack-power-monitor/pkg/errors"
	"github.com/soothill/rack-power-monitor/pkg/interfaces"
	"github.com/soothill/rack-power-monitor/pkg/logger"
	"github.com/soothill/rack-power-monitor/pkg/metrics"
)

const (
	measurement = "power_consumption"

	// maxFluxStringLength caps identifiers interpolated into Flux queries.
	maxFluxStringLength = 1000

	notifyTimeout = 10 * time.Second
)

var _ interfaces.ReadingSink = (*InfluxDBStorage)(nil)

// Notifier receives InfluxDB availability changes.
type Notifier interface {
	SendInfluxDBFailure(ctx context.Context, err error) error
	SendInfluxDBRecovery(ctx context.Context) error
	IsEnabled() bool
}

// BreakerSettings tunes the circuit breaker around InfluxDB writes.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before probing again
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of trial requests allowed while half-open
	HalfOpenRequests uint32
}

// DefaultBreakerSettings returns the settings used when none are configured.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxDBStorage mirrors readings to InfluxDB. Writes are blocking and
// guarded by a circuit breaker so an unavailable server costs one fast
// failure per reading instead of a timeout.
type InfluxDBStorage struct {
	client   influxdb2.Client
	writer   pointWriter
	breaker  *gobreaker.CircuitBreaker
	notifier Notifier
	bucket   string
	org      string
	lastErr  error
	mu       sync.Mutex
}

// NewInfluxDBStorage connects to InfluxDB and verifies it is healthy.
// notifier may be nil.
func NewInfluxDBStorage(url, token, org, bucket string, breaker BreakerSettings, notifier Notifier) (*InfluxDBStorage, error) {
	if url == "" {
		return nil, errors.NewStorageError("connect", "", fmt.Errorf("url is empty"))
	}
	client := influxdb2.NewClient(url, token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, errors.NewStorageError("connect", "", fmt.Errorf("failed to connect to InfluxDB: %w", err))
	}
	if health.Status != "pass" {
		client.Close()
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return nil, errors.NewStorageError("connect", "", fmt.Errorf("InfluxDB health check failed: %s", message))
	}

	logger.Info().Str("url", url).Str("status", string(health.Status)).Msg("Connected to InfluxDB")

	s := newInfluxDBStorage(client.WriteAPIBlocking(org, bucket), breaker, notifier)
	s.client = client
	s.org = org
	s.bucket = bucket
	return s, nil
}

func newInfluxDBStorage(writer pointWriter, settings BreakerSettings, notifier Notifier) *InfluxDBStorage {
	defaults := DefaultBreakerSettings()
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = defaults.FailureThreshold
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = defaults.OpenTimeout
	}
	if settings.HalfOpenRequests == 0 {
		settings.HalfOpenRequests = defaults.HalfOpenRequests
	}

	s := &InfluxDBStorage{writer: writer, notifier: notifier}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "influxdb",
		MaxRequests: settings.HalfOpenRequests,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		OnStateChange: s.onStateChange,
	})
	return s
}

// onStateChange runs under the breaker's lock, so notifications are sent
// from their own goroutine.
func (s *InfluxDBStorage) onStateChange(name string, from, to gobreaker.State) {
	logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
		Msg("InfluxDB circuit breaker state changed")

	if s.notifier == nil || !s.notifier.IsEnabled() {
		return
	}

	switch {
	case to == gobreaker.StateOpen:
		s.mu.Lock()
		cause := s.lastErr
		s.mu.Unlock()
		if cause == nil {
			cause = stderrors.New("consecutive write failures")
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := s.notifier.SendInfluxDBFailure(ctx, cause); err != nil {
				logger.Error().Err(err).Msg("Failed to send InfluxDB failure notification")
			}
		}()
	case to == gobreaker.StateClosed && from == gobreaker.StateHalfOpen:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := s.notifier.SendInfluxDBRecovery(ctx); err != nil {
				logger.Error().Err(err).Msg("Failed to send InfluxDB recovery notification")
			}
		}()
	}
}

// WriteReading writes a power reading to InfluxDB.
func (s *InfluxDBStorage) WriteReading(ctx context.Context, reading *interfaces.ReadingRecorded) error {
	if reading == nil {
		return errors.NewValidationError("reading", nil, "reading cannot be nil")
	}
	if reading.DeviceID == "" {
		return errors.NewValidationError("device_id", reading.DeviceID, "device ID cannot be empty")
	}
	if reading.Timestamp.IsZero() {
		return errors.NewValidationError("timestamp", reading.Timestamp, "timestamp cannot be zero")
	}

	p := influxdb2.NewPoint(
		measurement,
		map[string]string{
			"device_id":   reading.DeviceID,
			"device_name": reading.DeviceName,
			"address":     reading.Address,
		},
		map[string]interface{}{
			"power": reading.Watts,
		},
		reading.Timestamp,
	)

	_, err := s.breaker.Execute(func() (interface{}, error) {
		if err := s.writer.WritePoint(ctx, p); err != nil {
			s.mu.Lock()
			s.lastErr = err
			s.mu.Unlock()
			return nil, err
		}
		return nil, nil
	})

	switch {
	case err == nil:
		metrics.InfluxDBWritesTotal.Inc()
		return nil
	case stderrors.Is(err, gobreaker.ErrOpenState), stderrors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.InfluxDBWriteErrors.Inc()
		return errors.NewStorageError("write", reading.DeviceName, errors.ErrCircuitBreakerOpen)
	default:
		metrics.InfluxDBWriteErrors.Inc()
		return errors.NewStorageError("write", reading.DeviceName, err)
	}
}

// BreakerState reports the circuit breaker state.
func (s *InfluxDBStorage) BreakerState() string {
	return s.breaker.State().String()
}

// Health checks that InfluxDB is reachable.
func (s *InfluxDBStorage) Health(ctx context.Context) error {
	if s.client == nil {
		return errors.NewStorageError("health", "", fmt.Errorf("no client"))
	}
	health, err := s.client.Health(ctx)
	if err != nil {
		return errors.NewStorageError("health", "", err)
	}
	if health.Status != "pass" {
		return errors.NewStorageError("health", "", fmt.Errorf("status %s", health.Status))
	}
	return nil
}

// Close closes the InfluxDB client.
func (s *InfluxDBStorage) Close() {
	logger.Info().Msg("Closing InfluxDB connection")
	if s.client != nil {
		s.client.Close()
	}
}

// QueryLatestReading retrieves the most recent power reading for a device
// within the last hour.
func (s *InfluxDBStorage) QueryLatestReading(ctx context.Context, deviceID string) (*interfaces.ReadingRecorded, error) {
	if deviceID == "" {
		return nil, errors.NewValidationError("device_id", deviceID, "device ID cannot be empty")
	}
	if s.client == nil {
		return nil, errors.NewStorageError("query", deviceID, fmt.Errorf("no client"))
	}

	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -1h)
			|> filter(fn: (r) => r._measurement == "%s")
			|> filter(fn: (r) => r.device_id == "%s")
			|> filter(fn: (r) => r._field == "power")
			|> last()
	`, sanitizeFluxString(s.bucket), measurement, sanitizeFluxString(deviceID))

	result, err := s.client.QueryAPI(s.org).Query(ctx, query)
	if err != nil {
		return nil, errors.NewStorageError("query", deviceID, err)
	}
	defer func() {
		_ = result.Close()
	}()

	var reading *interfaces.ReadingRecorded
	for result.Next() {
		record := result.Record()
		reading = &interfaces.ReadingRecorded{DeviceID: deviceID, Timestamp: record.Time()}
		if name, ok := record.ValueByKey("device_name").(string); ok {
			reading.DeviceName = name
		}
		if addr, ok := record.ValueByKey("address").(string); ok {
			reading.Address = addr
		}
		if val, ok := record.Value().(float64); ok {
			reading.Watts = val
		}
	}
	if result.Err() != nil {
		return nil, errors.NewStorageError("query", deviceID, result.Err())
	}
	if reading == nil {
		return nil, errors.NewStorageError("query", deviceID, errors.ErrNotFound)
	}
	return reading, nil
}

// sanitizeFluxString escapes a value for use inside a Flux string literal.
// Control characters are dropped and the input is truncated first.
func sanitizeFluxString(s string) string {
	if len(s) > maxFluxStringLength {
		s = s[:maxFluxStringLength]
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\':
			b.WriteString(`\\`)
		case c == '"':
			b.WriteString(`\"`)
		case c < 0x20 || c == 0x7f:
			// dropped
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
