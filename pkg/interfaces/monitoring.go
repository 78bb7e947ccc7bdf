// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
	"time"

	"github.com/soothill/rack-power-monitor/credentials"
)

// ReadingRecorded is emitted by a poll loop for every successful reading.
type ReadingRecorded struct {
	DeviceID   string
	DeviceName string
	Address    string
	Timestamp  time.Time
	Watts      float64
}

// PowerReader performs one power read against a rack controller.
// Implementations must bound the call with their own timeout.
type PowerReader interface {
	ReadPower(ctx context.Context, address string, cred credentials.Credential) (float64, error)
}

// ConnectionChecker runs the pre-flight read before a poll loop starts.
type ConnectionChecker interface {
	CheckConnection(ctx context.Context, address string, cred credentials.Credential) (float64, error)
}
