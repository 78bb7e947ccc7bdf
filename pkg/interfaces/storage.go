// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines the contracts shared between the poll loop, the
// session store and the optional sinks, so each can be swapped in tests.
package interfaces

import (
	"context"
	"time"
)

// SessionWriter appends readings to one monitoring session. The backing
// file is opened lazily on the first Append.
type SessionWriter interface {
	// Append writes one row; deviceName names the file if it is not open yet
	Append(deviceName string, ts time.Time, watts float64) error

	// Path returns the session file path, or "" before the first Append
	Path() string

	// ID returns the session id, or "" before the first Append
	ID() string

	// Rows returns the number of rows appended
	Rows() int

	// Close releases the session file
	Close() error
}

// SessionStore creates a fresh SessionWriter for each poll loop start.
type SessionStore interface {
	NewSession() SessionWriter
}

// ReadingSink mirrors readings to a secondary time-series backend.
type ReadingSink interface {
	// WriteReading writes a single reading
	WriteReading(ctx context.Context, reading *ReadingRecorded) error

	// Health checks if the backend is reachable
	Health(ctx context.Context) error

	// Close gracefully shuts down the backend connection
	Close()
}
