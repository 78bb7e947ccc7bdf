// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage persists power readings.
//
// CSVStore writes one CSV file per monitoring session under the data
// directory. InfluxDBStorage optionally mirrors readings to InfluxDB.
package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/soothill/rack-power-monitor/pkg/errors"
	"github.com/soothill/rack-power-monitor/pkg/interfaces"
	"github.com/soothill/rack-power-monitor/pkg/util"
)

const (
	// TimestampLayout formats the Timestamp column.
	TimestampLayout = "2006-01-02 15:04:05"

	// SessionIDLayout formats the session id embedded in file names.
	SessionIDLayout = "20060102_150405"

	maxNameAttempts = 1000
)

// Header is the first row of every session file.
var Header = []string{"Timestamp", "Power (W)"}

// CSVStore creates session files under a data directory.
type CSVStore struct {
	dir      string
	now      func() time.Time
	openFile func(name string, flag int, perm os.FileMode) (*os.File, error)
	logger   zerolog.Logger
	mu       sync.Mutex // serialises file name claims
}

// NewCSVStore creates the data directory if needed.
func NewCSVStore(dir string, logger zerolog.Logger) (*CSVStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.NewStorageError("create data dir", "", err)
	}
	return &CSVStore{dir: dir, now: time.Now, openFile: os.OpenFile, logger: logger}, nil
}

// Dir returns the data directory.
func (s *CSVStore) Dir() string {
	return s.dir
}

// NewSession returns a session that opens its file on the first Append.
func (s *CSVStore) NewSession() interfaces.SessionWriter {
	return &Session{store: s}
}

// claim creates a new session file for device, adding a numeric suffix
// when the name is taken.
func (s *CSVStore) claim(device string) (*os.File, string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.now().Format(SessionIDLayout)
	base := util.SafeFileName(device) + "_" + id

	for i := 0; i < maxNameAttempts; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		path := filepath.Join(s.dir, name+".csv")

		f, err := s.openFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644) // #nosec G304
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return nil, "", "", err
		}
		return f, path, id, nil
	}
	return nil, "", "", fmt.Errorf("no free file name for %s after %d attempts", base, maxNameAttempts)
}

// Session is one start-to-stop run of a device's poll loop. It is used only
// by the loop that owns it.
type Session struct {
	store *CSVStore
	file  *os.File
	w     *csv.Writer
	path  string
	id    string
	rows  int
}

// Append writes one row, opening the session file first if needed.
func (s *Session) Append(deviceName string, ts time.Time, watts float64) error {
	if s.file == nil {
		if err := s.open(deviceName); err != nil {
			return errors.NewStorageError("open session", deviceName, err)
		}
	}

	record := []string{ts.Format(TimestampLayout), strconv.FormatFloat(watts, 'f', -1, 64)}
	if err := s.w.Write(record); err != nil {
		return errors.NewStorageError("append", deviceName, err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return errors.NewStorageError("append", deviceName, err)
	}
	s.rows++
	return nil
}

func (s *Session) open(deviceName string) error {
	f, path, id, err := s.store.claim(deviceName)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	err = w.Write(Header)
	if err == nil {
		w.Flush()
		err = w.Error()
	}
	if err != nil {
		_ = f.Close()
		if rmErr := os.Remove(path); rmErr != nil {
			s.store.logger.Warn().Err(rmErr).Str("file", path).Msg("Failed to remove session file without header")
		}
		return err
	}

	s.file, s.w, s.path, s.id = f, w, path, id
	s.store.logger.Info().Str("device", deviceName).Str("file", path).Msg("Opened session file")
	return nil
}

// Path returns the session file path, or "" before the first Append.
func (s *Session) Path() string {
	return s.path
}

// ID returns the session id, or "" before the first Append.
func (s *Session) ID() string {
	return s.id
}

// Rows returns the number of data rows written.
func (s *Session) Rows() int {
	return s.rows
}

// Close flushes and closes the session file. Closing an unopened session is
// a no-op.
func (s *Session) Close() error {
	if s.file == nil {
		return nil
	}
	s.w.Flush()
	flushErr := s.w.Error()
	closeErr := s.file.Close()
	s.file = nil
	if flushErr != nil {
		return errors.NewStorageError("close session", "", flushErr)
	}
	if closeErr != nil {
		return errors.NewStorageError("close session", "", closeErr)
	}
	return nil
}
