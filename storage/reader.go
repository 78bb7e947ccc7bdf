// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/soothill/rack-power-monitor/pkg/errors"
)

// Sample is one row read back from a session file. Missing is set for rows
// whose power column held ERROR or nothing.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Watts     float64   `json:"watts"`
	Missing   bool      `json:"missing,omitempty"`
}

// SessionInfo describes a session file on disk.
type SessionInfo struct {
	Device    string    `json:"device"`
	SessionID string    `json:"session_id"`
	File      string    `json:"file"`
	ModTime   time.Time `json:"mod_time"`
	Size      int64     `json:"size"`
}

var (
	sessionFilePattern = regexp.MustCompile(`^(.+)_(\d{8}_\d{6}(?:_\d+)?)\.csv$`)
	// legacyFilePattern matches PowerMonitoring-<rack>-<YYYYmmdd-HHMMSS>.csv
	legacyFilePattern = regexp.MustCompile(`^PowerMonitoring-(.+)-(\d{8})-(\d{6})\.csv$`)
)

// parseSessionFileName returns the device name and session id encoded in a
// session file name. Legacy ids are normalised to the current layout.
func parseSessionFileName(name string) (device, id string, ok bool) {
	if m := legacyFilePattern.FindStringSubmatch(name); m != nil {
		return m[1], m[2] + "_" + m[3], true
	}
	if m := sessionFilePattern.FindStringSubmatch(name); m != nil {
		return m[1], m[2], true
	}
	return "", "", false
}

// ListSessions returns the session files in the data directory, newest
// first. Files in the older PowerMonitoring-<rack>-<timestamp>.csv layout
// are listed too.
func (s *CSVStore) ListSessions() ([]SessionInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.NewStorageError("list sessions", "", err)
	}

	sessions := make([]SessionInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		device, id, ok := parseSessionFileName(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		sessions = append(sessions, SessionInfo{
			Device:    device,
			SessionID: id,
			File:      entry.Name(),
			ModTime:   info.ModTime(),
			Size:      info.Size(),
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].SessionID != sessions[j].SessionID {
			return sessions[i].SessionID > sessions[j].SessionID
		}
		return sessions[i].File > sessions[j].File
	})
	return sessions, nil
}

// OpenSession reads a session file from the data directory by file name.
func (s *CSVStore) OpenSession(file string) ([]Sample, error) {
	if _, _, ok := parseSessionFileName(file); !ok || file != filepath.Base(file) {
		return nil, errors.NewStorageError("open session", "", fmt.Errorf("invalid session file %q", file))
	}
	return ReadSessionFile(filepath.Join(s.dir, file))
}

// ReadSessionFile parses a session file.
func ReadSessionFile(path string) ([]Sample, error) {
	f, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, errors.NewStorageError("read session", "", err)
	}
	defer func() { _ = f.Close() }()

	samples, err := ReadSession(f)
	if err != nil {
		return nil, errors.NewStorageError("read session", "", fmt.Errorf("%s: %w", filepath.Base(path), err))
	}
	return samples, nil
}

// ReadSession parses CSV rows of timestamp and power. The header row is
// optional. Rows with more than two columns take the power value from the
// last column, which covers the older Timestamp,RSCM_Address,PowerWatts
// layout.
func ReadSession(r io.Reader) ([]Sample, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var samples []Sample
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			return samples, nil
		}
		if err != nil {
			return nil, err
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("line %d: expected at least 2 columns, got %d", line, len(record))
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(record[0]), "Timestamp") {
			continue
		}

		ts, err := parseTimestamp(record[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		power := strings.TrimSpace(record[len(record)-1])
		if power == "" || strings.EqualFold(power, "ERROR") {
			samples = append(samples, Sample{Timestamp: ts, Missing: true})
			continue
		}
		watts, err := strconv.ParseFloat(power, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid power value %q", line, power)
		}
		samples = append(samples, Sample{Timestamp: ts, Watts: watts})
	}
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if ts, err := time.ParseInLocation(TimestampLayout, value, time.Local); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}

// ExportSamples writes samples as a session-format CSV. Missing samples are
// written as ERROR.
func ExportSamples(w io.Writer, samples []Sample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, s := range samples {
		power := "ERROR"
		if !s.Missing {
			power = strconv.FormatFloat(s.Watts, 'f', -1, 64)
		}
		if err := cw.Write([]string{s.Timestamp.Format(TimestampLayout), power}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
