// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/soothill/rack-power-monitor/monitoring"
	"github.com/soothill/rack-power-monitor/pkg/errors"
)

// Range limits an analysis to the trailing window before the newest sample.
type Range string

// Supported analysis ranges.
const (
	RangeAll  Range = "all"
	RangeHour Range = "hour"
	RangeDay  Range = "day"
	RangeWeek Range = "week"
)

var rangeWindows = map[Range]time.Duration{
	RangeHour: time.Hour,
	RangeDay:  24 * time.Hour,
	RangeWeek: 7 * 24 * time.Hour,
}

// ParseRange parses a range name. An empty value means RangeAll.
func ParseRange(value string) (Range, error) {
	r := Range(strings.ToLower(strings.TrimSpace(value)))
	if r == "" || r == RangeAll {
		return RangeAll, nil
	}
	if _, ok := rangeWindows[r]; !ok {
		return "", errors.NewValidationError("range", value, "must be one of all, hour, day, week")
	}
	return r, nil
}

// Filter returns the samples whose timestamp falls within the range, measured
// back from the newest sample in the set.
func (r Range) Filter(samples []Sample) []Sample {
	window, ok := rangeWindows[r]
	if !ok || len(samples) == 0 {
		return samples
	}

	latest := samples[0].Timestamp
	for _, s := range samples[1:] {
		if s.Timestamp.After(latest) {
			latest = s.Timestamp
		}
	}
	cutoff := latest.Add(-window)

	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// SessionAnalysis summarises a recorded session. Statistics cover the
// non-missing samples only.
type SessionAnalysis struct {
	monitoring.Summary
	Range    Range     `json:"range"`
	Missing  int       `json:"missing"`
	StdDev   float64   `json:"std_dev"`
	EnergyWh float64   `json:"energy_wh"`
	Start    time.Time `json:"start,omitzero"`
	End      time.Time `json:"end,omitzero"`
}

// Analyze computes statistics over samples restricted to rng. StdDev is the
// sample standard deviation. EnergyWh integrates power over time with the
// trapezoidal rule.
func Analyze(samples []Sample, rng Range) SessionAnalysis {
	samples = rng.Filter(samples)

	readings := make([]monitoring.Reading, 0, len(samples))
	missing := 0
	for _, s := range samples {
		if s.Missing {
			missing++
			continue
		}
		readings = append(readings, monitoring.Reading{Timestamp: s.Timestamp, Watts: s.Watts})
	}
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})

	a := SessionAnalysis{
		Summary: monitoring.Summarize(readings),
		Range:   rng,
		Missing: missing,
	}
	if len(readings) == 0 {
		return a
	}
	a.Start = readings[0].Timestamp
	a.End = readings[len(readings)-1].Timestamp

	if len(readings) > 1 {
		var sq float64
		for _, r := range readings {
			d := r.Watts - a.Avg
			sq += d * d
		}
		a.StdDev = math.Sqrt(sq / float64(len(readings)-1))
	}

	for i := 1; i < len(readings); i++ {
		hours := readings[i].Timestamp.Sub(readings[i-1].Timestamp).Hours()
		a.EnergyWh += (readings[i].Watts + readings[i-1].Watts) / 2 * hours
	}
	return a
}
