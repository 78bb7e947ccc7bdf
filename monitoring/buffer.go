// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"math"
	"sort"
	"sync"
	"time"
)

// DefaultBufferSize is the number of readings kept in memory per device.
const DefaultBufferSize = 1000

// Reading is one successful power measurement.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	Watts     float64   `json:"watts"`
}

// ReadingBuffer keeps the most recent readings for one device. The owning
// poll loop is the only writer.
type ReadingBuffer struct {
	mu       sync.RWMutex
	readings []Reading
	capacity int
}

// NewReadingBuffer creates a buffer holding at most capacity readings.
func NewReadingBuffer(capacity int) *ReadingBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &ReadingBuffer{capacity: capacity}
}

// Append adds a reading, evicting the oldest when full.
func (b *ReadingBuffer) Append(r Reading) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.readings) == b.capacity {
		copy(b.readings, b.readings[1:])
		b.readings[len(b.readings)-1] = r
		return
	}
	b.readings = append(b.readings, r)
}

// Snapshot returns a copy of the buffered readings, oldest first.
func (b *ReadingBuffer) Snapshot() []Reading {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Reading, len(b.readings))
	copy(out, b.readings)
	return out
}

// Len returns the number of buffered readings.
func (b *ReadingBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.readings)
}

// Last returns the newest reading.
func (b *ReadingBuffer) Last() (Reading, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.readings) == 0 {
		return Reading{}, false
	}
	return b.readings[len(b.readings)-1], true
}

// Summary is the live-data view of a device's buffered readings.
type Summary struct {
	Timestamps []time.Time `json:"timestamps"`
	Watts      []float64   `json:"watts"`
	Count      int         `json:"count"`
	Min        float64     `json:"min"`
	Max        float64     `json:"max"`
	Avg        float64     `json:"avg"`
	// Mode is nil unless some rounded value occurs more than once
	Mode      *float64 `json:"mode"`
	ModeCount int      `json:"mode_count,omitempty"`
}

// Summarize computes min, max, average and mode over readings. The mode is
// taken over values rounded to two decimals; ties go to the smallest value.
func Summarize(readings []Reading) Summary {
	s := Summary{
		Timestamps: make([]time.Time, 0, len(readings)),
		Watts:      make([]float64, 0, len(readings)),
		Count:      len(readings),
	}
	if len(readings) == 0 {
		return s
	}

	s.Min, s.Max = math.Inf(1), math.Inf(-1)
	var sum float64
	freq := make(map[float64]int, len(readings))
	for _, r := range readings {
		s.Timestamps = append(s.Timestamps, r.Timestamp)
		s.Watts = append(s.Watts, r.Watts)
		sum += r.Watts
		s.Min = math.Min(s.Min, r.Watts)
		s.Max = math.Max(s.Max, r.Watts)
		freq[roundTo2(r.Watts)]++
	}
	s.Avg = sum / float64(len(readings))

	values := make([]float64, 0, len(freq))
	for v := range freq {
		values = append(values, v)
	}
	sort.Float64s(values)

	best, bestCount := 0.0, 0
	for _, v := range values {
		if freq[v] > bestCount {
			best, bestCount = v, freq[v]
		}
	}
	if bestCount > 1 {
		s.Mode = &best
		s.ModeCount = bestCount
	}
	return s
}

func roundTo2(v float64) float64 {
	return math.Round(v*100) / 100
}
