// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestDeviceGauges(t *testing.T) {
	gauges := map[string]prometheus.Gauge{
		"DevicesRegistered": DevicesRegistered,
		"DevicesMonitored":  DevicesMonitored,
		"DevicesDiscovered": DevicesDiscovered,
	}

	for name, g := range gauges {
		g.Set(0)
		g.Set(4)
		if value := testutil.ToFloat64(g); value != 4 {
			t.Errorf("%s = %v, want 4", name, value)
		}
	}
}

func TestCounters(t *testing.T) {
	counters := map[string]prometheus.Counter{
		"PollsTotal":          PollsTotal,
		"PausedCycles":        PausedCycles,
		"SessionRowsWritten":  SessionRowsWritten,
		"SessionWriteErrors":  SessionWriteErrors,
		"InfluxDBWritesTotal": InfluxDBWritesTotal,
		"InfluxDBWriteErrors": InfluxDBWriteErrors,
		"AlertsSent":          AlertsSent,
	}

	for name, c := range counters {
		initial := testutil.ToFloat64(c)
		c.Inc()
		if final := testutil.ToFloat64(c); final != initial+1 {
			t.Errorf("%s should have increased by 1, got %v -> %v", name, initial, final)
		}
	}
}

func TestPollErrorsByKind(t *testing.T) {
	before := testutil.ToFloat64(PollErrors.WithLabelValues("unreachable"))
	PollErrors.WithLabelValues("unreachable").Inc()
	PollErrors.WithLabelValues("auth_failed").Inc()

	if got := testutil.ToFloat64(PollErrors.WithLabelValues("unreachable")); got != before+1 {
		t.Errorf("PollErrors{unreachable} = %v, want %v", got, before+1)
	}
}

func TestHistograms(t *testing.T) {
	PollDuration.Observe(0.25)
	DiscoveryDuration.Observe(1.5)

	if testutil.CollectAndCount(PollDuration) == 0 {
		t.Error("PollDuration histogram should be collectable")
	}
	if testutil.CollectAndCount(DiscoveryDuration) == 0 {
		t.Error("DiscoveryDuration histogram should be collectable")
	}
}

func TestForgetDevice(t *testing.T) {
	CurrentPower.WithLabelValues("id-1", "G24").Set(125)
	CurrentPower.WithLabelValues("id-1", "G24-renamed").Set(130)
	CurrentPower.WithLabelValues("id-2", "R1").Set(90)

	ForgetDevice("id-1")

	if got := testutil.CollectAndCount(CurrentPower); got != 1 {
		t.Errorf("CurrentPower series after ForgetDevice = %d, want 1", got)
	}
	if value := testutil.ToFloat64(CurrentPower.WithLabelValues("id-2", "R1")); value != 90 {
		t.Errorf("CurrentPower[id-2] = %v, want 90", value)
	}
	ForgetDevice("id-2")
}
