// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soothill/rack-power-monitor/config"
	"github.com/soothill/rack-power-monitor/pkg/interfaces"
	"github.com/soothill/rack-power-monitor/redfish"
	"github.com/soothill/rack-power-monitor/registry"
)

// fakeController serves a fixed power reading over TLS, as an R-SCM does.
func fakeController(t *testing.T, watts string) (*httptest.Server, int) {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != redfish.PowerMeterPath {
			http.NotFound(w, r)
			return
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "root" || pass != "calvin" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"TotalInputPowerInWatts":` + watts + `}`))
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return srv, port
}

func testConfig(t *testing.T, port int, webhook string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	settingsFile := filepath.Join(dir, "rack_settings.yaml")
	content := "data_dir: " + filepath.Join(dir, "power_data") + "\n" +
		"enable_alerts: true\n" +
		"alert_threshold: 1000\n" +
		"default_interval_minutes: 1\n" +
		"devices: []\n"
	require.NoError(t, os.WriteFile(settingsFile, []byte(content), 0o600))

	cfg := config.Default()
	cfg.Web.ListenAddress = "127.0.0.1:0"
	cfg.Web.MCPEnabled = true
	cfg.Monitoring.SettingsFile = settingsFile
	cfg.Monitoring.SaltFile = filepath.Join(dir, "salt")
	cfg.Monitoring.Port = port
	cfg.InfluxDB = config.InfluxDBConfig{}
	cfg.Discovery.Enabled = false
	cfg.Notifications.SlackWebhookURL = webhook
	return cfg
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestNew_CreatesSettingsAndSalt(t *testing.T) {
	_, port := fakeController(t, "100")
	cfg := testConfig(t, port, "")
	require.NoError(t, os.Remove(cfg.Monitoring.SettingsFile))

	a, err := New(cfg, "")
	require.NoError(t, err)
	t.Cleanup(a.scheduler.Close)

	assert.FileExists(t, cfg.Monitoring.SaltFile)
	assert.Empty(t, a.Registry().List())
	assert.Nil(t, a.influxDB)
	assert.Nil(t, a.sink)
	assert.Nil(t, a.scanner)
	assert.Nil(t, a.configWatcher)
}

func TestNew_InvalidSettings(t *testing.T) {
	_, port := fakeController(t, "100")
	cfg := testConfig(t, port, "")
	require.NoError(t, os.WriteFile(cfg.Monitoring.SettingsFile, []byte("devices: [unclosed"), 0o600))

	_, err := New(cfg, "")
	assert.Error(t, err)
}

func TestApp_EndToEnd(t *testing.T) {
	_, port := fakeController(t, "1500")

	var alerts atomic.Int32
	var alertBody atomic.Value
	slack := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		alertBody.Store(string(body))
		alerts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(slack.Close)

	cfg := testConfig(t, port, slack.URL)
	a, err := New(cfg, "")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		a.Run()
		close(done)
	}()

	_, err = a.Registry().Add(context.Background(), registry.AddRequest{Name: "G24", Address: "127.0.0.1"})
	require.NoError(t, err)

	w := serve(t, a.Handler(), http.MethodPost, "/api/rack/G24/start",
		`{"username":"root","password":"calvin","interval_seconds":1}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.Eventually(t, func() bool { return alerts.Load() >= 1 }, 5*time.Second, 20*time.Millisecond,
		"a reading above the threshold should raise a Slack alert")
	assert.Contains(t, alertBody.Load().(string), "G24")

	w = serve(t, a.Handler(), http.MethodGet, "/api/rack/G24", "")
	require.Equal(t, http.StatusOK, w.Code)
	var info registry.DeviceInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, registry.StatusMonitoring, info.Status)
	require.NotNil(t, info.LastReading)
	assert.Equal(t, 1500.0, info.LastReading.Watts)

	a.DumpApplicationState()

	a.Shutdown()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	sessions, err := a.sessions.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.True(t, strings.HasPrefix(sessions[0].File, "G24_"))
	assert.EqualValues(t, 1, alerts.Load(), "cooldown should hold back repeat alerts")
}

func TestApp_StartFailsWithWrongCredentials(t *testing.T) {
	_, port := fakeController(t, "100")
	a, err := New(testConfig(t, port, ""), "")
	require.NoError(t, err)
	t.Cleanup(a.scheduler.Close)

	_, err = a.Registry().Add(context.Background(), registry.AddRequest{Name: "R1", Address: "127.0.0.1"})
	require.NoError(t, err)

	w := serve(t, a.Handler(), http.MethodPost, "/api/rack/R1/start", `{"username":"root","password":"wrong"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	w = serve(t, a.Handler(), http.MethodGet, "/api/rack/R1", "")
	var info registry.DeviceInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, registry.StatusAuthError, info.Status)
	assert.False(t, info.IsMonitoring)
}

func TestApp_UpdateConfig(t *testing.T) {
	_, port := fakeController(t, "100")
	cfg := testConfig(t, port, "")
	a, err := New(cfg, "")
	require.NoError(t, err)
	t.Cleanup(a.scheduler.Close)
	require.False(t, a.slack.IsEnabled())

	next := *cfg
	next.Logging.Level = "debug"
	next.Notifications.SlackWebhookURL = "https://hooks.slack.com/services/T000/B000/XXX"
	next.Notifications.AlertCooldown = time.Minute
	a.UpdateConfig(&next)

	assert.True(t, a.slack.IsEnabled())
	assert.Equal(t, "debug", a.cfg.Logging.Level)
	assert.Equal(t, time.Minute, a.cfg.Notifications.AlertCooldown)
}

func TestApp_ConfigReload(t *testing.T) {
	_, port := fakeController(t, "100")
	cfg := testConfig(t, port, "")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	content := "logging:\n  level: warn\n" +
		"web:\n  listen_address: 127.0.0.1:0\n" +
		"monitoring:\n  settings_file: " + cfg.Monitoring.SettingsFile + "\n  salt_file: " + cfg.Monitoring.SaltFile + "\n" +
		"notifications:\n  slack_webhook_url: https://hooks.slack.com/services/T000/B000/XXX\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))

	a, err := New(cfg, configPath)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		a.Run()
		close(done)
	}()

	require.Eventually(t, func() bool {
		a.configWatcher.Trigger()
		return a.slack.IsEnabled()
	}, 5*time.Second, 50*time.Millisecond)

	a.Shutdown()
	<-done
}

type fakeSink struct {
	written []interfaces.ReadingRecorded
	closed  bool
	err     error
}

func (f *fakeSink) WriteReading(_ context.Context, r *interfaces.ReadingRecorded) error {
	f.written = append(f.written, *r)
	return f.err
}

func (f *fakeSink) Health(context.Context) error { return nil }

func (f *fakeSink) Close() { f.closed = true }

func TestApp_HandleReadingMirrorsToSink(t *testing.T) {
	_, port := fakeController(t, "100")
	cfg := testConfig(t, port, "")
	a, err := New(cfg, "")
	require.NoError(t, err)
	t.Cleanup(a.scheduler.Close)

	sink := &fakeSink{}
	a.sink = sink

	ev := interfaces.ReadingRecorded{DeviceID: "id-1", DeviceName: "A1", Address: "10.0.0.1", Timestamp: time.Now(), Watts: 420}
	a.handleReading(ev)

	sink.err = assert.AnError
	a.handleReading(ev)

	require.Len(t, sink.written, 2)
	assert.Equal(t, "A1", sink.written[0].DeviceName)
	assert.Equal(t, 420.0, sink.written[0].Watts)
}

func TestDumpGoroutineStackTraces(t *testing.T) {
	DumpGoroutineStackTraces()
}

func TestApp_DeleteRackResetsAlertCooldown(t *testing.T) {
	_, port := fakeController(t, "100")

	var alerts atomic.Int32
	slack := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		alerts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(slack.Close)

	a, err := New(testConfig(t, port, slack.URL), "")
	require.NoError(t, err)
	t.Cleanup(a.scheduler.Close)

	info, err := a.Registry().Add(context.Background(), registry.AddRequest{Name: "R1", Address: "127.0.0.1"})
	require.NoError(t, err)

	ev := interfaces.ReadingRecorded{DeviceID: info.ID, DeviceName: "R1", Address: "127.0.0.1", Timestamp: time.Now(), Watts: 1500}
	a.handleReading(ev)
	a.handleReading(ev)
	require.EqualValues(t, 1, alerts.Load())

	w := serve(t, a.Handler(), http.MethodDelete, "/api/rack/R1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	a.handleReading(ev)
	assert.EqualValues(t, 2, alerts.Load())
}

func TestApp_SettingsEndpointSealsPassword(t *testing.T) {
	_, port := fakeController(t, "100")
	cfg := testConfig(t, port, "")
	a, err := New(cfg, "")
	require.NoError(t, err)
	t.Cleanup(a.scheduler.Close)

	w := serve(t, a.Handler(), http.MethodPut, "/api/settings",
		`{"default_username":"root","default_password":"calvin","enable_alerts":false}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "calvin")

	raw, err := os.ReadFile(cfg.Monitoring.SettingsFile)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "default_username: root")
	assert.NotContains(t, string(raw), "calvin")
	enabled, _ := a.settings.AlertPolicy()
	assert.False(t, enabled)

	// the sealed default credential is usable for a start
	_, err = a.Registry().Add(context.Background(), registry.AddRequest{Name: "R1", Address: "127.0.0.1"})
	require.NoError(t, err)
	w = serve(t, a.Handler(), http.MethodPost, "/api/rack/R1/test", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"ok":true`)
}
