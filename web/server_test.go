// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package web

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soothill/rack-power-monitor/credentials"
	"github.com/soothill/rack-power-monitor/monitoring"
	"github.com/soothill/rack-power-monitor/pkg/errors"
	"github.com/soothill/rack-power-monitor/registry"
	"github.com/soothill/rack-power-monitor/storage"
)

// fakeRegistry records calls and answers from a fixed device set.
type fakeRegistry struct {
	mu        sync.Mutex
	devices   map[string]registry.DeviceInfo
	readings  map[string]monitoring.Summary
	started   map[string]registry.StartOptions
	err       error
	testWatts float64
	testOK    bool
	lastCred  *credentials.Credential
	imported  string
	settings  registry.SettingsView
	applied   *registry.SettingsRequest
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		devices: map[string]registry.DeviceInfo{
			"G24": {ID: "id-g24", Name: "G24", Address: "10.57.189.43", Status: registry.StatusMonitoring, IsMonitoring: true},
			"R1":  {ID: "id-r1", Name: "R1", Address: "10.0.0.1", Status: registry.StatusNotStarted},
		},
		readings: map[string]monitoring.Summary{},
		started:  map[string]registry.StartOptions{},
		settings: registry.SettingsView{DataDir: "./data", DefaultIntervalMinutes: 1, AlertThreshold: 1000},
	}
}

func (f *fakeRegistry) find(name string) (registry.DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return registry.DeviceInfo{}, f.err
	}
	d, ok := f.devices[name]
	if !ok {
		return registry.DeviceInfo{}, errors.NewRegistryError("get", name, errors.ErrNotFound)
	}
	return d, nil
}

func (f *fakeRegistry) List() []registry.DeviceInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]registry.DeviceInfo, 0, len(f.devices))
	for _, name := range []string{"G24", "R1"} {
		if d, ok := f.devices[name]; ok {
			out = append(out, d)
		}
	}
	return out
}

func (f *fakeRegistry) Get(name string) (registry.DeviceInfo, error) { return f.find(name) }

func (f *fakeRegistry) Add(_ context.Context, req registry.AddRequest) (registry.DeviceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Name == "" {
		return registry.DeviceInfo{}, errors.NewRegistryError("add", "", errors.NewValidationError("name", "", "is required"))
	}
	if _, ok := f.devices[req.Name]; ok {
		return registry.DeviceInfo{}, errors.NewRegistryError("add", req.Name, errors.ErrDuplicate)
	}
	d := registry.DeviceInfo{ID: "id-" + req.Name, Name: req.Name, Address: req.Address, Status: registry.StatusNotStarted}
	f.devices[req.Name] = d
	return d, nil
}

func (f *fakeRegistry) Update(oldName string, req registry.UpdateRequest) (registry.DeviceInfo, error) {
	d, err := f.find(oldName)
	if err != nil {
		return d, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, oldName)
	d.Name, d.Address = req.Name, req.Address
	f.devices[req.Name] = d
	return d, nil
}

func (f *fakeRegistry) Delete(name string) error {
	d, err := f.find(name)
	if err != nil {
		return err
	}
	if d.IsMonitoring {
		return errors.NewRegistryError("delete", name, errors.ErrInUse)
	}
	f.mu.Lock()
	delete(f.devices, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeRegistry) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, d := range f.devices {
		if d.IsMonitoring {
			return errors.NewRegistryError("clear", name, errors.ErrInUse)
		}
	}
	f.devices = map[string]registry.DeviceInfo{}
	return nil
}

func (f *fakeRegistry) Settings() registry.SettingsView {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakeRegistry) UpdateSettings(req registry.SettingsRequest) (registry.SettingsView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.DefaultIntervalMinutes != nil && *req.DefaultIntervalMinutes <= 0 {
		return registry.SettingsView{}, errors.NewRegistryError("settings", "",
			errors.NewValidationError("defaultintervalminutes", *req.DefaultIntervalMinutes, "failed gt validation"))
	}
	f.applied = &req
	if req.DefaultUsername != nil {
		f.settings.DefaultUsername = *req.DefaultUsername
	}
	if req.DefaultPassword != nil {
		f.settings.HasDefaultPassword = *req.DefaultPassword != ""
	}
	if req.DefaultIntervalMinutes != nil {
		f.settings.DefaultIntervalMinutes = *req.DefaultIntervalMinutes
	}
	return f.settings, nil
}

func (f *fakeRegistry) ResetSettings() (registry.SettingsView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = registry.SettingsView{DataDir: "./data", DefaultIntervalMinutes: 1, AlertThreshold: 1000}
	return f.settings, nil
}

func (f *fakeRegistry) Start(_ context.Context, name string, opts registry.StartOptions) error {
	if _, err := f.find(name); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[name] = opts
	return nil
}

func (f *fakeRegistry) Pause(name string) error {
	d, err := f.find(name)
	if err != nil {
		return err
	}
	if !d.IsMonitoring {
		return errors.NewRegistryError("pause", name, errors.ErrNotMonitoring)
	}
	return nil
}

func (f *fakeRegistry) Resume(name string) error { return f.Pause(name) }

func (f *fakeRegistry) Stop(name string) error {
	_, err := f.find(name)
	return err
}

func (f *fakeRegistry) TestConnection(_ context.Context, name string, manual *credentials.Credential) (float64, bool, error) {
	if _, err := f.find(name); err != nil {
		return 0, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCred = manual
	return f.testWatts, f.testOK, nil
}

func (f *fakeRegistry) Readings(name string) (monitoring.Summary, error) {
	if _, err := f.find(name); err != nil {
		return monitoring.Summary{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readings[name], nil
}

func (f *fakeRegistry) ImportCSV(_ context.Context, in io.Reader) (registry.ImportResult, error) {
	body, err := io.ReadAll(in)
	if err != nil {
		return registry.ImportResult{}, err
	}
	f.mu.Lock()
	f.imported = string(body)
	f.mu.Unlock()
	return registry.ImportResult{Added: 2, Skipped: 1}, nil
}

func (f *fakeRegistry) ExportCSV(w io.Writer) error {
	_, err := io.WriteString(w, "Name,Address\nG24,10.57.189.43\n")
	return err
}

type fakeSessions struct {
	list []storage.SessionInfo
}

func (f fakeSessions) ListSessions() ([]storage.SessionInfo, error) { return f.list, nil }

func (f fakeSessions) OpenSession(file string) ([]storage.Sample, error) {
	for _, s := range f.list {
		if s.File == file {
			return []storage.Sample{
				{Timestamp: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), Watts: 300},
				{Timestamp: time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC), Watts: 200},
				{Timestamp: time.Date(2025, 3, 1, 11, 30, 0, 0, time.UTC), Missing: true},
				{Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), Watts: 100},
			}, nil
		}
	}
	return nil, errors.NewStorageError("open session", "", fmt.Errorf("invalid session file %q", file))
}

type fakeHealth struct{ err error }

func (f fakeHealth) Health(context.Context) error { return f.err }

func newTestServer(t *testing.T, reg *fakeRegistry, opts ...func(*Options)) *httptest.Server {
	t.Helper()
	o := Options{
		Registry: reg,
		Sessions: fakeSessions{list: []storage.SessionInfo{{Device: "G24", SessionID: "20250301_120000", File: "G24_20250301_120000.csv"}}},
		Logger:   zerolog.Nop(),
	}
	for _, fn := range opts {
		fn(&o)
	}
	srv := httptest.NewServer(NewRouter(o))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestListAndGetRacks(t *testing.T) {
	srv := newTestServer(t, newFakeRegistry())

	resp, body := do(t, http.MethodGet, srv.URL+"/api/racks", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Racks []registry.DeviceInfo `json:"racks"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Racks, 2)
	assert.Equal(t, "G24", list.Racks[0].Name)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/rack/G24", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var info registry.DeviceInfo
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, registry.StatusMonitoring, info.Status)
	assert.True(t, info.IsMonitoring)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"unknown rack", http.MethodGet, "/api/rack/nope", "", http.StatusNotFound},
		{"duplicate add", http.MethodPost, "/api/racks", `{"name":"G24","address":"10.0.0.9"}`, http.StatusConflict},
		{"validation", http.MethodPost, "/api/racks", `{"address":"10.0.0.9"}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/racks", `{"name":`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/racks", `{"name":"X","colour":"red"}`, http.StatusBadRequest},
		{"delete in use", http.MethodDelete, "/api/rack/G24", "", http.StatusConflict},
		{"pause idle", http.MethodPost, "/api/rack/R1/pause", "", http.StatusConflict},
		{"resume idle", http.MethodPost, "/api/rack/R1/resume", "", http.StatusConflict},
		{"stop unknown", http.MethodPost, "/api/rack/nope/stop", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, newFakeRegistry())
			resp, body := do(t, tt.method, srv.URL+tt.path, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", resp.StatusCode, tt.wantStatus, body)
			}
			var res Result
			require.NoError(t, json.Unmarshal(body, &res))
			if res.OK || res.Error == "" {
				t.Errorf("result = %+v, want ok=false with an error", res)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.NewRegistryError("start", "G24", errors.ErrNoCredentials), http.StatusUnprocessableEntity},
		{errors.NewRegistryError("start", "G24", errors.ErrAuthFailed), http.StatusUnprocessableEntity},
		{errors.NewRegistryError("start", "G24", errors.NewNetworkError("get", "10.0.0.1", errors.ErrUnreachable)), http.StatusBadGateway},
		{errors.NewRegistryError("start", "G24", errors.ErrMalformedResponse), http.StatusBadGateway},
		{errors.NewRegistryError("start", "G24", errors.ErrInUse), http.StatusConflict},
		{stderrors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestAddUpdateDelete(t *testing.T) {
	reg := newFakeRegistry()
	srv := newTestServer(t, reg)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/racks", `{"name":"R4","address":"10.0.0.4"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var added RackResult
	require.NoError(t, json.Unmarshal(body, &added))
	assert.True(t, added.OK)
	require.NotNil(t, added.Rack)
	assert.Equal(t, "R4", added.Rack.Name)

	resp, body = do(t, http.MethodPut, srv.URL+"/api/rack/R4", `{"name":"R5","address":"10.0.0.5"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	_, err := reg.Get("R5")
	assert.NoError(t, err)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/rack/R5", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = reg.Get("R5")
	assert.True(t, stderrors.Is(err, errors.ErrNotFound))
}

func TestStartOptions(t *testing.T) {
	reg := newFakeRegistry()
	srv := newTestServer(t, reg)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/rack/R1/start", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Nil(t, reg.started["R1"].Manual)
	assert.Nil(t, reg.started["R1"].Duration)

	resp, body = do(t, http.MethodPost, srv.URL+"/api/rack/R1/start",
		`{"username":"root","password":"calvin","interval_seconds":30,"duration_hours":0.5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	opts := reg.started["R1"]
	require.NotNil(t, opts.Manual)
	assert.Equal(t, "root", opts.Manual.Username)
	assert.Equal(t, 30*time.Second, opts.Interval)
	require.NotNil(t, opts.Duration)
	assert.Equal(t, 30*time.Minute, *opts.Duration)

	_, _ = do(t, http.MethodPost, srv.URL+"/api/rack/R1/start", `{"duration_hours":-1}`)
	require.NotNil(t, reg.started["R1"].Duration)
	assert.Equal(t, time.Duration(0), *reg.started["R1"].Duration)
}

func TestTestConnection(t *testing.T) {
	reg := newFakeRegistry()
	reg.testOK, reg.testWatts = true, 412.5
	srv := newTestServer(t, reg)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/rack/R1/test", `{"username":"admin","password":"pw"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res TestResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.OK)
	assert.Equal(t, 412.5, res.Watts)
	require.NotNil(t, reg.lastCred)
	assert.Equal(t, "admin", reg.lastCred.Username)

	reg.testOK = false
	_, body = do(t, http.MethodPost, srv.URL+"/api/rack/R1/test", "")
	require.NoError(t, json.Unmarshal(body, &res))
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Error)
}

func TestRackDataAndExport(t *testing.T) {
	reg := newFakeRegistry()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.Local)
	reg.readings["G24"] = monitoring.Summarize([]monitoring.Reading{
		{Timestamp: base, Watts: 100},
		{Timestamp: base.Add(time.Minute), Watts: 150},
		{Timestamp: base.Add(2 * time.Minute), Watts: 125},
	})
	srv := newTestServer(t, reg)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/rack/G24/data", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var data ReadingsResponse
	require.NoError(t, json.Unmarshal(body, &data))
	assert.Equal(t, "G24", data.Name)
	assert.Equal(t, 3, data.Count)
	assert.Equal(t, 100.0, data.Min)
	assert.Equal(t, 150.0, data.Max)
	assert.Equal(t, 125.0, data.Avg)
	assert.Nil(t, data.Mode)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/rack/G24/export", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "G24_")
	assert.Equal(t, "Timestamp,Power (W)\n2025-03-01 12:00:00,100\n2025-03-01 12:01:00,150\n2025-03-01 12:02:00,125\n", string(body))
}

func TestImportExportRacks(t *testing.T) {
	reg := newFakeRegistry()
	srv := newTestServer(t, reg)

	resp, body := do(t, http.MethodPost, srv.URL+"/api/racks/import", "Name,Address\nR7,10.0.0.7\n")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res registry.ImportResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, 2, res.Added)
	assert.Equal(t, "Name,Address\nR7,10.0.0.7\n", reg.imported)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/racks/export", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Name,Address\nG24,10.57.189.43\n", string(body))
}

func TestSessions(t *testing.T) {
	srv := newTestServer(t, newFakeRegistry())

	resp, body := do(t, http.MethodGet, srv.URL+"/api/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "G24_20250301_120000.csv")

	resp, body = do(t, http.MethodGet, srv.URL+"/api/sessions/G24_20250301_120000.csv", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"watts":100`)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/sessions/other.csv", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestSessionSummaryAndRange(t *testing.T) {
	srv := newTestServer(t, newFakeRegistry())

	resp, body := do(t, http.MethodGet, srv.URL+"/api/sessions/G24_20250301_120000.csv", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all SessionResponse
	require.NoError(t, json.Unmarshal(body, &all))
	assert.Len(t, all.Samples, 4)
	assert.Equal(t, storage.RangeAll, all.Summary.Range)
	assert.Equal(t, 3, all.Summary.Count)
	assert.Equal(t, 1, all.Summary.Missing)
	assert.Equal(t, 100.0, all.Summary.Min)
	assert.Equal(t, 300.0, all.Summary.Max)
	// (300+200)/2*2h + (200+100)/2*1h
	assert.InDelta(t, 650.0, all.Summary.EnergyWh, 1e-9)

	resp, body = do(t, http.MethodGet, srv.URL+"/api/sessions/G24_20250301_120000.csv?range=hour", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hour SessionResponse
	require.NoError(t, json.Unmarshal(body, &hour))
	assert.Len(t, hour.Samples, 3)
	assert.Equal(t, 2, hour.Summary.Count)
	assert.InDelta(t, 150.0, hour.Summary.Avg, 1e-9)

	resp, _ = do(t, http.MethodGet, srv.URL+"/api/sessions/G24_20250301_120000.csv?range=month", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartWithEmptyChunkedBody(t *testing.T) {
	reg := newFakeRegistry()
	router := NewRouter(Options{Registry: reg, Logger: zerolog.Nop()})

	for _, path := range []string{"/api/rack/R1/start", "/api/rack/R1/test"} {
		req := httptest.NewRequest(http.MethodPost, path, io.NopCloser(strings.NewReader("")))
		req.ContentLength = -1
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.NotEqual(t, http.StatusBadRequest, rec.Code, path+": "+rec.Body.String())
	}
	require.Contains(t, reg.started, "R1")
	assert.Nil(t, reg.started["R1"].Manual)

	req := httptest.NewRequest(http.MethodPost, "/api/rack/R1/start", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndReadiness(t *testing.T) {
	srv := newTestServer(t, newFakeRegistry())
	resp, body := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "READY", string(body))

	unhealthy := newTestServer(t, newFakeRegistry(), func(o *Options) {
		o.Ready = fakeHealth{err: stderrors.New("influx down")}
	})
	resp, _ = do(t, http.MethodGet, unhealthy.URL+"/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthRateLimited(t *testing.T) {
	srv := newTestServer(t, newFakeRegistry())

	limited := false
	for i := 0; i < 50; i++ {
		resp, _ := do(t, http.MethodGet, srv.URL+"/health", "")
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "expected the health endpoint to be rate limited")
}

func TestMetricsAndMCPMount(t *testing.T) {
	mcp := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := newTestServer(t, newFakeRegistry(), func(o *Options) { o.MCP = mcp })

	resp, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	resp, _ = do(t, http.MethodPost, srv.URL+"/mcp", "{}")
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	plain := newTestServer(t, newFakeRegistry())
	resp, _ = do(t, http.MethodPost, plain.URL+"/mcp", "{}")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSettingsEndpoints(t *testing.T) {
	reg := newFakeRegistry()
	srv := newTestServer(t, reg)

	resp, body := do(t, http.MethodGet, srv.URL+"/api/settings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), "default_password\"")
	var view registry.SettingsView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, 1.0, view.DefaultIntervalMinutes)

	resp, body = do(t, http.MethodPut, srv.URL+"/api/settings",
		`{"default_username":"root","default_password":"calvin","default_interval_minutes":5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, "root", view.DefaultUsername)
	assert.True(t, view.HasDefaultPassword)
	assert.Equal(t, 5.0, view.DefaultIntervalMinutes)
	assert.NotContains(t, string(body), "calvin")
	require.NotNil(t, reg.applied)
	assert.Nil(t, reg.applied.EnableAlerts)

	resp, _ = do(t, http.MethodPut, srv.URL+"/api/settings", `{"default_interval_minutes":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPut, srv.URL+"/api/settings", `{"devices":[]}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodPost, srv.URL+"/api/settings/reset", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Empty(t, view.DefaultUsername)
}

func TestClearRacks(t *testing.T) {
	reg := newFakeRegistry()
	srv := newTestServer(t, reg)

	resp, _ := do(t, http.MethodDelete, srv.URL+"/api/racks", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Len(t, reg.List(), 2)

	reg.mu.Lock()
	g24 := reg.devices["G24"]
	g24.IsMonitoring = false
	reg.devices["G24"] = g24
	reg.mu.Unlock()
	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/racks", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, reg.List())
}
