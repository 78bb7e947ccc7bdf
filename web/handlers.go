// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package web

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soothill/rack-power-monitor/credentials"
	"github.com/soothill/rack-power-monitor/monitoring"
	"github.com/soothill/rack-power-monitor/pkg/errors"
	"github.com/soothill/rack-power-monitor/pkg/util"
	"github.com/soothill/rack-power-monitor/registry"
	"github.com/soothill/rack-power-monitor/storage"
)

// Result is the body of every command endpoint.
type Result struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// RackResult is returned by add and update.
type RackResult struct {
	Result
	Rack *registry.DeviceInfo `json:"rack,omitempty"`
}

// TestResult is returned by the connection test.
type TestResult struct {
	Result
	Watts float64 `json:"watts,omitempty"`
}

// ReadingsResponse is the live data of one rack.
type ReadingsResponse struct {
	Name string `json:"name"`
	monitoring.Summary
}

// SessionResponse is a recorded session with its statistics.
type SessionResponse struct {
	Samples []storage.Sample        `json:"samples"`
	Summary storage.SessionAnalysis `json:"summary"`
}

// StartRequest is the optional body of a start command.
type StartRequest struct {
	Username        string `json:"username,omitempty"`
	Password        string `json:"password,omitempty"`
	IntervalSeconds int    `json:"interval_seconds,omitempty"`
	// DurationHours of zero keeps the settings default; negative runs continuously
	DurationHours float64 `json:"duration_hours,omitempty"`
}

func (req StartRequest) options() registry.StartOptions {
	var opts registry.StartOptions
	if req.Username != "" || req.Password != "" {
		opts.Manual = &credentials.Credential{Username: req.Username, Password: req.Password}
	}
	if req.IntervalSeconds > 0 {
		opts.Interval = time.Duration(req.IntervalSeconds) * time.Second
	}
	switch {
	case req.DurationHours > 0:
		d := time.Duration(req.DurationHours * float64(time.Hour))
		opts.Duration = &d
	case req.DurationHours < 0:
		var continuous time.Duration
		opts.Duration = &continuous
	}
	return opts
}

func (s *Server) listRacks(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"racks": s.registry.List()})
}

func (s *Server) getRack(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Get(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) addRack(w http.ResponseWriter, r *http.Request) {
	var req registry.AddRequest
	if !s.decode(w, r, &req) {
		return
	}
	info, err := s.registry.Add(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, RackResult{Result: Result{OK: true}, Rack: &info})
}

func (s *Server) clearRacks(w http.ResponseWriter, _ *http.Request) {
	s.command(w, s.registry.Clear())
}

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Settings())
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req registry.SettingsRequest
	if !s.decode(w, r, &req) {
		return
	}
	view, err := s.registry.UpdateSettings(req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) resetSettings(w http.ResponseWriter, _ *http.Request) {
	view, err := s.registry.ResetSettings()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) updateRack(w http.ResponseWriter, r *http.Request) {
	var req registry.UpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	info, err := s.registry.Update(chi.URLParam(r, "name"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RackResult{Result: Result{OK: true}, Rack: &info})
}

func (s *Server) deleteRack(w http.ResponseWriter, r *http.Request) {
	s.command(w, s.registry.Delete(chi.URLParam(r, "name")))
}

func (s *Server) startRack(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	s.command(w, s.registry.Start(r.Context(), chi.URLParam(r, "name"), req.options()))
}

func (s *Server) pauseRack(w http.ResponseWriter, r *http.Request) {
	s.command(w, s.registry.Pause(chi.URLParam(r, "name")))
}

func (s *Server) resumeRack(w http.ResponseWriter, r *http.Request) {
	s.command(w, s.registry.Resume(chi.URLParam(r, "name")))
}

func (s *Server) stopRack(w http.ResponseWriter, r *http.Request) {
	s.command(w, s.registry.Stop(chi.URLParam(r, "name")))
}

func (s *Server) testRack(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !s.decodeOptional(w, r, &req) {
		return
	}
	watts, ok, err := s.registry.TestConnection(r.Context(), chi.URLParam(r, "name"), req.options().Manual)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res := TestResult{Result: Result{OK: ok}, Watts: watts}
	if !ok {
		res.Error = "connection test failed"
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) rackData(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	summary, err := s.registry.Readings(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ReadingsResponse{Name: name, Summary: summary})
}

// exportReadings streams the buffered readings in session file format.
func (s *Server) exportReadings(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	summary, err := s.registry.Readings(name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	samples := make([]storage.Sample, len(summary.Watts))
	for i := range summary.Watts {
		samples[i] = storage.Sample{Timestamp: summary.Timestamps[i], Watts: summary.Watts[i]}
	}

	var buf bytes.Buffer
	if err := storage.ExportSamples(&buf, samples); err != nil {
		s.writeError(w, err)
		return
	}
	file := fmt.Sprintf("%s_%s.csv", util.SafeFileName(name), time.Now().Format("20060102_150405"))
	s.writeCSV(w, file, buf.Bytes())
}

func (s *Server) importRacks(w http.ResponseWriter, r *http.Request) {
	result, err := s.registry.ImportCSV(r.Context(), http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) exportRacks(w http.ResponseWriter, _ *http.Request) {
	var buf bytes.Buffer
	if err := s.registry.ExportCSV(&buf); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeCSV(w, "racks.csv", buf.Bytes())
}

func (s *Server) listSessions(w http.ResponseWriter, _ *http.Request) {
	if s.sessions == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"sessions": []storage.SessionInfo{}})
		return
	}
	sessions, err := s.sessions.ListSessions()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		s.writeError(w, errors.ErrNotFound)
		return
	}
	rng, err := storage.ParseRange(r.URL.Query().Get("range"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	samples, err := s.sessions.OpenSession(chi.URLParam(r, "file"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	samples = rng.Filter(samples)
	s.writeJSON(w, http.StatusOK, SessionResponse{Samples: samples, Summary: storage.Analyze(samples, rng)})
}

func (s *Server) command(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, Result{OK: true})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	return s.decodeBody(w, r, v, false)
}

// decodeOptional is decode for endpoints whose body may be absent. An empty
// body leaves v untouched, whatever the declared content length.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	return s.decodeBody(w, r, v, true)
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	if r.Body == nil || r.Body == http.NoBody {
		if optional {
			return true
		}
		s.writeJSON(w, http.StatusBadRequest, Result{Error: "invalid JSON body: " + io.EOF.Error()})
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && err == io.EOF {
			return true
		}
		s.writeJSON(w, http.StatusBadRequest, Result{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	s.writeJSON(w, status, Result{Error: err.Error()})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.IsValidationError(err):
		return http.StatusBadRequest
	case stderrors.Is(err, errors.ErrNotFound), stderrors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case stderrors.Is(err, errors.ErrDuplicate),
		stderrors.Is(err, errors.ErrInUse),
		stderrors.Is(err, errors.ErrNotMonitoring):
		return http.StatusConflict
	case stderrors.Is(err, errors.ErrNoCredentials),
		stderrors.Is(err, errors.ErrAuthFailed):
		return http.StatusUnprocessableEntity
	case stderrors.Is(err, errors.ErrUnreachable),
		stderrors.Is(err, errors.ErrMalformedResponse):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func (s *Server) writeCSV(w http.ResponseWriter, file string, body []byte) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write CSV response")
	}
}
