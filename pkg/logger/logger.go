// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package logger provides structured logging using zerolog.
//
// The package keeps a process-wide logger for main and the app wiring.
// Long-lived components receive their own child logger from Component so
// that they never reach back into the global.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Initialize sets up the global logger with the specified level. Format
// "json" writes raw JSON lines; anything else uses the console writer.
func Initialize(level string, format ...string) {
	logLevel, err := parseLogLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = time.RFC3339

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	if len(format) > 0 && strings.EqualFold(format[0], "json") {
		output = os.Stdout
	}

	zerolog.SetGlobalLevel(logLevel)
	mu.Lock()
	log = zerolog.New(output).
		Level(logLevel).
		With().
		Timestamp().
		Caller().
		Logger()
	mu.Unlock()
}

// parseLogLevel converts string log level to zerolog.Level
func parseLogLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	case "panic":
		return zerolog.PanicLevel, nil
	default:
		return zerolog.InfoLevel, nil
	}
}

// SetLevel changes the level of the global logger and every component
// logger in place. Used on SIGHUP.
func SetLevel(level string) {
	logLevel, _ := parseLogLevel(level)
	zerolog.SetGlobalLevel(logLevel)
	mu.Lock()
	log = log.Level(logLevel)
	mu.Unlock()
}

// Get returns the global logger instance
func Get() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	l := log
	return &l
}

// Component returns a child of the global logger tagged with a component
// name, for injection into constructors. Its own level is left open so the
// process-wide level set by SetLevel governs it.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log.With().Str("component", name).Logger().Level(zerolog.TraceLevel)
}

// Debug logs a debug message
func Debug() *zerolog.Event {
	return Get().Debug()
}

// Info logs an info message
func Info() *zerolog.Event {
	return Get().Info()
}

// Warn logs a warning message
func Warn() *zerolog.Event {
	return Get().Warn()
}

// Error logs an error message
func Error() *zerolog.Event {
	return Get().Error()
}

// Fatal logs a fatal message and exits
func Fatal() *zerolog.Event {
	return Get().Fatal()
}

// With creates a child logger with additional fields
func With() zerolog.Context {
	return Get().With()
}

// SetOutput sets the output writer for the logger
func SetOutput(w io.Writer) {
	mu.Lock()
	log = log.Output(w)
	mu.Unlock()
}
