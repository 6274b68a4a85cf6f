package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Logger writes through pterm's default logger and appends a fixed set of
// key/value pairs (session id, circuit id, remote address) to every line.
type Logger struct {
	args []any
}

// With returns a Logger that tags each line with the given key/value pairs.
func With(args ...any) Logger {
	return Logger{args: args}
}

// With returns a copy of l with extra key/value pairs appended.
func (l Logger) With(args ...any) Logger {
	merged := make([]any, 0, len(l.args)+len(args))
	merged = append(merged, l.args...)
	merged = append(merged, args...)
	return Logger{args: merged}
}

func (l Logger) Debug(format string, args ...any) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...), pterm.DefaultLogger.Args(l.args...))
}

func (l Logger) Info(format string, args ...any) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...), pterm.DefaultLogger.Args(l.args...))
}

func (l Logger) Warn(format string, args ...any) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...), pterm.DefaultLogger.Args(l.args...))
}

func (l Logger) Error(format string, args ...any) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...), pterm.DefaultLogger.Args(l.args...))
}
