// Package diag defines the diagnostics collaborator used by the store runtime
// to surface failures it cannot return to a caller: unexpected async thunk
// errors, selector panics and listener panics.
package diag

import (
	"go.uber.org/zap"
)

// Severity ranks a reported event.
type Severity int

const (
	Debug Severity = iota
	Info
	Warn
	Error
)

func (s Severity) String() string {
	switch s {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Reporter accepts diagnostics. err may be nil.
type Reporter interface {
	Report(sev Severity, msg string, err error, fields ...zap.Field)
}

// NewZap adapts a zap logger. A nil logger yields a no-op reporter.
func NewZap(log *zap.Logger) Reporter {
	if log == nil {
		return Nop()
	}
	return zapReporter{log: log}
}

type zapReporter struct {
	log *zap.Logger
}

func (r zapReporter) Report(sev Severity, msg string, err error, fields ...zap.Field) {
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	switch sev {
	case Debug:
		r.log.Debug(msg, fields...)
	case Info:
		r.log.Info(msg, fields...)
	case Warn:
		r.log.Warn(msg, fields...)
	default:
		r.log.Error(msg, fields...)
	}
}

// Nop returns a reporter that discards everything.
func Nop() Reporter {
	return nopReporter{}
}

type nopReporter struct{}

func (nopReporter) Report(Severity, string, error, ...zap.Field) {}
