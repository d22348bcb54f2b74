package coap

import (
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logger type threaded through [Loop], [Endpoint],
// and [EventEmitter], matching the GG_SET_LOCAL_LOGGER convention of the
// original core: each component logs fine-grained diagnostics (FINE),
// recoverable anomalies (WARNING), and unexpected internal faults (SEVERE)
// at its own logger instance, defaulting to a disabled logger that
// discards everything.
type Logger = logiface.Logger[logiface.Event]

// LogBuilder is the event builder type yielded by a [Logger]'s level
// methods (Info(), Err(), and so on).
type LogBuilder = logiface.Builder[logiface.Event]

// disabledLogger returns a [Logger] with no level enabled, the default for
// any component not given an explicit one via its functional options.
func disabledLogger() *Logger {
	return logiface.New[logiface.Event]()
}

// NewStumpyLogger builds a [Logger] backed by stumpy's JSON writer, the
// same pairing ([github.com/joeycumines/logiface] with
// [github.com/joeycumines/stumpy] as the concrete event/writer
// implementation) used throughout the originating monorepo. minLevel
// caps which levels are enabled; options are passed through to
// [stumpy.L.WithStumpy] (e.g. [stumpy.WithWriter] to redirect output away
// from the default of os.Stderr).
func NewStumpyLogger(minLevel logiface.Level, options ...stumpy.Option) *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(options...),
		stumpy.L.WithLevel(minLevel),
	).Logger()
}

// logFine logs a low-level diagnostic event, mirroring GG_LOG_FINE.
func logFine(l *Logger, msg string, fields func(*logiface.Builder[logiface.Event])) {
	if l == nil {
		return
	}
	b := l.Debug()
	if fields != nil {
		fields(b)
	}
	b.Log(msg)
}

// logWarning logs a recoverable anomaly, mirroring GG_LOG_WARNING.
func logWarning(l *Logger, msg string, fields func(*logiface.Builder[logiface.Event])) {
	if l == nil {
		return
	}
	b := l.Warning()
	if fields != nil {
		fields(b)
	}
	b.Log(msg)
}

// logSevere logs an unexpected internal fault, mirroring GG_LOG_SEVERE.
func logSevere(l *Logger, msg string, fields func(*logiface.Builder[logiface.Event])) {
	if l == nil {
		return
	}
	b := l.Err()
	if fields != nil {
		fields(b)
	}
	b.Log(msg)
}
