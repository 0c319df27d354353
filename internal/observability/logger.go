// Package observability provides the process-wide structured logger and
// error aggregation helpers used by every conduit component.
package observability

// Logger is the minimal structured-logging surface components depend on.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is one key/value attribute attached to a log entry.
type Field struct {
	Key   string
	Value any
}

var defaultLogger Logger = noopLogger{}

// SetLogger installs the process-wide logger. Passing nil restores the
// discard logger.
func SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	defaultLogger = logger
}

// Log returns the process-wide logger.
func Log() Logger {
	return defaultLogger
}

// noopLogger discards everything; it is the default until SetLogger runs.
type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
