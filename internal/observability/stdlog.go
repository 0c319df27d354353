package observability

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
)

// StdLogger writes structured log lines through the standard log package.
type StdLogger struct {
	logger *log.Logger
	debug  bool
}

// NewStdLogger builds a logger writing to stderr. Debug lines are suppressed
// unless debug is true.
func NewStdLogger(debug bool) *StdLogger {
	return &StdLogger{
		logger: log.New(os.Stderr, "", log.LstdFlags|log.LUTC),
		debug:  debug,
	}
}

// Debug emits a debug-level line when debug logging is enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if !l.debug {
		return
	}
	l.emit("DEBUG", msg, fields)
}

// Info emits an info-level line.
func (l *StdLogger) Info(msg string, fields ...Field) {
	l.emit("INFO", msg, fields)
}

// Error emits an error-level line.
func (l *StdLogger) Error(msg string, fields ...Field) {
	l.emit("ERROR", msg, fields)
}

func (l *StdLogger) emit(level, msg string, fields []Field) {
	if len(fields) == 0 {
		l.logger.Printf("%s %s", level, msg)
		return
	}
	pairs := make([]string, 0, len(fields))
	for _, f := range fields {
		if strings.TrimSpace(f.Key) == "" {
			continue
		}
		pairs = append(pairs, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	sort.Strings(pairs)
	l.logger.Printf("%s %s %s", level, msg, strings.Join(pairs, " "))
}
