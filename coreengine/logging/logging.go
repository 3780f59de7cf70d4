// Package logging adapts logrus to the key/value Logger interface used by
// the kernel, the gRPC layer, and the commbus.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Logger writes structured events through logrus.
type Logger struct {
	entry *log.Entry
}

// New creates a Logger at level ("debug", "info", ...) in format "text" or
// "json". A nil out writes to stderr.
func New(level, format string, out io.Writer) (*Logger, error) {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	if out == nil {
		out = os.Stderr
	}

	logger := log.New()
	logger.SetLevel(lvl)
	logger.SetOutput(out)
	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	return &Logger{entry: log.NewEntry(logger)}, nil
}

// With returns a Logger that adds keysAndValues to every event.
func (l *Logger) With(keysAndValues ...any) *Logger {
	return &Logger{entry: l.entry.WithFields(fields(keysAndValues))}
}

func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.entry.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l *Logger) Info(msg string, keysAndValues ...any) {
	l.entry.WithFields(fields(keysAndValues)).Info(msg)
}

func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.entry.WithFields(fields(keysAndValues)).Warn(msg)
}

func (l *Logger) Error(msg string, keysAndValues ...any) {
	l.entry.WithFields(fields(keysAndValues)).Error(msg)
}

// Printf lets the Logger stand in where a printf-style logger is expected.
func (l *Logger) Printf(format string, args ...any) {
	l.entry.Infof(format, args...)
}

// fields pairs up keysAndValues. A dangling key is recorded under "!BADKEY".
func fields(keysAndValues []any) log.Fields {
	f := make(log.Fields, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprint(keysAndValues[i])
		}
		if i+1 >= len(keysAndValues) {
			f["!BADKEY"] = key
			break
		}
		f[key] = keysAndValues[i+1]
	}
	return f
}
