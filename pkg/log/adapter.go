// Package log holds the logging setup shared by the commands and the storage layer.
package log

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log output formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// NewLogger creates a logger writing to out. An unknown level or format falls back to
// info and text; the returned warnings say which.
func NewLogger(level, format string, out io.Writer) (*logrus.Logger, []string) {
	var warnings []string
	logger := logrus.New()
	logger.SetOutput(out)

	switch strings.ToLower(format) {
	case "", FormatText:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		warnings = append(warnings, fmt.Sprintf("Invalid log format '%s', using '%s'", format, FormatText))
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	}

	logger.SetLevel(logrus.InfoLevel)
	if parsed, err := logrus.ParseLevel(level); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid log level '%s', using default 'info'. Error: %v", level, err))
	} else {
		logger.SetLevel(parsed)
	}
	return logger, warnings
}

// BadgerLogrusAdapter implements badger.Logger using logrus.
// Badger's info output is routine housekeeping, so it is logged at debug level.
type BadgerLogrusAdapter struct {
	*logrus.Entry
}

// NewBadgerLogrusAdapter creates a new adapter
func NewBadgerLogrusAdapter(entry *logrus.Entry) *BadgerLogrusAdapter {
	return &BadgerLogrusAdapter{entry}
}

// Errorf logs an error message
func (l *BadgerLogrusAdapter) Errorf(f string, v ...any) { l.Entry.Errorf(trimNewline(f), v...) }

// Warningf logs a warning message
func (l *BadgerLogrusAdapter) Warningf(f string, v ...any) { l.Entry.Warnf(trimNewline(f), v...) }

// Infof logs badger's info messages at debug level
func (l *BadgerLogrusAdapter) Infof(f string, v ...any) { l.Entry.Debugf(trimNewline(f), v...) }

// Debugf logs a debug message
func (l *BadgerLogrusAdapter) Debugf(f string, v ...any) { l.Entry.Tracef(trimNewline(f), v...) }

// Badger terminates its format strings with a newline, logrus adds its own
func trimNewline(f string) string { return strings.TrimSuffix(f, "\n") }
