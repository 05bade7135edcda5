package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Logger is the program log used for lifecycle events and errors. It is
// separate from the per-domain exchange logs.
type Logger interface {
	Trace(format string, args ...interface{})
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// StandardLogger implements Logger on top of logrus.
type StandardLogger struct {
	log  *logrus.Logger
	file *os.File
}

// New creates the program logger. level is one of error, warn, info, debug,
// trace. output is "stdout" or "file"; file output goes to logDir/programLog.
func New(level, output, logDir, programLog string) (*StandardLogger, error) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	log := logrus.New()
	log.SetLevel(parsed)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	l := &StandardLogger{log: log}

	if output == "file" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		path := filepath.Join(logDir, programLog)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open program log: %w", err)
		}
		l.file = f
		log.SetOutput(f)
	} else {
		log.SetOutput(os.Stdout)
	}

	return l, nil
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() *StandardLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &StandardLogger{log: log}
}

// Close releases the program log file, if any.
func (l *StandardLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *StandardLogger) Trace(format string, args ...interface{}) {
	l.log.Tracef(format, args...)
}

func (l *StandardLogger) Debug(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

func (l *StandardLogger) Info(format string, args ...interface{}) {
	l.log.Infof(format, args...)
}

func (l *StandardLogger) Warn(format string, args ...interface{}) {
	l.log.Warnf(format, args...)
}

func (l *StandardLogger) Error(format string, args ...interface{}) {
	l.log.Errorf(format, args...)
}
