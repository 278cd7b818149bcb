// Package log provides the process logger: logrus behind a small interface,
// with a pattern formatter and optional rotated file output.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"firestige.xyz/sap/internal/config"
)

// Logger is the logging surface used across the module.
type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})
	Trace(args ...interface{})
	Tracef(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})
	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger
	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

const (
	DefaultPattern    = "%time [%level] %msg %field%n"
	DefaultTimeLayout = "2006-01-02 15:04:05.000"
)

var (
	mu     sync.RWMutex
	logger Logger
)

// GetLogger returns the global logger, creating an info-level stdout logger
// if Init has not been called.
func GetLogger() Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		logger = newAdapter(os.Stdout, logrus.InfoLevel, &formatter{pattern: DefaultPattern, time: DefaultTimeLayout})
	}
	return logger
}

// Init builds a logger from cfg and installs it as the global logger.
// It may be called again to reconfigure.
func Init(cfg config.LogConfig) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	mu.Lock()
	logger = l
	mu.Unlock()
	return nil
}

// New builds a standalone logger from cfg.
func New(cfg config.LogConfig) (Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var f logrus.Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		pattern := cfg.Pattern
		if pattern == "" {
			pattern = DefaultPattern
		}
		layout := cfg.TimeLayout
		if layout == "" {
			layout = DefaultTimeLayout
		}
		f = &formatter{pattern: pattern, time: layout}
	case "json":
		f = &logrus.JSONFormatter{TimestampFormat: cfg.TimeLayout}
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be json or text)", cfg.Format)
	}

	out := NewMultiWriter().Add(os.Stdout)
	if cfg.Outputs.File.Enabled {
		if err := out.AddFileAppender(cfg.Outputs.File); err != nil {
			return nil, fmt.Errorf("failed to create file output: %w", err)
		}
	}

	return newAdapter(out, level, f), nil
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return newAdapter(io.Discard, logrus.PanicLevel, &logrus.TextFormatter{})
}

// NewWithWriter returns a text logger writing to w, mainly for tests.
func NewWithWriter(w io.Writer, level string) Logger {
	lvl, err := parseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	return newAdapter(w, lvl, &formatter{pattern: DefaultPattern, time: DefaultTimeLayout})
}

func parseLevel(level string) (logrus.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return logrus.InfoLevel, nil
	case "trace":
		return logrus.TraceLevel, nil
	case "debug":
		return logrus.DebugLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown level: %s", level)
	}
}
