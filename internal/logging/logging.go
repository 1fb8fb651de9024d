// Package logging provides the leveled logger used across the session layer.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents a log level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level string, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Config contains logger configuration
type Config struct {
	Level   string
	File    string
	Console bool
}

// Logger is the application logger
type Logger struct {
	level  Level
	scope  string
	file   *os.File
	logger *log.Logger
}

// New creates a logger writing to the configured file and/or stderr.
func New(cfg Config) (*Logger, error) {
	l := &Logger{level: ParseLevel(cfg.Level)}

	var writers []io.Writer
	if cfg.File != "" {
		dir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = f
		writers = append(writers, f)
	}
	if cfg.Console || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = io.MultiWriter(writers...)
	}
	l.logger = log.New(writer, "", 0)

	return l, nil
}

// WithScope returns a logger that prefixes messages with a component name,
// e.g. "session" or "muc". The underlying writer and level are shared.
func (l *Logger) WithScope(scope string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{level: l.level, scope: scope, logger: l.logger}
}

// Close closes the log file if one is open.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level Level) {
	l.level = level
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if l == nil || l.logger == nil || level < l.level {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, args...)
	if l.scope != "" {
		l.logger.Printf("%s [%s] %s: %s", ts, level.String(), l.scope, msg)
		return
	}
	l.logger.Printf("%s [%s] %s", ts, level.String(), msg)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

// Init initializes the default logger used by package-level functions.
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	return nil
}

// Default returns the default logger, or nil before Init.
func Default() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Debug logs a debug message to the default logger
func Debug(format string, args ...interface{}) {
	if l := Default(); l != nil {
		l.Debug(format, args...)
	}
}

// Info logs an info message to the default logger
func Info(format string, args ...interface{}) {
	if l := Default(); l != nil {
		l.Info(format, args...)
	}
}

// Warn logs a warning message to the default logger
func Warn(format string, args ...interface{}) {
	if l := Default(); l != nil {
		l.Warn(format, args...)
	}
}

// Error logs an error message to the default logger
func Error(format string, args ...interface{}) {
	if l := Default(); l != nil {
		l.Error(format, args...)
	}
}
