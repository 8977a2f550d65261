package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the process logger: charmbracelet/log with a verbose switch that
// toggles debug output.
type Logger struct {
	mu      sync.RWMutex
	verbose bool
	base    *log.Logger
}

var (
	loggerInstance *Logger
	once           sync.Once
)

func newLogger(w io.Writer) *Logger {
	return &Logger{
		base: log.NewWithOptions(w, log.Options{
			Level:  log.InfoLevel,
			Prefix: "habitkeep",
		}),
	}
}

// GetLogger returns the singleton logger instance.
func GetLogger() *Logger {
	once.Do(func() {
		loggerInstance = newLogger(os.Stderr)
	})
	return loggerInstance
}

// SetVerboseMode sets the verbose mode globally.
func SetVerboseMode(verbose bool) {
	GetLogger().SetVerbose(verbose)
}

// SetVerbose enables debug output and timestamps.
func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
	if verbose {
		l.base.SetLevel(log.DebugLevel)
		l.base.SetReportTimestamp(true)
		l.base.SetTimeFormat("15:04:05")
	} else {
		l.base.SetLevel(log.InfoLevel)
		l.base.SetReportTimestamp(false)
	}
}

// IsVerbose returns whether verbose mode is enabled.
func (l *Logger) IsVerbose() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verbose
}

// SetOutput redirects the logger.
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// Base exposes the structured logger for components that take a *log.Logger.
func (l *Logger) Base() *log.Logger {
	return l.base
}

// Debug logs a structured debug message (only shown when verbose).
func (l *Logger) Debug(msg string, keyvals ...any) {
	l.base.Debug(msg, keyvals...)
}

// Info logs a structured info message.
func (l *Logger) Info(msg string, keyvals ...any) {
	l.base.Info(msg, keyvals...)
}

// Warn logs a structured warning.
func (l *Logger) Warn(msg string, keyvals ...any) {
	l.base.Warn(msg, keyvals...)
}

// Error logs a structured error.
func (l *Logger) Error(msg string, keyvals ...any) {
	l.base.Error(msg, keyvals...)
}

// Debugf is a convenience function that logs a debug message using the global logger.
func Debugf(format string, args ...any) {
	GetLogger().base.Debugf(format, args...)
}

// Infof is a convenience function that logs an info message using the global logger.
func Infof(format string, args ...any) {
	GetLogger().base.Infof(format, args...)
}

// Warnf is a convenience function that logs a warning message using the global logger.
func Warnf(format string, args ...any) {
	GetLogger().base.Warnf(format, args...)
}

// Errorf is a convenience function that logs an error message using the global logger.
func Errorf(format string, args ...any) {
	GetLogger().base.Errorf(format, args...)
}

// BackgroundLogger writes daemon logs to a size-rotated file.
type BackgroundLogger struct {
	*log.Logger
	writer *lumberjack.Logger
	path   string
}

// DefaultBackgroundLogPath is the per-process log file used when none is configured.
func DefaultBackgroundLogPath() string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("habitkeep-%d.log", os.Getpid()))
}

// NewBackgroundLogger opens a rotating log file at path (DefaultBackgroundLogPath
// when empty).
func NewBackgroundLogger(path string, verbose bool) (*BackgroundLogger, error) {
	if path == "" {
		path = DefaultBackgroundLogPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	level := log.InfoLevel
	if verbose {
		level = log.DebugLevel
	}
	return &BackgroundLogger{
		Logger: log.NewWithOptions(writer, log.Options{
			Level:           level,
			Prefix:          "habitkeep",
			ReportTimestamp: true,
		}),
		writer: writer,
		path:   path,
	}, nil
}

// GetLogPath returns the log file path.
func (bl *BackgroundLogger) GetLogPath() string {
	return bl.path
}

// Close closes the log file. Later writes reopen it.
func (bl *BackgroundLogger) Close() error {
	return bl.writer.Close()
}

// Writer returns the rotating file, for redirecting the process logger.
func (bl *BackgroundLogger) Writer() io.Writer {
	return bl.writer
}
