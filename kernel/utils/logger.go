package utils

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel maps a configuration string onto a LogLevel.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case DEBUG:
		return logrus.DebugLevel
	case WARN:
		return logrus.WarnLevel
	case ERROR:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger provides structured, component-scoped logging
type Logger struct {
	entry *logrus.Entry
}

// LoggerConfig configures a logger instance
type LoggerConfig struct {
	Level      LogLevel
	Component  string
	Output     io.Writer
	JSON       bool
	TimeFormat string
}

// NewLogger creates a new logger with the given configuration
func NewLogger(config LoggerConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.TimeFormat == "" {
		config.TimeFormat = "15:04:05.000"
	}

	base := logrus.New()
	base.SetOutput(config.Output)
	base.SetLevel(config.Level.logrus())
	if config.JSON {
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: config.TimeFormat,
		})
	}

	entry := logrus.NewEntry(base)
	if config.Component != "" {
		entry = entry.WithField("component", config.Component)
	}
	return &Logger{entry: entry}
}

var (
	defaultMu     sync.RWMutex
	defaultConfig = LoggerConfig{Level: INFO, Output: os.Stderr}
)

// Configure replaces the settings used by DefaultLogger for loggers created afterwards.
func Configure(config LoggerConfig) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	config.Component = ""
	defaultConfig = config
	globalLogger = newDefault("kernel")
}

// DefaultLogger creates a logger with the process-wide defaults
func DefaultLogger(component string) *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return newDefault(component)
}

func newDefault(component string) *Logger {
	cfg := defaultConfig
	cfg.Component = component
	return NewLogger(cfg)
}

// Component returns a child logger for a sub-component.
func (l *Logger) Component(name string) *Logger {
	return &Logger{entry: l.entry.WithField("component", name)}
}

// With returns a new logger with the given fields appended
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{entry: l.entry.WithFields(toLogrus(fields))}
}

// Enabled reports whether messages at the given level are emitted.
func (l *Logger) Enabled(level LogLevel) bool {
	return l.entry.Logger.IsLevelEnabled(level.logrus())
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, fields ...Field) {
	l.log(DEBUG, msg, fields...)
}

// Info logs an info message
func (l *Logger) Info(msg string, fields ...Field) {
	l.log(INFO, msg, fields...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, fields ...Field) {
	l.log(WARN, msg, fields...)
}

// Error logs an error message
func (l *Logger) Error(msg string, fields ...Field) {
	l.log(ERROR, msg, fields...)
}

func (l *Logger) log(level LogLevel, msg string, fields ...Field) {
	if !l.Enabled(level) {
		return
	}
	e := l.entry
	if len(fields) > 0 {
		e = e.WithFields(toLogrus(fields))
	}
	e.Log(level.logrus(), msg)
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

func toLogrus(fields []Field) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		out[f.Key] = f.Value
	}
	return out
}

// Helper functions for creating fields
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Int32(key string, value int32) Field {
	return Field{Key: key, Value: value}
}

func Uint32(key string, value uint32) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

// Hex renders a 32-bit word the way register dumps show it.
func Hex(key string, value uint32) Field {
	return Field{Key: key, Value: fmt.Sprintf("0x%08x", value)}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Err(err error) Field {
	return Field{Key: logrus.ErrorKey, Value: err}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Global logger instance
var globalLogger = DefaultLogger("kernel")

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	globalLogger = logger
}

// Global logging functions
func Debug(msg string, fields ...Field) {
	globalLogger.Debug(msg, fields...)
}

func Info(msg string, fields ...Field) {
	globalLogger.Info(msg, fields...)
}

func Warn(msg string, fields ...Field) {
	globalLogger.Warn(msg, fields...)
}

func Error(msg string, fields ...Field) {
	globalLogger.Error(msg, fields...)
}
