package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

func init() {
	defaultLogger, _ = New(DefaultConfig())
}

func current() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// InitFromConfig initializes the logger from configuration
func InitFromConfig(level, filePath string, maxSize, maxBackups int, console bool) error {
	logLevel, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	l, err := New(LoggerConfig{
		Level:      logLevel,
		FilePath:   filePath,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Console:    console,
	})
	if err != nil {
		return err
	}

	SetDefault(l)
	return nil
}

// SetDefault replaces the default logger, closing the previous one.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	prev := defaultLogger
	defaultLogger = l
	defaultMu.Unlock()

	if prev != nil && prev != l {
		prev.Close()
	}
}

// SetOutput replaces the default logger with one writing every level to w
// and returns a function restoring the previous logger.
func SetOutput(w io.Writer) (restore func()) {
	defaultMu.Lock()
	prev := defaultLogger
	defaultLogger = NewWriter(DEBUG, w)
	defaultMu.Unlock()

	return func() {
		defaultMu.Lock()
		defaultLogger = prev
		defaultMu.Unlock()
	}
}

// SetLevel changes the level of the default logger
func SetLevel(level string) error {
	lvl, err := ParseLogLevel(level)
	current().SetLevel(lvl)
	return err
}

// ParseLogLevel parses log level string
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s, using default level INFO", level)
	}
}

// Component logs through the default logger with a fixed component prefix.
type Component struct {
	name string
}

// Named returns a component logger
func Named(name string) Component {
	return Component{name: name}
}

func (c Component) Debug(format string, args ...interface{}) {
	current().log(3, DEBUG, c.name, format, args...)
}

func (c Component) Info(format string, args ...interface{}) {
	current().log(3, INFO, c.name, format, args...)
}

func (c Component) Warn(format string, args ...interface{}) {
	current().log(3, WARN, c.name, format, args...)
}

func (c Component) Error(format string, args ...interface{}) {
	current().log(3, ERROR, c.name, format, args...)
}

// Debug logs debug level messages
func Debug(format string, args ...interface{}) {
	current().log(3, DEBUG, "", format, args...)
}

// Info logs info level messages
func Info(format string, args ...interface{}) {
	current().log(3, INFO, "", format, args...)
}

// Warn logs warning level messages
func Warn(format string, args ...interface{}) {
	current().log(3, WARN, "", format, args...)
}

// Error logs error level messages
func Error(format string, args ...interface{}) {
	current().log(3, ERROR, "", format, args...)
}

// Close closes the default logger
func Close() error {
	return current().Close()
}
