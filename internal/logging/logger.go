// Package logging provides structured logging for ClaudeFS components,
// built on logrus.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) toLogrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Format string // "text" (default) or "json"
	Output io.Writer
	// Sync is accepted but not read by NewLogger; logrus writes each entry
	// to Output as it is logged either way.
	Sync bool
	// NoColor disables ANSI color codes in text output.
	NoColor bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// Logger wraps a logrus entry with ClaudeFS-specific context helpers.
type Logger struct {
	entry *logrus.Entry
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// NewLogger creates a new logger from config. A nil config uses DefaultConfig.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	base := logrus.New()
	base.SetOutput(output)
	base.SetLevel(config.Level.toLogrus())

	if config.Format == "json" {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			DisableColors:          config.NoColor,
			FullTimestamp:          true,
			DisableLevelTruncation: true,
		})
	}

	return &Logger{entry: logrus.NewEntry(base)}
}

// Default returns the process-wide default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault replaces the process-wide default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// WithSite returns a logger scoped to a replication site.
func (l *Logger) WithSite(siteID uint64) *Logger {
	return &Logger{entry: l.entry.WithField("site_id", siteID)}
}

// WithDevice returns a logger scoped to a storage device.
func (l *Logger) WithDevice(deviceIdx uint16) *Logger {
	return &Logger{entry: l.entry.WithField("device_idx", deviceIdx)}
}

// WithQueue returns a logger scoped to an I/O submission queue.
func (l *Logger) WithQueue(queueID int) *Logger {
	return &Logger{entry: l.entry.WithField("queue_id", queueID)}
}

// WithRequest returns a logger scoped to a single in-flight request,
// identified by its queue tag and opcode name.
func (l *Logger) WithRequest(tag int, op string) *Logger {
	return &Logger{entry: l.entry.WithField("tag", tag).WithField("op", op)}
}

// WithError attaches an error to subsequent log calls.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

// WithField attaches an arbitrary key/value pair.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) Debug(msg string, args ...any) { l.withArgs(args).Debug(msg) }
func (l *Logger) Info(msg string, args ...any)  { l.withArgs(args).Info(msg) }
func (l *Logger) Warn(msg string, args ...any)  { l.withArgs(args).Warn(msg) }
func (l *Logger) Error(msg string, args ...any) { l.withArgs(args).Error(msg) }

func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

// Printf satisfies callers expecting an io-style logging sink.
func (l *Logger) Printf(format string, args ...any) { l.entry.Infof(format, args...) }

// withArgs converts trailing key/value pairs into logrus fields.
func (l *Logger) withArgs(args []any) *logrus.Entry {
	if len(args) == 0 {
		return l.entry
	}
	fields := make(logrus.Fields, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		fields[key] = args[i+1]
	}
	return l.entry.WithFields(fields)
}

// Global convenience functions operating on the default logger.

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
