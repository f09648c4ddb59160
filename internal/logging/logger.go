// Package logging provides the structured, leveled logger used by every
// MM2 package. It keeps the teacher's Logger surface (Level, Config,
// Default()/SetDefault(), Debug/Info/Warn/Error, chainable per-context
// child loggers) but backs it with zerolog instead of a hand-rolled
// log.Logger wrapper.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel mirrors zerolog's levels under the teacher's naming.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config holds logger configuration.
type Config struct {
	Level LogLevel
	// Format selects the wire shape: "json" for machine consumption,
	// "text" (the default) for a human-readable console line.
	Format  string
	Output  io.Writer
	Sync    bool // force unbuffered writes; both writers below are unbuffered already
	NoColor bool
}

// DefaultConfig returns a sensible default configuration: info level,
// human-readable text to stderr.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// Logger wraps a zerolog.Logger.
type Logger struct {
	zl zerolog.Logger
}

// NewLogger builds a Logger from Config, defaulting fields left unset.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}

	var w io.Writer
	switch config.Format {
	case "json":
		w = output
	default:
		w = zerolog.ConsoleWriter{
			Out:        output,
			NoColor:    config.NoColor,
			TimeFormat: time.RFC3339,
		}
	}

	zl := zerolog.New(w).With().Timestamp().Logger().Level(config.Level.zerolog())
	return &Logger{zl: zl}
}

var (
	mu            sync.RWMutex
	defaultLogger *Logger
)

// Default returns the process-wide default logger, creating it on
// first use.
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
func SetDefault(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = l
}

func withFields(e *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, args[i+1])
	}
	return e
}

func (l *Logger) Debug(msg string, args ...any) { withFields(l.zl.Debug(), args).Msg(msg) }
func (l *Logger) Info(msg string, args ...any)  { withFields(l.zl.Info(), args).Msg(msg) }
func (l *Logger) Warn(msg string, args ...any)  { withFields(l.zl.Warn(), args).Msg(msg) }
func (l *Logger) Error(msg string, args ...any) { withFields(l.zl.Error(), args).Msg(msg) }

// WithUploadSource returns a child logger tagging every subsequent
// entry with the upload source, the lane a sensor's records move
// through (e.g. "gateway", "ble", "can").
func (l *Logger) WithUploadSource(source string) *Logger {
	return &Logger{zl: l.zl.With().Str("upload_source", source).Logger()}
}

// WithSensor returns a child logger tagging both the upload source and
// the sensor ID, the identity tuple the engine addresses sensors by.
func (l *Logger) WithSensor(source string, sensorID uint32) *Logger {
	return &Logger{zl: l.zl.With().Str("upload_source", source).Uint32("sensor_id", sensorID).Logger()}
}

// WithOp returns a child logger tagging every entry with the engine
// operation in progress (e.g. "write_tsd", "recover_sensor").
func (l *Logger) WithOp(op string) *Logger {
	return &Logger{zl: l.zl.With().Str("op", op).Logger()}
}

// WithError returns a child logger carrying err as a structured field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zl: l.zl.With().Err(err).Logger()}
}

// Global convenience functions operating on the default logger.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
