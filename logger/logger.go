// Package logger provides the structured logging interface used by sockets and
// servers in this module, with a zerolog-backed implementation and a no-op
// implementation for callers that do not want output.
package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Field represents a key-value pair for structured log output.
type Field struct {
	Key   string
	Value any
}

// Logger is an interface for structured logging. Implementations write log
// entries at Debug, Info, Warn and Error level and may be derived with With to
// attach connection-scoped fields.
type Logger interface {
	// Debug logs a message at debug level with optional structured fields.
	Debug(msg string, fields ...Field)

	// Info logs a message at info level with optional structured fields.
	Info(msg string, fields ...Field)

	// Warn logs a message at warn level with optional structured fields.
	Warn(msg string, fields ...Field)

	// Error logs a message at error level with optional structured fields.
	Error(msg string, fields ...Field)

	// With returns a new Logger that includes the given fields in all
	// subsequent log entries. The original Logger is unchanged.
	//
	// Parameters:
	//   - fields: Key-value pairs to attach to the derived logger
	//
	// Returns:
	//   - A new Logger with the specified fields
	With(fields ...Field) Logger

	// Close releases resources held by the logger. It is safe to call
	// multiple times.
	Close() error
}

// Config describes how New builds a Logger.
type Config struct {
	// Service is added as the "service" field of every entry.
	Service string
	// Level is a zerolog level name ("debug", "info", "warn", "error", ...).
	// Empty means "info".
	Level string
	// Console switches to zerolog's human-readable console writer.
	Console bool
	// Output is where entries go; nil means os.Stdout.
	Output io.Writer
	// Dir, if set, additionally writes entries to daily-rotated files
	// {Service}_{date}.log in that directory, creating it if needed.
	Dir string
}

// DefaultConfig returns a Config logging JSON at info level to stdout.
//
// Parameters:
//   - service: Name of the service, added to every entry
func DefaultConfig(service string) Config {
	return Config{
		Service: service,
		Level:   "info",
	}
}

// New builds a zerolog-backed Logger from cfg. Close on the returned Logger
// closes the log file when cfg.Dir is set.
//
// Returns:
//   - The Logger, or an error if cfg.Level is not a valid level name or the
//     log directory cannot be used
func New(cfg Config) (Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	if cfg.Dir == "" {
		return NewZerologLogger(zerolog.New(out), cfg.Service, level), nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	files, err := NewDailyFileWriter(cfg.Service, cfg.Dir)
	if err != nil {
		return nil, err
	}

	z := NewZerologLogger(zerolog.New(zerolog.MultiLevelWriter(out, files)), cfg.Service, level).(*zerologLogger)
	z.files = files
	return z, nil
}

// NewZerologFileLogger builds a Logger writing JSON to stdout and to
// daily-rotated files in logDir.
//
// Parameters:
//   - serviceName: Name of the service, used in entries and file names
//   - logDir: Directory for log files; created if it does not exist
//   - level: Minimum level to log
func NewZerologFileLogger(serviceName, logDir string, level zerolog.Level) (Logger, error) {
	return New(Config{Service: serviceName, Level: level.String(), Dir: logDir})
}

// zerologLogger is the zerolog-based implementation of Logger.
type zerologLogger struct {
	logger zerolog.Logger
	// files is set only on the Logger that owns the file writer, not on
	// loggers derived from it with With.
	files *DailyFileWriter
}

// NewZerologLogger builds a Logger that wraps the given zerolog.Logger,
// adding a service name and timestamp to all entries and filtering by level.
//
// Parameters:
//   - l: The zerolog.Logger to wrap
//   - serviceName: Name of the service, added as a field to every log entry
//   - level: Minimum level to log (e.g. zerolog.InfoLevel)
func NewZerologLogger(l zerolog.Logger, serviceName string, level zerolog.Level) Logger {
	return &zerologLogger{
		logger: l.With().Str("service", serviceName).Timestamp().Logger().Level(level),
	}
}

// Debug implements Logger.
func (z *zerologLogger) Debug(msg string, fields ...Field) {
	z.logger.Debug().Fields(toMap(fields)).Msg(msg)
}

// Info implements Logger.
func (z *zerologLogger) Info(msg string, fields ...Field) {
	z.logger.Info().Fields(toMap(fields)).Msg(msg)
}

// Warn implements Logger.
func (z *zerologLogger) Warn(msg string, fields ...Field) {
	z.logger.Warn().Fields(toMap(fields)).Msg(msg)
}

// Error implements Logger.
func (z *zerologLogger) Error(msg string, fields ...Field) {
	z.logger.Error().Fields(toMap(fields)).Msg(msg)
}

// With implements Logger.
func (z *zerologLogger) With(fields ...Field) Logger {
	return &zerologLogger{
		logger: z.logger.With().Fields(toMap(fields)).Logger(),
	}
}

// Close implements Logger.
func (z *zerologLogger) Close() error {
	if z.files != nil {
		return z.files.Close()
	}

	return nil
}

func toMap(fields []Field) map[string]any {
	if len(fields) == 0 {
		return nil
	}

	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}

	return m
}

type nopLogger struct{}

// NewNopLogger returns a Logger that discards everything.
func NewNopLogger() Logger {
	return nopLogger{}
}

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Warn(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}
func (n nopLogger) With(...Field) Logger { return n }
func (nopLogger) Close() error           { return nil }

// OrNop returns l, or a no-op Logger if l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return NewNopLogger()
	}

	return l
}
