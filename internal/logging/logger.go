// Package logging provides structured logging for the CLI and the proxy server.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with the console format used across the tool.
type Logger struct {
	zlog   zerolog.Logger
	output io.Writer // current output writer
}

// NewLogger creates a new console logger writing to out.
func NewLogger(out io.Writer) *Logger {
	l := &Logger{}
	l.SetOutput(out)
	return l
}

// NewDefaultCLILogger creates a default CLI logger. Logs go to stderr so
// response bodies printed on stdout stay machine readable.
func NewDefaultCLILogger() *Logger {
	return NewLogger(os.Stderr)
}

// NewJSONLogger creates a logger emitting one JSON object per line, for the
// long-running server mode.
func NewJSONLogger(out io.Writer) *Logger {
	return &Logger{
		zlog:   zerolog.New(out).With().Timestamp().Logger(),
		output: out,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop(), output: io.Discard}
}

// Info returns an info level event.
func (l *Logger) Info() *zerolog.Event {
	return l.zlog.Info()
}

// Error returns an error level event.
func (l *Logger) Error() *zerolog.Event {
	return l.zlog.Error()
}

// Debug returns a debug level event.
func (l *Logger) Debug() *zerolog.Event {
	return l.zlog.Debug()
}

// Warn returns a warn level event.
func (l *Logger) Warn() *zerolog.Event {
	return l.zlog.Warn()
}

// Fatal returns a fatal level event.
func (l *Logger) Fatal() *zerolog.Event {
	return l.zlog.Fatal()
}

// With creates a child logger context with additional fields.
func (l *Logger) With() zerolog.Context {
	return l.zlog.With()
}

// Child returns a Logger carrying the given component name.
func (l *Logger) Child(component string) *Logger {
	return &Logger{
		zlog:   l.zlog.With().Str("component", component).Logger(),
		output: l.output,
	}
}

// SetOutput changes the output writer for the logger.
// This is useful for redirecting logs through progress bars.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	l.zlog = zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}).With().Timestamp().Logger()
}

// Output returns the current output writer.
func (l *Logger) Output() io.Writer {
	return l.output
}

// Debugf logs a debug message with printf-style formatting.
// This is only shown when debug/verbose mode is enabled.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.zlog.Debug().Msgf(format, args...)
}

// Infof logs an info message with printf-style formatting.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.zlog.Info().Msgf(format, args...)
}

// Errorf logs an error message with printf-style formatting.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.zlog.Error().Msgf(format, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.zlog.Warn().Msgf(format, args...)
}

// SetGlobalLevel sets the global log level.
func SetGlobalLevel(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
}

// ParseLevel maps a config/flag value to a zerolog level, defaulting to info.
func ParseLevel(raw string) zerolog.Level {
	level, err := zerolog.ParseLevel(raw)
	if err != nil || raw == "" {
		return zerolog.InfoLevel
	}
	return level
}

func init() {
	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Configure global logger
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
}
