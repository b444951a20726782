package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the process-wide logger used by the engine and the CLI.
var Log *Logger

type Logger struct {
	z zerolog.Logger
}

func init() {
	Log = newLogger(os.Stderr, "console")
}

// Setup configures the global logger level and output format (console or json).
func Setup(level string, format string) {
	SetupWriter(os.Stderr, level, format)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, level string, format string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	Log = newLogger(w, format)
}

// ParseLevel maps DEBUG/INFO/WARN/ERROR (any case) to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func newLogger(w io.Writer, format string) *Logger {
	var z zerolog.Logger
	if strings.ToLower(format) == "json" {
		z = zerolog.New(w).With().Timestamp().Logger()
	} else {
		output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		z = zerolog.New(output).With().Timestamp().Logger()
	}
	return &Logger{z: z}
}

// With returns a child logger carrying the given key-value pairs on every event.
func (l *Logger) With(args ...interface{}) *Logger {
	ctx := l.z.With()
	for i := 0; i+1 < len(args); i += 2 {
		ctx = ctx.Interface(keyString(args[i]), args[i+1])
	}
	return &Logger{z: ctx.Logger()}
}

func (l *Logger) Info(msg string, args ...interface{}) { emit(l.z.Info(), msg, args) }

func (l *Logger) Debug(msg string, args ...interface{}) { emit(l.z.Debug(), msg, args) }

func (l *Logger) Warn(msg string, args ...interface{}) { emit(l.z.Warn(), msg, args) }

func (l *Logger) Error(msg string, args ...interface{}) { emit(l.z.Error(), msg, args) }

// emit attaches key/value pairs and writes the event. A trailing key without
// a value is dropped. e is nil when the level is disabled.
func emit(e *zerolog.Event, msg string, args []interface{}) {
	if e == nil {
		return
	}
	for i := 0; i+1 < len(args); i += 2 {
		key := keyString(args[i])
		switch v := args[i+1].(type) {
		case error:
			e.AnErr(key, v)
		case string:
			e.Str(key, v)
		case int:
			e.Int(key, v)
		case int64:
			e.Int64(key, v)
		default:
			e.Interface(key, v)
		}
	}
	e.Msg(msg)
}

func keyString(k interface{}) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", k)
}
