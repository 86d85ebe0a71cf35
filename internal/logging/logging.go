// logging.go - Structured logging with an audit sink.
//
// Records go to the console and, optionally, a log file. Records at warn level and above are
// also copied to the audit file. gnark's internal logger is routed through the same writer.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	gnarklogger "github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"
)

// Options selects level and destinations.
type Options struct {
	Level     string // debug, info, warn, error; defaults to info
	File      string // optional log file, appended
	AuditFile string // optional audit file for warn and above
	Console   io.Writer
	// JSON disables the human-readable console format.
	JSON bool
	// Gnark routes gnark's constraint-system logs through this logger at debug level.
	Gnark bool
}

// Logger owns the files behind a zerolog.Logger.
type Logger struct {
	zerolog.Logger
	files []*os.File
}

// ParseLevel maps a level name to a zerolog level. Unknown names map to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds a logger from opts.
func New(opts Options) (*Logger, error) {
	l := &Logger{}

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	if !opts.JSON {
		console = zerolog.ConsoleWriter{Out: console, TimeFormat: time.DateTime}
	}
	writers := []io.Writer{console}

	if opts.File != "" {
		f, err := openAppend(opts.File)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.files = append(l.files, f)
		writers = append(writers, f)
	}
	if opts.AuditFile != "" {
		f, err := openAppend(opts.AuditFile)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		l.files = append(l.files, f)
		writers = append(writers, &zerolog.FilteredLevelWriter{
			Writer: zerolog.LevelWriterAdapter{Writer: f},
			Level:  zerolog.WarnLevel,
		})
	}

	l.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(ParseLevel(opts.Level)).
		With().Timestamp().Logger()

	if opts.Gnark {
		gnarklogger.Set(l.Logger.With().Str("component", "gnark").Logger().Level(zerolog.DebugLevel))
	} else {
		gnarklogger.Disable()
	}
	return l, nil
}

// Audit records a security-relevant event. It is written at warn level so it reaches the
// audit file.
func (l *Logger) Audit(event string, fields map[string]interface{}) {
	l.Warn().Str("audit", event).Fields(fields).Msg("audit")
}

// Close closes the log files.
func (l *Logger) Close() error {
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	l.files = nil
	return first
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}
