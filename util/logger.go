// Package util provides low-level helpers shared by all other packages.
package util

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// Logger writes levelled messages through zerolog.  The verbosity gate
// stays on the Logger so callers keep the familiar 0-3 scale; zerolog
// only formats and routes.
type Logger struct {
	level      LogLevel
	component  string
	timestamps bool

	mu  *sync.Mutex
	out io.Writer
	zl  zerolog.Logger
}

// NewLogger returns a Logger that prints messages at or below the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug) to stderr.
func NewLogger(verbosity int) *Logger {
	l := &Logger{
		level:      LogLevel(verbosity),
		timestamps: verbosity >= 3, // auto-enable timestamps in debug mode
		mu:         &sync.Mutex{},
		out:        os.Stderr,
	}
	l.rebuild()
	return l
}

// SetTimestamps enables or disables timestamp prefixes.
func (l *Logger) SetTimestamps(on bool) {
	l.timestamps = on
	l.rebuild()
}

// SetOutput overrides the output writer (default: os.Stderr).
func (l *Logger) SetOutput(w io.Writer) {
	l.out = w
	l.rebuild()
}

// AddRotatingFile tees every message into a size-rotated log file.
func (l *Logger) AddRotatingFile(path string, maxSizeMB, maxBackups int) {
	rot := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	l.out = io.MultiWriter(l.out, rot)
	l.rebuild()
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// With returns a child logger tagged with a component name.  Children
// share the parent's output and lock.
func (l *Logger) With(component string) *Logger {
	child := *l
	child.component = component
	child.rebuild()
	return &child
}

// Info prints when verbosity ≥ 1.  Prefixed with [INF].
func (l *Logger) Info(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.write(zerolog.InfoLevel, format, args...)
	}
}

// Warn prints when verbosity ≥ 1.  Prefixed with [WRN].
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level >= LogNormal {
		l.write(zerolog.WarnLevel, format, args...)
	}
}

// Verbose prints when verbosity ≥ 2.  Prefixed with [VRB].
func (l *Logger) Verbose(format string, args ...interface{}) {
	if l.level >= LogVerbose {
		l.write(zerolog.DebugLevel, format, args...)
	}
}

// Debug prints when verbosity ≥ 3.  Prefixed with [DBG].
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level >= LogDebug {
		l.write(zerolog.TraceLevel, format, args...)
	}
}

// Error always prints regardless of verbosity.  Prefixed with [ERR].
func (l *Logger) Error(format string, args ...interface{}) {
	l.write(zerolog.ErrorLevel, format, args...)
}

func (l *Logger) write(level zerolog.Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.zl.WithLevel(level).Msg(fmt.Sprintf(format, args...))
}

// rebuild re-creates the zerolog pipeline after an option change.
func (l *Logger) rebuild() {
	cw := zerolog.ConsoleWriter{
		Out:         l.out,
		NoColor:     !isTerminal(l.out),
		TimeFormat:  "15:04:05.000",
		FormatLevel: formatLevel,
	}
	if !l.timestamps {
		cw.PartsExclude = []string{zerolog.TimestampFieldName}
	}
	ctx := zerolog.New(cw).Level(zerolog.TraceLevel).With()
	if l.timestamps {
		ctx = ctx.Timestamp()
	}
	if l.component != "" {
		ctx = ctx.Str("component", l.component)
	}
	l.zl = ctx.Logger()
}

func formatLevel(i interface{}) string {
	s, _ := i.(string)
	switch s {
	case zerolog.LevelInfoValue:
		return "[INF]"
	case zerolog.LevelWarnValue:
		return "[WRN]"
	case zerolog.LevelDebugValue:
		return "[VRB]"
	case zerolog.LevelTraceValue:
		return "[DBG]"
	case zerolog.LevelErrorValue:
		return "[ERR]"
	default:
		return "[???]"
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
