// Package logging provides leveled field logging for Ambulink.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Color returns the ANSI color used for the level on terminals
func (l Level) Color() string {
	switch l {
	case DEBUG:
		return "\033[36m"
	case INFO:
		return "\033[32m"
	case WARN:
		return "\033[33m"
	case ERROR:
		return "\033[31m"
	default:
		return "\033[0m"
	}
}

// ParseLevel converts a config string into a Level. Unknown names map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// sink is shared by a logger and every logger derived from it
type sink struct {
	mu     sync.Mutex
	out    io.Writer
	color  bool
	level  Level
	silent bool
}

// Logger is a leveled logger carrying a fixed set of fields
type Logger struct {
	sink   *sink
	fields map[string]any
}

// New creates a logger writing to out at the given level.
// Colors are used only when out is a terminal.
func New(out io.Writer, level Level) *Logger {
	return &Logger{
		sink:   &sink{out: out, color: isTerminal(out), level: level},
		fields: map[string]any{},
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{sink: &sink{out: io.Discard, silent: true}, fields: map[string]any{}}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var defaultLogger = New(os.Stderr, INFO)

// Default returns the process-wide logger
func Default() *Logger { return defaultLogger }

// SetLevel sets the level of the default logger and its descendants
func SetLevel(level Level) { defaultLogger.SetLevel(level) }

// SetOutput redirects the default logger
func SetOutput(w io.Writer) { defaultLogger.SetOutput(w) }

// SetLevel changes the minimum level written
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.level = level
	l.sink.mu.Unlock()
}

// SetOutput changes the destination writer
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.out = w
	l.sink.color = isTerminal(w)
	l.sink.mu.Unlock()
}

// WithField returns a logger with a field added
func WithField(key string, value any) *Logger {
	return defaultLogger.WithField(key, value)
}

// WithFields returns a logger with multiple fields added
func WithFields(fields map[string]any) *Logger {
	return defaultLogger.WithFields(fields)
}

// WithField adds a field to the logger
func (l *Logger) WithField(key string, value any) *Logger {
	return l.WithFields(map[string]any{key: value})
}

// WithFields adds multiple fields
func (l *Logger) WithFields(fields map[string]any) *Logger {
	merged := make(map[string]any, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Logger{sink: l.sink, fields: merged}
}

// WithError adds the error under the "error" field
func (l *Logger) WithError(err error) *Logger {
	return l.WithField("error", err)
}

func (l *Logger) log(level Level, msg string, args ...any) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.silent || level < s.level {
		return
	}

	formatted := msg
	if len(args) > 0 {
		formatted = fmt.Sprintf(msg, args...)
	}

	var b strings.Builder
	b.WriteString(time.Now().Format("15:04:05"))
	b.WriteByte(' ')
	if s.color {
		b.WriteString(level.Color())
	}
	b.WriteString("[" + level.String() + "]")
	if s.color {
		b.WriteString("\033[0m")
	}
	b.WriteByte(' ')
	b.WriteString(formatted)

	if len(l.fields) > 0 {
		keys := make([]string, 0, len(l.fields))
		for k := range l.fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" |")
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, l.fields[k])
		}
	}
	b.WriteByte('\n')

	io.WriteString(s.out, b.String())
}

// Debug logs a debug message
func Debug(msg string, args ...any) { defaultLogger.log(DEBUG, msg, args...) }

// Info logs an info message
func Info(msg string, args ...any) { defaultLogger.log(INFO, msg, args...) }

// Warn logs a warning message
func Warn(msg string, args ...any) { defaultLogger.log(WARN, msg, args...) }

// Error logs an error message
func Error(msg string, args ...any) { defaultLogger.log(ERROR, msg, args...) }

// Logger methods
func (l *Logger) Debug(msg string, args ...any) { l.log(DEBUG, msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.log(INFO, msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.log(WARN, msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.log(ERROR, msg, args...) }
