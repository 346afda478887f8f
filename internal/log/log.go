package log

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"
)

// Level is an ordered verbosity threshold. A message is printed when its
// level is less than or equal to the logger's level.
type Level int

const (
	LevelNormal Level = iota
	LevelWarn
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelWarn:
		return "WARN"
	case LevelDebug:
		return "DEBUG"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ParseLevel accepts NORMAL, WARN or DEBUG in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NORMAL", "INFO":
		return LevelNormal, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "DEBUG":
		return LevelDebug, nil
	}
	return LevelNormal, fmt.Errorf("unknown log level %q", s)
}

// FromVerbosity maps the number of -v flags to a level.
func FromVerbosity(n int) Level {
	switch {
	case n >= 2:
		return LevelDebug
	case n == 1:
		return LevelWarn
	default:
		return LevelNormal
	}
}

// Logger writes leveled key=value lines. The zero value is not usable; use New
// or Discard.
type Logger struct {
	out    *stdlog.Logger
	level  Level
	fields []any
}

// New creates a logger that writes to w (stderr when nil).
func New(w io.Writer, level Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		out:   stdlog.New(w, "", 0),
		level: level,
	}
}

// Discard returns a logger that prints nothing.
func Discard() *Logger {
	return New(io.Discard, LevelNormal)
}

func (l *Logger) Level() Level {
	return l.level
}

// With returns a child logger that appends kv to every line.
func (l *Logger) With(kv ...any) *Logger {
	fields := make([]any, 0, len(l.fields)+len(kv))
	fields = append(fields, l.fields...)
	fields = append(fields, kv...)
	return &Logger{out: l.out, level: l.level, fields: fields}
}

func (l *Logger) Enabled(level Level) bool {
	return level <= l.level
}

func (l *Logger) Normal(msg string, kv ...any) {
	l.print(LevelNormal, msg, kv...)
}

// Warn logs a recoverable problem. err may be nil.
func (l *Logger) Warn(msg string, err error, kv ...any) {
	if err != nil {
		kv = append([]any{"err", err}, kv...)
	}
	l.print(LevelWarn, msg, kv...)
}

func (l *Logger) Debug(msg string, kv ...any) {
	l.print(LevelDebug, msg, kv...)
}

// Error logs a failure at an outermost boundary. It is printed at every
// level.
func (l *Logger) Error(msg string, err error, kv ...any) {
	if err != nil {
		kv = append([]any{"err", err}, kv...)
	}
	l.write("ERROR", msg, kv)
}

func (l *Logger) print(level Level, msg string, kv ...any) {
	if !l.Enabled(level) {
		return
	}
	l.write(level.String(), msg, kv)
}

func (l *Logger) write(tag, msg string, kv []any) {
	var b strings.Builder
	b.WriteString(time.Now().Format(time.RFC3339))
	b.WriteString(" [")
	b.WriteString(tag)
	b.WriteString("] ")
	b.WriteString(msg)
	writeKVs(&b, l.fields)
	writeKVs(&b, kv)

	l.out.Println(b.String())
}

func writeKVs(b *strings.Builder, kv []any) {
	// Odd trailing values are dropped.
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(quote(fmt.Sprint(kv[i+1])))
	}
}

func quote(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\n\"=") {
		return fmt.Sprintf("%q", v)
	}
	return v
}

// CronLogger adapts a Logger to the scheduler's logging interface.
type CronLogger struct {
	L *Logger
}

func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.L.Debug("cron: "+msg, keysAndValues...)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.L.Error("cron: "+msg, err, keysAndValues...)
}
