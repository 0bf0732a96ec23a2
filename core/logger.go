package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel controls which messages a StructuredLogger emits.
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// ParseLogLevel converts a config string into a LogLevel.
// Unknown strings fall back to InfoLevel.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DebugLevel
	case "WARN", "WARNING":
		return WarnLevel
	case "ERROR":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

// StructuredLogger emits one JSON object per line. It is safe for
// concurrent use and carries a fixed set of base fields (component,
// device_id) that every line includes.
type StructuredLogger struct {
	mu     sync.Mutex
	out    io.Writer
	level  LogLevel
	format string
	base   map[string]interface{}
}

// NewStructuredLogger creates a logger writing to stderr.
func NewStructuredLogger(level LogLevel, format string) *StructuredLogger {
	return &StructuredLogger{
		out:    os.Stderr,
		level:  level,
		format: format,
		base:   map[string]interface{}{},
	}
}

// NewLoggerFromConfig builds a logger from the logging config section.
func NewLoggerFromConfig(cfg LoggingConfig) *StructuredLogger {
	return NewStructuredLogger(ParseLogLevel(cfg.Level), cfg.Format)
}

// WithFields returns a logger whose lines always include the given fields.
func (l *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	base := make(map[string]interface{}, len(l.base)+len(fields))
	for k, v := range l.base {
		base[k] = v
	}
	for k, v := range fields {
		base[k] = v
	}
	return &StructuredLogger{
		out:    l.out,
		level:  l.level,
		format: l.format,
		base:   base,
	}
}

// SetOutput redirects log output. Used by tests.
func (l *StructuredLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

func (l *StructuredLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(DebugLevel, "debug", msg, fields)
}

func (l *StructuredLogger) Info(msg string, fields map[string]interface{}) {
	l.log(InfoLevel, "info", msg, fields)
}

func (l *StructuredLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(WarnLevel, "warn", msg, fields)
}

func (l *StructuredLogger) Error(msg string, fields map[string]interface{}) {
	l.log(ErrorLevel, "error", msg, fields)
}

func (l *StructuredLogger) log(level LogLevel, name, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(l.base)+len(fields)+3)
	for k, v := range l.base {
		entry[k] = v
	}
	for k, v := range fields {
		// error values do not marshal usefully
		if err, ok := v.(error); ok {
			entry[k] = err.Error()
			continue
		}
		entry[k] = v
	}
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = name
	entry["msg"] = msg

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.format == "text" {
		parts := []string{fmt.Sprintf("[%s]", strings.ToUpper(name)), msg}
		for k, v := range fields {
			parts = append(parts, fmt.Sprintf("%s=%v", k, v))
		}
		fmt.Fprintln(l.out, strings.Join(parts, " "))
		return
	}
	line, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.out, `{"level":"error","msg":"log marshal failed","error":%q}`+"\n", err.Error())
		return
	}
	l.out.Write(append(line, '\n'))
}
