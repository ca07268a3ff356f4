package core

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// JSONLogger writes one JSON object per log line. It is the default
// concrete logger for processes that embed the core; libraries should
// keep accepting the Logger interface.
type JSONLogger struct {
	mu        sync.Mutex
	out       io.Writer
	component string
}

// NewJSONLogger creates a logger writing to stdout.
func NewJSONLogger() *JSONLogger {
	return &JSONLogger{out: os.Stdout}
}

// NewJSONLoggerWithOutput creates a logger writing to the given writer.
func NewJSONLoggerWithOutput(out io.Writer) *JSONLogger {
	return &JSONLogger{out: out}
}

// WithComponent returns a copy of the logger that tags every line with a
// component name.
func (l *JSONLogger) WithComponent(component string) *JSONLogger {
	return &JSONLogger{out: l.out, component: component}
}

func (l *JSONLogger) log(level, msg string, fields map[string]interface{}) {
	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		entry[k] = v
	}
	entry["level"] = level
	entry["message"] = msg
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	if l.component != "" {
		entry["component"] = l.component
	}

	line, err := json.Marshal(entry)
	if err != nil {
		// Fields contained something unmarshalable; log without them.
		line, _ = json.Marshal(map[string]interface{}{
			"level":   level,
			"message": msg,
		})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(line, '\n'))
}

func (l *JSONLogger) Debug(msg string, fields map[string]interface{}) { l.log("debug", msg, fields) }
func (l *JSONLogger) Info(msg string, fields map[string]interface{})  { l.log("info", msg, fields) }
func (l *JSONLogger) Warn(msg string, fields map[string]interface{})  { l.log("warn", msg, fields) }
func (l *JSONLogger) Error(msg string, fields map[string]interface{}) { l.log("error", msg, fields) }
