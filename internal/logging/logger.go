package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// RequestLog represents a single completed-request log entry, emitted once
// per request from the pipeline driver.
type RequestLog struct {
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id"`
	TraceID        string    `json:"trace_id,omitempty"`
	SpanID         string    `json:"span_id,omitempty"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	TerminalKind   string    `json:"terminal_kind"` // done, fail
	Status         int       `json:"status"`
	DurationMs     int64     `json:"duration_ms"`
	GlobalBeforeMs int64     `json:"global_before_ms,omitempty"`
	RouteBeforeMs  int64     `json:"route_before_ms,omitempty"`
	MainMs         int64     `json:"main_ms,omitempty"`
	Depth          int       `json:"depth"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
}

// Logger handles request logging.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes a request log entry.
func (l *Logger) Log(entry *RequestLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		depth := ""
		if entry.Depth > 0 {
			depth = fmt.Sprintf(" [depth:%d]", entry.Depth)
		}
		fmt.Printf("[request] %s %s %s %s %d %dms%s\n",
			status, entry.RequestID, entry.Method, entry.Path, entry.Status, entry.DurationMs, depth)
		if entry.Error != "" {
			fmt.Printf("[request]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
