// Package logging is the leveled structured logger shared by every
// healwatch component. Text lines use the same "[timestamp] LEVEL: message"
// shape the log tailer parses, so supervised workers can log with it too.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

func (l Level) String() string {
	if l < DEBUG || l > FATAL {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// TimestampLayout is the timestamp format of text log lines
const TimestampLayout = "2006-01-02 15:04:05"

// sink is shared between a logger and the loggers derived from it
type sink struct {
	mu     sync.Mutex
	output io.Writer

	// file output only
	file       *os.File
	mirror     io.Writer
	maxBackups int
}

// Logger provides structured logging with optional file output
type Logger struct {
	level      Level
	jsonFormat bool
	sink       *sink
	fields     map[string]interface{}
}

// NewLogger creates a new logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		sink:       &sink{output: os.Stdout},
	}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return &Logger{level: FATAL + 1, sink: &sink{output: io.Discard}}
}

// FileOptions configures a file logger
type FileOptions struct {
	Dir        string    // falls back to ./logs when empty or not writable
	Name       string    // file is <Dir>/<Name>.log
	Mirror     io.Writer // also receives every line, nil for none
	MaxBackups int       // rotated files kept, 0 keeps all
}

// NewFileLogger creates a logger appending to a log file
func NewFileLogger(opts FileOptions, level Level, jsonFormat bool) (*Logger, error) {
	dir := opts.Dir
	if dir == "" || !isWritable(dir) {
		dir = "./logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, opts.Name+".log")
	f, err := openLogFile(path)
	if err != nil {
		return nil, err
	}

	s := &sink{file: f, mirror: opts.Mirror, maxBackups: opts.MaxBackups}
	s.output = s.writer()
	logger := &Logger{level: level, jsonFormat: jsonFormat, sink: s}
	logger.Info("Logging to file", map[string]interface{}{"path": path})
	return logger, nil
}

func openLogFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return f, nil
}

func (s *sink) writer() io.Writer {
	if s.mirror == nil {
		return s.file
	}
	return io.MultiWriter(s.file, s.mirror)
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.output = w
}

// LogEntry is one JSON log line
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	merged := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}

	var line string
	now := time.Now()
	if l.jsonFormat {
		data, err := json.Marshal(LogEntry{
			Timestamp: now.Format(time.RFC3339),
			Level:     level.String(),
			Message:   message,
			Fields:    merged,
		})
		if err != nil {
			data, _ = json.Marshal(LogEntry{Timestamp: now.Format(time.RFC3339), Level: level.String(), Message: message})
		}
		line = string(data)
	} else {
		line = fmt.Sprintf("[%s] %s: %s%s", now.Format(TimestampLayout), level, message, formatFields(merged))
	}

	l.sink.mu.Lock()
	fmt.Fprintln(l.sink.output, line)
	l.sink.mu.Unlock()

	if level == FATAL {
		os.Exit(1)
	}
}

// formatFields renders fields as sorted key=value pairs
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		v := fmt.Sprint(fields[k])
		if strings.ContainsAny(v, " \t\"=") {
			v = fmt.Sprintf("%q", v)
		}
		fmt.Fprintf(&b, " %s=%s", k, v)
	}
	return b.String()
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, first(fields))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, first(fields))
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, first(fields))
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, first(fields))
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...map[string]interface{}) {
	l.log(FATAL, message, first(fields))
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// WithField returns a logger that adds key to every line
func (l *Logger) WithField(key string, value interface{}) *Logger {
	fields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	return &Logger{level: l.level, jsonFormat: l.jsonFormat, sink: l.sink, fields: fields}
}

// Component returns a logger tagged with the given component name
func (l *Logger) Component(name string) *Logger {
	return l.WithField("component", name)
}

// ParseLevel parses a log level name, defaulting to INFO
func ParseLevel(level string) Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.file == nil {
		return nil
	}
	err := l.sink.file.Close()
	l.sink.file = nil
	l.sink.output = io.Discard
	if l.sink.mirror != nil {
		l.sink.output = l.sink.mirror
	}
	return err
}

// RotateIfNeeded moves the log file aside once it exceeds maxSize bytes and
// prunes rotated files beyond MaxBackups
func (l *Logger) RotateIfNeeded(maxSize int64) error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	s := l.sink
	if s.file == nil {
		return nil
	}
	info, err := s.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() <= maxSize {
		return nil
	}

	path := s.file.Name()
	s.file.Close()
	rotated := path + "." + time.Now().Format("20060102-150405.000")
	if err := os.Rename(path, rotated); err != nil {
		return err
	}
	f, err := openLogFile(path)
	if err != nil {
		return err
	}
	s.file = f
	s.output = s.writer()

	if s.maxBackups > 0 {
		return pruneBackups(path, s.maxBackups)
	}
	return nil
}

// RunRotation checks the file size every interval until ctx is done
func (l *Logger) RunRotation(ctx context.Context, interval time.Duration, maxSize int64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.RotateIfNeeded(maxSize); err != nil {
				l.Warn("Log rotation failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

func pruneBackups(path string, keep int) error {
	matches, err := filepath.Glob(path + ".*")
	if err != nil {
		return err
	}
	if len(matches) <= keep {
		return nil
	}
	// Timestamp suffixes sort chronologically
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-keep] {
		if err := os.Remove(old); err != nil {
			return err
		}
	}
	return nil
}

func isWritable(dir string) bool {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	f, err := os.CreateTemp(dir, ".write_test")
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(f.Name())
	return true
}
