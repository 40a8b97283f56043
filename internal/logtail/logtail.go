// Package logtail reads the most recent entries of worker log streams.
package logtail

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/healwatch/internal/logging"
)

// Tag is the severity tag of a log entry
type Tag string

const (
	TagError   Tag = "error"
	TagWarning Tag = "warning"
	TagInfo    Tag = "info"
)

// Entry is one parsed log line
type Entry struct {
	Stream    string    `json:"stream"`
	Timestamp time.Time `json:"timestamp"`
	Tag       Tag       `json:"tag"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
}

// Source returns the last n entries of a stream, oldest first
type Source interface {
	Tail(ctx context.Context, stream string, n int) ([]Entry, error)
}

// ErrUnknownStream is returned for a stream that was never configured
var ErrUnknownStream = errors.New("unknown log stream")

// DefaultMaxBytes bounds how much of the end of a log file is read per call
const DefaultMaxBytes = 1 << 20

// FileSource tails log files. Each file holds JSON event lines
// ({"timestamp","type","component","error_message"}), JSON lines written by
// internal/logging, or its plain "[ts] LEVEL: message" lines.
type FileSource struct {
	mu       sync.RWMutex
	streams  map[string]string
	maxBytes int64
}

// NewFileSource creates a source over stream name -> file path
func NewFileSource(streams map[string]string) *FileSource {
	s := &FileSource{
		streams:  make(map[string]string, len(streams)),
		maxBytes: DefaultMaxBytes,
	}
	for name, path := range streams {
		s.streams[name] = path
	}
	return s
}

// AddStream registers or replaces a stream
func (s *FileSource) AddStream(name, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[name] = path
}

// Streams returns the configured stream names, sorted
func (s *FileSource) Streams() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.streams))
	for name := range s.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tail returns up to n of the newest parseable entries. A log file that does
// not exist yet yields no entries.
func (s *FileSource) Tail(ctx context.Context, stream string, n int) ([]Entry, error) {
	s.mu.RLock()
	path, ok := s.streams[stream]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStream, stream)
	}
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log stream %s: %w", stream, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat log stream %s: %w", stream, err)
	}

	partial := false
	if info.Size() > s.maxBytes {
		if _, err := f.Seek(info.Size()-s.maxBytes, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek log stream %s: %w", stream, err)
		}
		partial = true
	}

	ring := make([]Entry, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if partial {
			// First line after a mid-file seek is usually cut
			partial = false
			continue
		}
		entry, ok := ParseLine(scanner.Bytes())
		if !ok {
			continue
		}
		entry.Stream = stream
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log stream %s: %w", stream, err)
	}
	return ring, nil
}

var textLineRe = regexp.MustCompile(`^\[([^\]]+)\] ([A-Za-z]+): (.*)$`)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	logging.TimestampLayout,
}

// ParseLine parses one log line in any supported format. Lines without a
// recognizable timestamp are rejected.
func ParseLine(line []byte) (Entry, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Entry{}, false
	}
	if line[0] == '{' {
		return parseJSON(line)
	}
	return parseText(string(line))
}

func parseJSON(line []byte) (Entry, bool) {
	var raw map[string]interface{}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Entry{}, false
	}

	ts, ok := parseTime(stringField(raw, "timestamp"))
	if !ok {
		return Entry{}, false
	}

	entry := Entry{
		Timestamp: ts,
		Tag:       tagFor(firstNonEmpty(stringField(raw, "type"), stringField(raw, "level"))),
		Component: stringField(raw, "component"),
		Message: firstNonEmpty(
			stringField(raw, "error_message"),
			stringField(raw, "message"),
			stringField(raw, "description"),
		),
	}
	if fields, ok := raw["fields"].(map[string]interface{}); ok && entry.Component == "" {
		entry.Component = stringField(fields, "component")
	}
	return entry, true
}

func parseText(line string) (Entry, bool) {
	m := textLineRe.FindStringSubmatch(line)
	if m == nil {
		return Entry{}, false
	}
	ts, ok := parseTime(m[1])
	if !ok {
		return Entry{}, false
	}
	return Entry{
		Timestamp: ts,
		Tag:       tagFor(m[2]),
		Message:   m[3],
	}, true
}

func parseTime(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		var (
			t   time.Time
			err error
		)
		if layout == time.RFC3339Nano {
			t, err = time.Parse(layout, value)
		} else {
			t, err = time.ParseInLocation(layout, value, time.Local)
		}
		if err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func tagFor(level string) Tag {
	switch strings.ToLower(level) {
	case "error", "fatal", "critical":
		return TagError
	case "warn", "warning":
		return TagWarning
	default:
		return TagInfo
	}
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
