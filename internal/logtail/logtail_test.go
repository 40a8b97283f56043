package logtail

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		ok        bool
		tag       Tag
		component string
		message   string
	}{
		{
			name:      "event error",
			line:      `{"timestamp": "2025-03-01T10:00:00.123456", "type": "error", "component": "sensor", "error_message": "read timeout"}`,
			ok:        true,
			tag:       TagError,
			component: "sensor",
			message:   "read timeout",
		},
		{
			name:    "event warning",
			line:    `{"timestamp": "2025-03-01T10:00:01", "type": "warning", "message": "slow upload"}`,
			ok:      true,
			tag:     TagWarning,
			message: "slow upload",
		},
		{
			name:      "structured logger json",
			line:      `{"timestamp":"2025-03-01T10:00:02Z","level":"ERROR","message":"disk full","fields":{"component":"ingest"}}`,
			ok:        true,
			tag:       TagError,
			component: "ingest",
			message:   "disk full",
		},
		{
			name:    "plain text warn",
			line:    "[2025-03-01 10:00:03] WARN: queue backing up map[depth:12]",
			ok:      true,
			tag:     TagWarning,
			message: "queue backing up map[depth:12]",
		},
		{
			name:    "plain text info",
			line:    "[2025-03-01 10:00:04] INFO: started",
			ok:      true,
			tag:     TagInfo,
			message: "started",
		},
		{name: "no timestamp", line: `{"type": "error", "error_message": "x"}`, ok: false},
		{name: "garbage", line: "not a log line", ok: false},
		{name: "empty", line: "   ", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, ok := ParseLine([]byte(tt.line))
			if ok != tt.ok {
				t.Fatalf("ParseLine ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if entry.Tag != tt.tag {
				t.Errorf("tag = %s, want %s", entry.Tag, tt.tag)
			}
			if entry.Component != tt.component {
				t.Errorf("component = %q, want %q", entry.Component, tt.component)
			}
			if entry.Message != tt.message {
				t.Errorf("message = %q, want %q", entry.Message, tt.message)
			}
			if entry.Timestamp.IsZero() {
				t.Error("timestamp not parsed")
			}
		})
	}
}

func TestTailReturnsNewestEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "error_events.log")

	var lines []string
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		ts := base.Add(time.Duration(i) * time.Second).Format(time.RFC3339)
		lines = append(lines, `{"timestamp":"`+ts+`","type":"error","component":"sim","error_message":"e`+string(rune('a'+i))+`"}`)
	}
	lines = append(lines, "unparseable junk")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	src := NewFileSource(map[string]string{"errors": path})
	entries, err := src.Tail(context.Background(), "errors", 3)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	want := []string{"er", "es", "et"}
	for i, e := range entries {
		if e.Message != want[i] {
			t.Errorf("entry %d message = %s, want %s", i, e.Message, want[i])
		}
		if e.Stream != "errors" {
			t.Errorf("entry %d stream = %s", i, e.Stream)
		}
	}
	if !entries[0].Timestamp.Before(entries[2].Timestamp) {
		t.Error("entries not oldest first")
	}
}

func TestTailMissingFileIsEmpty(t *testing.T) {
	src := NewFileSource(map[string]string{"app": filepath.Join(t.TempDir(), "none.log")})
	entries, err := src.Tail(context.Background(), "app", 10)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no entries, got %d", len(entries))
	}
}

func TestTailUnknownStream(t *testing.T) {
	src := NewFileSource(nil)
	if _, err := src.Tail(context.Background(), "nope", 10); !errors.Is(err, ErrUnknownStream) {
		t.Errorf("expected ErrUnknownStream, got %v", err)
	}
}

func TestTailLargeFileSkipsCutLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "big.log")

	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("[2025-03-01 10:00:00] INFO: filler line to push the file past the read window\n")
	}
	b.WriteString("[2025-03-01 10:00:01] ERROR: last one\n")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		t.Fatal(err)
	}

	src := NewFileSource(map[string]string{"big": path})
	src.maxBytes = 1024
	entries, err := src.Tail(context.Background(), "big", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}
	last := entries[len(entries)-1]
	if last.Tag != TagError || last.Message != "last one" {
		t.Errorf("unexpected last entry %+v", last)
	}
}

func TestStreams(t *testing.T) {
	src := NewFileSource(map[string]string{"b": "/b", "a": "/a"})
	src.AddStream("c", "/c")
	got := strings.Join(src.Streams(), ",")
	if got != "a,b,c" {
		t.Errorf("Streams() = %s", got)
	}
}
