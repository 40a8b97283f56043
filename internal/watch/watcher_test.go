package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type collector struct {
	mu      sync.Mutex
	batches [][]string
}

func (c *collector) handle(paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, paths)
}

func (c *collector) all() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]string(nil), c.batches...)
}

func TestWatcherReportsTrackedChangesOnly(t *testing.T) {
	dir := t.TempDir()
	tracked := filepath.Join(dir, "sim.py")
	other := filepath.Join(dir, "other.py")
	if err := os.WriteFile(tracked, []byte("x = 1\n"), 0644); err != nil {
		t.Fatal(err)
	}

	c := &collector{}
	w, err := New([]string{tracked}, c.handle, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(other, []byte("y = 2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(tracked, []byte("x = 2\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(c.all()) == 0 {
		time.Sleep(20 * time.Millisecond)
	}

	batches := c.all()
	if len(batches) == 0 {
		t.Fatal("no change reported")
	}
	for _, b := range batches {
		for _, p := range b {
			if p != tracked {
				t.Errorf("untracked path reported: %s", p)
			}
		}
	}
	if len(batches[0]) != 1 {
		t.Errorf("expected repeated writes to collapse into one path, got %v", batches[0])
	}
}

func TestStartFailsWhenNothingWatchable(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "gone", "a.go")
	w, err := New([]string{missing}, nil, 0, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer w.Stop()
	if err := w.Start(context.Background()); err == nil {
		t.Error("expected error when no directory can be watched")
	}
}
