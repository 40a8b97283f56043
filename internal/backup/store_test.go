package backup

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSaveRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "src", "sim.py")
	original := []byte("import os\n\ndef main():\n    print('hi')\n\x00\xff trailing bytes\n")
	if err := os.MkdirAll(filepath.Dir(artifact), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(artifact, original, 0750); err != nil {
		t.Fatal(err)
	}

	s := New(filepath.Join(dir, "backups"), nil)
	ref, err := s.Save(artifact)
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !strings.Contains(filepath.Base(ref), "sim.py.backup_") {
		t.Errorf("unexpected backup name %s", ref)
	}

	if err := WriteAtomic(artifact, []byte("broken ((("), 0750); err != nil {
		t.Fatal(err)
	}
	if err := s.Restore(ref, artifact); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	got, err := os.ReadFile(artifact)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(original) {
		t.Errorf("restored content differs:\n got %q\nwant %q", got, original)
	}
	info, err := os.Stat(artifact)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0750 {
		t.Errorf("mode = %v, want 0750", info.Mode().Perm())
	}

	if _, err := os.Stat(ref); err != nil {
		t.Errorf("backup must be retained after restore: %v", err)
	}
}

func TestSaveMissingArtifact(t *testing.T) {
	s := New(t.TempDir(), nil)
	if _, err := s.Save(filepath.Join(t.TempDir(), "nope.go")); err == nil {
		t.Error("expected error for missing artifact")
	}
}

func TestSaveUnwritableDir(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "a.go")
	if err := os.WriteFile(artifact, []byte("package a\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// A regular file where the backup directory should be
	blocker := filepath.Join(dir, "blocked")
	if err := os.WriteFile(blocker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	s := New(filepath.Join(blocker, "backups"), nil)
	if _, err := s.Save(artifact); err == nil {
		t.Error("expected error when backup directory cannot be created")
	}
}

func TestSaveSameInstantDoesNotOverwrite(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "a.go")
	if err := os.WriteFile(artifact, []byte("v1"), 0644); err != nil {
		t.Fatal(err)
	}

	s := New(filepath.Join(dir, "backups"), nil)
	fixed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	first, err := s.Save(artifact)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(artifact, []byte("v2"), 0644); err != nil {
		t.Fatal(err)
	}
	second, err := s.Save(artifact)
	if err != nil {
		t.Fatal(err)
	}
	if first == second {
		t.Fatal("second backup overwrote the first")
	}

	refs, err := s.List(artifact)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 backups, got %d", len(refs))
	}
	data, err := s.Read(first)
	if err != nil || string(data) != "v1" {
		t.Errorf("first backup = %q, %v", data, err)
	}
}

func TestFlatten(t *testing.T) {
	got := flatten("/srv/app/sim.py")
	if got != "srv_app_sim.py" {
		t.Errorf("flatten = %s", got)
	}
}
