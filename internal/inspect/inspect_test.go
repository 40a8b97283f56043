package inspect

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestValidateBuiltins(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  string
		wantLine int // 0 means valid
	}{
		{"valid go", "main.go", "package main\n\nfunc main() {}\n", 0},
		{"broken go", "main.go", "package main\n\nfunc main() {\n\tx := \n}\n", 5},
		{"valid yaml", "cfg.yaml", "a: 1\nb:\n  - x\n", 0},
		{"broken yaml", "cfg.yml", "a: 1\nb: x: y\n", 2},
		{"valid json", "data.json", "{\n  \"a\": 1\n}\n", 0},
		{"broken json", "data.json", "{\n  \"a\": 1,\n  \"b\": }\n", 3},
		{"unknown extension", "notes.txt", "anything at all {{{", 0},
	}

	v := New(Config{}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.content)
			defect, err := v.Validate(context.Background(), path)
			if err != nil {
				t.Fatalf("Validate returned error: %v", err)
			}
			if tt.wantLine == 0 {
				if defect != nil {
					t.Fatalf("expected valid, got defect %s", defect)
				}
				return
			}
			if defect == nil {
				t.Fatal("expected defect, got none")
			}
			if defect.Path != path {
				t.Errorf("defect path = %s, want %s", defect.Path, path)
			}
			if defect.Message == "" {
				t.Error("defect message is empty")
			}
			if defect.Line == 0 {
				t.Errorf("expected a line number, got 0 (%s)", defect.Message)
			}
		})
	}
}

func TestValidateGoLine(t *testing.T) {
	path := writeFile(t, "x.go", "package x\n\nfunc f() {\n\treturn (\n}\n")
	defect, err := New(Config{}, nil).Validate(context.Background(), path)
	if err != nil || defect == nil {
		t.Fatalf("expected defect, got %v / %v", defect, err)
	}
	if defect.Line < 4 {
		t.Errorf("expected line >= 4, got %d", defect.Line)
	}
}

func TestValidateMissingFile(t *testing.T) {
	_, err := New(Config{}, nil).Validate(context.Background(), filepath.Join(t.TempDir(), "gone.go"))
	if err == nil {
		t.Error("expected error for missing artifact")
	}
}

func TestValidateCommand(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	v := New(Config{Commands: map[string][]string{
		"cfg": {"sh", "-c", `grep -q OK "$0" || { echo "$0: line 2: not OK" >&2; exit 1; }`, FilePlaceholder},
	}}, nil)

	good := writeFile(t, "a.cfg", "OK\n")
	if defect, err := v.Validate(context.Background(), good); err != nil || defect != nil {
		t.Fatalf("expected valid, got %v / %v", defect, err)
	}

	bad := writeFile(t, "b.cfg", "nope\nnope\n")
	defect, err := v.Validate(context.Background(), bad)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if defect == nil {
		t.Fatal("expected defect")
	}
	if defect.Line != 2 {
		t.Errorf("expected line 2, got %d (%s)", defect.Line, defect.Message)
	}
}

func TestValidateCommandNotFound(t *testing.T) {
	v := New(Config{Commands: map[string][]string{
		".py": {"healwatch-no-such-checker", FilePlaceholder},
	}}, nil)
	path := writeFile(t, "x.py", "print('hi')\n")
	if _, err := v.Validate(context.Background(), path); err == nil {
		t.Error("expected error when checker cannot run")
	}
}

func TestLineFromText(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{`File "x.py", line 3`, 3},
		{"yaml: line 12: did not find expected key", 12},
		{"script.sh:7: syntax error", 7},
		{"no numbers here", 0},
	}
	for _, tt := range tests {
		if got := lineFromText(tt.text); got != tt.want {
			t.Errorf("lineFromText(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
