// Package inspect validates tracked source artifacts and reports the first
// defect found, with a line number when one is available.
package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/parser"
	"go/scanner"
	"go/token"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psantana5/healwatch/internal/logging"
)

// FilePlaceholder is replaced by the artifact path in command templates
const FilePlaceholder = "{file}"

// Defect describes why an artifact failed validation
type Defect struct {
	Path    string `json:"path"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

func (d Defect) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", d.Path, d.Line, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Path, d.Message)
}

// Inspector validates one artifact. A nil Defect with a nil error means the
// artifact is valid; an error means validation itself could not run.
type Inspector interface {
	Validate(ctx context.Context, path string) (*Defect, error)
}

// Config maps file extensions to external checker commands
type Config struct {
	// Commands maps an extension (".py") to an argv containing {file}
	Commands map[string][]string `mapstructure:"commands" yaml:"commands,omitempty"`
	Timeout  time.Duration       `mapstructure:"timeout" yaml:"timeout"`
}

// Validator is the built-in Inspector. Go, YAML and JSON are parsed in
// process; any other extension with a configured command is checked by
// running it; unknown extensions are considered valid.
type Validator struct {
	cfg    Config
	logger *logging.Logger
}

// New creates a validator
func New(cfg Config, logger *logging.Logger) *Validator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	commands := make(map[string][]string, len(cfg.Commands))
	for ext, argv := range cfg.Commands {
		commands[normalizeExt(ext)] = argv
	}
	cfg.Commands = commands
	return &Validator{cfg: cfg, logger: logger.Component("inspect")}
}

// Validate checks the artifact at path
func (v *Validator) Validate(ctx context.Context, path string) (*Defect, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	ext := normalizeExt(filepath.Ext(path))
	if argv, ok := v.cfg.Commands[ext]; ok {
		return v.runCommand(ctx, path, argv)
	}

	switch ext {
	case ".go":
		return validateGo(path, data), nil
	case ".yaml", ".yml":
		return validateYAML(path, data), nil
	case ".json":
		return validateJSON(path, data), nil
	default:
		return nil, nil
	}
}

func validateGo(path string, data []byte) *Defect {
	_, err := parser.ParseFile(token.NewFileSet(), path, data, parser.AllErrors)
	if err == nil {
		return nil
	}

	var list scanner.ErrorList
	if errors.As(err, &list) && len(list) > 0 {
		return &Defect{Path: path, Line: list[0].Pos.Line, Message: list[0].Msg}
	}
	return &Defect{Path: path, Message: err.Error()}
}

func validateYAML(path string, data []byte) *Defect {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return &Defect{Path: path, Line: lineFromText(err.Error()), Message: err.Error()}
		}
	}
}

func validateJSON(path string, data []byte) *Defect {
	var v interface{}
	err := json.Unmarshal(data, &v)
	if err == nil {
		return nil
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return &Defect{Path: path, Line: lineAtOffset(data, syntaxErr.Offset), Message: syntaxErr.Error()}
	}
	return &Defect{Path: path, Message: err.Error()}
}

func (v *Validator) runCommand(ctx context.Context, path string, argv []string) (*Defect, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty checker command for %s", path)
	}

	args := make([]string, len(argv))
	for i, a := range argv {
		args[i] = strings.ReplaceAll(a, FilePlaceholder, path)
	}

	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || ctx.Err() != nil {
		return nil, fmt.Errorf("run checker %s: %w", args[0], err)
	}

	msg := strings.TrimSpace(string(output))
	if msg == "" {
		msg = fmt.Sprintf("%s exited with code %d", args[0], exitErr.ExitCode())
	}
	v.logger.Debug("Checker reported defect", map[string]interface{}{
		"path":    path,
		"checker": args[0],
	})
	return &Defect{Path: path, Line: lineFromText(msg), Message: msg}, nil
}

var lineRe = regexp.MustCompile(`(?:line (\d+)|:(\d+):)`)

// lineFromText extracts the first line number from checker output such as
// `File "x.py", line 3` or `x.sh:3: syntax error`
func lineFromText(text string) int {
	m := lineRe.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	for _, g := range m[1:] {
		if g == "" {
			continue
		}
		if n, err := strconv.Atoi(g); err == nil {
			return n
		}
	}
	return 0
}

func lineAtOffset(data []byte, offset int64) int {
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	if offset < 0 {
		offset = 0
	}
	return 1 + bytes.Count(data[:offset], []byte("\n"))
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
