package detect

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/psantana5/healwatch/pkg/models"
)

var (
	// File "/srv/app/api.py", line 12, in handler
	pythonFrame = regexp.MustCompile(`File "([^"]+)", line (\d+)`)
	// \t/srv/app/main.go:42 +0x1d
	goFrame = regexp.MustCompile(`(?m)^\s+(\S+\.go):(\d+)(?:\s|$)`)
)

type frame struct {
	path string
	line int
}

// crashLocation picks the frame of a crash traceback that lies inside root,
// the worker's directory. Python lists the failing frame last, Go panics
// list it first.
func crashLocation(stderr, root string) (frame, bool) {
	if stderr == "" {
		return frame{}, false
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return frame{}, false
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return frame{}, false
	}

	py := inRepo(pythonFrame.FindAllStringSubmatch(stderr, -1), root)
	if len(py) > 0 {
		return py[len(py)-1], true
	}
	gof := inRepo(goFrame.FindAllStringSubmatch(stderr, -1), root)
	if len(gof) > 0 {
		return gof[0], true
	}
	return frame{}, false
}

func inRepo(matches [][]string, root string) []frame {
	var out []frame
	for _, m := range matches {
		line, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		path := m[1]
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		path = filepath.Clean(path)
		if !strings.HasPrefix(path, root+string(filepath.Separator)) {
			continue
		}
		if strings.Contains(path, "site-packages") || strings.Contains(path, string(filepath.Separator)+"vendor"+string(filepath.Separator)) {
			continue
		}
		out = append(out, frame{path: path, line: line})
	}
	return out
}

// crashArtifact points a crash at the worker's source, refined by the
// traceback frame when one matches it. Without a configured source the
// in-repo frame itself becomes the artifact.
func crashArtifact(w models.Worker, stderr string) *models.ArtifactRef {
	f, found := crashLocation(stderr, w.Dir)
	if w.Source == "" {
		if !found {
			return nil
		}
		return &models.ArtifactRef{Path: f.path, Line: f.line}
	}

	ref := &models.ArtifactRef{Path: w.Source}
	if found && samePath(w.Source, w.Dir, f.path) {
		ref.Line = f.line
	}
	return ref
}

func samePath(source, dir, abs string) bool {
	if !filepath.IsAbs(source) && dir != "" {
		source = filepath.Join(dir, source)
	}
	p, err := filepath.Abs(source)
	if err != nil {
		return false
	}
	return filepath.Clean(p) == abs
}
