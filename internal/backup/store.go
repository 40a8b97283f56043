// Package backup keeps pre-fix copies of artifacts so a failed or abandoned
// correction can be rolled back byte for byte.
package backup

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/healwatch/internal/logging"
)

// DefaultDir is the backup directory used when none is configured
const DefaultDir = ".healwatch_backups"

const timestampLayout = "20060102_150405.000000"

// Store writes backups as <dir>/<flattened artifact path>.backup_<timestamp>.
// Backups are never deleted by the store.
type Store struct {
	mu     sync.Mutex
	dir    string
	now    func() time.Time
	logger *logging.Logger
}

// New creates a store rooted at dir
func New(dir string, logger *logging.Logger) *Store {
	if dir == "" {
		dir = DefaultDir
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{
		dir:    dir,
		now:    time.Now,
		logger: logger.Component("backup"),
	}
}

// Dir returns the backup directory
func (s *Store) Dir() string {
	return s.dir
}

// Save copies artifact into the store and returns the backup reference. The
// copy is fsynced and verified before Save returns.
func (s *Store) Save(artifact string) (string, error) {
	data, err := os.ReadFile(artifact)
	if err != nil {
		return "", fmt.Errorf("read artifact %s: %w", artifact, err)
	}
	info, err := os.Stat(artifact)
	if err != nil {
		return "", fmt.Errorf("stat artifact %s: %w", artifact, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	base := filepath.Join(s.dir, fmt.Sprintf("%s.backup_%s", flatten(artifact), s.now().Format(timestampLayout)))
	ref := base
	for i := 1; exists(ref); i++ {
		ref = fmt.Sprintf("%s.%d", base, i)
	}

	if err := WriteAtomic(ref, data, info.Mode().Perm()); err != nil {
		return "", err
	}

	written, err := os.ReadFile(ref)
	if err != nil || !bytes.Equal(written, data) {
		return "", fmt.Errorf("backup %s does not match %s", ref, artifact)
	}

	s.logger.Info("Backup created", map[string]interface{}{
		"artifact": artifact,
		"backup":   ref,
		"bytes":    len(data),
	})
	return ref, nil
}

// Read returns the content of a backup
func (s *Store) Read(ref string) ([]byte, error) {
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("read backup %s: %w", ref, err)
	}
	return data, nil
}

// Restore writes a backup back over artifact, keeping the artifact's mode
func (s *Store) Restore(ref, artifact string) error {
	data, err := s.Read(ref)
	if err != nil {
		return err
	}

	perm := os.FileMode(0644)
	if info, err := os.Stat(artifact); err == nil {
		perm = info.Mode().Perm()
	} else if info, err := os.Stat(ref); err == nil {
		perm = info.Mode().Perm()
	}

	if err := WriteAtomic(artifact, data, perm); err != nil {
		return fmt.Errorf("restore %s: %w", artifact, err)
	}

	s.logger.Info("Artifact restored from backup", map[string]interface{}{
		"artifact": artifact,
		"backup":   ref,
	})
	return nil
}

// List returns the backups of artifact, oldest first
func (s *Store) List(artifact string) ([]string, error) {
	pattern := filepath.Join(s.dir, flatten(artifact)+".backup_*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// WriteAtomic writes data to path through a synced temp file and a rename,
// so readers see either the old or the new content
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, perm); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to set mode on temp file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// flatten turns an artifact path into a single file name
func flatten(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.ToSlash(filepath.Clean(path))
	path = strings.TrimLeft(path, "/")
	path = strings.ReplaceAll(path, ":", "")
	return strings.ReplaceAll(path, "/", "_")
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
