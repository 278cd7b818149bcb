package sink

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileSink stores each session document as a file under a directory.
// Writes use temp file + rename so readers never observe a partial document.
type FileSink struct {
	dir string
}

// NewFileSink creates a FileSink rooted at dir, creating it if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file sink: create directory %q: %w", dir, err)
	}
	return &FileSink{dir: dir}, nil
}

// Dir returns the output directory.
func (s *FileSink) Dir() string { return s.dir }

// Path returns the file backing handle.
func (s *FileSink) Path(handle string) string {
	return filepath.Join(s.dir, filepath.Base(handle))
}

// Write stores content under handle, terminated by a newline.
func (s *FileSink) Write(handle, content string) error {
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}

	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(handle)+".*.tmp")
	if err != nil {
		return fmt.Errorf("file sink: create temp file for %q: %w", handle, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("file sink: write temp file for %q: %w", handle, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("file sink: close temp file for %q: %w", handle, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("file sink: chmod %q: %w", handle, err)
	}

	final := s.Path(handle)
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("file sink: rename temp → %q: %w", final, err)
	}
	return nil
}

// Remove deletes the file for handle; a missing file is not an error.
func (s *FileSink) Remove(handle string) error {
	err := os.Remove(s.Path(handle))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("file sink: remove %q: %w", handle, err)
	}
	return nil
}

func (s *FileSink) Close() error { return nil }
