package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// ErrNotExist is returned by a Backend when the named state object is absent.
var ErrNotExist = errors.New("state object does not exist")

// Backend persists named state objects. Write must replace the object
// atomically: readers see either the old or the new contents, never a mix.
type Backend interface {
	Read(ctx context.Context, name string) ([]byte, error)
	Write(ctx context.Context, name string, data []byte) error
}

// FileBackend keeps state objects as files in a directory.
type FileBackend struct {
	dir string
}

// NewFileBackend returns a backend rooted at dir. The directory is created on
// first write.
func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

func (b *FileBackend) Read(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", name, err)
	}
	return data, nil
}

func (b *FileBackend) Write(_ context.Context, name string, data []byte) error {
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir %q: %w", b.dir, err)
	}
	// atomic.WriteFile writes a temp file in the same directory and renames it
	// over the target.
	if err := atomic.WriteFile(filepath.Join(b.dir, name), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write %q: %w", name, err)
	}
	return nil
}
