// Package file implements a snapshot Backend that keeps the mailbox state
// in a single YAML file on the local filesystem.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shineum/smtp-mailbox-lite/internal/snapshot"
)

// Backend reads and writes the state file at a fixed path.
type Backend struct {
	path string
}

// New creates a Backend for the given file path. The file and its parent
// directory are created lazily on the first Save.
func New(path string) *Backend {
	return &Backend{path: path}
}

// Path returns the state file location.
func (b *Backend) Path() string {
	return b.path
}

// Load reads and decodes the state file. A missing file yields
// snapshot.ErrNotFound.
func (b *Backend) Load(_ context.Context) (*snapshot.State, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, snapshot.ErrNotFound
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	st, err := snapshot.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", b.path, err)
	}
	return st, nil
}

// Save writes the state atomically: data goes to a temporary file in the
// same directory, is synced, then renamed over the previous file.
func (b *Backend) Save(_ context.Context, st *snapshot.State) error {
	data, err := snapshot.Marshal(st)
	if err != nil {
		return err
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := writeSynced(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tmp, b.path); err != nil {
		_ = os.Remove(tmp) // best-effort cleanup
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "file"
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
