// Package snapshot stores chat snapshots in a file, Redis or S3.
package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pkg/errors"
)

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// FileBackend keeps each key in its own JSON file under a directory.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "failed to create snapshot dir %s", dir)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, unsafeKeyChars.ReplaceAllString(key, "_")+".json")
}

func (b *FileBackend) Load(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read snapshot file")
	}
	return data, nil
}

// Save writes to a temporary file and renames it over the old one, so a
// crash never leaves a half written snapshot.
func (b *FileBackend) Save(_ context.Context, key string, data []byte) error {
	tmp, err := os.CreateTemp(b.dir, ".snapshot-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp snapshot file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write temp snapshot file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to sync temp snapshot file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp snapshot file")
	}
	if err := os.Rename(tmp.Name(), b.path(key)); err != nil {
		return errors.Wrap(err, "failed to replace snapshot file")
	}
	return nil
}

// NopBackend stores nothing.
type NopBackend struct{}

func (NopBackend) Load(context.Context, string) ([]byte, error) { return nil, nil }

func (NopBackend) Save(context.Context, string, []byte) error { return nil }
