package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/chunga-ict/phoenix/kernel/store"
	"github.com/pkg/errors"
)

// Local keeps shared artifacts in a directory, typically an NFS export mounted by the
// cluster nodes.
type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("key '%s' escapes the storage root", key)
	}
	return filepath.Join(l.root, clean), nil
}

func (l *Local) Publish(_ context.Context, key string, data []byte) (string, error) {
	path, err := l.path(key)
	if err != nil {
		return "", err
	}
	if err := store.WriteFileAtomic(path, data, 0644); err != nil {
		return "", err
	}
	return path, nil
}

func (l *Local) Fetch(_ context.Context, key string) ([]byte, error) {
	path, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read shared artifact [%s]", key)
	}
	return data, nil
}
