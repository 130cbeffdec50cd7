package archive

import (
	"fmt"
	"os"
	"path/filepath"
)

// dirBackend stores entries as files under a root directory.
type dirBackend struct {
	root string
}

func openDir(root string) (*dirBackend, error) {
	if info, err := os.Stat(root); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("%s exists and is not a directory", root)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &dirBackend{root: root}, nil
}

func (d *dirBackend) mkdir(name string) error {
	return os.MkdirAll(d.path(name), 0o755)
}

func (d *dirBackend) write(name string, data []byte) error {
	return os.WriteFile(d.path(name), data, 0o644)
}

func (d *dirBackend) close() error { return nil }

func (d *dirBackend) path(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(name))
}
