package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// File keeps named records as append-only files below Root.
type File struct {
	Root string
}

func NewFile(root string) (*File, error) {
	if root == "" {
		root = "./data"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &File{Root: root}, nil
}

// resolve confines path to Root.
func (f *File) resolve(path string) string {
	return filepath.Join(f.Root, filepath.Clean("/"+path))
}

func (f *File) Append(path string, p []byte) error {
	file, err := os.OpenFile(f.resolve(path), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s for appending: %w", path, err)
	}
	if _, err := file.Write(p); err != nil {
		file.Close()
		return fmt.Errorf("append to %s: %w", path, err)
	}
	return file.Close()
}

func (f *File) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(f.resolve(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
