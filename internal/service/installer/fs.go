package installer

import (
	"io"
	"os"
	"path/filepath"
)

// FileSystem is the set of mutating operations the installer performs.
// Reads go straight to the os package.
type FileSystem interface {
	MkdirAll(path string, perm os.FileMode) error
	Rename(oldPath, newPath string) error
	RemoveAll(path string) error
	Create(path string, perm os.FileMode) (io.WriteCloser, error)
	Symlink(target, link string) error
}

// osFileSystem implements FileSystem on top of the os package.
type osFileSystem struct{}

// MkdirAll implements FileSystem.
func (osFileSystem) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Rename implements FileSystem.
func (osFileSystem) Rename(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

// RemoveAll implements FileSystem.
func (osFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// Create implements FileSystem.
func (osFileSystem) Create(path string, perm os.FileMode) (io.WriteCloser, error) {
	return os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
}

// Symlink implements FileSystem.
func (osFileSystem) Symlink(target, link string) error {
	return os.Symlink(target, link)
}

// exists reports whether path is present.
func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
