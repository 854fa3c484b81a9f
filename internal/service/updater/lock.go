package updater

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	lockDirPermissions  os.FileMode = 0o755
	lockFilePermissions os.FileMode = 0o600
)

// fileLock is a held cross-process lock.
type fileLock interface {
	Unlock() error
}

// acquireFileLock takes the cross-process lock at path without blocking.
// It returns ErrAttemptInProgress when another process holds it.
func acquireFileLock(path string) (fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), lockDirPermissions); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	return lockFile(filepath.Clean(path))
}
