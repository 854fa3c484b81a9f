//go:build unix

package updater

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// flockLock holds an advisory flock on an open file. The kernel drops it when the
// process dies, so a crashed attempt never blocks the next one.
type flockLock struct {
	file *os.File
}

func lockFile(path string) (fileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, lockFilePermissions)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()

		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAttemptInProgress
		}

		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	// The pid is informational only.
	if err = file.Truncate(0); err == nil {
		_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}

	return &flockLock{file: file}, nil
}

// Unlock releases the lock and closes the file. The file itself stays in place.
func (l *flockLock) Unlock() error {
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()

	return errors.Join(unlockErr, closeErr)
}
