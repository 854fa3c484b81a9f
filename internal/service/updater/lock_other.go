//go:build !unix

package updater

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	// markerLifetime is the period after which an untouched marker is considered stale.
	markerLifetime = 30 * time.Second
	// markerHeartbeat refreshes the marker while the attempt runs.
	markerHeartbeat = markerLifetime / 3
)

// markerLock is an exclusive marker file kept fresh by a heartbeat.
type markerLock struct {
	path string
	stop chan struct{}
	done chan struct{}
}

func lockFile(path string) (fileLock, error) {
	if err := createMarker(path); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock marker: %w", err)
		}

		info, statErr := os.Stat(path)
		if statErr != nil || time.Since(info.ModTime()) <= markerLifetime {
			return nil, ErrAttemptInProgress
		}

		// The owner stopped refreshing the marker, take it over.
		if err = os.Remove(path); err != nil {
			return nil, ErrAttemptInProgress
		}

		if err = createMarker(path); err != nil {
			return nil, ErrAttemptInProgress
		}
	}

	lock := &markerLock{
		path: path,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go lock.heartbeat()

	return lock, nil
}

func createMarker(path string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, lockFilePermissions)
	if err != nil {
		return err
	}

	_, _ = file.WriteString(strconv.Itoa(os.Getpid()) + "\n")

	return file.Close()
}

func (l *markerLock) heartbeat() {
	defer close(l.done)

	ticker := time.NewTicker(markerHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			_ = os.Chtimes(l.path, now, now)
		}
	}
}

// Unlock stops the heartbeat and removes the marker.
func (l *markerLock) Unlock() error {
	close(l.stop)
	<-l.done

	return os.Remove(l.path)
}
