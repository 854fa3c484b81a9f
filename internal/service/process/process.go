package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/app-launcher/internal/domain/release"
	"github.com/oshokin/app-launcher/internal/logger"
)

var (
	// ErrStillRunning is returned when a terminated process does not exit in time.
	ErrStillRunning = errors.New("process is still running")
	// ErrInvalidVersionOutput is returned when the version command prints nothing usable.
	ErrInvalidVersionOutput = errors.New("invalid version output format")
)

const (
	// exitPollInterval is how often Terminate checks whether killed processes are gone.
	exitPollInterval = 100 * time.Millisecond
	// exitTimeout bounds the wait for killed processes.
	exitTimeout = 5 * time.Second
	// DefaultDetectTimeout bounds the version command.
	DefaultDetectTimeout = 10 * time.Second
)

// Terminate kills every process whose executable name matches name, except the
// current one, and waits until they are gone. It returns the number of processes killed.
func Terminate(ctx context.Context, name string) (int, error) {
	ctx = logger.WithName(ctx, "process")

	processList, err := ps.Processes()
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}

	thisProcessID := os.Getpid()
	killed := make([]int, 0, 1)

	for _, process := range processList {
		if process.Pid() == thisProcessID || process.Executable() != name {
			continue
		}

		runningProcess, findErr := os.FindProcess(process.Pid())
		if findErr != nil {
			return len(killed), findErr
		}

		if err = runningProcess.Kill(); err != nil {
			if errors.Is(err, os.ErrProcessDone) {
				continue
			}

			return len(killed), fmt.Errorf("kill %s (pid %d): %w", name, process.Pid(), err)
		}

		logger.InfoKV(ctx, "Terminated running application", "executable", name, "pid", process.Pid())

		killed = append(killed, process.Pid())
	}

	if err = waitForExit(ctx, killed); err != nil {
		return len(killed), err
	}

	return len(killed), nil
}

// waitForExit polls the process table until none of pids is alive.
func waitForExit(ctx context.Context, pids []int) error {
	if len(pids) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, exitTimeout)
	defer cancel()

	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()

	for {
		alive := pids[:0]

		for _, pid := range pids {
			process, err := ps.FindProcess(pid)
			if err == nil && process != nil {
				alive = append(alive, pid)
			}
		}

		if len(alive) == 0 {
			return nil
		}

		pids = alive

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: pids %v", ErrStillRunning, pids)
		case <-ticker.C:
		}
	}
}

// Launch starts the application from its own directory and returns without waiting for it.
func Launch(ctx context.Context, path string, args []string) error {
	ctx = logger.WithName(ctx, "process")

	//nolint:gosec // The executable comes from the local settings file.
	cmd := exec.Command(filepath.Clean(path), args...)
	cmd.Dir = filepath.Dir(path)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", path, err)
	}

	logger.InfoKV(ctx, "Application started", "executable", path, "pid", cmd.Process.Pid)

	return cmd.Process.Release()
}

// DetectVersion runs the installed executable with args and parses the version it prints.
// A missing executable yields an empty version and no error, which means nothing is installed.
func DetectVersion(ctx context.Context, path string, args []string, timeout time.Duration) (string, error) {
	ctx = logger.WithName(ctx, "process")

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}

	if timeout <= 0 {
		timeout = DefaultDetectTimeout
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	//nolint:gosec // The executable comes from the local settings file.
	output, err := exec.CommandContext(cmdCtx, filepath.Clean(path), args...).Output()
	if err != nil {
		logger.WarnKV(ctx, "Could not get local version", "executable", path, "error", err)
		return "", nil
	}

	return ParseVersionOutput(string(output))
}

// ParseVersionOutput extracts a semantic version from the output of a version command.
// It understands "version: 1.0.0, commit: abc123, built at: ..." as well as output
// where any whitespace-separated word is a version, such as "pos 1.0.0".
func ParseVersionOutput(output string) (string, error) {
	output = strings.TrimSpace(output)

	if rest, found := strings.CutPrefix(output, "version: "); found {
		candidate, _, _ := strings.Cut(rest, ",")
		if v, ok := versionWord(candidate); ok {
			return v, nil
		}
	}

	for _, field := range strings.Fields(output) {
		if v, ok := versionWord(field); ok {
			return v, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrInvalidVersionOutput, output)
}

// versionWord accepts dotted version words only, so build numbers are not mistaken for versions.
func versionWord(word string) (string, bool) {
	word = strings.Trim(strings.TrimSpace(word), ",;()")
	if !strings.Contains(word, ".") {
		return "", false
	}

	parsed, err := release.ParseVersion(word)
	if err != nil {
		return "", false
	}

	return parsed.String(), true
}
