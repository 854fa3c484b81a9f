package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/blang/semver"

	"github.com/oshokin/app-launcher/internal/config"
	"github.com/oshokin/app-launcher/internal/domain/release"
	"github.com/oshokin/app-launcher/internal/logger"
	"github.com/oshokin/app-launcher/internal/repository/state"
	"github.com/oshokin/app-launcher/internal/service/checksum"
)

var (
	// ErrApplyFailed is returned when the artifact could not be placed; the prior installation is kept.
	ErrApplyFailed = errors.New("apply failed")
	// ErrNoBackup is returned by Rollback when no retained backup exists.
	ErrNoBackup = errors.New("no backup to roll back to")

	errNilArtifact       = errors.New("artifact must be provided")
	errMissingExecutable = errors.New("artifact does not contain the executable")
)

const (
	// incomingSuffix names the directory new content is materialized into.
	incomingSuffix = ".incoming"

	dirPermissions        os.FileMode = 0o755
	executablePermissions os.FileMode = 0o755
)

// Installer owns the live install directory and its backups.
type Installer struct {
	currentDir string
	backupsDir string
	executable string
	retain     int
	repository state.Repository
	fs         FileSystem
	now        func() time.Time
	beforeSwap func(ctx context.Context) error
}

// Option configures the installer.
type Option func(*Installer)

// WithFileSystem replaces the filesystem used for mutations.
func WithFileSystem(fs FileSystem) Option {
	return func(i *Installer) {
		if fs != nil {
			i.fs = fs
		}
	}
}

// WithClock replaces the clock used for InstalledAt.
func WithClock(now func() time.Time) Option {
	return func(i *Installer) {
		if now != nil {
			i.now = now
		}
	}
}

// WithBeforeSwap registers a hook that runs right before the live directory is moved,
// typically to stop the running application.
func WithBeforeSwap(hook func(ctx context.Context) error) Option {
	return func(i *Installer) {
		i.beforeSwap = hook
	}
}

// New creates an installer for the layout described by cfg.
func New(cfg *config.Config, repository state.Repository, opts ...Option) *Installer {
	retain := cfg.RetainBackups
	if retain < 1 {
		retain = config.DefaultRetainBackups
	}

	i := &Installer{
		currentDir: cfg.CurrentDir(),
		backupsDir: cfg.BackupsDir(),
		executable: cfg.Executable,
		retain:     retain,
		repository: repository,
		fs:         osFileSystem{},
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// CurrentDir returns the live install directory.
func (i *Installer) CurrentDir() string {
	return i.currentDir
}

// BackupDir returns the backup location of a version.
func (i *Installer) BackupDir(version string) string {
	return filepath.Join(i.backupsDir, version)
}

// Apply places a staged artifact into the live directory and records the new state.
// current may be nil on the first install. On failure the prior installation and the
// persisted state are left as they were.
func (i *Installer) Apply(
	ctx context.Context,
	artifact *release.StagingArtifact,
	current *release.InstalledState,
) (*release.InstalledState, error) {
	ctx = logger.WithName(ctx, "installer")

	if artifact == nil {
		return nil, fmt.Errorf("%w: %w", ErrApplyFailed, errNilArtifact)
	}

	actual, err := checksum.Check(artifact.LocalPath, artifact.ExpectedDigest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrApplyFailed, err)
	}

	artifact.ActualDigest = actual

	incoming := i.currentDir + incomingSuffix
	if err = i.fs.RemoveAll(incoming); err != nil {
		return nil, fmt.Errorf("%w: clear incoming directory: %w", ErrApplyFailed, err)
	}

	logger.InfoKV(ctx, "Preparing new installation", "version", artifact.Version, "format", artifact.Format)

	if err = i.materialize(ctx, artifact, incoming); err != nil {
		_ = i.fs.RemoveAll(incoming)

		return nil, fmt.Errorf("%w: %w", ErrApplyFailed, err)
	}

	if err = i.runBeforeSwap(ctx); err != nil {
		_ = i.fs.RemoveAll(incoming)

		return nil, err
	}

	backup, err := i.moveLiveToBackup(ctx, current)
	if err != nil {
		_ = i.fs.RemoveAll(incoming)

		return nil, fmt.Errorf("%w: %w", ErrApplyFailed, err)
	}

	next := &release.InstalledState{
		InstalledVersion: artifact.Version,
		InstalledAt:      i.now().UTC(),
		InstallPath:      i.currentDir,
	}

	if backup != "" && current != nil {
		next.PreviousVersion = current.InstalledVersion
	}

	if err = i.fs.Rename(incoming, i.currentDir); err != nil {
		i.restore(ctx, backup)
		_ = i.fs.RemoveAll(incoming)

		return nil, fmt.Errorf("%w: promote new installation: %w", ErrApplyFailed, err)
	}

	if err = i.repository.Save(ctx, next); err != nil {
		i.restore(ctx, backup)

		return nil, fmt.Errorf("%w: save state: %w", ErrApplyFailed, err)
	}

	i.prune(ctx, next)

	if err = os.Remove(artifact.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WarnKV(ctx, "Unable to remove staged artifact", "path", artifact.LocalPath, "error", err)
	}

	logger.InfoKV(ctx, "Installation updated",
		"version", next.InstalledVersion,
		"previous_version", next.PreviousVersion)

	return next, nil
}

// Rollback swaps the live directory with the retained backup of the previous version
// and records the swap. It is the only way installed_version decreases.
func (i *Installer) Rollback(ctx context.Context, current *release.InstalledState) (*release.InstalledState, error) {
	ctx = logger.WithName(ctx, "installer")

	if !current.HasPrevious() {
		return nil, ErrNoBackup
	}

	previousDir := i.BackupDir(current.PreviousVersion)
	if !exists(previousDir) {
		return nil, fmt.Errorf("%w: %s", ErrNoBackup, previousDir)
	}

	if err := i.runBeforeSwap(ctx); err != nil {
		return nil, err
	}

	backup, err := i.moveLiveToBackup(ctx, current)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrApplyFailed, err)
	}

	if err = i.fs.Rename(previousDir, i.currentDir); err != nil {
		i.restore(ctx, backup)

		return nil, fmt.Errorf("%w: restore %s: %w", ErrApplyFailed, current.PreviousVersion, err)
	}

	next := &release.InstalledState{
		InstalledVersion: current.PreviousVersion,
		InstalledAt:      i.now().UTC(),
		PreviousVersion:  current.InstalledVersion,
		InstallPath:      i.currentDir,
	}

	// Going forward again through a rollback releases the hold.
	if newer, _ := release.IsNewer(current.InstalledVersion, current.PreviousVersion); newer {
		next.HeldVersion = current.InstalledVersion
	}

	if err = i.repository.Save(ctx, next); err != nil {
		// Put both directories back where they were.
		_ = i.fs.Rename(i.currentDir, previousDir)
		i.restore(ctx, backup)

		return nil, fmt.Errorf("%w: save state: %w", ErrApplyFailed, err)
	}

	logger.InfoKV(ctx, "Rolled back installation",
		"version", next.InstalledVersion,
		"previous_version", next.PreviousVersion,
		"held_version", next.HeldVersion)

	return next, nil
}

// Recover repairs an interrupted swap. It must run under the update lock before any
// other installer operation. state may be nil when nothing was recorded yet.
func (i *Installer) Recover(ctx context.Context, installed *release.InstalledState) error {
	ctx = logger.WithName(ctx, "installer")

	incoming := i.currentDir + incomingSuffix
	if exists(incoming) {
		logger.WarnKV(ctx, "Removing unfinished installation", "path", incoming)

		if err := i.fs.RemoveAll(incoming); err != nil {
			return fmt.Errorf("remove %s: %w", incoming, err)
		}
	}

	if installed == nil || installed.InstalledVersion == "" {
		if exists(i.currentDir) {
			return nil
		}

		return i.restoreNewest(ctx)
	}

	recorded := i.BackupDir(installed.InstalledVersion)
	if !exists(recorded) {
		return nil
	}

	// The recorded version sits in backups, so a swap stopped half way.
	if exists(i.currentDir) {
		if err := i.parkUnrecordedLive(ctx, installed); err != nil {
			return err
		}
	}

	logger.WarnKV(ctx, "Restoring interrupted installation", "version", installed.InstalledVersion)

	if err := i.fs.Rename(recorded, i.currentDir); err != nil {
		return fmt.Errorf("restore %s: %w", installed.InstalledVersion, err)
	}

	return nil
}

// parkUnrecordedLive handles a live directory whose content was swapped in but never recorded.
// After an interrupted rollback it holds the previous version, which goes back to its backup slot;
// after an interrupted apply it holds the unrecorded new version, which is dropped.
func (i *Installer) parkUnrecordedLive(ctx context.Context, installed *release.InstalledState) error {
	if installed.HasPrevious() {
		previousDir := i.BackupDir(installed.PreviousVersion)
		if !exists(previousDir) {
			logger.WarnKV(ctx, "Returning live directory to its backup slot", "version", installed.PreviousVersion)

			if err := i.fs.Rename(i.currentDir, previousDir); err != nil {
				return fmt.Errorf("park %s: %w", installed.PreviousVersion, err)
			}

			return nil
		}
	}

	logger.WarnKV(ctx, "Dropping unrecorded installation", "path", i.currentDir)

	if err := i.fs.RemoveAll(i.currentDir); err != nil {
		return fmt.Errorf("remove unrecorded installation: %w", err)
	}

	return nil
}

// restoreNewest brings back the highest backed-up version when nothing is live or recorded.
func (i *Installer) restoreNewest(ctx context.Context) error {
	versions := i.backupVersions(ctx)
	if len(versions) == 0 {
		return nil
	}

	newest := versions[0].String()

	logger.WarnKV(ctx, "Restoring newest backup", "version", newest)

	if err := i.fs.Rename(i.BackupDir(newest), i.currentDir); err != nil {
		return fmt.Errorf("restore %s: %w", newest, err)
	}

	return nil
}

// moveLiveToBackup moves the live directory aside and returns where it went,
// or "" when there was nothing live.
func (i *Installer) moveLiveToBackup(ctx context.Context, current *release.InstalledState) (string, error) {
	if !exists(i.currentDir) {
		return "", nil
	}

	name := "unversioned"
	if current != nil && current.InstalledVersion != "" {
		name = current.InstalledVersion
	}

	backup := i.BackupDir(name)

	if err := i.fs.MkdirAll(i.backupsDir, dirPermissions); err != nil {
		return "", fmt.Errorf("create backups directory: %w", err)
	}

	if err := i.fs.RemoveAll(backup); err != nil {
		return "", fmt.Errorf("clear stale backup: %w", err)
	}

	if err := i.fs.Rename(i.currentDir, backup); err != nil {
		return "", fmt.Errorf("back up live installation: %w", err)
	}

	logger.DebugKV(ctx, "Live installation moved to backup", "path", backup)

	return backup, nil
}

// restore puts a backup back into the live path, dropping whatever partial content is there.
func (i *Installer) restore(ctx context.Context, backup string) {
	if err := i.fs.RemoveAll(i.currentDir); err != nil {
		logger.ErrorKV(ctx, "Unable to remove partial installation", "path", i.currentDir, "error", err)
	}

	if backup == "" {
		return
	}

	if err := i.fs.Rename(backup, i.currentDir); err != nil {
		logger.ErrorKV(ctx, "Unable to restore backup, run recovery on next start",
			"backup", backup, "error", err)

		return
	}

	logger.InfoKV(ctx, "Previous installation restored", "path", i.currentDir)
}

func (i *Installer) runBeforeSwap(ctx context.Context) error {
	if i.beforeSwap == nil {
		return nil
	}

	if err := i.beforeSwap(ctx); err != nil {
		return fmt.Errorf("%w: stop running application: %w", ErrApplyFailed, err)
	}

	return nil
}

// prune removes backups beyond the retention count. The recorded previous version
// always survives; the installed version never has a backup slot.
func (i *Installer) prune(ctx context.Context, installed *release.InstalledState) {
	entries, err := os.ReadDir(i.backupsDir)
	if err != nil {
		return
	}

	keep := make(map[string]struct{}, i.retain)
	if installed.PreviousVersion != "" {
		keep[installed.PreviousVersion] = struct{}{}
	}

	for _, v := range i.backupVersions(ctx) {
		if len(keep) >= i.retain {
			break
		}

		if name := v.String(); name != installed.InstalledVersion {
			keep[name] = struct{}{}
		}
	}

	for _, entry := range entries {
		if _, ok := keep[entry.Name()]; ok {
			continue
		}

		path := filepath.Join(i.backupsDir, entry.Name())
		if err = i.fs.RemoveAll(path); err != nil {
			logger.WarnKV(ctx, "Unable to prune backup", "path", path, "error", err)
			continue
		}

		logger.DebugKV(ctx, "Pruned backup", "path", path)
	}
}

// backupVersions lists backed-up versions, newest first. Entries whose names are not
// versions are ignored.
func (i *Installer) backupVersions(ctx context.Context) []semver.Version {
	entries, err := os.ReadDir(i.backupsDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.WarnKV(ctx, "Unable to list backups", "error", err)
		}

		return nil
	}

	versions := make([]semver.Version, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		v, parseErr := release.ParseVersion(entry.Name())
		if parseErr != nil || v.String() != entry.Name() {
			continue
		}

		versions = append(versions, v)
	}

	slices.SortFunc(versions, func(a, b semver.Version) int {
		return b.Compare(a)
	})

	return versions
}
