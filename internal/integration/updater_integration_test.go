package integration

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/app-launcher/internal/config"
	"github.com/oshokin/app-launcher/internal/domain/release"
	"github.com/oshokin/app-launcher/internal/repository/state"
	"github.com/oshokin/app-launcher/internal/service/fetcher"
	"github.com/oshokin/app-launcher/internal/service/installer"
	"github.com/oshokin/app-launcher/internal/service/manifest"
	"github.com/oshokin/app-launcher/internal/service/updater"
)

// TestUpdater_Run_InstallsUpdatesAndRollsBack walks a zip release through install, update and rollback.
//
//nolint:funlen // Integration test requires comprehensive setup and verification.
func TestUpdater_Run_InstallsUpdatesAndRollsBack(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dist := newDistribution(t)
	in := newInstallation(t, dist.manifestURL())
	opts := &updater.Options{ConfigPath: in.settingsPath}

	dist.publish(t, "1.1.0", "pos-1.1.0.zip", zipArchive(t, map[string]string{
		executableName:       "build 1.1.0",
		"data/receipts.tmpl": "v1",
	}))

	result, err := updater.Run(ctx, opts)
	require.NoError(t, err)
	require.Equal(t, release.PhaseDone, result.Attempt.Phase)
	require.Equal(t, "1.1.0", result.State.InstalledVersion)
	require.Empty(t, result.State.PreviousVersion)
	require.Equal(t, "build 1.1.0", in.live(t, executableName))
	require.Equal(t, "v1", in.live(t, "data/receipts.tmpl"))

	// Nothing new published.
	result, err = updater.Run(ctx, opts)
	require.NoError(t, err)
	require.Equal(t, release.PhaseUpToDate, result.Attempt.Phase)

	dist.publish(t, "1.2.0", "pos-1.2.0.zip", zipArchive(t, map[string]string{
		executableName:       "build 1.2.0",
		"data/receipts.tmpl": "v2",
	}))

	var progressed bool

	result, err = updater.Run(ctx, &updater.Options{
		ConfigPath: in.settingsPath,
		Progress:   func(_, _ int64) { progressed = true },
	})
	require.NoError(t, err)
	require.True(t, progressed)
	require.Equal(t, release.PhaseDone, result.Attempt.Phase)
	require.Equal(t, "1.2.0", result.State.InstalledVersion)
	require.Equal(t, "1.1.0", result.State.PreviousVersion)
	require.Equal(t, "build 1.2.0", in.live(t, executableName))

	backup, err := os.ReadFile(filepath.Join(in.settings.BackupsDir(), "1.1.0", executableName))
	require.NoError(t, err)
	require.Equal(t, "build 1.1.0", string(backup))

	staged, err := os.ReadDir(in.settings.StagingDir())
	require.NoError(t, err)
	require.Empty(t, staged)

	check, err := updater.Check(ctx, opts)
	require.NoError(t, err)
	require.False(t, check.UpdateAvailable)
	require.Equal(t, "1.2.0", check.Latest.Version)

	installed, err := updater.Rollback(ctx, opts)
	require.NoError(t, err)
	require.Equal(t, "1.1.0", installed.InstalledVersion)
	require.Equal(t, "build 1.1.0", in.live(t, executableName))

	// The release the user rolled back from is not reinstalled behind their back.
	check, err = updater.Check(ctx, opts)
	require.NoError(t, err)
	require.False(t, check.UpdateAvailable)

	result, err = updater.Run(ctx, opts)
	require.NoError(t, err)
	require.Equal(t, release.PhaseUpToDate, result.Attempt.Phase)
	require.Equal(t, "1.1.0", result.State.InstalledVersion)
	require.Equal(t, "build 1.1.0", in.live(t, executableName))

	dist.publish(t, "1.3.0", "pos-1.3.0.zip", zipArchive(t, map[string]string{
		executableName: "build 1.3.0",
	}))

	result, err = updater.Run(ctx, opts)
	require.NoError(t, err)
	require.Equal(t, release.PhaseDone, result.Attempt.Phase)
	require.Equal(t, "1.3.0", result.State.InstalledVersion)
	require.Equal(t, "1.1.0", result.State.PreviousVersion)
	require.Empty(t, result.State.HeldVersion)
}

// TestUpdater_Run_ResumesInterruptedDownload drops the connection mid-artifact and expects a ranged retry.
func TestUpdater_Run_ResumesInterruptedDownload(t *testing.T) {
	t.Parallel()

	dist := newDistribution(t)
	in := newInstallation(t, dist.manifestURL())

	artifact := []byte(strings.Repeat("0123456789", 4096))
	dist.publish(t, "2.0.0", executableName, artifact)
	dist.dropConnectionOnce(executableName, 10_000)

	result, err := updater.Run(context.Background(), &updater.Options{ConfigPath: in.settingsPath})
	require.NoError(t, err)
	require.Equal(t, release.PhaseDone, result.Attempt.Phase)
	require.Equal(t, string(artifact), in.live(t, executableName))
	require.Positive(t, dist.ranges.Load())
}

// TestUpdater_Run_DigestMismatchKeepsInstallation publishes a tampered artifact after a good release.
func TestUpdater_Run_DigestMismatchKeepsInstallation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dist := newDistribution(t)
	in := newInstallation(t, dist.manifestURL())
	opts := &updater.Options{ConfigPath: in.settingsPath}

	dist.publish(t, "1.0.0", executableName, []byte("good build"))

	_, err := updater.Run(ctx, opts)
	require.NoError(t, err)

	descriptor := dist.publish(t, "1.1.0", executableName, []byte("tampered build"))
	descriptor.ArtifactDigest = strings.Repeat("0", 64)
	dist.setManifest(t, descriptor)

	_, err = updater.Run(ctx, opts)

	failure, ok := updater.AsFailure(err)
	require.True(t, ok)
	require.Equal(t, release.ReasonDigestMismatch, failure.Reason)
	require.Equal(t, "good build", in.live(t, executableName))

	recorded, err := state.NewFileRepository(in.settings.StateFile()).Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "1.0.0", recorded.InstalledVersion)

	staged, err := os.ReadDir(in.settings.StagingDir())
	require.NoError(t, err)
	require.Empty(t, staged)
}

// TestUpdater_Run_ManifestUnavailable exhausts retries against an endpoint with no manifest.
func TestUpdater_Run_ManifestUnavailable(t *testing.T) {
	t.Parallel()

	dist := newDistribution(t)
	in := newInstallation(t, dist.manifestURL())

	_, err := updater.Run(context.Background(), &updater.Options{ConfigPath: in.settingsPath})

	failure, ok := updater.AsFailure(err)
	require.True(t, ok)
	require.Equal(t, release.ReasonManifestUnavailable, failure.Reason)
	require.ErrorIs(t, err, manifest.ErrManifestUnavailable)
}

// diskFullOnPromote fails the final move of the new installation into place.
type diskFullOnPromote struct{}

func (diskFullOnPromote) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}
func (diskFullOnPromote) RemoveAll(path string) error       { return os.RemoveAll(path) }
func (diskFullOnPromote) Symlink(target, link string) error { return os.Symlink(target, link) }

func (diskFullOnPromote) Rename(oldPath, newPath string) error {
	if strings.HasSuffix(oldPath, ".incoming") {
		return &os.LinkError{Op: "rename", Old: oldPath, New: newPath, Err: syscall.ENOSPC}
	}

	return os.Rename(oldPath, newPath)
}

func (diskFullOnPromote) Create(path string, perm os.FileMode) (io.WriteCloser, error) {
	return os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
}

// TestOrchestrator_ApplyFailureRestoresPreviousVersion wires the real components with a failing file system.
func TestOrchestrator_ApplyFailureRestoresPreviousVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dist := newDistribution(t)
	in := newInstallation(t, dist.manifestURL())

	dist.publish(t, "1.0.0", executableName, []byte("build 1.0.0"))

	_, err := updater.Run(ctx, &updater.Options{ConfigPath: in.settingsPath})
	require.NoError(t, err)

	dist.publish(t, "1.1.0", executableName, []byte("build 1.1.0"))

	var phases []release.Phase

	orchestrator := build(t, in.settings, func(event updater.Event) {
		phases = append(phases, event.Phase)
	}, installer.WithFileSystem(diskFullOnPromote{}))

	outcome := <-orchestrator.RunAsync(ctx)

	failure, ok := updater.AsFailure(outcome.Err)
	require.True(t, ok)
	require.Equal(t, release.ReasonApplyFailed, failure.Reason)
	require.ErrorIs(t, outcome.Err, syscall.ENOSPC)
	require.Equal(t, release.PhaseFailed, phases[len(phases)-1])
	require.Contains(t, phases, release.PhaseApplying)

	require.Equal(t, "build 1.0.0", in.live(t, executableName))
	require.NoDirExists(t, in.settings.CurrentDir()+".incoming")

	installed := orchestrator.Installed(ctx)
	require.Equal(t, "1.0.0", installed.InstalledVersion)
}

// build wires an orchestrator from real components the way the CLI does, with installer overrides.
func build(
	t *testing.T,
	settings *config.Config,
	observer updater.Observer,
	opts ...installer.Option,
) *updater.Orchestrator {
	t.Helper()

	source, err := manifest.NewClient(settings.ManifestURL, manifest.WithTimeout(settings.Timeout))
	require.NoError(t, err)

	repository := state.NewFileRepository(settings.StateFile())

	return updater.NewOrchestrator(
		source,
		fetcher.New(fetcher.WithTimeout(settings.DownloadTimeout)),
		installer.New(settings, repository, opts...),
		repository,
		updater.Layout{
			StagingDir:  settings.StagingDir(),
			InstallPath: settings.CurrentDir(),
			LockPath:    settings.LockFile(),
		},
		updater.Policy{MaxAttempts: settings.MaxAttempts, Base: settings.BackoffBase, Max: settings.BackoffMax},
		updater.WithObserver(observer),
	)
}
