package updater

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/oshokin/app-launcher/internal/config"
	"github.com/oshokin/app-launcher/internal/domain/release"
	"github.com/oshokin/app-launcher/internal/logger"
	"github.com/oshokin/app-launcher/internal/repository/state"
	"github.com/oshokin/app-launcher/internal/service/common"
	"github.com/oshokin/app-launcher/internal/service/fetcher"
	"github.com/oshokin/app-launcher/internal/service/installer"
	"github.com/oshokin/app-launcher/internal/service/manifest"
	"github.com/oshokin/app-launcher/internal/service/process"
)

// Options are inputs accepted by the CLI entry points.
type Options struct {
	// ConfigPath is the optional path to the settings YAML file.
	ConfigPath string
	// Progress receives download progress.
	Progress fetcher.ProgressFunc
	// Launch starts the application after the update flow.
	Launch bool
}

// CheckResult is what the check command reports.
type CheckResult struct {
	// Installed is the live state; nil when nothing is installed.
	Installed *release.InstalledState
	// Latest is the published release.
	Latest *release.VersionDescriptor
	// UpdateAvailable reports whether Latest is newer than Installed.
	UpdateAvailable bool
}

// Build wires an orchestrator for the installation described by cfg.
func Build(cfg *config.Config, progress fetcher.ProgressFunc, opts ...Option) (*Orchestrator, error) {
	manifestOptions := []manifest.Option{
		manifest.WithTimeout(cfg.Timeout),
		manifest.WithToken(cfg.BearerToken()),
	}

	if cfg.SigningKey != "" {
		keyring, err := manifest.LoadKeyring(cfg.SigningKey)
		if err != nil {
			return nil, err
		}

		manifestOptions = append(manifestOptions, manifest.WithKeyring(keyring))
	}

	source, err := manifest.NewClient(cfg.ManifestURL, manifestOptions...)
	if err != nil {
		return nil, err
	}

	artifacts := fetcher.New(
		fetcher.WithToken(cfg.BearerToken()),
		fetcher.WithTimeout(cfg.DownloadTimeout),
		fetcher.WithProgress(progress),
	)

	repository := state.NewFileRepository(cfg.StateFile())

	installerOptions := make([]installer.Option, 0, 1)
	if cfg.StopRunning {
		installerOptions = append(installerOptions, installer.WithBeforeSwap(func(ctx context.Context) error {
			_, terminateErr := process.Terminate(ctx, cfg.Executable)
			return terminateErr
		}))
	}

	layout := Layout{
		StagingDir:  cfg.StagingDir(),
		InstallPath: cfg.CurrentDir(),
		LockPath:    cfg.LockFile(),
	}

	policy := Policy{
		MaxAttempts: cfg.MaxAttempts,
		Base:        cfg.BackoffBase,
		Max:         cfg.BackoffMax,
	}

	defaults := []Option{
		WithVersionDetector(func(ctx context.Context) (string, error) {
			return process.DetectVersion(ctx, cfg.ExecutablePath(), cfg.VersionArgs, process.DefaultDetectTimeout)
		}),
	}

	if actor, actorErr := common.DetectActor(); actorErr == nil {
		defaults = append(defaults, WithActor(actor))
	}

	orchestrator := NewOrchestrator(
		source,
		artifacts,
		installer.New(cfg, repository, installerOptions...),
		repository,
		layout,
		policy,
		append(defaults, opts...)...,
	)

	return orchestrator, nil
}

// Run loads the settings, performs one update attempt and optionally launches the application.
func Run(ctx context.Context, opts *Options) (*Result, error) {
	ctx = logger.WithName(ctx, "app-launcher")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	orchestrator, err := Build(cfg, opts.Progress)
	if err != nil {
		return nil, err
	}

	result, runErr := orchestrator.Run(ctx)

	if opts.Launch {
		// The installed build starts even when the update failed.
		if err = launch(ctx, cfg); err != nil {
			return result, errors.Join(runErr, err)
		}
	}

	return result, runErr
}

// Check reports the installed and latest versions without changing anything.
func Check(ctx context.Context, opts *Options) (*CheckResult, error) {
	ctx = logger.WithName(ctx, "app-launcher")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	orchestrator, err := Build(cfg, nil)
	if err != nil {
		return nil, err
	}

	result := &CheckResult{
		Installed: orchestrator.Installed(ctx),
	}

	result.Latest, err = orchestrator.Latest(ctx)
	if err != nil {
		return result, &Failure{
			Phase:  release.PhaseChecking,
			Reason: classify(release.PhaseChecking, err),
			Err:    err,
		}
	}

	result.UpdateAvailable, err = result.Installed.Offers(result.Latest.Version)
	if err != nil {
		return result, fmt.Errorf("compare versions: %w", err)
	}

	return result, nil
}

// Rollback restores the previous version recorded in the installed state.
func Rollback(ctx context.Context, opts *Options) (*release.InstalledState, error) {
	ctx = logger.WithName(ctx, "app-launcher")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	orchestrator, err := Build(cfg, nil)
	if err != nil {
		return nil, err
	}

	installed, err := orchestrator.Rollback(ctx)
	if err != nil {
		return nil, err
	}

	if opts.Launch {
		if err = launch(ctx, cfg); err != nil {
			return installed, err
		}
	}

	return installed, nil
}

// launch starts the live executable when one is installed.
func launch(ctx context.Context, cfg *config.Config) error {
	path := cfg.ExecutablePath()
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.WarnKV(ctx, "Nothing to launch, the application is not installed", "executable", path)
			return nil
		}

		return err
	}

	return process.Launch(ctx, path, cfg.LaunchArgs)
}
