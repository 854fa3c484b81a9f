package updater

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/app-launcher/internal/domain/release"
	"github.com/oshokin/app-launcher/internal/logger"
	"github.com/oshokin/app-launcher/internal/repository/state"
	"github.com/oshokin/app-launcher/internal/service/checksum"
)

// ManifestSource returns the latest published release.
type ManifestSource interface {
	Fetch(ctx context.Context) (*release.VersionDescriptor, error)
}

// ArtifactFetcher stages the artifact of a release.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, descriptor *release.VersionDescriptor, stagingDir string) (*release.StagingArtifact, error)
}

// Installer places staged artifacts and manages backups.
type Installer interface {
	Apply(
		ctx context.Context,
		artifact *release.StagingArtifact,
		current *release.InstalledState,
	) (*release.InstalledState, error)
	Rollback(ctx context.Context, current *release.InstalledState) (*release.InstalledState, error)
	Recover(ctx context.Context, installed *release.InstalledState) error
}

// VersionDetector asks the installed application for its version; "" means nothing is installed.
type VersionDetector func(ctx context.Context) (string, error)

// Event reports a phase transition to observers.
type Event struct {
	// AttemptID correlates events of one attempt.
	AttemptID string
	// Phase is the phase just entered.
	Phase release.Phase
	// Reason is set when Phase is FAILED.
	Reason release.Reason
	// TargetVersion is the manifest version once known.
	TargetVersion string
	// InstalledVersion is the live version at the time of the event.
	InstalledVersion string
	// Err is the originating error for FAILED.
	Err error
}

// Observer receives phase transitions. It is called synchronously and must not block.
type Observer func(Event)

// Result is the outcome of one attempt.
type Result struct {
	// Attempt is the attempt record.
	Attempt release.UpdateAttempt
	// Descriptor is the fetched manifest; nil when CHECKING failed.
	Descriptor *release.VersionDescriptor
	// State is the installed state after the attempt; nil when nothing is installed.
	State *release.InstalledState
}

// Outcome is delivered by RunAsync.
type Outcome struct {
	Result *Result
	Err    error
}

// Orchestrator runs update attempts for one installation.
type Orchestrator struct {
	manifest   ManifestSource
	fetcher    ArtifactFetcher
	installer  Installer
	repository state.Repository
	detect     VersionDetector

	stagingDir  string
	installPath string
	lockPath    string
	policy      Policy

	actor *release.Actor
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// inFlight is the in-process single-flight guard.
	inFlight sync.Mutex

	observers []Observer
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithObserver registers a phase observer.
func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		if observer != nil {
			o.observers = append(o.observers, observer)
		}
	}
}

// WithVersionDetector sets how the local version is detected when no state is recorded.
func WithVersionDetector(detect VersionDetector) Option {
	return func(o *Orchestrator) {
		o.detect = detect
	}
}

// WithActor tags attempt logs with the triggering actor.
func WithActor(actor *release.Actor) Option {
	return func(o *Orchestrator) {
		o.actor = actor
	}
}

// WithClock replaces the clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSleep replaces the backoff wait, mostly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// Layout names the paths the orchestrator works with.
type Layout struct {
	// StagingDir receives downloads.
	StagingDir string
	// InstallPath is the live install directory.
	InstallPath string
	// LockPath is the cross-process lock file.
	LockPath string
}

// NewOrchestrator wires the components of one installation.
func NewOrchestrator(
	source ManifestSource,
	artifacts ArtifactFetcher,
	installer Installer,
	repository state.Repository,
	layout Layout,
	policy Policy,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		manifest:    source,
		fetcher:     artifacts,
		installer:   installer,
		repository:  repository,
		stagingDir:  layout.StagingDir,
		installPath: layout.InstallPath,
		lockPath:    layout.LockPath,
		policy:      policy,
		now:         time.Now,
		sleep:       sleepContext,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// RunAsync runs one attempt off the caller's goroutine. The channel receives
// exactly one outcome and is then closed.
func (o *Orchestrator) RunAsync(ctx context.Context) <-chan Outcome {
	outcomes := make(chan Outcome, 1)

	go func() {
		defer close(outcomes)

		result, err := o.Run(ctx)
		outcomes <- Outcome{Result: result, Err: err}
	}()

	return outcomes
}

// Run performs one attempt: check, and when a newer release exists, download,
// verify and apply it. A FAILED attempt returns a *Failure.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	attempt := &release.UpdateAttempt{
		ID:        uuid.NewString(),
		StartedAt: o.now().UTC(),
		Phase:     release.PhaseIdle,
	}

	ctx = logger.WithKV(logger.WithName(ctx, "updater"), "attempt_id", attempt.ID)
	if o.actor != nil {
		ctx = logger.WithKV(ctx, "actor", o.actor.String())
	}

	if !o.inFlight.TryLock() {
		return o.fail(ctx, attempt, nil, ErrAttemptInProgress)
	}
	defer o.inFlight.Unlock()

	lock, err := acquireFileLock(o.lockPath)
	if err != nil {
		return o.fail(ctx, attempt, nil, err)
	}

	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			logger.WarnKV(ctx, "Unable to release update lock", "error", unlockErr)
		}
	}()

	return o.run(ctx, attempt)
}

func (o *Orchestrator) run(ctx context.Context, attempt *release.UpdateAttempt) (*Result, error) {
	current := o.loadState(ctx)

	if err := o.installer.Recover(ctx, current); err != nil {
		attempt.Phase = release.PhaseApplying

		return o.fail(ctx, attempt, current, fmt.Errorf("recover installation: %w", err))
	}

	o.transition(ctx, attempt, current)

	descriptor, err := o.check(ctx, attempt)
	if err != nil {
		return o.fail(ctx, attempt, current, err)
	}

	attempt.TargetVersion = descriptor.Version

	newer, err := current.Offers(descriptor.Version)
	if err != nil {
		return o.fail(ctx, attempt, current, fmt.Errorf("compare versions: %w", err))
	}

	if !newer {
		attempt.Phase = release.PhaseUpToDate
		o.transition(ctx, attempt, current)

		logger.InfoKV(ctx, "Installation is up to date",
			"installed_version", installedVersion(current),
			"latest_version", descriptor.Version,
			"held_version", heldVersion(current))

		return &Result{Attempt: *attempt, Descriptor: descriptor, State: current.Clone()}, nil
	}

	logger.InfoKV(ctx, "Newer release available",
		"installed_version", installedVersion(current),
		"latest_version", descriptor.Version)

	next, err := o.deliver(ctx, attempt, descriptor, current)
	if err != nil {
		result, failure := o.fail(ctx, attempt, current, err)
		result.Descriptor = descriptor

		return result, failure
	}

	attempt.Phase = release.PhaseDone
	o.transition(ctx, attempt, next)

	return &Result{Attempt: *attempt, Descriptor: descriptor, State: next.Clone()}, nil
}

// check enters CHECKING and fetches the manifest with retries.
func (o *Orchestrator) check(ctx context.Context, attempt *release.UpdateAttempt) (*release.VersionDescriptor, error) {
	attempt.Phase = release.PhaseChecking
	o.transition(ctx, attempt, nil)

	var descriptor *release.VersionDescriptor

	err := o.retry(ctx, attempt.Phase, func(ctx context.Context) error {
		var fetchErr error

		descriptor, fetchErr = o.manifest.Fetch(ctx)

		return fetchErr
	})

	return descriptor, err
}

// deliver runs DOWNLOADING, VERIFYING and APPLYING.
func (o *Orchestrator) deliver(
	ctx context.Context,
	attempt *release.UpdateAttempt,
	descriptor *release.VersionDescriptor,
	current *release.InstalledState,
) (*release.InstalledState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	attempt.Phase = release.PhaseDownloading
	o.transition(ctx, attempt, current)

	var artifact *release.StagingArtifact

	err := o.retry(ctx, attempt.Phase, func(ctx context.Context) error {
		var fetchErr error

		artifact, fetchErr = o.fetcher.Fetch(ctx, descriptor, o.stagingDir)

		return fetchErr
	})
	if err != nil {
		return nil, err
	}

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	attempt.Phase = release.PhaseVerifying
	o.transition(ctx, attempt, current)

	actual, err := checksum.Check(artifact.LocalPath, descriptor.ArtifactDigest)
	if err != nil {
		if errors.Is(err, checksum.ErrMismatch) {
			// A bad download must not be resumed by the next attempt.
			if removeErr := os.Remove(artifact.LocalPath); removeErr != nil {
				logger.WarnKV(ctx, "Unable to discard staged artifact", "path", artifact.LocalPath, "error", removeErr)
			}
		}

		return nil, err
	}

	artifact.ActualDigest = actual

	if err = ctx.Err(); err != nil {
		return nil, err
	}

	attempt.Phase = release.PhaseApplying
	o.transition(ctx, attempt, current)

	return o.installer.Apply(ctx, artifact, current)
}

// retry runs op until it succeeds, fails permanently or the policy is exhausted.
func (o *Orchestrator) retry(ctx context.Context, phase release.Phase, op func(ctx context.Context) error) error {
	started := o.now()

	for try := 1; ; try++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		reason := classify(phase, err)
		if !reason.Transient() || ctx.Err() != nil {
			return err
		}

		delay, ok := Backoff(o.policy, try, o.now().Sub(started))
		if !ok {
			return err
		}

		logger.WarnKV(ctx, "Transient failure, retrying",
			"phase", phase,
			"reason", reason,
			"try", try,
			"delay", delay,
			"error", err)

		if sleepErr := o.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}

// Rollback swaps the installation back to the retained previous version.
func (o *Orchestrator) Rollback(ctx context.Context) (*release.InstalledState, error) {
	ctx = logger.WithName(ctx, "updater")

	if !o.inFlight.TryLock() {
		return nil, ErrAttemptInProgress
	}
	defer o.inFlight.Unlock()

	lock, err := acquireFileLock(o.lockPath)
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = lock.Unlock()
	}()

	current, err := o.repository.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load installed state: %w", err)
	}

	if err = o.installer.Recover(ctx, current); err != nil {
		return nil, fmt.Errorf("recover installation: %w", err)
	}

	return o.installer.Rollback(ctx, current)
}

// Installed returns the recorded state, or a state derived from the version detector
// when nothing is recorded. It returns nil when nothing is installed.
func (o *Orchestrator) Installed(ctx context.Context) *release.InstalledState {
	return o.loadState(ctx)
}

// Latest fetches the manifest once, without retries or locking.
func (o *Orchestrator) Latest(ctx context.Context) (*release.VersionDescriptor, error) {
	return o.manifest.Fetch(ctx)
}

// loadState reads the recorded state and falls back to asking the executable.
func (o *Orchestrator) loadState(ctx context.Context) *release.InstalledState {
	current, err := o.repository.Load(ctx)
	if err == nil {
		return current
	}

	if !errors.Is(err, state.ErrNotFound) {
		logger.WarnKV(ctx, "Installed state is unreadable, asking the executable", "error", err)
	}

	if o.detect == nil {
		return nil
	}

	detected, err := o.detect(ctx)
	if err != nil {
		logger.WarnKV(ctx, "Unable to detect local version", "error", err)
		return nil
	}

	if detected == "" {
		return nil
	}

	logger.InfoKV(ctx, "Detected local version", "version", detected)

	return &release.InstalledState{
		InstalledVersion: detected,
		InstallPath:      o.installPath,
	}
}

// fail moves the attempt to FAILED and builds the returned Failure.
func (o *Orchestrator) fail(
	ctx context.Context,
	attempt *release.UpdateAttempt,
	current *release.InstalledState,
	err error,
) (*Result, error) {
	failure := &Failure{
		Phase:  attempt.Phase,
		Reason: classify(attempt.Phase, err),
		Err:    err,
	}

	attempt.Phase = release.PhaseFailed
	attempt.Outcome = failure.Reason

	// A rejected attempt says nothing about the one that holds the lock.
	if failure.Reason == release.ReasonAttemptInProgress {
		logger.WarnKV(ctx, "Update attempt rejected", "reason", failure.Reason)

		return &Result{Attempt: *attempt, State: current.Clone()}, failure
	}

	o.notify(Event{
		AttemptID:        attempt.ID,
		Phase:            release.PhaseFailed,
		Reason:           failure.Reason,
		TargetVersion:    attempt.TargetVersion,
		InstalledVersion: installedVersion(current),
		Err:              err,
	})

	logger.ErrorKV(ctx, "Update attempt failed",
		"phase", failure.Phase,
		"reason", failure.Reason,
		"target_version", attempt.TargetVersion,
		"error", err)

	return &Result{Attempt: *attempt, State: current.Clone()}, failure
}

// transition logs and publishes the current phase of attempt.
func (o *Orchestrator) transition(ctx context.Context, attempt *release.UpdateAttempt, current *release.InstalledState) {
	logger.DebugKV(ctx, "Phase changed", "phase", attempt.Phase, "target_version", attempt.TargetVersion)

	o.notify(Event{
		AttemptID:        attempt.ID,
		Phase:            attempt.Phase,
		TargetVersion:    attempt.TargetVersion,
		InstalledVersion: installedVersion(current),
	})
}

func (o *Orchestrator) notify(event Event) {
	for _, observer := range o.observers {
		observer(event)
	}
}

func installedVersion(current *release.InstalledState) string {
	if current == nil {
		return ""
	}

	return current.InstalledVersion
}

func heldVersion(current *release.InstalledState) string {
	if current == nil {
		return ""
	}

	return current.HeldVersion
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
