package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oshokin/app-launcher/internal/domain/release"
	"github.com/oshokin/app-launcher/internal/repository/state"
	"github.com/oshokin/app-launcher/internal/service/installer"
)

// fakeManifest replays a scripted list of answers; the last one repeats.
type fakeManifest struct {
	mu      sync.Mutex
	answers []manifestAnswer
	calls   atomic.Int32
}

type manifestAnswer struct {
	descriptor *release.VersionDescriptor
	err        error
}

func (m *fakeManifest) Fetch(ctx context.Context) (*release.VersionDescriptor, error) {
	m.calls.Add(1)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	answer := m.answers[0]
	if len(m.answers) > 1 {
		m.answers = m.answers[1:]
	}

	return answer.descriptor, answer.err
}

// fakeFetcher writes body into the staging directory, after replaying scripted errors.
type fakeFetcher struct {
	body   []byte
	errs   []error
	calls  atomic.Int32
	staged atomic.Value
}

func (f *fakeFetcher) Fetch(
	_ context.Context,
	descriptor *release.VersionDescriptor,
	stagingDir string,
) (*release.StagingArtifact, error) {
	call := int(f.calls.Add(1))
	if call <= len(f.errs) {
		return nil, f.errs[call-1]
	}

	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, err
	}

	path := filepath.Join(stagingDir, descriptor.Version+"-artifact")
	if err := os.WriteFile(path, f.body, 0o600); err != nil {
		return nil, err
	}

	f.staged.Store(path)

	return &release.StagingArtifact{
		LocalPath:      path,
		Version:        descriptor.Version,
		Format:         release.FormatBinary,
		ExpectedDigest: descriptor.ArtifactDigest,
		ByteCount:      int64(len(f.body)),
	}, nil
}

// fakeInstaller records calls and mimics the state bookkeeping of the real installer.
type fakeInstaller struct {
	applyErr    error
	applyCalls  atomic.Int32
	recoverCall atomic.Int32
	applied     chan struct{}
	proceed     chan struct{}
	lastCurrent atomic.Pointer[release.InstalledState]
}

func (i *fakeInstaller) Apply(
	ctx context.Context,
	artifact *release.StagingArtifact,
	current *release.InstalledState,
) (*release.InstalledState, error) {
	i.applyCalls.Add(1)
	i.lastCurrent.Store(current)

	if i.applied != nil {
		close(i.applied)
	}

	if i.proceed != nil {
		select {
		case <-i.proceed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if i.applyErr != nil {
		return nil, i.applyErr
	}

	next := &release.InstalledState{
		InstalledVersion: artifact.Version,
		InstalledAt:      time.Now().UTC(),
		InstallPath:      "current",
	}

	if current != nil {
		next.PreviousVersion = current.InstalledVersion
	}

	return next, nil
}

func (i *fakeInstaller) Rollback(_ context.Context, current *release.InstalledState) (*release.InstalledState, error) {
	if !current.HasPrevious() {
		return nil, installer.ErrNoBackup
	}

	return &release.InstalledState{
		InstalledVersion: current.PreviousVersion,
		PreviousVersion:  current.InstalledVersion,
		InstallPath:      current.InstallPath,
	}, nil
}

func (i *fakeInstaller) Recover(context.Context, *release.InstalledState) error {
	i.recoverCall.Add(1)
	return nil
}

// memoryRepository keeps the state in memory and counts loads.
type memoryRepository struct {
	mu    sync.Mutex
	state *release.InstalledState
	loads atomic.Int32
}

func (r *memoryRepository) Load(context.Context) (*release.InstalledState, error) {
	r.loads.Add(1)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == nil {
		return nil, state.ErrNotFound
	}

	return r.state.Clone(), nil
}

func (r *memoryRepository) Save(_ context.Context, s *release.InstalledState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = s.Clone()

	return nil
}

// recorder collects observed phases.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, event)
}

func (r *recorder) phases() []release.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()

	phases := make([]release.Phase, 0, len(r.events))
	for _, event := range r.events {
		phases = append(phases, event.Phase)
	}

	return phases
}

// sleeper records backoff waits without sleeping.
type sleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()

	return ctx.Err()
}

func (s *sleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]time.Duration(nil), s.delays...)
}

// digestOf returns the hex SHA-256 of body.
func digestOf(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// harness wires an orchestrator over fakes in a temporary install root.
type harness struct {
	manifest   *fakeManifest
	fetcher    *fakeFetcher
	installer  *fakeInstaller
	repository *memoryRepository
	recorder   *recorder
	sleeper    *sleeper
	layout     Layout
}

func newHarness(t *testing.T, installed string) *harness {
	t.Helper()

	root := t.TempDir()

	h := &harness{
		manifest:   &fakeManifest{},
		fetcher:    &fakeFetcher{body: []byte("release body")},
		installer:  &fakeInstaller{},
		repository: &memoryRepository{},
		recorder:   &recorder{},
		sleeper:    &sleeper{},
		layout: Layout{
			StagingDir:  filepath.Join(root, "staging"),
			InstallPath: filepath.Join(root, "current"),
			LockPath:    filepath.Join(root, ".app-launcher.lock"),
		},
	}

	if installed != "" {
		h.repository.state = &release.InstalledState{
			InstalledVersion: installed,
			InstalledAt:      time.Now().UTC(),
			InstallPath:      h.layout.InstallPath,
		}
	}

	return h
}

// script sets the manifest answers.
func (h *harness) script(answers ...manifestAnswer) {
	h.manifest.answers = answers
}

func (h *harness) orchestrator(opts ...Option) *Orchestrator {
	defaults := []Option{
		WithObserver(h.recorder.observe),
		WithSleep(h.sleeper.sleep),
	}

	return NewOrchestrator(
		h.manifest,
		h.fetcher,
		h.installer,
		h.repository,
		h.layout,
		Policy{MaxAttempts: 3, Base: 3 * time.Second, Max: time.Minute},
		append(defaults, opts...)...,
	)
}

// published describes version with the digest of the fake fetcher body.
func (h *harness) published(version string) manifestAnswer {
	return manifestAnswer{descriptor: &release.VersionDescriptor{
		Version:        version,
		ArtifactURL:    "https://cdn.example.com/pos-" + version,
		ArtifactDigest: digestOf(h.fetcher.body),
	}}
}
