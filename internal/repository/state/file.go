package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/app-launcher/internal/config"
	"github.com/oshokin/app-launcher/internal/domain/release"
)

// Repository defines persistence operations for the installed state.
type Repository interface {
	Load(ctx context.Context) (*release.InstalledState, error)
	Save(ctx context.Context, state *release.InstalledState) error
}

// FileRepository persists the installed state to a YAML file beside the installation.
// Writes go to a temporary file in the same directory followed by a rename, so a
// crash never leaves a half-written record behind.
type FileRepository struct {
	// path is the filesystem location of the YAML state file.
	path string
	// mu protects concurrent access to the state file.
	mu sync.Mutex
}

var (
	// ErrNotFound is returned when the state file does not exist yet.
	ErrNotFound = errors.New("state not found")
	// errNilState rejects saving an empty record.
	errNilState = errors.New("state must be provided")
	// errIncompleteState rejects records without a version or install path.
	errIncompleteState = errors.New("state is incomplete")
)

// NewFileRepository creates a repository that reads/writes YAML at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Path returns the state file location.
func (r *FileRepository) Path() string {
	return r.path
}

// Load reads the state from disk.
func (r *FileRepository) Load(_ context.Context) (*release.InstalledState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read state file: %w", err)
	}

	var installed release.InstalledState
	if err = yaml.Unmarshal(contents, &installed); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}

	if err = validate(&installed); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}

	return &installed, nil
}

// Save replaces the state on disk atomically.
func (r *FileRepository) Save(_ context.Context, installed *release.InstalledState) error {
	if installed == nil {
		return errNilState
	}

	if err := validate(installed); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := yaml.Marshal(installed)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if err = os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil { //nolint:mnd // Standard directory mode.
		return fmt.Errorf("create state directory: %w", err)
	}

	temporary, err := os.CreateTemp(filepath.Dir(r.path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary state file: %w", err)
	}

	temporaryName := temporary.Name()

	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(temporaryName)
	}()

	if _, err = temporary.Write(data); err != nil {
		_ = temporary.Close()
		return fmt.Errorf("write state file: %w", err)
	}

	if err = temporary.Sync(); err != nil {
		_ = temporary.Close()
		return fmt.Errorf("sync state file: %w", err)
	}

	if err = temporary.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}

	if err = os.Chmod(temporaryName, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("chmod state file: %w", err)
	}

	if err = os.Rename(temporaryName, r.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}

	return nil
}

// validate rejects records that would break the installer's invariants.
func validate(installed *release.InstalledState) error {
	if installed.InstalledVersion == "" || installed.InstallPath == "" {
		return errIncompleteState
	}

	if _, err := release.ParseVersion(installed.InstalledVersion); err != nil {
		return err
	}

	return nil
}
