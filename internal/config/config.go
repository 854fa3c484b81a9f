package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/app-launcher/internal/logger"
)

// Config holds the launcher settings shared by its commands.
type Config struct {
	// ManifestURL is where the release manifest is published.
	ManifestURL string `yaml:"manifest_url"`
	// InstallRoot holds the live install, backups, staging area, state and lock files.
	InstallRoot string `yaml:"install_root"`
	// Executable is the application binary name inside the live install directory.
	Executable string `yaml:"executable"`
	// Timeout bounds the manifest request.
	Timeout time.Duration `yaml:"timeout"`
	// DownloadTimeout bounds a single artifact download.
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	// MaxAttempts caps automatic retries of transient failures (including the first try).
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffBase is the wait before the first retry; it doubles on each further retry.
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffMax caps a single retry wait.
	BackoffMax time.Duration `yaml:"backoff_max"`
	// RetainBackups is how many prior versions are kept for rollback.
	RetainBackups int `yaml:"retain_backups"`
	// CheckSchedule is the cron expression of periodic checks in watch mode.
	CheckSchedule string `yaml:"check_schedule"`
	// StatusAddress is the gRPC health endpoint exposed in watch mode; empty disables it.
	StatusAddress string `yaml:"status_address,omitempty"`
	// Token is sent as a bearer token to the distribution endpoint.
	// When empty, the APP_LAUNCHER_TOKEN environment variable is used.
	Token string `yaml:"token,omitempty"`
	// SigningKey is an optional armored OpenPGP public key file; when set the
	// manifest must carry a valid detached signature.
	SigningKey string `yaml:"signing_key,omitempty"`
	// StopRunning terminates the running application before a new version is applied.
	StopRunning bool `yaml:"stop_running"`
	// VersionArgs are passed to the executable to report its version when no state file exists.
	VersionArgs []string `yaml:"version_args,omitempty"`
	// LaunchArgs are passed to the executable by the run command.
	LaunchArgs []string `yaml:"launch_args,omitempty"`
	// LogFile optionally duplicates logs into a file.
	LogFile string `yaml:"log_file,omitempty"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level,omitempty"`
}

const (
	// DefaultConfigFilename is the default filename for launcher settings.
	DefaultConfigFilename = "app-launcher-settings.yaml"

	// DefaultStateFilename is the state file kept beside the installation.
	DefaultStateFilename = "app-launcher-state.yaml"

	// TokenEnvironmentVariable supplies the bearer token when the settings file has none.
	TokenEnvironmentVariable = "APP_LAUNCHER_TOKEN"

	// DefaultTimeout is the default duration for the manifest request.
	DefaultTimeout = 5 * time.Second

	// DefaultDownloadTimeout is the default bound of one artifact download.
	DefaultDownloadTimeout = 10 * time.Minute

	// DefaultMaxAttempts is the default number of tries for transient failures.
	DefaultMaxAttempts = 3

	// DefaultBackoffBase is the default wait before the first retry.
	DefaultBackoffBase = 3 * time.Second

	// DefaultBackoffMax caps a single retry wait.
	DefaultBackoffMax = time.Minute

	// DefaultRetainBackups keeps only the immediately prior version.
	DefaultRetainBackups = 1

	// DefaultCheckSchedule runs a periodic check every thirty minutes.
	DefaultCheckSchedule = "@every 30m"

	// DefaultInstallRoot is used when the settings do not name one.
	DefaultInstallRoot = "app"

	// DefaultFilePermissions is the default file permission for settings and state files.
	DefaultFilePermissions = 0o600
)

// Layout directory and file names under InstallRoot.
const (
	currentDirName = "current"
	backupsDirName = "backups"
	stagingDirName = "staging"
	lockFileName   = ".app-launcher.lock"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errManifestURLRequired is returned when the manifest location is missing.
	errManifestURLRequired = errors.New("manifest url must be provided")
	// errExecutableRequired is returned when the application binary name is missing.
	errExecutableRequired = errors.New("executable name must be provided")
	// errInvalidExecutable rejects executable names that escape the install directory.
	errInvalidExecutable = errors.New("executable must be a plain file name")
	// errInvalidLogLevel is returned for a log level the logger does not know.
	errInvalidLogLevel = errors.New("log level must be one of debug, info, warn, error")
)

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions, the file may hold a token.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings for required fields and formatting
// and fills in defaults for everything optional.
//
//nolint:cyclop // A flat list of defaults reads better than helpers.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	if settings.ManifestURL == "" {
		return errManifestURLRequired
	}

	manifestURL, err := url.ParseRequestURI(settings.ManifestURL)
	if err != nil {
		return fmt.Errorf("invalid manifest url: %w", err)
	}

	if manifestURL.Scheme != "http" && manifestURL.Scheme != "https" {
		return fmt.Errorf("invalid manifest url scheme %q: %w", manifestURL.Scheme, errManifestURLRequired)
	}

	if settings.Executable == "" {
		return errExecutableRequired
	}

	if filepath.Base(settings.Executable) != settings.Executable || strings.Contains(settings.Executable, "..") {
		return fmt.Errorf("%q: %w", settings.Executable, errInvalidExecutable)
	}

	if settings.LogLevel != "" {
		if _, ok := logger.ParseLogLevel(settings.LogLevel); !ok {
			return fmt.Errorf("%q: %w", settings.LogLevel, errInvalidLogLevel)
		}
	}

	if settings.InstallRoot == "" {
		settings.InstallRoot = DefaultInstallRoot
	}

	if settings.Timeout <= 0 {
		settings.Timeout = DefaultTimeout
	}

	if settings.DownloadTimeout <= 0 {
		settings.DownloadTimeout = DefaultDownloadTimeout
	}

	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = DefaultMaxAttempts
	}

	if settings.BackoffBase <= 0 {
		settings.BackoffBase = DefaultBackoffBase
	}

	if settings.BackoffMax <= 0 {
		settings.BackoffMax = DefaultBackoffMax
	}

	if settings.RetainBackups <= 0 {
		settings.RetainBackups = DefaultRetainBackups
	}

	if settings.CheckSchedule == "" {
		settings.CheckSchedule = DefaultCheckSchedule
	}

	if _, err = cron.ParseStandard(settings.CheckSchedule); err != nil {
		return fmt.Errorf("invalid check schedule: %w", err)
	}

	if settings.StatusAddress != "" {
		if _, err = net.ResolveTCPAddr("tcp", settings.StatusAddress); err != nil {
			return fmt.Errorf("invalid status address: %w", err)
		}
	}

	if len(settings.VersionArgs) == 0 {
		settings.VersionArgs = []string{"version"}
	}

	return nil
}

// BearerToken returns the configured token or the environment fallback.
func (c *Config) BearerToken() string {
	if c.Token != "" {
		return c.Token
	}

	return strings.TrimSpace(os.Getenv(TokenEnvironmentVariable))
}

// CurrentDir is the live install directory.
func (c *Config) CurrentDir() string {
	return filepath.Join(c.InstallRoot, currentDirName)
}

// BackupsDir holds one directory per retained prior version.
func (c *Config) BackupsDir() string {
	return filepath.Join(c.InstallRoot, backupsDirName)
}

// StagingDir holds downloads that are not verified yet.
func (c *Config) StagingDir() string {
	return filepath.Join(c.InstallRoot, stagingDirName)
}

// StateFile is the InstalledState record beside the installation.
func (c *Config) StateFile() string {
	return filepath.Join(c.InstallRoot, DefaultStateFilename)
}

// LockFile guards the single in-flight update across processes.
func (c *Config) LockFile() string {
	return filepath.Join(c.InstallRoot, lockFileName)
}

// ExecutablePath is the live application binary.
func (c *Config) ExecutablePath() string {
	return filepath.Join(c.CurrentDir(), c.Executable)
}
