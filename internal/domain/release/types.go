package release

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// VersionDescriptor is the remote manifest naming the latest published version.
// It is immutable once fetched and identified by Version.
type VersionDescriptor struct {
	// Version is the semantic version of the published release.
	Version string `json:"version" yaml:"version"`
	// Changelog is the human-readable description of the release.
	Changelog string `json:"changelog,omitempty" yaml:"changelog,omitempty"`
	// ArtifactURL locates the artifact; it must be retrievable with GET.
	ArtifactURL string `json:"artifact_url" yaml:"artifact_url"`
	// ArtifactDigest is the lowercase hex SHA-256 of the artifact bytes.
	ArtifactDigest string `json:"artifact_digest" yaml:"artifact_digest"`
	// ArtifactSize is the artifact length in bytes; zero when unknown.
	ArtifactSize int64 `json:"artifact_size,omitempty" yaml:"artifact_size,omitempty"`
	// ArtifactFormat overrides the format inferred from ArtifactURL.
	ArtifactFormat ArtifactFormat `json:"artifact_format,omitempty" yaml:"artifact_format,omitempty"`
}

// Format resolves the artifact format, falling back to the URL extension.
func (d *VersionDescriptor) Format() (ArtifactFormat, error) {
	return DetectFormat(d.ArtifactFormat, d.ArtifactURL)
}

// ArtifactName returns the last path element of ArtifactURL, used to name staged files.
func (d *VersionDescriptor) ArtifactName() string {
	name := d.ArtifactURL
	if parsed, err := url.Parse(d.ArtifactURL); err == nil && parsed.Path != "" {
		name = parsed.Path
	}

	base := path.Base(name)
	if base == "." || base == "/" || base == "" {
		return "artifact"
	}

	return base
}

// InstalledState is the locally persisted record of the live installation.
// It is mutated only by the installer, under the single-flight lock.
type InstalledState struct {
	// InstalledVersion is the version currently in the live install path.
	InstalledVersion string `yaml:"installed_version"`
	// InstalledAt is when InstalledVersion was applied.
	InstalledAt time.Time `yaml:"installed_at"`
	// PreviousVersion names the retained, verified backup; empty when none exists.
	PreviousVersion string `yaml:"previous_version,omitempty"`
	// InstallPath is the live install directory.
	InstallPath string `yaml:"install_path"`
	// HeldVersion is the release the user rolled back from. Automatic updates skip it
	// and anything older until a newer release is published.
	HeldVersion string `yaml:"held_version,omitempty"`
}

// HasPrevious reports whether a rollback target is recorded.
func (s *InstalledState) HasPrevious() bool {
	return s != nil && s.PreviousVersion != ""
}

// Offers reports whether an automatic update should move the installation to version.
func (s *InstalledState) Offers(version string) (bool, error) {
	installed := ""
	if s != nil {
		installed = s.InstalledVersion
	}

	newer, err := IsNewer(version, installed)
	if err != nil || !newer || s == nil || s.HeldVersion == "" {
		return newer, err
	}

	return IsNewer(version, s.HeldVersion)
}

// Clone returns a copy of the state so callers cannot mutate the persisted record.
func (s *InstalledState) Clone() *InstalledState {
	if s == nil {
		return nil
	}

	cloned := *s

	return &cloned
}

// StagingArtifact is a downloaded artifact waiting for verification and apply.
// It lives only inside the staging directory and is never shared across attempts.
type StagingArtifact struct {
	// LocalPath is the staged file.
	LocalPath string
	// Version is the release the artifact belongs to.
	Version string
	// Format tells the installer how to place the artifact.
	Format ArtifactFormat
	// ExpectedDigest comes from the manifest.
	ExpectedDigest string
	// ActualDigest is computed by the checksum verifier; empty until verified.
	ActualDigest string
	// ByteCount is the size of the staged file.
	ByteCount int64
}

// UpdateAttempt is the ephemeral record of one orchestration run.
type UpdateAttempt struct {
	// ID correlates the log lines of one run.
	ID string
	// StartedAt is when the run left IDLE.
	StartedAt time.Time
	// TargetVersion is the manifest version, known after CHECKING.
	TargetVersion string
	// Phase is the current state machine phase.
	Phase Phase
	// Outcome is set once the run reaches FAILED.
	Outcome Reason
}

// ArtifactFormat tells the installer how to turn an artifact into a live install.
type ArtifactFormat string

const (
	// FormatBinary is a single executable placed as-is.
	FormatBinary ArtifactFormat = "binary"
	// FormatZip is a zip archive extracted into the install directory.
	FormatZip ArtifactFormat = "zip"
	// FormatTarGzip is a gzip-compressed tarball.
	FormatTarGzip ArtifactFormat = "tar.gz"
	// FormatTarXz is an xz-compressed tarball.
	FormatTarXz ArtifactFormat = "tar.xz"
	// FormatTarZstd is a zstd-compressed tarball.
	FormatTarZstd ArtifactFormat = "tar.zst"
)

// ErrUnknownFormat is returned for artifact formats the installer cannot place.
var ErrUnknownFormat = errors.New("unknown artifact format")

// DetectFormat validates a declared format or infers one from the artifact URL.
// URLs without a recognized archive extension are treated as a single binary.
func DetectFormat(declared ArtifactFormat, artifactURL string) (ArtifactFormat, error) {
	if declared != "" {
		switch declared {
		case FormatBinary, FormatZip, FormatTarGzip, FormatTarXz, FormatTarZstd:
			return declared, nil
		default:
			return "", fmt.Errorf("%w: %s", ErrUnknownFormat, declared)
		}
	}

	name := strings.ToLower(artifactURL)
	if parsed, err := url.Parse(artifactURL); err == nil && parsed.Path != "" {
		name = strings.ToLower(parsed.Path)
	}

	switch {
	case strings.HasSuffix(name, ".zip"):
		return FormatZip, nil
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return FormatTarGzip, nil
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"):
		return FormatTarXz, nil
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tzst"):
		return FormatTarZstd, nil
	default:
		return FormatBinary, nil
	}
}
