package packager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"sigs.k8s.io/yaml"

	"github.com/oshokin/app-launcher/internal/domain/release"
	"github.com/oshokin/app-launcher/internal/logger"
	"github.com/oshokin/app-launcher/internal/service/checksum"
	"github.com/oshokin/app-launcher/internal/service/manifest"
)

const (
	// DefaultManifestFilename is where the manifest is written when no output is given.
	DefaultManifestFilename = "manifest.yaml"

	// PassphraseEnvironmentVariable unlocks an encrypted signing key.
	PassphraseEnvironmentVariable = "APP_PACKAGER_PASSPHRASE"

	// manifestFileMode keeps the published files world-readable.
	manifestFileMode = 0o644
)

// Options contains inputs for the packager entry point.
type Options struct {
	// ArtifactPath is the built artifact on the local disk.
	ArtifactPath string
	// ArtifactURL is where the artifact will be downloadable; a bare name is resolved next to the manifest.
	ArtifactURL string
	// Version is the semantic version of the release.
	Version string
	// ChangelogPath optionally names a file whose contents become the changelog.
	ChangelogPath string
	// Format overrides the artifact format inferred from ArtifactURL.
	Format string
	// Output is the manifest path (defaults to manifest.yaml).
	Output string
	// SigningKey optionally names an armored OpenPGP private key used to sign the manifest.
	SigningKey string
}

var (
	// errArtifactRequired is returned when no artifact is given.
	errArtifactRequired = errors.New("artifact path must be provided")
	// errArtifactNotRegular rejects directories and devices.
	errArtifactNotRegular = errors.New("artifact must be a regular file")
	// errNoSigningKey is returned when the key file holds no private key.
	errNoSigningKey = errors.New("signing key file contains no private key")
	// errPassphraseRequired is returned for encrypted keys without a passphrase.
	errPassphraseRequired = errors.New("signing key is encrypted, set " + PassphraseEnvironmentVariable)
)

// relativeBase stands in for the manifest location when a bare artifact name is checked.
//
//nolint:gochecknoglobals // Constant URL.
var relativeBase = &url.URL{Scheme: "https", Host: "manifest.invalid", Path: "/"}

// Run builds the manifest for one artifact and writes it (and its signature) to disk.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "app-packager")

	descriptor, err := Describe(opts)
	if err != nil {
		return err
	}

	output := opts.Output
	if output == "" {
		output = DefaultManifestFilename
	}

	contents, err := Marshal(descriptor)
	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "Saving release manifest",
		"path", output,
		"version", descriptor.Version,
		"digest", descriptor.ArtifactDigest,
		"size", descriptor.ArtifactSize)

	if err = os.WriteFile(output, contents, manifestFileMode); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	files := []string{filepath.Base(opts.ArtifactPath), filepath.Base(output)}

	if opts.SigningKey != "" {
		signaturePath := output + manifest.SignatureSuffix
		if err = sign(opts.SigningKey, contents, signaturePath); err != nil {
			return err
		}

		logger.InfoKV(ctx, "Signed release manifest", "path", signaturePath)

		files = append(files, filepath.Base(signaturePath))
	}

	printNextSteps(ctx, descriptor, files)

	return nil
}

// Describe computes the manifest entry for the artifact named in opts.
func Describe(opts *Options) (*release.VersionDescriptor, error) {
	if opts.ArtifactPath == "" {
		return nil, errArtifactRequired
	}

	version, err := release.ParseVersion(opts.Version)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(opts.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", opts.ArtifactPath, errArtifactNotRegular)
	}

	digest, err := checksum.Digest(opts.ArtifactPath)
	if err != nil {
		return nil, err
	}

	descriptor := &release.VersionDescriptor{
		Version:        version.String(),
		ArtifactURL:    strings.TrimSpace(opts.ArtifactURL),
		ArtifactDigest: digest,
		ArtifactSize:   info.Size(),
		ArtifactFormat: release.ArtifactFormat(opts.Format),
	}

	if opts.ChangelogPath != "" {
		changelog, readErr := os.ReadFile(filepath.Clean(opts.ChangelogPath))
		if readErr != nil {
			return nil, fmt.Errorf("read changelog: %w", readErr)
		}

		descriptor.Changelog = strings.TrimSpace(string(changelog)) + "\n"
	}

	return descriptor, nil
}

// Marshal renders the descriptor as manifest YAML and checks the launcher would accept it.
func Marshal(descriptor *release.VersionDescriptor) ([]byte, error) {
	contents, err := yaml.Marshal(descriptor)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}

	if _, err = manifest.Parse(contents, relativeBase); err != nil {
		return nil, err
	}

	return contents, nil
}

// sign writes an armored detached signature of contents using the first private key in keyPath.
func sign(keyPath string, contents []byte, signaturePath string) error {
	signer, err := loadSigner(keyPath)
	if err != nil {
		return err
	}

	var signature bytes.Buffer
	if err = openpgp.ArmoredDetachSign(&signature, signer, bytes.NewReader(contents), nil); err != nil {
		return fmt.Errorf("sign manifest: %w", err)
	}

	if err = os.WriteFile(signaturePath, signature.Bytes(), manifestFileMode); err != nil {
		return fmt.Errorf("write signature: %w", err)
	}

	return nil
}

// loadSigner reads the signing entity and unlocks it when needed.
func loadSigner(keyPath string) (*openpgp.Entity, error) {
	file, err := os.Open(filepath.Clean(keyPath))
	if err != nil {
		return nil, fmt.Errorf("open signing key: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	keyring, err := openpgp.ReadArmoredKeyRing(file)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}

	for _, entity := range keyring {
		if entity.PrivateKey == nil {
			continue
		}

		if entity.PrivateKey.Encrypted {
			passphrase := os.Getenv(PassphraseEnvironmentVariable)
			if passphrase == "" {
				return nil, errPassphraseRequired
			}

			if err = entity.PrivateKey.Decrypt([]byte(passphrase)); err != nil {
				return nil, fmt.Errorf("unlock signing key: %w", err)
			}
		}

		return entity, nil
	}

	return nil, errNoSigningKey
}

// printNextSteps logs human-readable guidance for publishing the release.
func printNextSteps(ctx context.Context, descriptor *release.VersionDescriptor, files []string) {
	var builder strings.Builder

	builder.WriteString("Upload the following files to the distribution folder:\n")
	builder.WriteString(strings.Join(files, ",\n"))
	builder.WriteString("\n\nThe artifact must be reachable at ")
	builder.WriteString(descriptor.ArtifactURL)
	builder.WriteString(" (relative names are resolved next to the manifest).")

	logger.Info(ctx, builder.String())
}
