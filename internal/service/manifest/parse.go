package manifest

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"sigs.k8s.io/yaml"

	"github.com/oshokin/app-launcher/internal/domain/release"
)

//go:embed manifest.schema.json
var schemaDocument string

// manifestSchema validates the decoded document before it is mapped to a descriptor.
//
//nolint:gochecknoglobals // Compiled once from the embedded, constant schema.
var manifestSchema = jsonschema.MustCompileString("manifest.schema.json", schemaDocument)

// Parse decodes a YAML or JSON manifest, validates it against the schema and
// resolves a relative artifact URL against base (which may be nil).
// Every failure wraps ErrManifestMalformed.
func Parse(data []byte, base *url.URL) (*release.VersionDescriptor, error) {
	document, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrManifestMalformed, err)
	}

	decoder := json.NewDecoder(bytes.NewReader(document))
	decoder.UseNumber()

	var generic any
	if err = decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrManifestMalformed, err)
	}

	if err = manifestSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestMalformed, err)
	}

	var descriptor release.VersionDescriptor
	if err = json.Unmarshal(document, &descriptor); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrManifestMalformed, err)
	}

	parsedVersion, err := release.ParseVersion(descriptor.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestMalformed, err)
	}

	descriptor.Version = parsedVersion.String()
	descriptor.ArtifactDigest = strings.ToLower(descriptor.ArtifactDigest)

	if _, err = descriptor.Format(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestMalformed, err)
	}

	artifactURL, err := resolveArtifactURL(base, descriptor.ArtifactURL)
	if err != nil {
		return nil, fmt.Errorf("%w: artifact url: %w", ErrManifestMalformed, err)
	}

	descriptor.ArtifactURL = artifactURL

	return &descriptor, nil
}

// resolveArtifactURL lets publishers list the artifact next to the manifest by name only.
func resolveArtifactURL(base *url.URL, raw string) (string, error) {
	reference, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}

	if base != nil {
		reference = base.ResolveReference(reference)
	}

	if reference.Scheme != "http" && reference.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", reference.Scheme)
	}

	return reference.String(), nil
}
