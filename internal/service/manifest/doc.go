// Package manifest fetches and parses the release manifest.
//
// The manifest is a small YAML or JSON document naming the latest version,
// its changelog and where to download the artifact together with its digest.
// The client performs a single bounded GET, never retries on its own, and
// classifies every failure as either ErrManifestUnavailable (network, timeout,
// HTTP status) or ErrManifestMalformed (schema, version or signature problems).
package manifest
