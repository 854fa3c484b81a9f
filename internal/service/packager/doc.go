// Package packager prepares the release manifest consumed by the launcher.
//
// It computes the SHA-256 digest and size of a built artifact, records the
// version, artifact location and optional changelog, and writes the manifest
// YAML (and, when a signing key is given, its detached signature) so the
// upload step only has to copy files to the distribution endpoint.
package packager
