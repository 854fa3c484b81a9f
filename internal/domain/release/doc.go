// Package release contains the core domain types of the update client.
//
// It defines the remote VersionDescriptor, the locally persisted InstalledState,
// the transient StagingArtifact and the UpdateAttempt record together with the
// phases and failure reasons of the update state machine. Versions are ordered
// field by field (major, minor, patch), never lexicographically.
package release
