// Package common holds helpers shared by several services.
//
// It provides a lightweight client for the launcher's gRPC status surface and
// detects the current system actor (hostname/username) for attempt logs.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
