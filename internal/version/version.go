package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version of the launcher build. It can be overridden via ldflags.
	Version = "1.0.0"
	// Commit is the short git SHA embedded at build time (or "none").
	Commit = "none"
	// BuildTime is the UTC build timestamp embedded at build time.
	BuildTime = "unknown"
)

// Short returns only the semantic version string.
func Short() string {
	return Version
}

// Full returns a human-readable version string with commit and build time.
// The "version: X, ..." prefix is also what the launcher parses when it queries
// an installed application that was built with this package.
func Full() string {
	return fmt.Sprintf("version: %s, commit: %s, built at: %s", Version, Commit, BuildTime)
}

// UserAgent identifies the launcher in requests to the distribution endpoint.
func UserAgent() string {
	return fmt.Sprintf("app-launcher/%s (%s; %s)", Version, runtime.GOOS, runtime.GOARCH)
}
