package release

import (
	"errors"
	"fmt"
	"strings"

	"github.com/blang/semver"
)

// ErrInvalidVersion indicates a version string is not a MAJOR.MINOR.PATCH semantic version.
var ErrInvalidVersion = errors.New("invalid semantic version")

// ParseVersion parses a semantic version, tolerating a leading "v"/"V" and
// surrounding whitespace. Missing minor or patch components are treated as zero.
func ParseVersion(raw string) (semver.Version, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "v")
	trimmed = strings.TrimPrefix(trimmed, "V")

	if trimmed == "" {
		return semver.Version{}, fmt.Errorf("%w: empty", ErrInvalidVersion)
	}

	parsed, err := semver.ParseTolerant(trimmed)
	if err != nil {
		return semver.Version{}, fmt.Errorf("%w: %q: %w", ErrInvalidVersion, raw, err)
	}

	return parsed, nil
}

// CompareVersions returns -1, 0 or 1 when a is older, equal or newer than b.
func CompareVersions(a, b string) (int, error) {
	left, err := ParseVersion(a)
	if err != nil {
		return 0, err
	}

	right, err := ParseVersion(b)
	if err != nil {
		return 0, err
	}

	return left.Compare(right), nil
}

// IsNewer reports whether candidate is strictly greater than installed.
// An empty installed version means nothing is installed yet, so any valid
// candidate is newer.
func IsNewer(candidate, installed string) (bool, error) {
	next, err := ParseVersion(candidate)
	if err != nil {
		return false, err
	}

	if strings.TrimSpace(installed) == "" {
		return true, nil
	}

	current, err := ParseVersion(installed)
	if err != nil {
		return false, err
	}

	return next.GT(current), nil
}
