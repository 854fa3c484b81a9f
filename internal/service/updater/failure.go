package updater

import (
	"context"
	"errors"
	"fmt"

	"github.com/oshokin/app-launcher/internal/domain/release"
	"github.com/oshokin/app-launcher/internal/service/checksum"
	"github.com/oshokin/app-launcher/internal/service/fetcher"
	"github.com/oshokin/app-launcher/internal/service/manifest"
)

// ErrAttemptInProgress is returned when another attempt holds the installation.
var ErrAttemptInProgress = errors.New("update attempt already in progress")

// Failure is the terminal error of an attempt that ended in FAILED.
type Failure struct {
	// Phase is where the attempt stopped.
	Phase release.Phase
	// Reason classifies the failure for the outcome surface.
	Reason release.Reason
	// Err is the originating error.
	Err error
}

// Error implements error.
func (f *Failure) Error() string {
	return fmt.Sprintf("%s during %s: %v", f.Reason, f.Phase, f.Err)
}

// Unwrap exposes the originating error.
func (f *Failure) Unwrap() error {
	return f.Err
}

// Message is the user-facing description of the failure.
func (f *Failure) Message() string {
	return f.Reason.Message()
}

// classify maps a component error to a failure reason.
func classify(phase release.Phase, err error) release.Reason {
	switch {
	case errors.Is(err, ErrAttemptInProgress):
		return release.ReasonAttemptInProgress
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return cancelledReason(phase)
	case errors.Is(err, manifest.ErrManifestMalformed):
		return release.ReasonManifestMalformed
	case errors.Is(err, manifest.ErrManifestUnavailable):
		return release.ReasonManifestUnavailable
	case errors.Is(err, fetcher.ErrDownloadIncomplete):
		return release.ReasonDownloadIncomplete
	case errors.Is(err, fetcher.ErrDownloadFailed):
		return release.ReasonDownloadFailed
	case errors.Is(err, checksum.ErrMismatch):
		return release.ReasonDigestMismatch
	default:
		return release.ReasonApplyFailed
	}
}

// cancelledReason attributes a cancellation to the phase that was running.
func cancelledReason(phase release.Phase) release.Reason {
	switch phase {
	case release.PhaseChecking:
		return release.ReasonManifestUnavailable
	case release.PhaseDownloading, release.PhaseVerifying:
		return release.ReasonDownloadFailed
	default:
		return release.ReasonApplyFailed
	}
}

// AsFailure extracts the Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure, true
	}

	return nil, false
}
