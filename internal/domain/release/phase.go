package release

// Phase is a state of the update state machine.
type Phase string

const (
	// PhaseIdle means no attempt is running.
	PhaseIdle Phase = "IDLE"
	// PhaseChecking fetches the manifest and compares versions.
	PhaseChecking Phase = "CHECKING"
	// PhaseUpToDate is terminal: the manifest is not newer than the installation.
	PhaseUpToDate Phase = "UP_TO_DATE"
	// PhaseDownloading stages the artifact.
	PhaseDownloading Phase = "DOWNLOADING"
	// PhaseVerifying compares the staged digest with the manifest.
	PhaseVerifying Phase = "VERIFYING"
	// PhaseApplying swaps the artifact into the live install path.
	PhaseApplying Phase = "APPLYING"
	// PhaseDone is terminal: the new version is live and recorded.
	PhaseDone Phase = "DONE"
	// PhaseFailed is terminal and always carries a Reason.
	PhaseFailed Phase = "FAILED"
)

// Terminal reports whether the phase ends an attempt.
func (p Phase) Terminal() bool {
	return p == PhaseUpToDate || p == PhaseDone || p == PhaseFailed
}

// Busy reports whether the live installation may be changing in this phase.
func (p Phase) Busy() bool {
	return p == PhaseDownloading || p == PhaseVerifying || p == PhaseApplying
}

// Reason explains why an attempt reached FAILED.
type Reason string

const (
	// ReasonNone is used for non-failed outcomes.
	ReasonNone Reason = ""
	// ReasonManifestUnavailable is a network, timeout or HTTP status error on the manifest.
	ReasonManifestUnavailable Reason = "manifest_unavailable"
	// ReasonManifestMalformed means required fields are missing or invalid.
	ReasonManifestMalformed Reason = "manifest_malformed"
	// ReasonDownloadFailed is a transport error while fetching the artifact.
	ReasonDownloadFailed Reason = "download_failed"
	// ReasonDownloadIncomplete means the stream ended before artifact_size bytes.
	ReasonDownloadIncomplete Reason = "download_incomplete"
	// ReasonDigestMismatch means the staged artifact failed verification.
	ReasonDigestMismatch Reason = "digest_mismatch"
	// ReasonApplyFailed means the installer failed and rolled back.
	ReasonApplyFailed Reason = "apply_failed"
	// ReasonAttemptInProgress means another attempt holds the single-flight lock.
	ReasonAttemptInProgress Reason = "attempt_in_progress"
)

// Transient reports whether the failure is eligible for automatic retry.
func (r Reason) Transient() bool {
	switch r {
	case ReasonManifestUnavailable, ReasonDownloadFailed, ReasonDownloadIncomplete:
		return true
	default:
		return false
	}
}

// Message is the user-facing explanation of a failure reason.
func (r Reason) Message() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonManifestUnavailable:
		return "the update server could not be reached, try again later"
	case ReasonManifestMalformed:
		return "the update server published an invalid release description"
	case ReasonDownloadFailed:
		return "the update could not be downloaded, try again later"
	case ReasonDownloadIncomplete:
		return "the update download was interrupted, try again later"
	case ReasonDigestMismatch:
		return "the downloaded update is corrupt and was discarded"
	case ReasonApplyFailed:
		return "the update could not be installed; the previous version was kept, check disk space and permissions"
	case ReasonAttemptInProgress:
		return "an update is already in progress"
	default:
		return string(r)
	}
}
