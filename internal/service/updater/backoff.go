package updater

import "time"

// Policy bounds retries of transient failures.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first one.
	MaxAttempts int
	// Base is the wait before the first retry; each further retry doubles it.
	Base time.Duration
	// Max caps a single wait.
	Max time.Duration
	// MaxElapsed caps the total time spent in one phase; zero means no cap.
	MaxElapsed time.Duration
}

// Backoff returns the wait before the next try after attempt tries have failed,
// and false when the policy is exhausted. elapsed is the time spent so far.
// The result depends only on its arguments.
func Backoff(policy Policy, attempt int, elapsed time.Duration) (time.Duration, bool) {
	if attempt < 1 || attempt >= policy.MaxAttempts {
		return 0, false
	}

	delay := policy.Base
	for range attempt - 1 {
		if policy.Max > 0 && delay >= policy.Max {
			break
		}

		delay *= 2
	}

	if policy.Max > 0 && delay > policy.Max {
		delay = policy.Max
	}

	if delay < 0 {
		delay = 0
	}

	if policy.MaxElapsed > 0 && elapsed+delay > policy.MaxElapsed {
		return 0, false
	}

	return delay, true
}
