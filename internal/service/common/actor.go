//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"errors"
	"fmt"
	"os"
	"os/user"

	"github.com/oshokin/app-launcher/internal/domain/release"
)

// errUnknownUser is returned when neither the user database nor the environment names the user.
var errUnknownUser = errors.New("current user is unknown")

// DetectActor identifies who triggered an update attempt, for the attempt log.
// The user name falls back to USER/USERNAME where the user database is unavailable.
func DetectActor() (*release.Actor, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %w", err)
	}

	username, err := currentUsername()
	if err != nil {
		return nil, err
	}

	return &release.Actor{
		Hostname: hostname,
		Username: username,
	}, nil
}

func currentUsername() (string, error) {
	currentUser, err := user.Current()
	if err == nil && currentUser.Username != "" {
		return currentUser.Username, nil
	}

	for _, key := range []string{"USER", "USERNAME"} {
		if value := os.Getenv(key); value != "" {
			return value, nil
		}
	}

	if err != nil {
		return "", fmt.Errorf("current user: %w", err)
	}

	return "", errUnknownUser
}
