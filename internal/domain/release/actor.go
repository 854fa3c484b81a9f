package release

// Actor identifies the machine and account that triggered an attempt.
type Actor struct {
	// Hostname is the machine name.
	Hostname string
	// Username is the account the launcher runs under.
	Username string
}

// String renders the actor as user@host.
func (a *Actor) String() string {
	if a == nil {
		return ""
	}

	return a.Username + "@" + a.Hostname
}
