// Package config defines the launcher settings and provides helpers to load,
// validate and save them in YAML format.
//
// Besides connection parameters (manifest URL, timeouts, bearer token) the
// settings fix the on-disk layout under InstallRoot: the live "current"
// directory, version-tagged backups, the staging area, the state file and
// the lock file.
package config
