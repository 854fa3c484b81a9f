// Package state implements persistence for the InstalledState record.
//
// The FileRepository stores and loads the record as YAML beside the
// installation and exposes a Repository interface that the installer and the
// update orchestrator depend on.
package state
