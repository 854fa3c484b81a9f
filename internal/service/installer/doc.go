// Package installer swaps verified artifacts into the live install directory.
//
// The install root holds the live directory ("current"), one directory per
// retained prior version under "backups", and the download "staging" area.
// New content is materialized next to the live directory first; the swap
// itself is two renames, and the installed state is saved only after both
// succeed. Any failure restores the previous live directory, and Recover
// repairs a swap that was interrupted by a crash or power loss.
package installer
