// Package checksum computes and compares artifact digests.
//
// The algorithm is SHA-256 rendered as lowercase hex. Digest and Verify are
// pure functions over the file bytes, so re-verifying an unchanged file is
// always safe.
package checksum
