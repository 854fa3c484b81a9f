package checksum

import (
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	// Register SHA-256 for crypto.Hash.New.
	_ "crypto/sha256"
)

// Algorithm is the hash used for artifact digests.
const Algorithm crypto.Hash = crypto.SHA256

var (
	// ErrMismatch indicates the computed digest does not match the expected one.
	ErrMismatch = errors.New("digest mismatch")

	// ErrMalformedDigest indicates the expected digest is not valid hex of the right length.
	ErrMalformedDigest = errors.New("malformed digest")
)

// MismatchError provides details about a verification failure.
// It wraps ErrMismatch so callers can use errors.Is for classification.
type MismatchError struct {
	Path     string
	Expected string
	Got      string
}

// Error returns a human-readable description of the mismatch.
func (e *MismatchError) Error() string {
	return fmt.Sprintf("digest mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Got)
}

// Unwrap returns ErrMismatch so callers can use errors.Is.
func (e *MismatchError) Unwrap() error { return ErrMismatch }

// Digest returns the lowercase hex digest of the file at path.
// The file is streamed through the hash, never loaded whole.
func Digest(path string) (string, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}

	defer func() {
		_ = file.Close()
	}()

	return DigestReader(file)
}

// DigestReader returns the lowercase hex digest of everything read from r.
func DigestReader(r io.Reader) (string, error) {
	hasher := Algorithm.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("calculate digest: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Verify reports whether the file at path has the expected digest.
// Comparison is case-insensitive. An error is returned only when the file
// cannot be read or the expected digest is malformed.
func Verify(path, expected string) (bool, error) {
	if err := ValidateDigest(expected); err != nil {
		return false, err
	}

	got, err := Digest(path)
	if err != nil {
		return false, err
	}

	return strings.EqualFold(got, expected), nil
}

// Check is Verify that reports a mismatch as a *MismatchError.
// It returns the computed digest in both cases.
func Check(path, expected string) (string, error) {
	if err := ValidateDigest(expected); err != nil {
		return "", err
	}

	got, err := Digest(path)
	if err != nil {
		return "", err
	}

	if !strings.EqualFold(got, expected) {
		return got, &MismatchError{
			Path:     path,
			Expected: strings.ToLower(expected),
			Got:      got,
		}
	}

	return got, nil
}

// Decode converts a hex digest to raw bytes.
func Decode(digest string) ([]byte, error) {
	if err := ValidateDigest(digest); err != nil {
		return nil, err
	}

	return hex.DecodeString(strings.ToLower(digest))
}

// ValidateDigest checks that digest is hex of the algorithm's length.
func ValidateDigest(digest string) error {
	if len(digest) != hex.EncodedLen(Algorithm.Size()) {
		return fmt.Errorf("%w: want %d hex characters, got %d", ErrMalformedDigest, hex.EncodedLen(Algorithm.Size()), len(digest))
	}

	if _, err := hex.DecodeString(digest); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedDigest, err)
	}

	return nil
}
