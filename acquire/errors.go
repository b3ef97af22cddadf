package acquire

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidVersion is returned when a version string does not match the
	// strict semantic-version pattern. Not retried.
	ErrInvalidVersion = errors.New("invalid version")

	// ErrUnsupportedPlatform is returned when the host OS/CPU has no mapping
	// to a known release platform. Not retried.
	ErrUnsupportedPlatform = errors.New("unsupported platform")

	// ErrIntegrityMismatch is returned when the installed artifact's digest
	// does not match the published digest. Fatal; the partial install is
	// removed before the error is returned.
	ErrIntegrityMismatch = errors.New("artifact digest mismatch")

	// ErrExtractionFailed is returned when a downloaded archive cannot be
	// unpacked or contains no matching executable. Fatal; staging files are
	// removed before the error is returned.
	ErrExtractionFailed = errors.New("artifact extraction failed")
)

// DownloadError is returned when a download exhausts its retry budget.
// It carries the context a caller needs to report the failure: the version
// and platform being acquired, the URL, the number of attempts made, and the
// error from the final attempt.
type DownloadError struct {
	Version  string
	Platform string
	URL      string
	Attempts int
	Err      error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("downloading %s for %s failed after %d attempts: %v",
		e.Version, e.Platform, e.Attempts, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}
