//go:build !unix

package acquire

import "errors"

// freeDiskBytes is unavailable on this platform. The caller treats probe
// errors as "unknown" and proceeds, matching the warn-don't-block policy.
func freeDiskBytes(path string) (int64, error) {
	return 0, errors.ErrUnsupported
}
