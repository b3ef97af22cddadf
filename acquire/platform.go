package acquire

import (
	"fmt"
	"regexp"
	"runtime"
	"strings"
)

// platforms maps GOOS/GOARCH pairs to release target triples. The triple
// encodes both OS and architecture, matching how the tool's binaries are
// published.
var platforms = map[string]string{
	"linux/amd64":   "x86_64-unknown-linux-gnu",
	"linux/arm64":   "aarch64-unknown-linux-gnu",
	"darwin/amd64":  "x86_64-apple-darwin",
	"darwin/arm64":  "aarch64-apple-darwin",
	"windows/amd64": "x86_64-pc-windows-msvc",
}

// ResolvePlatform maps an OS/CPU pair to a release target triple.
// Returns ErrUnsupportedPlatform when no mapping exists.
func ResolvePlatform(goos, goarch string) (string, error) {
	triple, ok := platforms[goos+"/"+goarch]
	if !ok {
		return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
	}
	return triple, nil
}

// HostPlatform resolves the current host's target triple.
func HostPlatform() (string, error) {
	return ResolvePlatform(runtime.GOOS, runtime.GOARCH)
}

// versionPattern is the strict semantic-version form accepted by Acquire:
// MAJOR.MINOR.PATCH with optional pre-release and build suffixes.
var versionPattern = regexp.MustCompile(
	`^\d+\.\d+\.\d+(?:-[0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*)?(?:\+[0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*)?$`)

// ValidVersion reports whether v is a well-formed semantic version.
func ValidVersion(v string) bool {
	return versionPattern.MatchString(v)
}

// sanitizeVersion strips any character outside [A-Za-z0-9.-] so a version
// string can never escape the cache root when used as a path element.
func sanitizeVersion(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// expandTemplate substitutes {version} and {platform} placeholders in a
// download or digest URL template.
func expandTemplate(template, version, platform string) string {
	out := strings.ReplaceAll(template, "{version}", version)
	return strings.ReplaceAll(out, "{platform}", platform)
}
