// Package acquire manages the external, versioned executable a build graph
// depends on: resolving a version and host platform to a download URL,
// fetching with retry and backoff, verifying a published digest, installing
// atomically into a per-version directory, and persisting install metadata.
//
// Managers are safe for concurrent use within a process; across processes
// the design favours idempotent final-state convergence over locking (two
// concurrent installers may download redundantly, but the installed result
// is identical and never corrupt).
package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/wolfeidau/toolcache/backend"
	"github.com/wolfeidau/toolcache/telemetry"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultExecutableName  = "schematool"
	DefaultVersionArg      = "--version"
	DefaultDownloadTimeout = 60 * time.Second
	DefaultMaxRetries      = 3
	DefaultRetryBaseDelay  = 500 * time.Millisecond
	DefaultMaxRetryDelay   = 8 * time.Second
	DefaultMinFreeDisk     = 100 * 1024 * 1024 // 100MB

	// validateTimeout bounds the version-query subprocess in Validate.
	validateTimeout = 5 * time.Second
)

// Config holds acquisition manager configuration.
type Config struct {
	// CacheDir is the root directory for installs, staging files and the
	// install manifest.
	CacheDir string

	// ExecutableName is the file name of the managed executable. On Windows
	// an .exe suffix is appended if missing.
	ExecutableName string

	// DownloadURLTemplate is the artifact URL with {version} and {platform}
	// placeholders.
	DownloadURLTemplate string

	// HashURLTemplate is the companion published-digest URL, same
	// placeholders. Required when VerifyHash is enabled.
	HashURLTemplate string

	// VersionArg is the trivial flag passed to the executable by Validate.
	VersionArg string

	// DownloadTimeout bounds each download attempt.
	DownloadTimeout time.Duration

	// MaxRetries is the download attempt budget.
	MaxRetries int

	// RetryBaseDelay is the delay before the first retry; it doubles per
	// attempt up to MaxRetryDelay.
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration

	// VerifyHash enables published-digest verification after extraction.
	VerifyHash bool

	// MinFreeDisk is the free-space threshold below which a warning is
	// logged before downloading. Shortfall never blocks the acquisition.
	MinFreeDisk int64

	// HTTPClient overrides the default HTTP client.
	HTTPClient *http.Client

	// Logger for acquisition events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics instruments, may be nil.
	Metrics *telemetry.Metrics
}

// Options adjusts a single Acquire call.
type Options struct {
	// Timeout overrides the per-attempt download timeout.
	Timeout time.Duration

	// MaxRetries overrides the download attempt budget.
	MaxRetries int

	// VerifyHash overrides the manager's verification toggle when non-nil.
	VerifyHash *bool

	// OnProgress receives cumulative download progress. total is -1 when
	// the server does not report a content length.
	OnProgress func(done, total int64)
}

// Manager acquires, validates and prunes installs of the managed executable.
type Manager struct {
	config  Config
	fs      *backend.Filesystem
	meta    *metadataStore
	client  *http.Client
	logger  *slog.Logger
	metrics *telemetry.Metrics
	group   singleflight.Group
	now     func() time.Time
}

// New creates a Manager rooted at cfg.CacheDir, creating the directory when
// needed.
func New(cfg Config) (*Manager, error) {
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("acquire: CacheDir is required")
	}
	if cfg.DownloadURLTemplate == "" {
		return nil, fmt.Errorf("acquire: DownloadURLTemplate is required")
	}
	if cfg.VerifyHash && cfg.HashURLTemplate == "" {
		return nil, fmt.Errorf("acquire: HashURLTemplate is required when VerifyHash is enabled")
	}
	if cfg.ExecutableName == "" {
		cfg.ExecutableName = DefaultExecutableName
	}
	if runtime.GOOS == "windows" && !strings.HasSuffix(cfg.ExecutableName, ".exe") {
		cfg.ExecutableName += ".exe"
	}
	if cfg.VersionArg == "" {
		cfg.VersionArg = DefaultVersionArg
	}
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = DefaultDownloadTimeout
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if cfg.MinFreeDisk == 0 {
		cfg.MinFreeDisk = DefaultMinFreeDisk
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	fs, err := backend.NewFilesystem(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("acquire: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	return &Manager{
		config:  cfg,
		fs:      fs,
		meta:    &metadataStore{fs: fs, logger: cfg.Logger},
		client:  client,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}, nil
}

// Acquire ensures the requested version is installed and returns the
// absolute path to its executable. A valid existing install is returned
// without any network access. Concurrent Acquire calls for the same version
// within a process share a single download.
//
// If the caller's context expires before the shared install completes,
// Acquire returns the context error but the install continues for other
// waiters.
func (m *Manager) Acquire(ctx context.Context, version string, opts Options) (string, error) {
	if !ValidVersion(version) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}

	ch := m.group.DoChan(sanitizeVersion(version), func() (any, error) {
		// Use a detached context so that no single caller's cancellation
		// stops the shared install for everyone else.
		return m.acquire(context.WithoutCancel(ctx), version, opts)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (m *Manager) acquire(ctx context.Context, version string, opts Options) (string, error) {
	execPath := m.Path(version)

	verify := m.config.VerifyHash
	if opts.VerifyHash != nil {
		verify = *opts.VerifyHash
	}

	if m.installValid(version, execPath, verify) {
		m.logger.Debug("using existing install", "version", version, "path", execPath)
		return execPath, nil
	}

	platform, err := HostPlatform()
	if err != nil {
		return "", err
	}

	m.checkDiskSpace()

	url := expandTemplate(m.config.DownloadURLTemplate, version, platform)
	staging := m.fs.Path(fmt.Sprintf("temp-%s-%d-%s",
		sanitizeVersion(version), m.now().UnixNano(), uuid.NewString()[:8]))

	m.logger.Info("downloading tool", "version", version, "platform", platform, "url", url)

	if err := m.downloadFile(ctx, url, staging, version, platform, opts); err != nil {
		return "", err
	}
	defer func() { _ = os.Remove(staging) }()

	stageDir, err := os.MkdirTemp(m.fs.Root(), "temp-"+sanitizeVersion(version)+"-install-")
	if err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	cleanupStage := true
	defer func() {
		if cleanupStage {
			_ = os.RemoveAll(stageDir)
		}
	}()

	stagedExec, err := installArtifact(staging, url, stageDir, m.config.ExecutableName)
	if err != nil {
		return "", err
	}

	var artifactDigest string
	if verify {
		artifactDigest, err = m.verifyArtifact(ctx, stagedExec, version, platform, opts)
		if err != nil {
			return "", err
		}
	}

	adopted, err := m.commitInstall(stageDir, version, execPath)
	if err != nil {
		return "", err
	}
	cleanupStage = false

	if adopted && artifactDigest != "" {
		// The surviving executable is a concurrent winner's file, not the
		// one we verified. Record its digest only if it also matches the
		// published one.
		surviving, hashErr := sha256File(execPath)
		if hashErr != nil || surviving != artifactDigest {
			m.logger.Warn("adopted concurrent install does not match the published digest",
				"version", version, "error", hashErr)
			artifactDigest = ""
		}
	}

	size := int64(0)
	if info, err := os.Stat(execPath); err == nil {
		size = info.Size()
	}

	meta := ToolMetadata{
		Version:        version,
		Platform:       platform,
		Architecture:   runtime.GOARCH,
		DownloadURL:    url,
		Hash:           artifactDigest,
		InstalledAt:    m.now(),
		ExecutablePath: execPath,
		FileSizeBytes:  size,
	}
	if err := m.meta.put(meta); err != nil {
		return "", err
	}

	m.metrics.RecordInstall(ctx, version, platform)
	m.logger.Info("tool installed", "version", version, "path", execPath, "size", size)

	return execPath, nil
}

// verifyArtifact compares the staged executable's SHA-256 digest against the
// published digest. Runs after extraction and before the install is
// committed; a mismatch is fatal and not retried.
func (m *Manager) verifyArtifact(ctx context.Context, stagedExec, version, platform string, opts Options) (string, error) {
	timeout := m.config.DownloadTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	digestURL := expandTemplate(m.config.HashURLTemplate, version, platform)
	published, err := m.fetchDigest(ctx, digestURL, timeout)
	if err != nil {
		return "", fmt.Errorf("fetching published digest for %s (%s): %w", version, platform, err)
	}

	local, err := sha256File(stagedExec)
	if err != nil {
		return "", fmt.Errorf("hashing installed artifact: %w", err)
	}

	if local != published {
		return "", fmt.Errorf("%w: version %s platform %s: published %s, got %s",
			ErrIntegrityMismatch, version, platform, published, local)
	}
	return local, nil
}

// commitInstall renames the staging directory into the version-scoped
// target. Losing the rename race to a concurrent installer is fine as long
// as the winner's install is valid; adopted reports that outcome so the
// caller knows the surviving executable is not the one it staged.
func (m *Manager) commitInstall(stageDir, version, execPath string) (adopted bool, err error) {
	target := filepath.Join(m.fs.Root(), sanitizeVersion(version))

	if err := os.Rename(stageDir, target); err != nil {
		if m.installValid(version, execPath, false) {
			_ = os.RemoveAll(stageDir)
			return true, nil
		}
		// Stale or partial target; replace it.
		if rmErr := os.RemoveAll(target); rmErr != nil {
			return false, fmt.Errorf("replacing stale install: %w", rmErr)
		}
		if err := os.Rename(stageDir, target); err != nil {
			return false, fmt.Errorf("committing install: %w", err)
		}
	}
	return false, nil
}

// installValid reports whether a usable install already exists: the
// executable is present with execute permission, and, when verification is
// required, a manifest entry records that the install completed.
func (m *Manager) installValid(version, execPath string, requireVerified bool) bool {
	info, err := os.Stat(execPath)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
		return false
	}
	if requireVerified {
		meta, ok := m.meta.get(version)
		if !ok || meta.Hash == "" {
			return false
		}
	}
	return true
}

// checkDiskSpace warns when free space is below the configured minimum.
// Probe failures and shortfalls never block the acquisition; space
// estimation is a platform heuristic, not a guarantee.
func (m *Manager) checkDiskSpace() {
	free, err := freeDiskBytes(m.fs.Root())
	if err != nil {
		m.logger.Debug("disk space probe unavailable", "error", err)
		return
	}
	if free < m.config.MinFreeDisk {
		m.logger.Warn("low disk space for tool install",
			"free_bytes", free,
			"min_bytes", m.config.MinFreeDisk,
		)
	}
}

// Validate reports whether the installed executable for version exists, has
// execute permission, and answers a trivial version query within a short
// timeout. It never returns an error; any failure is false.
func (m *Manager) Validate(ctx context.Context, version string) bool {
	if !ValidVersion(version) {
		return false
	}
	execPath := m.Path(version)
	if !m.installValid(version, execPath, false) {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, validateTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, execPath, m.config.VersionArg)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run() == nil
}

// Path returns the expected executable path for a version. It is a pure
// computation: no network or filesystem access. The version string is
// sanitized so a crafted version cannot traverse outside the cache root.
func (m *Manager) Path(version string) string {
	return filepath.Join(m.config.CacheDir, sanitizeVersion(version), m.config.ExecutableName)
}

// ListInstalled enumerates the version-scoped install directories under the
// cache root, excluding staging directories.
func (m *Manager) ListInstalled() ([]string, error) {
	dirs, err := m.fs.Dirs()
	if err != nil {
		return nil, err
	}
	versions := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		if strings.HasPrefix(dir, "temp-") {
			continue
		}
		versions = append(versions, dir)
	}
	return versions, nil
}

// Cleanup removes every installed version not named in keepVersions, plus
// leftover staging files from interrupted downloads. Failures to remove an
// individual entry are logged and do not abort the sweep.
func (m *Manager) Cleanup(keepVersions []string) error {
	keep := make(map[string]bool, len(keepVersions))
	for _, v := range keepVersions {
		keep[sanitizeVersion(v)] = true
	}

	dirs, err := m.fs.Dirs()
	if err != nil {
		return err
	}

	var removed []string
	for _, dir := range dirs {
		if keep[dir] && !strings.HasPrefix(dir, "temp-") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.fs.Root(), dir)); err != nil {
			m.logger.Warn("failed to remove install", "dir", dir, "error", err)
			continue
		}
		if !strings.HasPrefix(dir, "temp-") {
			removed = append(removed, dir)
			m.logger.Info("removed install", "version", dir)
		}
	}

	files, err := m.fs.List("")
	if err != nil {
		return err
	}
	for _, f := range files {
		if !strings.HasPrefix(f.Name, "temp-") {
			continue
		}
		if err := m.fs.Remove(f.Name); err != nil {
			m.logger.Warn("failed to remove staging file", "name", f.Name, "error", err)
		}
	}

	if len(removed) > 0 {
		if err := m.meta.remove(removed); err != nil {
			m.logger.Warn("failed to prune install metadata", "error", err)
		}
	}
	return nil
}

// Metadata returns the recorded install metadata for a version.
func (m *Manager) Metadata(version string) (ToolMetadata, bool) {
	return m.meta.get(version)
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
