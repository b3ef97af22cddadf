package acquire

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.CacheDir == "" {
		cfg.CacheDir = t.TempDir()
	}
	if cfg.DownloadURLTemplate == "" {
		cfg.DownloadURLTemplate = "https://unused.invalid/{version}/{platform}"
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	cfg.RetryBaseDelay = time.Millisecond
	cfg.MaxRetryDelay = 2 * time.Millisecond

	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(Config{DownloadURLTemplate: "https://x/{version}"})
	require.Error(t, err)

	_, err = New(Config{CacheDir: t.TempDir()})
	require.Error(t, err)

	_, err = New(Config{
		CacheDir:            t.TempDir(),
		DownloadURLTemplate: "https://x/{version}",
		VerifyHash:          true,
	})
	require.Error(t, err)
}

func TestAcquireRejectsInvalidVersion(t *testing.T) {
	m := newTestManager(t, Config{})

	_, err := m.Acquire(context.Background(), "not-a-version", Options{})
	require.ErrorIs(t, err, ErrInvalidVersion)

	_, err = m.Acquire(context.Background(), "../../1.2.3", Options{})
	require.ErrorIs(t, err, ErrInvalidVersion)
}

func TestAcquireDownloadsAndInstalls(t *testing.T) {
	content := []byte("#!/bin/sh\nexit 0\n")
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	m := newTestManager(t, Config{
		DownloadURLTemplate: srv.URL + "/schematool-{version}-{platform}",
	})

	execPath, err := m.Acquire(context.Background(), "1.2.3", Options{})
	require.NoError(t, err)
	require.Equal(t, m.Path("1.2.3"), execPath)
	require.EqualValues(t, 1, requests.Load())

	data, err := os.ReadFile(execPath)
	require.NoError(t, err)
	require.Equal(t, content, data)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(execPath)
		require.NoError(t, err)
		require.NotZero(t, info.Mode().Perm()&0o111)
	}

	meta, ok := m.Metadata("1.2.3")
	require.True(t, ok)
	require.Equal(t, "1.2.3", meta.Version)
	require.Equal(t, execPath, meta.ExecutablePath)
	require.EqualValues(t, len(content), meta.FileSizeBytes)
	require.WithinDuration(t, time.Now(), meta.InstalledAt, time.Minute)
}

func TestAcquireSecondCallUsesExistingInstall(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte("binary"))
	}))
	defer srv.Close()

	m := newTestManager(t, Config{
		DownloadURLTemplate: srv.URL + "/schematool-{version}",
	})

	first, err := m.Acquire(context.Background(), "2.0.0", Options{})
	require.NoError(t, err)
	require.EqualValues(t, 1, requests.Load())

	second, err := m.Acquire(context.Background(), "2.0.0", Options{})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.EqualValues(t, 1, requests.Load(), "existing install must be reused without network access")
}

func TestAcquireCancelledCallerDoesNotFailWaiters(t *testing.T) {
	content := []byte("shared binary")
	release := make(chan struct{})
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		<-release
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	m := newTestManager(t, Config{
		DownloadURLTemplate: srv.URL + "/schematool-{version}",
	})

	type result struct {
		path string
		err  error
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()

	resA := make(chan result, 1)
	go func() {
		p, err := m.Acquire(ctxA, "1.0.0", Options{})
		resA <- result{p, err}
	}()

	// Wait for the download to be in flight so the second caller joins it.
	require.Eventually(t, func() bool { return requests.Load() == 1 },
		5*time.Second, 10*time.Millisecond)

	resB := make(chan result, 1)
	go func() {
		p, err := m.Acquire(context.Background(), "1.0.0", Options{})
		resB <- result{p, err}
	}()

	time.Sleep(50 * time.Millisecond)
	cancelA()

	a := <-resA
	require.ErrorIs(t, a.err, context.Canceled)

	close(release)

	b := <-resB
	require.NoError(t, b.err, "one caller's cancellation must not fail the shared install")
	require.Equal(t, m.Path("1.0.0"), b.path)
	require.EqualValues(t, 1, requests.Load(), "waiters must share the single in-flight download")

	data, err := os.ReadFile(b.path)
	require.NoError(t, err)
	require.Equal(t, content, data)
}

func TestAcquireRetriesExactlyMaxTimes(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	m := newTestManager(t, Config{
		DownloadURLTemplate: srv.URL + "/schematool-{version}",
		MaxRetries:          3,
	})

	_, err := m.Acquire(context.Background(), "1.0.0", Options{})
	require.Error(t, err)

	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	require.Equal(t, 3, dlErr.Attempts)
	require.Equal(t, "1.0.0", dlErr.Version)
	require.EqualValues(t, 3, requests.Load())
}

func TestAcquireDoesNotRetryNotFound(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	m := newTestManager(t, Config{
		DownloadURLTemplate: srv.URL + "/schematool-{version}",
		MaxRetries:          5,
	})

	_, err := m.Acquire(context.Background(), "9.9.9", Options{})
	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	require.Equal(t, 1, dlErr.Attempts)
	require.EqualValues(t, 1, requests.Load(), "a 404 is deterministic and must not be retried")
}

func TestAcquireFailureLeavesNoStagingFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := newTestManager(t, Config{
		CacheDir:            dir,
		DownloadURLTemplate: srv.URL + "/schematool-{version}",
		MaxRetries:          2,
	})

	_, err := m.Acquire(context.Background(), "1.0.0", Options{})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, strings.HasPrefix(e.Name(), "temp-"),
			"staging leftover %q after failed acquire", e.Name())
	}
}

func TestAcquireVerifiesPublishedDigest(t *testing.T) {
	content := []byte("verified binary")
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".sha256") {
			fmt.Fprintf(w, "%s  schematool\n", digest)
			return
		}
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	m := newTestManager(t, Config{
		DownloadURLTemplate: srv.URL + "/schematool-{version}",
		HashURLTemplate:     srv.URL + "/schematool-{version}.sha256",
		VerifyHash:          true,
	})

	execPath, err := m.Acquire(context.Background(), "3.1.4", Options{})
	require.NoError(t, err)

	meta, ok := m.Metadata("3.1.4")
	require.True(t, ok)
	require.Equal(t, digest, meta.Hash)
	require.FileExists(t, execPath)
}

func TestAcquireAdoptedInstallDigestHandling(t *testing.T) {
	content := []byte("#!/bin/sh\nexit 0\n")
	sum := sha256.Sum256(content)
	digest := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".sha256") {
			fmt.Fprintf(w, "%s  schematool\n", digest)
			return
		}
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	m := newTestManager(t, Config{
		DownloadURLTemplate: srv.URL + "/schematool-{version}",
		HashURLTemplate:     srv.URL + "/schematool-{version}.sha256",
		VerifyHash:          true,
	})
	ctx := context.Background()

	// A concurrent installer already won the version directory with a file
	// that differs from the published artifact. The winner is kept, but its
	// digest is unknown, so none is recorded.
	winner := "#!/bin/sh\nexit 7\n"
	installFakeTool(t, m, "1.0.0", winner)

	execPath, err := m.Acquire(ctx, "1.0.0", Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(execPath)
	require.NoError(t, err)
	require.Equal(t, winner, string(data), "the race winner's install must be kept")

	meta, ok := m.Metadata("1.0.0")
	require.True(t, ok)
	require.Empty(t, meta.Hash, "a digest computed from the losing stage must not describe the winner's file")

	// When the winner's file matches the published digest, the digest is
	// recorded as usual.
	installFakeTool(t, m, "2.0.0", string(content))

	_, err = m.Acquire(ctx, "2.0.0", Options{})
	require.NoError(t, err)

	meta, ok = m.Metadata("2.0.0")
	require.True(t, ok)
	require.Equal(t, digest, meta.Hash)
}

func TestAcquireIntegrityMismatchAbortsInstall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".sha256") {
			fmt.Fprintln(w, strings.Repeat("ab", 32))
			return
		}
		_, _ = w.Write([]byte("content that does not match"))
	}))
	defer srv.Close()

	m := newTestManager(t, Config{
		DownloadURLTemplate: srv.URL + "/schematool-{version}",
		HashURLTemplate:     srv.URL + "/schematool-{version}.sha256",
		VerifyHash:          true,
	})

	_, err := m.Acquire(context.Background(), "3.1.4", Options{})
	require.ErrorIs(t, err, ErrIntegrityMismatch)

	require.NoFileExists(t, m.Path("3.1.4"))
	_, ok := m.Metadata("3.1.4")
	require.False(t, ok)
}

func TestAcquireReportsProgress(t *testing.T) {
	content := make([]byte, 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(content)))
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	m := newTestManager(t, Config{
		DownloadURLTemplate: srv.URL + "/schematool-{version}",
	})

	var lastDone, lastTotal int64
	_, err := m.Acquire(context.Background(), "1.0.0", Options{
		OnProgress: func(done, total int64) {
			lastDone, lastTotal = done, total
		},
	})
	require.NoError(t, err)
	require.EqualValues(t, len(content), lastDone)
	require.EqualValues(t, len(content), lastTotal)
}

func TestPathIsPureAndSanitized(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, Config{CacheDir: dir})

	p := m.Path("1.2.3")
	require.True(t, strings.HasPrefix(p, dir))
	require.NoFileExists(t, p)

	escape := m.Path("../../escape")
	require.True(t, strings.HasPrefix(escape, dir),
		"a crafted version must never resolve outside the cache root")
}

func TestValidate(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script as the managed executable")
	}

	m := newTestManager(t, Config{})
	ctx := context.Background()

	require.False(t, m.Validate(ctx, "not-a-version"))
	require.False(t, m.Validate(ctx, "1.2.3"), "missing install must validate false")

	installFakeTool(t, m, "1.2.3", "#!/bin/sh\nexit 0\n")
	require.True(t, m.Validate(ctx, "1.2.3"))

	installFakeTool(t, m, "1.2.4", "#!/bin/sh\nexit 1\n")
	require.False(t, m.Validate(ctx, "1.2.4"), "a failing version query must validate false")
}

func TestValidateRejectsNonExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("execute bits are not meaningful on windows")
	}

	m := newTestManager(t, Config{})
	installFakeTool(t, m, "1.2.3", "#!/bin/sh\nexit 0\n")
	require.NoError(t, os.Chmod(m.Path("1.2.3"), 0o644))

	require.False(t, m.Validate(context.Background(), "1.2.3"))
}

func TestListInstalledSkipsStagingDirs(t *testing.T) {
	m := newTestManager(t, Config{})

	installFakeTool(t, m, "1.0.0", "a")
	installFakeTool(t, m, "2.0.0", "b")
	require.NoError(t, os.MkdirAll(filepath.Join(m.fs.Root(), "temp-3.0.0-install-x"), 0o755))

	versions, err := m.ListInstalled()
	require.NoError(t, err)
	require.Equal(t, []string{"1.0.0", "2.0.0"}, versions)
}

func TestCleanup(t *testing.T) {
	m := newTestManager(t, Config{})

	installFakeTool(t, m, "1.0.0", "old")
	installFakeTool(t, m, "2.0.0", "keep")
	require.NoError(t, m.meta.put(ToolMetadata{Version: "1.0.0"}))
	require.NoError(t, m.meta.put(ToolMetadata{Version: "2.0.0"}))

	stale := filepath.Join(m.fs.Root(), "temp-1.0.0-123-abcd1234")
	require.NoError(t, os.WriteFile(stale, []byte("partial download"), 0o644))

	require.NoError(t, m.Cleanup([]string{"2.0.0"}))

	versions, err := m.ListInstalled()
	require.NoError(t, err)
	require.Equal(t, []string{"2.0.0"}, versions)
	require.NoFileExists(t, stale)

	_, ok := m.Metadata("1.0.0")
	require.False(t, ok, "pruned versions must leave the manifest")
	_, ok = m.Metadata("2.0.0")
	require.True(t, ok)
}

func TestDownloadErrorMessage(t *testing.T) {
	err := &DownloadError{
		Version:  "1.2.3",
		Platform: "x86_64-unknown-linux-gnu",
		URL:      "https://example.com/tool",
		Attempts: 3,
		Err:      errors.New("connection refused"),
	}
	require.Contains(t, err.Error(), "1.2.3")
	require.Contains(t, err.Error(), "3")
	require.ErrorContains(t, err, "connection refused")
}

// installFakeTool writes an executable directly into the version directory,
// simulating a completed install without any network access.
func installFakeTool(t *testing.T, m *Manager, version, script string) {
	t.Helper()
	dir := filepath.Join(m.fs.Root(), version)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, m.config.ExecutableName), []byte(script), 0o755))
}
