package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// errNonRetryable marks download failures that will not change on retry,
// such as a 404 for a version that was never published.
var errNonRetryable = errors.New("non-retryable")

// downloadFile fetches url to dest with up to maxRetries attempts. The delay
// between attempts doubles each time, capped at the configured maximum, and
// any partial file at dest is removed before the next attempt. On exhaustion
// it returns a *DownloadError wrapping the final attempt's error.
func (m *Manager) downloadFile(ctx context.Context, url, dest, version, platform string, opts Options) error {
	maxRetries := m.config.MaxRetries
	if opts.MaxRetries > 0 {
		maxRetries = opts.MaxRetries
	}
	timeout := m.config.DownloadTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	var lastErr error
	attempts := 0
	delay := m.config.RetryBaseDelay

	for attempt := 1; attempt <= maxRetries; attempt++ {
		attempts = attempt
		start := time.Now()
		n, err := m.fetchOnce(ctx, url, dest, timeout, opts.OnProgress)
		m.metrics.RecordDownloadAttempt(ctx, version, err == nil)
		if err == nil {
			m.metrics.RecordDownload(ctx, version, n, time.Since(start))
			return nil
		}

		lastErr = err

		// Partial output from a failed attempt must never be mistaken for a
		// completed download.
		if rmErr := os.Remove(dest); rmErr != nil && !os.IsNotExist(rmErr) {
			m.logger.Warn("failed to remove partial download", "path", dest, "error", rmErr)
		}

		if errors.Is(err, errNonRetryable) || ctx.Err() != nil {
			break
		}

		if attempt < maxRetries {
			m.logger.Warn("download attempt failed, retrying",
				"url", url,
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", delay,
				"error", err,
			)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = maxRetries // no further attempts
			case <-time.After(delay):
			}
			delay *= 2
			if delay > m.config.MaxRetryDelay {
				delay = m.config.MaxRetryDelay
			}
		}
	}

	return &DownloadError{
		Version:  version,
		Platform: platform,
		URL:      url,
		Attempts: attempts,
		Err:      lastErr,
	}
}

// fetchOnce performs a single download attempt to dest, returning the number
// of bytes written.
func (m *Manager) fetchOnce(ctx context.Context, url, dest string, timeout time.Duration, onProgress func(done, total int64)) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected status %s", resp.Status)
		if isClientError(resp.StatusCode) {
			return 0, fmt.Errorf("%w: %w", errNonRetryable, err)
		}
		return 0, err
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("creating staging file: %w", err)
	}

	var body io.Reader = resp.Body
	if onProgress != nil {
		body = &progressReader{r: resp.Body, total: resp.ContentLength, fn: onProgress}
	}

	n, err := io.Copy(f, body)
	if err != nil {
		_ = f.Close()
		return n, fmt.Errorf("writing download: %w", err)
	}
	if err := f.Close(); err != nil {
		return n, fmt.Errorf("closing staging file: %w", err)
	}
	return n, nil
}

// fetchDigest retrieves the published digest from the companion digest URL.
// The digest is the first whitespace-separated hex field of the body, which
// tolerates both bare digests and "digest  filename" checksum lines.
func (m *Manager) fetchDigest(ctx context.Context, url string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("creating digest request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching digest: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching digest: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("reading digest: %w", err)
	}

	fields := strings.Fields(string(body))
	if len(fields) == 0 {
		return "", fmt.Errorf("empty digest response from %s", url)
	}
	return strings.ToLower(fields[0]), nil
}

// isClientError reports whether a status indicates a deterministic failure.
// 408 and 429 are transient despite being 4xx.
func isClientError(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}

// progressReader reports cumulative bytes read to a progress callback.
type progressReader struct {
	r     io.Reader
	done  int64
	total int64
	fn    func(done, total int64)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.done += int64(n)
		pr.fn(pr.done, pr.total)
	}
	return n, err
}
