package acquire

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// maxArtifactSize caps how much is written while unpacking a single entry,
// guarding against decompression bombs in a hostile archive.
const maxArtifactSize = 2 << 30 // 2GB

// installArtifact unpacks the downloaded artifact into destDir and returns
// the path of the installed executable. The artifact format is chosen from
// the download URL's file name: raw binaries are copied, .gz is gunzipped,
// .tar.gz/.tgz and .zip archives are searched for an entry whose base name
// matches execName. Archive entry names never influence the output path, so
// a crafted archive cannot write outside destDir.
func installArtifact(archivePath, srcURL, destDir, execName string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("creating install directory: %w", err)
	}

	execPath := filepath.Join(destDir, execName)
	name := strings.ToLower(path.Base(srcURL))

	var err error
	switch {
	case strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz"):
		err = extractTarGz(archivePath, execPath, execName)
	case strings.HasSuffix(name, ".zip"):
		err = extractZip(archivePath, execPath, execName)
	case strings.HasSuffix(name, ".gz"):
		err = extractGz(archivePath, execPath)
	default:
		err = copyExecutable(archivePath, execPath)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}

	if err := os.Chmod(execPath, 0o755); err != nil {
		return "", fmt.Errorf("%w: setting executable mode: %w", ErrExtractionFailed, err)
	}
	return execPath, nil
}

func copyExecutable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer func() { _ = in.Close() }()

	return writeExecutable(dst, in)
}

func extractGz(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer func() { _ = in.Close() }()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("reading gzip stream: %w", err)
	}
	defer func() { _ = gz.Close() }()

	return writeExecutable(dst, gz)
}

func extractTarGz(src, dst, execName string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening artifact: %w", err)
	}
	defer func() { _ = in.Close() }()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("reading gzip stream: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		if entryMatches(hdr.Name, execName) {
			return writeExecutable(dst, tr)
		}
	}
	return fmt.Errorf("archive contains no %q entry", execName)
}

func extractZip(src, dst, execName string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("opening zip archive: %w", err)
	}
	defer func() { _ = zr.Close() }()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !entryMatches(f.Name, execName) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("opening zip entry: %w", err)
		}
		err = writeExecutable(dst, rc)
		_ = rc.Close()
		return err
	}
	return fmt.Errorf("archive contains no %q entry", execName)
}

// entryMatches compares an archive entry's base name to the executable name,
// rejecting entries that try to smuggle traversal segments.
func entryMatches(entryName, execName string) bool {
	clean := path.Clean(strings.ReplaceAll(entryName, `\`, "/"))
	if strings.HasPrefix(clean, "../") || clean == ".." {
		return false
	}
	return path.Base(clean) == execName
}

func writeExecutable(dst string, r io.Reader) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return fmt.Errorf("creating executable: %w", err)
	}

	_, err = io.Copy(f, io.LimitReader(r, maxArtifactSize))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("writing executable: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing executable: %w", err)
	}
	return nil
}
