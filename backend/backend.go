// Package backend provides the shared filesystem store underneath the tool
// acquisition manager and the operation result cache. All writes are atomic
// using a temp-file-and-rename pattern so that concurrent readers in other
// build processes never observe a partially written file.
package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned when a name does not exist in the store.
var ErrNotFound = errors.New("not found")

// tempPrefix marks in-flight writes; List skips them.
const tempPrefix = ".tmp-"

// FileInfo describes one stored file.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Filesystem is a store of flat files under a single root directory.
// It is safe for use by multiple processes sharing the same root.
type Filesystem struct {
	root string
}

// NewFilesystem creates a store rooted at the given path, creating the
// directory if it does not exist.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (fs *Filesystem) Root() string {
	return fs.root
}

// Path returns the absolute path for a stored name.
func (fs *Filesystem) Path(name string) string {
	return filepath.Join(fs.root, name)
}

// WriteFile atomically stores data under name. The data is written to a temp
// file in the same directory, synced, and renamed into place.
func (fs *Filesystem) WriteFile(name string, data []byte) error {
	path := fs.Path(name)

	tmp, err := os.CreateTemp(fs.root, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}

// ReadFile retrieves the contents stored under name.
// Returns ErrNotFound if the name does not exist.
func (fs *Filesystem) ReadFile(name string) ([]byte, error) {
	data, err := os.ReadFile(fs.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Open returns a reader for the contents stored under name.
func (fs *Filesystem) Open(name string) (io.ReadCloser, error) {
	f, err := os.Open(fs.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Remove deletes the file stored under name.
// Removing a name that does not exist is not an error (idempotent).
func (fs *Filesystem) Remove(name string) error {
	err := os.Remove(fs.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing file: %w", err)
	}
	return nil
}

// Exists checks whether a name is present in the store.
func (fs *Filesystem) Exists(name string) (bool, error) {
	_, err := os.Stat(fs.Path(name))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("checking file: %w", err)
}

// Stat returns size and modification time for a stored name.
func (fs *Filesystem) Stat(name string) (FileInfo, error) {
	info, err := os.Stat(fs.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, ErrNotFound
		}
		return FileInfo{}, fmt.Errorf("stat file: %w", err)
	}
	return FileInfo{Name: name, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// List returns the regular files directly under the root whose names end
// with the given suffix, sorted by modification time (oldest first).
// In-flight temp files are skipped. An empty suffix matches everything.
func (fs *Filesystem) List(suffix string) ([]FileInfo, error) {
	entries, err := os.ReadDir(fs.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading root directory: %w", err)
	}

	var files []FileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, tempPrefix) {
			continue
		}
		if suffix != "" && !strings.HasSuffix(name, suffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // removed concurrently
		}
		files = append(files, FileInfo{Name: name, Size: info.Size(), ModTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.Before(files[j].ModTime)
	})
	return files, nil
}

// Dirs returns the names of subdirectories directly under the root.
func (fs *Filesystem) Dirs() ([]string, error) {
	entries, err := os.ReadDir(fs.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading root directory: %w", err)
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}
