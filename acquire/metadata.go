package acquire

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/toolcache/backend"
)

// MetadataFile is the name of the install manifest in the cache root.
const MetadataFile = "metadata.json"

// ToolMetadata records one installed (version, platform, architecture)
// triple. Entries are created on successful install and never mutated; they
// are removed when the version directory is pruned by Cleanup.
type ToolMetadata struct {
	Version        string    `json:"version"`
	Platform       string    `json:"platform"`
	Architecture   string    `json:"architecture"`
	DownloadURL    string    `json:"downloadUrl"`
	Hash           string    `json:"hash,omitempty"`
	InstalledAt    time.Time `json:"installedAt"`
	ExecutablePath string    `json:"executablePath"`
	FileSizeBytes  int64     `json:"fileSizeBytes"`
}

// metadataStore persists the version -> ToolMetadata manifest as a single
// JSON document, written atomically. Concurrent installers in separate
// processes may race the write; last writer wins, which is acceptable
// because entries describe on-disk state that each writer has just verified.
type metadataStore struct {
	fs     *backend.Filesystem
	logger *slog.Logger
}

// load reads the manifest. A missing file yields an empty manifest; a
// corrupt file is logged and treated as empty rather than failing the
// acquisition path.
func (s *metadataStore) load() map[string]ToolMetadata {
	data, err := s.fs.ReadFile(MetadataFile)
	if err != nil {
		if !errors.Is(err, backend.ErrNotFound) {
			s.logger.Warn("failed to read install metadata", "error", err)
		}
		return map[string]ToolMetadata{}
	}

	var entries map[string]ToolMetadata
	if err := json.Unmarshal(data, &entries); err != nil {
		s.logger.Warn("install metadata is corrupt, starting fresh", "error", err)
		return map[string]ToolMetadata{}
	}
	if entries == nil {
		entries = map[string]ToolMetadata{}
	}
	return entries
}

func (s *metadataStore) save(entries map[string]ToolMetadata) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding install metadata: %w", err)
	}
	if err := s.fs.WriteFile(MetadataFile, data); err != nil {
		return fmt.Errorf("writing install metadata: %w", err)
	}
	return nil
}

// put records a completed install.
func (s *metadataStore) put(meta ToolMetadata) error {
	entries := s.load()
	entries[meta.Version] = meta
	return s.save(entries)
}

// get returns the recorded install for a version.
func (s *metadataStore) get(version string) (ToolMetadata, bool) {
	meta, ok := s.load()[version]
	return meta, ok
}

// remove drops manifest entries for pruned versions.
func (s *metadataStore) remove(versions []string) error {
	entries := s.load()
	for _, v := range versions {
		delete(entries, v)
	}
	return s.save(entries)
}
