// Package opcache caches serialized results of external tool operations so
// repeated builds with unchanged inputs skip re-execution. Keys are derived
// from everything that affects an operation's output: project, operation,
// input file contents, effective configuration, tool version and relevant
// environment values.
//
// The cache is a performance optimization, never a source of truth. Every
// read-path failure (missing entry, truncated JSON, integrity mismatch,
// decompression failure, expired TTL) degrades to a miss instead of an
// error, so the cache can never fail a build that would otherwise succeed.
package opcache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	toolcache "github.com/wolfeidau/toolcache"
	"github.com/wolfeidau/toolcache/backend"
	"github.com/wolfeidau/toolcache/telemetry"
)

// entrySuffix is the file name suffix for result cache entries.
const entrySuffix = ".json"

// Config holds result cache configuration.
type Config struct {
	// Dir is the cache directory; one JSON file per entry.
	Dir string

	// MaxSize is the maximum total size of entry files in bytes. When a
	// store pushes the total over this limit, the oldest-modified entries
	// are deleted until back under. Zero disables size-based eviction.
	MaxSize int64

	// CompressionEnabled turns on zstd compression for large results.
	CompressionEnabled bool

	// CompressionThreshold is the minimum serialized result size before
	// compression is attempted. Defaults to DefaultCompressionThreshold.
	CompressionThreshold int

	// TTLOverrides replaces the built-in TTL for the named operations.
	TTLOverrides map[string]time.Duration

	// NonCacheable lists operations whose results are never stored, in
	// addition to "clean".
	NonCacheable []string

	// EnvKeys names the environment variables whose values affect tool
	// output; they are folded into keys and recorded in entry metadata.
	EnvKeys []string

	// Logger for cache events. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics instruments, may be nil.
	Metrics *telemetry.Metrics
}

// Request identifies one tool invocation for key derivation and entry
// metadata.
type Request struct {
	Project     string
	Operation   string
	InputFiles  []string
	Config      map[string]any
	ToolVersion string
}

// StoreOptions adjusts a single Store call.
type StoreOptions struct {
	// TTL overrides the operation's table TTL when positive.
	TTL time.Duration
}

// ValidateOptions adjusts a single IsValid call.
type ValidateOptions struct {
	// CheckFiles re-hashes the recorded input files and requires every
	// hash to still match, catching file drift inside the TTL window.
	CheckFiles bool
}

// Stats reports cache observability counters. HitRate covers lookups made
// by this process; the size and entry counts cover the shared store.
type Stats struct {
	TotalEntries int
	TotalSize    int64
	HitRate      float64
	Oldest       time.Time
	Newest       time.Time
}

// Cache is a filesystem-backed store of operation results, safe for
// concurrent use by independent build processes sharing the directory.
type Cache struct {
	config  Config
	fs      *backend.Filesystem
	codec   *codec
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates a result cache rooted at cfg.Dir, creating the directory when
// needed.
func New(cfg Config) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, errors.New("opcache: Dir is required")
	}
	if cfg.CompressionThreshold == 0 {
		cfg.CompressionThreshold = DefaultCompressionThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	fs, err := backend.NewFilesystem(cfg.Dir)
	if err != nil {
		return nil, err
	}

	cdc, err := newCodec()
	if err != nil {
		return nil, err
	}

	return &Cache{
		config:  cfg,
		fs:      fs,
		codec:   cdc,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}, nil
}

// Close releases compression resources.
func (c *Cache) Close() {
	c.codec.close()
}

// DeriveKey computes the composite cache key for a request. It is pure and
// deterministic: identical effective inputs always produce identical keys,
// and any change to an input file's content, a config field, the tool
// version, or a tracked environment value produces a different key. Missing
// input files hash to a sentinel rather than erroring so the key remains
// computable.
func (c *Cache) DeriveKey(req Request) (string, error) {
	fileDigest := toolcache.HashStringMap(toolcache.HashFileSet(req.InputFiles))

	configDigest, err := toolcache.HashObject(req.Config)
	if err != nil {
		return "", err
	}

	envDigest := toolcache.HashStringMap(c.environment())

	parts := strings.Join([]string{
		req.Project,
		req.Operation,
		req.ToolVersion,
		fileDigest.String(),
		configDigest.String(),
		envDigest.String(),
	}, "\x00")

	return toolcache.HashBytes([]byte(parts)).String(), nil
}

// Get retrieves the result stored under key, transparently decompressing it.
// It returns ok=false for any miss, expiry, corruption or decompression
// failure; corruption is logged once and the bad entry removed so the
// incident cannot repeat.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	entry, ok := c.load(key)
	if !ok {
		return c.miss(ctx, "")
	}

	if !c.now().Before(entry.Metadata.Expires) {
		return c.miss(ctx, entry.Metadata.Operation)
	}

	result := []byte(entry.Result)
	if entry.Compressed {
		decoded, err := c.decompressResult(entry.Result)
		if err != nil {
			c.corrupt(key, err)
			return c.miss(ctx, entry.Metadata.Operation)
		}
		result = decoded
	}

	c.hits.Add(1)
	c.metrics.RecordCacheLookup(ctx, entry.Metadata.Operation, true)
	return result, true
}

// IsValid reports whether the entry under key exists, has not expired, and
// passes integrity verification. With CheckFiles set it additionally
// requires every recorded input file hash to still match the file's current
// content. It never returns an error; any failure mode is false.
func (c *Cache) IsValid(key string, opts ValidateOptions) bool {
	entry, ok := c.load(key)
	if !ok {
		return false
	}

	if !c.now().Before(entry.Metadata.Expires) {
		return false
	}

	if opts.CheckFiles {
		for path, recorded := range entry.Metadata.FileHashes {
			current, err := toolcache.HashFile(path)
			if err != nil {
				if recorded != toolcache.MissingFileSentinel {
					return false
				}
				continue
			}
			if current.String() != recorded {
				return false
			}
		}
	}

	return true
}

// Store writes the result of an operation under key and then runs an
// eviction sweep. Results for non-cacheable operations are silently
// discarded. Large results are compressed when compression is enabled.
func (c *Cache) Store(ctx context.Context, key string, req Request, result json.RawMessage, opts StoreOptions) error {
	if !c.cacheable(req.Operation) {
		return nil
	}

	configDigest, err := toolcache.HashObject(req.Config)
	if err != nil {
		return err
	}

	created := c.now()
	md := Metadata{
		Created:     created,
		Expires:     created.Add(c.ttlFor(req.Operation, opts.TTL)),
		Project:     req.Project,
		Operation:   req.Operation,
		FileHashes:  toolcache.HashFileSet(req.InputFiles),
		ConfigHash:  configDigest.String(),
		ToolVersion: req.ToolVersion,
		Environment: c.environment(),
	}

	stored := result
	compressed := false
	if c.config.CompressionEnabled && len(result) >= c.config.CompressionThreshold {
		if blob, ok := c.codec.compress(result); ok {
			encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(blob))
			if err != nil {
				return err
			}
			stored = encoded
			compressed = true
		}
	}

	integrity, err := computeIntegrity(stored, md)
	if err != nil {
		return err
	}

	entry := Entry{
		Key:        key,
		Result:     stored,
		Metadata:   md,
		Integrity:  integrity,
		Compressed: compressed,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := c.fs.WriteFile(key+entrySuffix, data); err != nil {
		return err
	}

	c.logger.Debug("stored result",
		"key", key,
		"operation", req.Operation,
		"config", configDigest.ShortString(),
		"size", len(data),
		"compressed", compressed,
	)
	c.metrics.RecordCacheStore(ctx, req.Operation, int64(len(data)), compressed)
	c.evict(ctx)
	return nil
}

// Invalidate deletes every entry stored for a project; a non-empty
// operation narrows the sweep to that operation.
func (c *Cache) Invalidate(project, operation string) error {
	entries, err := c.entryFiles()
	if err != nil {
		return err
	}

	for _, f := range entries {
		entry, ok := c.load(strings.TrimSuffix(f.Name, entrySuffix))
		if !ok {
			continue
		}
		if entry.Metadata.Project != project {
			continue
		}
		if operation != "" && entry.Metadata.Operation != operation {
			continue
		}
		if err := c.fs.Remove(f.Name); err != nil {
			c.logger.Warn("failed to invalidate entry", "key", entry.Key, "error", err)
		}
	}
	return nil
}

// Clear deletes every entry and resets the lookup counters.
func (c *Cache) Clear() error {
	entries, err := c.entryFiles()
	if err != nil {
		return err
	}
	for _, f := range entries {
		if err := c.fs.Remove(f.Name); err != nil {
			c.logger.Warn("failed to remove entry", "name", f.Name, "error", err)
		}
	}
	c.hits.Store(0)
	c.misses.Store(0)
	return nil
}

// Stats reports entry counts and sizes from the shared store plus this
// process's hit rate.
func (c *Cache) Stats() (Stats, error) {
	entries, err := c.entryFiles()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{TotalEntries: len(entries)}
	for _, f := range entries {
		stats.TotalSize += f.Size
		if stats.Oldest.IsZero() || f.ModTime.Before(stats.Oldest) {
			stats.Oldest = f.ModTime
		}
		if f.ModTime.After(stats.Newest) {
			stats.Newest = f.ModTime
		}
	}

	hits, misses := c.hits.Load(), c.misses.Load()
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats, nil
}

// load reads and verifies an entry, treating any failure as absent.
// Corrupt entries are logged and removed.
func (c *Cache) load(key string) (*Entry, bool) {
	data, err := c.fs.ReadFile(key + entrySuffix)
	if err != nil {
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.corrupt(key, err)
		return nil, false
	}

	if !entry.verifyIntegrity() {
		c.corrupt(key, errors.New("integrity hash mismatch"))
		return nil, false
	}
	return &entry, true
}

func (c *Cache) decompressResult(stored json.RawMessage) ([]byte, error) {
	var encoded string
	if err := json.Unmarshal(stored, &encoded); err != nil {
		return nil, err
	}
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	return c.codec.decompress(blob)
}

// corrupt logs a corrupted entry once and deletes it so subsequent lookups
// are plain misses rather than repeated incidents.
func (c *Cache) corrupt(key string, err error) {
	c.logger.Warn("removing corrupted cache entry", "key", key, "error", err)
	if rmErr := c.fs.Remove(key + entrySuffix); rmErr != nil {
		c.logger.Warn("failed to remove corrupted entry", "key", key, "error", rmErr)
	}
}

func (c *Cache) miss(ctx context.Context, operation string) (json.RawMessage, bool) {
	c.misses.Add(1)
	c.metrics.RecordCacheLookup(ctx, operation, false)
	return nil, false
}

// evict deletes the oldest-modified entries until the total size is back
// under the configured maximum. Failures are logged, never returned; the
// sweep must not fail the store that triggered it.
func (c *Cache) evict(ctx context.Context) {
	if c.config.MaxSize <= 0 {
		return
	}

	entries, err := c.entryFiles()
	if err != nil {
		c.logger.Warn("eviction sweep failed to list entries", "error", err)
		return
	}

	var total int64
	for _, f := range entries {
		total += f.Size
	}
	if total <= c.config.MaxSize {
		return
	}

	var evicted int64
	for _, f := range entries { // oldest-modified first
		if total <= c.config.MaxSize {
			break
		}
		if err := c.fs.Remove(f.Name); err != nil {
			c.logger.Warn("failed to evict entry", "name", f.Name, "error", err)
			continue
		}
		total -= f.Size
		evicted++
		c.logger.Debug("evicted entry", "name", f.Name, "size", f.Size, "mod_time", f.ModTime)
	}

	c.metrics.RecordEvictions(ctx, evicted)
}

// entryFiles lists result entry files oldest-modified first, excluding any
// other JSON documents (such as an install manifest) sharing the directory.
func (c *Cache) entryFiles() ([]backend.FileInfo, error) {
	files, err := c.fs.List(entrySuffix)
	if err != nil {
		return nil, err
	}

	entries := files[:0]
	for _, f := range files {
		if isEntryName(f.Name) {
			entries = append(entries, f)
		}
	}
	return entries, nil
}

// isEntryName reports whether a file name is a <key>.json entry, where key
// is a 64-char hex digest.
func isEntryName(name string) bool {
	key, ok := strings.CutSuffix(name, entrySuffix)
	if !ok || len(key) != toolcache.HashSize*2 {
		return false
	}
	for _, r := range key {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// environment captures the current values of the tracked environment
// variables.
func (c *Cache) environment() map[string]string {
	env := make(map[string]string, len(c.config.EnvKeys))
	for _, k := range c.config.EnvKeys {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	return env
}
