// Package toolcache provides content hashing shared by the tool acquisition
// manager and the operation result cache. Hashes are BLAKE3 256-bit digests
// encoded as lowercase hex.
package toolcache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// MissingFileSentinel is the value recorded for an input file that does not
// exist. Keys must still be computable when an input is absent so that a
// lookup can observe the miss rather than fail.
const MissingFileSentinel = "missing"

// Hash represents a BLAKE3 256-bit digest.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	if len(text) != HashSize*2 {
		return fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(text))
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashReader computes the BLAKE3 hash of content from the reader.
// It returns the hash and the number of bytes read.
func HashReader(r io.Reader) (Hash, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Hash{}, n, fmt.Errorf("hashing content: %w", err)
	}
	var hash Hash
	h.Sum(hash[:0])
	return hash, n, nil
}

// HashFile computes the BLAKE3 hash of a file's content.
func HashFile(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	hash, _, err := HashReader(f)
	return hash, err
}

// HashFileSet computes a content hash for each input file, keyed by path.
// A file that cannot be read hashes to MissingFileSentinel rather than
// erroring, so a cache key can still be derived when inputs have been
// removed since the last run.
func HashFileSet(paths []string) map[string]string {
	hashes := make(map[string]string, len(paths))
	for _, p := range paths {
		h, err := HashFile(p)
		if err != nil {
			hashes[p] = MissingFileSentinel
			continue
		}
		hashes[p] = h.String()
	}
	return hashes
}

// HashStringMap computes a digest over a string map with canonical key
// ordering, so two maps with equal contents always hash identically.
func HashStringMap(m map[string]string) Hash {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := blake3.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(m[k]))
		h.Write([]byte{0})
	}
	var hash Hash
	h.Sum(hash[:0])
	return hash
}

// HashObject computes a digest over an arbitrary structured value using a
// canonical (key-sorted) JSON encoding. Two values with equal contents hash
// identically regardless of map iteration order.
func HashObject(v any) (Hash, error) {
	data, err := CanonicalJSON(v)
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(data), nil
}

// CanonicalJSON produces a deterministic JSON encoding of v. Map keys are
// emitted in sorted order at every nesting level.
func CanonicalJSON(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case map[string]any:
		return canonicalMap(val)
	case []any:
		return canonicalSlice(val)
	default:
		// Round-trip through generic JSON so maps nested inside structs are
		// also canonicalised.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding value: %w", err)
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, fmt.Errorf("decoding value: %w", err)
		}
		switch generic.(type) {
		case map[string]any, []any:
			return CanonicalJSON(generic)
		}
		return raw, nil
	}
}

func canonicalMap(m map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		out = append(out, kb...)
		out = append(out, ':')
		vb, err := CanonicalJSON(m[k])
		if err != nil {
			return nil, err
		}
		out = append(out, vb...)
	}
	return append(out, '}'), nil
}

func canonicalSlice(s []any) ([]byte, error) {
	out := []byte{'['}
	for i, v := range s {
		if i > 0 {
			out = append(out, ',')
		}
		vb, err := CanonicalJSON(v)
		if err != nil {
			return nil, err
		}
		out = append(out, vb...)
	}
	return append(out, ']'), nil
}
