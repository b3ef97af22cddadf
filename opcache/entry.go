package opcache

import (
	"encoding/json"
	"fmt"
	"time"

	toolcache "github.com/wolfeidau/toolcache"
)

// Metadata describes everything that went into producing a cached result,
// recorded so validity can be re-checked without re-deriving the key.
type Metadata struct {
	Created     time.Time         `json:"created"`
	Expires     time.Time         `json:"expires"`
	Project     string            `json:"project"`
	Operation   string            `json:"operation"`
	FileHashes  map[string]string `json:"fileHashes"`
	ConfigHash  string            `json:"configHash"`
	ToolVersion string            `json:"toolVersion"`
	Environment map[string]string `json:"environment"`
}

// Entry is one cached operation result, stored as a single JSON document
// named <key>.json under the cache directory. Result holds the raw
// serialized operation output, or a base64-encoded zstd blob when Compressed
// is set.
type Entry struct {
	Key        string          `json:"key"`
	Result     json.RawMessage `json:"result"`
	Metadata   Metadata        `json:"metadata"`
	Integrity  string          `json:"integrity"`
	Compressed bool            `json:"compressed"`
}

// computeIntegrity digests the stored result representation together with a
// canonical encoding of the metadata. Recomputing it on read detects
// corruption of either part, independent of TTL.
func computeIntegrity(result json.RawMessage, md Metadata) (string, error) {
	mdJSON, err := toolcache.CanonicalJSON(md)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}

	buf := make([]byte, 0, len(result)+len(mdJSON)+1)
	buf = append(buf, result...)
	buf = append(buf, 0)
	buf = append(buf, mdJSON...)
	return toolcache.HashBytes(buf).String(), nil
}

// verifyIntegrity reports whether the entry's recorded integrity hash
// matches a recomputation over its current contents.
func (e *Entry) verifyIntegrity() bool {
	want, err := computeIntegrity(e.Result, e.Metadata)
	if err != nil {
		return false
	}
	return want == e.Integrity
}
