package opcache

import "time"

// DefaultTTL applies to operations with no entry in the TTL table and no
// configured override.
const DefaultTTL = time.Hour

// defaultTTLs maps operation kinds to their time-to-live. Validation-like
// operations are stable for a day; generation output drifts with templates
// and is kept short; documentation sits in between.
var defaultTTLs = map[string]time.Duration{
	"validate": 24 * time.Hour,
	"check":    24 * time.Hour,
	"lint":     24 * time.Hour,
	"generate": time.Hour,
	"codegen":  time.Hour,
	"docs":     12 * time.Hour,
	"document": 12 * time.Hour,
}

// ttlFor picks the TTL for an operation: an explicit per-call override wins,
// then a configured per-operation override, then the static table.
func (c *Cache) ttlFor(operation string, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if ttl, ok := c.config.TTLOverrides[operation]; ok {
		return ttl
	}
	if ttl, ok := defaultTTLs[operation]; ok {
		return ttl
	}
	return DefaultTTL
}

// cacheable reports whether results for an operation may be stored. The
// "clean" operation mutates state rather than producing output and is never
// cached; further operations can be excluded via config.
func (c *Cache) cacheable(operation string) bool {
	if operation == "clean" {
		return false
	}
	for _, op := range c.config.NonCacheable {
		if op == operation {
			return false
		}
	}
	return true
}
