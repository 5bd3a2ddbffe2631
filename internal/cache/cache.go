// Package cache implements the optional per-key value cache described
// in spec §4.5 and the two policies named by spec §6's cache.policy
// option. Both implementations are grounded on
// BuddyAnonymous-kv-engine's internal/block package (an LRU built on
// container/list) and original_source's CacheManager.java /
// TwoChoiceCache.java, which select between an LRU and a two-segment
// "pick the colder half" cache.
package cache

// Cache memoizes values addressed by an opaque string key — callers
// (internal/sstable) key by "tableID|key" per spec §4.5.
type Cache interface {
	Get(key string) ([]byte, bool)
	Put(key string, value []byte)
	Evict(key string)
	// Len reports the current number of cached entries.
	Len() int
}

// Policy names the two cache implementations spec §6 allows.
type Policy string

const (
	PolicyLRU       Policy = "LRU"
	PolicyTwoChoice Policy = "TWO_CHOICE"
)

// New constructs a Cache for the given policy and byte budget. An
// unrecognized policy falls back to LRU, matching CacheManager.java's
// default-on-unknown-policy behavior.
func New(policy Policy, maxBytes int64) Cache {
	switch policy {
	case PolicyTwoChoice:
		return NewTwoChoice(maxBytes)
	default:
		return NewLRU(maxBytes)
	}
}
