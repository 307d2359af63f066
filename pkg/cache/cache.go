// Package cache is a generic prefix-scoped local read-through cache kept
// current by a KV watch and by acknowledged local writes. It applies each
// watch diff to a concurrent snapshot rather than serving reads straight
// off the wire.
package cache

import (
	"strings"
	"sync"
)

// Decoder turns the raw bytes stored under a key into a T. A decode
// failure is logged by the caller and the entry treated as absent; it
// never poisons the cache or fails the surrounding watch.
type Decoder[T any] func(key string, raw []byte) (T, error)

// BytesDecoder is the identity Decoder, used where the cache just needs to
// hold onto opaque bytes (e.g. the HA-info map, whose values are never
// interpreted by this module).
func BytesDecoder(_ string, raw []byte) ([]byte, error) { return raw, nil }

// DecodeErrorHandler is invoked whenever an entry fails to decode (logging
// hook); it never affects control flow.
type DecodeErrorHandler func(key string, err error)

// Cache is a concurrent map from the trailing key segment (the portion of
// the key after Prefix) to the decoded value T.
type Cache[T any] struct {
	prefix  string
	decode  Decoder[T]
	onError DecodeErrorHandler

	mu   sync.RWMutex
	data map[string]T
}

// New constructs a Cache scoped to prefix, using decode to turn raw bytes
// into T. onError (optional) is called for every decode failure.
func New[T any](prefix string, decode Decoder[T], onError ...DecodeErrorHandler) *Cache[T] {
	c := &Cache[T]{prefix: prefix, decode: decode, data: map[string]T{}}
	if len(onError) > 0 {
		c.onError = onError[0]
	}
	return c
}

func (c *Cache[T]) trailing(key string) string {
	return strings.TrimPrefix(key, c.prefix)
}

// Get returns the cached value for key (full key, including prefix) and
// whether it is present. Non-blocking.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[c.trailing(key)]
	return v, ok
}

// Snapshot returns a defensive copy of the full trailing-key -> value map.
func (c *Cache[T]) Snapshot() map[string]T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]T, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}

// Len returns the number of cached entries.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Put updates the cache for a single full key, synchronously. Used on the
// local-write path to guarantee read-your-writes ahead of
// the next watch delivery, and directly by callers preloading a snapshot.
func (c *Cache[T]) Put(key string, raw []byte) {
	v, err := c.decode(key, raw)
	if err != nil {
		if c.onError != nil {
			c.onError(key, err)
		}
		return
	}
	c.mu.Lock()
	c.data[c.trailing(key)] = v
	c.mu.Unlock()
}

// Remove deletes a single full key from the cache, synchronously (the
// other half of the local-write path: a successful delete).
func (c *Cache[T]) Remove(key string) {
	c.mu.Lock()
	delete(c.data, c.trailing(key))
	c.mu.Unlock()
}

// HandleWatch is a kv.WatchHandler: it diffs prev against next and applies
// inserts/updates/removals to the cache. Safe to pass directly to
// kv.KV.WatchPrefix. Tolerates out-of-order and duplicate deliveries;
// last write wins.
func (c *Cache[T]) HandleWatch(prev, next map[string][]byte) {
	for key, raw := range next {
		c.Put(key, raw)
	}
	for key := range prev {
		if _, stillPresent := next[key]; !stillPresent {
			c.Remove(key)
		}
	}
}
