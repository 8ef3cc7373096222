// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package containers

import (
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Not thread safe!
// A zero or negative size means it has no capacity instead of unlimited.
type LruCache[K comparable, V any] struct {
	inner   *simplelru.LRU[K, V]
	onEvict simplelru.EvictCallback[K, V]
}

func NewLruCache[K comparable, V any](size int) *LruCache[K, V] {
	return NewLruCacheWithOnEvict[K, V](size, nil)
}

func NewLruCacheWithOnEvict[K comparable, V any](size int, onEvict func(K, V)) *LruCache[K, V] {
	var inner *simplelru.LRU[K, V]
	if size > 0 {
		// Can't fail because size > 0
		inner, _ = simplelru.NewLRU[K, V](size, onEvict)
	}
	return &LruCache[K, V]{
		inner:   inner,
		onEvict: onEvict,
	}
}

// Add returns true if an entry had to be evicted to make room.
func (c *LruCache[K, V]) Add(key K, value V) bool {
	if c.inner == nil {
		return false
	}
	return c.inner.Add(key, value)
}

func (c *LruCache[K, V]) Get(key K) (V, bool) {
	if c.inner == nil {
		var empty V
		return empty, false
	}
	return c.inner.Get(key)
}

// Peek reads without updating recency.
func (c *LruCache[K, V]) Peek(key K) (V, bool) {
	if c.inner == nil {
		var empty V
		return empty, false
	}
	return c.inner.Peek(key)
}

func (c *LruCache[K, V]) Contains(key K) bool {
	if c.inner == nil {
		return false
	}
	return c.inner.Contains(key)
}

func (c *LruCache[K, V]) Remove(key K) bool {
	if c.inner == nil {
		return false
	}
	return c.inner.Remove(key)
}

func (c *LruCache[K, V]) GetOldest() (K, V, bool) {
	if c.inner == nil {
		var emptyKey K
		var emptyValue V
		return emptyKey, emptyValue, false
	}
	return c.inner.GetOldest()
}

func (c *LruCache[K, V]) RemoveOldest() {
	if c.inner == nil {
		return
	}
	c.inner.RemoveOldest()
}

// Keys returns the keys from oldest to newest.
func (c *LruCache[K, V]) Keys() []K {
	if c.inner == nil {
		return nil
	}
	return c.inner.Keys()
}

func (c *LruCache[K, V]) Len() int {
	if c.inner == nil {
		return 0
	}
	return c.inner.Len()
}

func (c *LruCache[K, V]) Clear() {
	if c.inner == nil {
		return
	}
	c.inner.Purge()
}

func (c *LruCache[K, V]) Resize(newSize int) {
	if newSize <= 0 {
		if c.inner != nil && c.onEvict != nil {
			c.inner.Purge() // run the evict functions
		}
		c.inner = nil
	} else if c.inner == nil {
		// Can't fail because newSize > 0
		c.inner, _ = simplelru.NewLRU[K, V](newSize, c.onEvict)
	} else {
		c.inner.Resize(newSize)
	}
}
