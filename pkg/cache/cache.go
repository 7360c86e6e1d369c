package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/parca-dev/deep-agent/pkg/cache/lru"
)

// LRUCache is a concurrency safe wrapper around lru.LRU.
type LRUCache[K comparable, V any] struct {
	lru *lru.LRU[K, V]
	mtx *sync.RWMutex
}

// NewLRUCache creates a cache whose metrics carry the given cache name.
func NewLRUCache[K comparable, V any](reg prometheus.Registerer, name string, maxEntries int) *LRUCache[K, V] {
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"cache": name}, reg)
	return &LRUCache[K, V]{
		lru: lru.New[K, V](reg, maxEntries),
		mtx: &sync.RWMutex{},
	}
}

func (c *LRUCache[K, V]) Add(key K, value V) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.lru.Add(key, value)
}

// Get takes the write lock since a hit reorders the eviction list.
func (c *LRUCache[K, V]) Get(key K) (V, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.lru.Get(key)
}

// Remove deletes key and reports whether it was cached.
func (c *LRUCache[K, V]) Remove(key K) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.lru.Remove(key)
}

func (c *LRUCache[K, V]) Len() int {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.lru.Len()
}

func (c *LRUCache[K, V]) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.lru.Close()
}

// LoadingCache fills misses with a loader. Concurrent misses for the same
// key share a single loader call.
type LoadingCache[V any] struct {
	c      *LRUCache[string, V]
	sfg    *singleflight.Group
	loader func(key string) (V, error)
}

// NewLoadingOnceCache creates a LoadingCache that allows only one loading
// operation per key at a time. Failed loads are not cached.
func NewLoadingOnceCache[V any](reg prometheus.Registerer, name string, maxEntries int, loader func(key string) (V, error)) *LoadingCache[V] {
	return &LoadingCache[V]{
		c:      NewLRUCache[string, V](reg, name, maxEntries),
		sfg:    &singleflight.Group{},
		loader: loader,
	}
}

func (l *LoadingCache[V]) Get(key string) (V, error) {
	if v, ok := l.c.Get(key); ok {
		return v, nil
	}

	// singleflight.Group memoizes the return value of the first call for
	// the callers that arrive while it is in flight.
	res, err, _ := l.sfg.Do(key, func() (interface{}, error) {
		v, err := l.loader(key)
		if err != nil {
			return v, err
		}
		l.c.Add(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return res.(V), nil
}

// Forget drops the given keys and returns how many were cached. A later
// Get loads them again.
func (l *LoadingCache[V]) Forget(keys ...string) int {
	n := 0
	for _, k := range keys {
		if l.c.Remove(k) {
			n++
		}
	}
	return n
}

func (l *LoadingCache[V]) Close() error {
	return l.c.Close()
}
