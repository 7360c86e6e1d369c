// Copyright 2023 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lru

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	requests  *prometheus.CounterVec
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	removals  prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "deep_cache_requests_total",
		Help: "Total number of cache requests.",
	}, []string{"result"})
	return &metrics{
		requests: requests,
		hits:     requests.WithLabelValues("hit"),
		misses:   requests.WithLabelValues("miss"),
		evictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "deep_cache_evictions_total",
			Help: "Total number of entries evicted because the cache was full.",
		}),
		removals: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "deep_cache_removals_total",
			Help: "Total number of entries removed explicitly.",
		}),
	}
}

func (m *metrics) unregister(reg prometheus.Registerer) error {
	var errs []error
	for name, c := range map[string]prometheus.Collector{
		"requests":  m.requests,
		"evictions": m.evictions,
		"removals":  m.removals,
	} {
		if !reg.Unregister(c) {
			errs = append(errs, fmt.Errorf("unregistering %s counter", name))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("cleaning cache stats: %w", err)
	}
	return nil
}

// LRU is a fixed size least recently used cache. It is not safe for
// concurrent use; wrap it with a lock.
type LRU[K comparable, V any] struct {
	reg     prometheus.Registerer
	metrics *metrics

	maxEntries int
	items      map[K]*entry[K, V]
	order      *lruList[K, V]
}

// New creates a cache holding at most maxEntries. Zero means unbounded.
func New[K comparable, V any](reg prometheus.Registerer, maxEntries int) *LRU[K, V] {
	return &LRU[K, V]{
		reg:        reg,
		metrics:    newMetrics(reg),
		maxEntries: maxEntries,
		items:      map[K]*entry[K, V]{},
		order:      newList[K, V](),
	}
}

// Add stores value under key and reports whether the least recently used
// entry had to make room for it.
func (c *LRU[K, V]) Add(key K, value V) bool {
	if e, ok := c.items[key]; ok {
		e.value = value
		c.order.moveToFront(e)
		return false
	}

	c.items[key] = c.order.pushFront(key, value)
	if c.maxEntries <= 0 || c.order.length() <= c.maxEntries {
		return false
	}
	if oldest := c.order.back(); oldest != nil {
		c.drop(oldest)
		c.metrics.evictions.Inc()
	}
	return true
}

// Get returns the value of key and marks it as recently used.
func (c *LRU[K, V]) Get(key K) (V, bool) {
	e, ok := c.items[key]
	if !ok {
		c.metrics.misses.Inc()
		var zero V
		return zero, false
	}
	c.order.moveToFront(e)
	c.metrics.hits.Inc()
	return e.value, true
}

// Remove deletes key and reports whether it was present.
func (c *LRU[K, V]) Remove(key K) bool {
	e, ok := c.items[key]
	if !ok {
		return false
	}
	c.drop(e)
	c.metrics.removals.Inc()
	return true
}

func (c *LRU[K, V]) Len() int {
	return c.order.length()
}

// Close drops all entries and unregisters the metrics, so a cache with the
// same labels can be created again.
func (c *LRU[K, V]) Close() error {
	clear(c.items)
	c.order.init()
	return c.metrics.unregister(c.reg)
}

func (c *LRU[K, V]) drop(e *entry[K, V]) {
	c.order.remove(e)
	delete(c.items, e.key)
}
