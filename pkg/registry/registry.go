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

// Package registry holds the set of tracepoints currently installed in the
// process. It has exactly one writer, the config synchronization loop, and
// any number of concurrent readers on the hit path.
package registry

import (
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/parca-dev/deep-agent/pkg/tracepoint"
)

// Listener is notified after an update has been committed.
type Listener func(added, removed []*tracepoint.Config)

type metrics struct {
	tracepoints prometheus.Gauge
	updates     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		tracepoints: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "deep_registry_tracepoints",
			Help: "Number of tracepoints currently installed.",
		}),
		updates: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "deep_registry_updates_total",
			Help: "Total number of config sync observations by result.",
		}, []string{"result"}),
	}
}

// state is never mutated after it has been published.
type state struct {
	hash      string
	hasHash   bool
	configs   []*tracepoint.Config
	byID      map[string]*tracepoint.Config
	byLine    map[int][]*tracepoint.Config
	updatedAt int64
}

var emptyState = &state{
	byID:   map[string]*tracepoint.Config{},
	byLine: map[int][]*tracepoint.Config{},
}

type Registry struct {
	logger  log.Logger
	metrics *metrics

	current  *atomic.Pointer[state]
	lastPoll *atomic.Int64

	listeners []Listener
}

func New(logger log.Logger, reg prometheus.Registerer, listeners ...Listener) *Registry {
	return &Registry{
		logger:    logger,
		metrics:   newMetrics(reg),
		current:   atomic.NewPointer(emptyState),
		lastPoll:  atomic.NewInt64(0),
		listeners: listeners,
	}
}

// ConfigUpdate replaces the whole installed set and its hash in one step.
// Tracepoints whose id survives the update keep their execution stats.
func (r *Registry) ConfigUpdate(tsNano int64, hash string, configs []*tracepoint.Config) {
	prev := r.current.Load()

	next := &state{
		hash:      hash,
		hasHash:   true,
		configs:   make([]*tracepoint.Config, 0, len(configs)),
		byID:      make(map[string]*tracepoint.Config, len(configs)),
		byLine:    map[int][]*tracepoint.Config{},
		updatedAt: tsNano,
	}

	var added []*tracepoint.Config
	for _, c := range configs {
		if c == nil {
			continue
		}
		if _, dup := next.byID[c.ID]; dup {
			level.Warn(r.logger).Log("msg", "duplicate tracepoint id in update, keeping first", "id", c.ID)
			continue
		}
		if old, ok := prev.byID[c.ID]; ok {
			c.InheritStats(old)
		} else {
			added = append(added, c)
		}
		next.configs = append(next.configs, c)
		next.byID[c.ID] = c
		next.byLine[c.Line] = append(next.byLine[c.Line], c)
	}

	var removed []*tracepoint.Config
	for _, old := range prev.configs {
		if _, ok := next.byID[old.ID]; !ok {
			removed = append(removed, old)
		}
	}

	r.current.Store(next)
	r.lastPoll.Store(tsNano)

	r.metrics.updates.WithLabelValues("update").Inc()
	r.metrics.tracepoints.Set(float64(len(next.configs)))
	level.Debug(r.logger).Log("msg", "tracepoint config updated", "hash", hash, "count", len(next.configs), "added", len(added), "removed", len(removed))

	for _, l := range r.listeners {
		l(added, removed)
	}
}

// NoChange records that the config source was observed without a change.
func (r *Registry) NoChange(tsNano int64) {
	r.lastPoll.Store(tsNano)
	r.metrics.updates.WithLabelValues("no_change").Inc()
}

// CurrentHash returns the hash of the installed set, if any update has been
// applied yet.
func (r *Registry) CurrentHash() (string, bool) {
	s := r.current.Load()
	return s.hash, s.hasHash
}

// LastPoll returns the time in nanoseconds of the last update or no change
// observation. Zero means the source was never observed.
func (r *Registry) LastPoll() int64 {
	return r.lastPoll.Load()
}

// LoadByIDs returns the installed configs whose id is in ids. Unknown ids are
// ignored.
func (r *Registry) LoadByIDs(ids ...string) []*tracepoint.Config {
	s := r.current.Load()
	res := make([]*tracepoint.Config, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if c, ok := s.byID[id]; ok {
			res = append(res, c)
		}
	}
	return res
}

// LoadByLocation returns the configs installed at path:line.
func (r *Registry) LoadByLocation(path string, line int) []*tracepoint.Config {
	s := r.current.Load()
	var res []*tracepoint.Config
	for _, c := range s.byLine[line] {
		if c.Matches(path, line) {
			res = append(res, c)
		}
	}
	return res
}

// All returns every installed config ordered by id.
func (r *Registry) All() []*tracepoint.Config {
	s := r.current.Load()
	res := make([]*tracepoint.Config, len(s.configs))
	copy(res, s.configs)
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}
