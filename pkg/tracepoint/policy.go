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

package tracepoint

import (
	"math"
	"sync"

	"go.uber.org/atomic"
)

const neverFired = math.MinInt64

// ExecutionStats is the mutable fire state of a tracepoint. Reads are lock
// free; commits are serialized so the fire count can never overshoot the
// configured budget.
type ExecutionStats struct {
	mtx      *sync.Mutex
	count    *atomic.Uint64
	lastFire *atomic.Int64
}

func newExecutionStats() *ExecutionStats {
	return &ExecutionStats{
		mtx:      &sync.Mutex{},
		count:    atomic.NewUint64(0),
		lastFire: atomic.NewInt64(neverFired),
	}
}

// Fires returns how many times the tracepoint has fired.
func (c *Config) Fires() uint64 {
	return c.stats.count.Load()
}

// LastFire returns the timestamp of the last fire, if any.
func (c *Config) LastFire() (int64, bool) {
	ts := c.stats.lastFire.Load()
	return ts, ts != neverFired
}

// CanFire reports whether a hit at ts (epoch milliseconds) passes the fire
// budget, the time window and the minimum interval. It does not change any
// state.
func (c *Config) CanFire(ts int64) bool {
	if c.FireCount != UnboundedFireCount && c.stats.count.Load() >= uint64(c.FireCount) {
		return false
	}

	if c.Window.Set() && !c.Window.Contains(ts) {
		return false
	}

	if last := c.stats.lastFire.Load(); last != neverFired && ts-last < c.FirePeriod {
		return false
	}

	return true
}

// Fired records a fire at ts. Callers that checked CanFire beforehand should
// prefer TryFire, which closes the gap between the check and the commit.
func (c *Config) Fired(ts int64) {
	c.stats.mtx.Lock()
	defer c.stats.mtx.Unlock()

	c.fired(ts)
}

// TryFire atomically checks CanFire and, if it passes, records the fire.
func (c *Config) TryFire(ts int64) bool {
	c.stats.mtx.Lock()
	defer c.stats.mtx.Unlock()

	if !c.CanFire(ts) {
		return false
	}
	c.fired(ts)
	return true
}

func (c *Config) fired(ts int64) {
	c.stats.count.Inc()
	c.stats.lastFire.Store(ts)
}
