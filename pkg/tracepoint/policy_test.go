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
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newConfig(t *testing.T, args map[string]string) *Config {
	t.Helper()

	c, err := New("tp", "a.go", 1, args, nil)
	require.NoError(t, err)
	return c
}

func TestFireBudget(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 1, 2, 5} {
		n := n
		t.Run(strconv.Itoa(n), func(t *testing.T) {
			t.Parallel()

			c := newConfig(t, map[string]string{
				ArgFireCount:  strconv.Itoa(n),
				ArgFirePeriod: "0",
			})

			ts := int64(1000)
			for i := 0; i < n; i++ {
				require.True(t, c.CanFire(ts), "fire %d", i)
				c.Fired(ts)
				ts++
			}
			for i := 0; i < 10; i++ {
				require.False(t, c.CanFire(ts))
				ts += 10_000
			}
			require.Equal(t, uint64(n), c.Fires())
		})
	}
}

func TestUnboundedBudget(t *testing.T) {
	t.Parallel()

	c := newConfig(t, map[string]string{ArgFireCount: "-1", ArgFirePeriod: "0"})
	for i := int64(0); i < 1000; i++ {
		require.True(t, c.CanFire(i))
		c.Fired(i)
	}
	require.Equal(t, uint64(1000), c.Fires())
}

func TestCanFireIsPure(t *testing.T) {
	t.Parallel()

	c := newConfig(t, nil)
	for i := 0; i < 5; i++ {
		require.True(t, c.CanFire(10))
	}
	require.Equal(t, uint64(0), c.Fires())
}

func TestWindow(t *testing.T) {
	t.Parallel()

	c := newConfig(t, map[string]string{ArgWindowStart: "100", ArgWindowEnd: "200"})
	require.False(t, c.CanFire(50))
	require.True(t, c.CanFire(150))
	require.True(t, c.CanFire(200))
	require.False(t, c.CanFire(201))
}

func TestWindowEndOnly(t *testing.T) {
	t.Parallel()

	c := newConfig(t, map[string]string{ArgWindowStart: "0", ArgWindowEnd: "200"})
	for _, ts := range []int64{-5, 0, 1, 199, 200} {
		require.True(t, c.CanFire(ts), "ts %d", ts)
	}
	for _, ts := range []int64{201, 1000, 1 << 40} {
		require.False(t, c.CanFire(ts), "ts %d", ts)
	}
}

func TestWindowStartOnly(t *testing.T) {
	t.Parallel()

	c := newConfig(t, map[string]string{ArgWindowStart: "100"})
	require.False(t, c.CanFire(99))
	require.True(t, c.CanFire(100))
	require.True(t, c.CanFire(1<<40))
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	c := newConfig(t, map[string]string{ArgFireCount: "-1", ArgFirePeriod: "1000"})
	require.True(t, c.CanFire(1000))
	c.Fired(1000)

	require.False(t, c.CanFire(1500))
	require.True(t, c.CanFire(2000))
	require.True(t, c.CanFire(2001))

	last, ok := c.LastFire()
	require.True(t, ok)
	require.Equal(t, int64(1000), last)
}

func TestTryFire(t *testing.T) {
	t.Parallel()

	c := newConfig(t, map[string]string{ArgFireCount: "2", ArgFirePeriod: "0"})
	require.True(t, c.TryFire(1))
	require.True(t, c.TryFire(2))
	require.False(t, c.TryFire(3))
	require.Equal(t, uint64(2), c.Fires())
}

func TestTryFireConcurrent(t *testing.T) {
	t.Parallel()

	const budget = 7
	c := newConfig(t, map[string]string{ArgFireCount: strconv.Itoa(budget), ArgFirePeriod: "0"})

	var (
		wg    sync.WaitGroup
		mtx   sync.Mutex
		fired int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if c.TryFire(int64(i*10 + j)) {
					mtx.Lock()
					fired++
					mtx.Unlock()
				}
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, budget, fired)
	require.Equal(t, uint64(budget), c.Fires())
}

func TestInheritStats(t *testing.T) {
	t.Parallel()

	prev := newConfig(t, map[string]string{ArgFireCount: "1"})
	prev.Fired(10)

	next := newConfig(t, map[string]string{ArgFireCount: "1"})
	next.InheritStats(prev)
	require.False(t, next.CanFire(5000))
	require.Equal(t, uint64(1), next.Fires())

	next.InheritStats(nil)
	require.Equal(t, uint64(1), next.Fires())
}
