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

package spool

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, max int) (*Spool, *prometheus.Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spool.db")
	reg := prometheus.NewRegistry()
	s, err := Open(log.NewNopLogger(), reg, path, max)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, reg, path
}

func TestPutPeekDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, _ := open(t, 0)

	payload := []byte(strings.Repeat(`{"id":"x"}`, 100))
	require.NoError(t, s.Put(ctx, 100, payload))
	require.NoError(t, s.Put(ctx, 1, []byte(`{"id":"y"}`)))

	n, err := s.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	entries, err := s.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, payload, entries[0].Payload)
	require.Equal(t, 100, entries[0].Count)
	require.Equal(t, []byte(`{"id":"y"}`), entries[1].Payload)
	require.Less(t, entries[0].ID, entries[1].ID)

	require.NoError(t, s.Delete(ctx, entries[0].ID))
	entries, err = s.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 1, entries[0].Count)
}

func TestPeekLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, _ := open(t, 0)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, 1, []byte(fmt.Sprint(i))))
	}

	entries, err := s.Peek(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, []byte("0"), entries[0].Payload)
	require.Equal(t, []byte("1"), entries[1].Payload)
}

func TestMaxBatchesDropsOldest(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, reg, _ := open(t, 3)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, 1, []byte(fmt.Sprint(i))))
	}

	entries, err := s.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, []byte("2"), entries[0].Payload)

	require.Equal(t, 2.0, testutil.ToFloat64(s.metrics.evicted))
	require.Equal(t, 3.0, testutil.ToFloat64(s.metrics.batches))
	n, err := testutil.GatherAndCount(reg, "deep_spool_writes_total")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestReopenKeepsBatches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, path := open(t, 0)
	require.NoError(t, s.Put(ctx, 2, []byte("persisted")))
	require.NoError(t, s.Close())

	s2, err := Open(log.NewNopLogger(), prometheus.NewRegistry(), path, 0)
	require.NoError(t, err)
	defer s2.Close()

	entries, err := s2.Peek(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []byte("persisted"), entries[0].Payload)
	require.Equal(t, 1.0, testutil.ToFloat64(s2.metrics.batches))
}

func TestClosed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, _, _ := open(t, 0)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Put(ctx, 1, []byte("x")), ErrClosed)
	_, err := s.Peek(ctx, 1)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.Delete(ctx, 1), ErrClosed)
	_, err = s.Len(ctx)
	require.ErrorIs(t, err, ErrClosed)
}
