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

package snapshot_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/deep-agent/pkg/capture"
	"github.com/parca-dev/deep-agent/pkg/evaluator"
	"github.com/parca-dev/deep-agent/pkg/registry"
	"github.com/parca-dev/deep-agent/pkg/snapshot"
	"github.com/parca-dev/deep-agent/pkg/tracepoint"
)

type collector struct {
	mtx       sync.Mutex
	snapshots []*snapshot.Snapshot
}

func (c *collector) Submit(s *snapshot.Snapshot) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.snapshots = append(c.snapshots, s)
}

func (c *collector) all() []*snapshot.Snapshot {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return append([]*snapshot.Snapshot(nil), c.snapshots...)
}

type decorator struct {
	name  string
	attrs map[string]string
	err   error
	panic bool
}

func (d decorator) Name() string { return d.name }

func (d decorator) Decorate(snapshot.HitContext) (map[string]string, error) {
	if d.panic {
		panic("decorator exploded")
	}
	return d.attrs, d.err
}

type fixture struct {
	reg       *prometheus.Registry
	registry  *registry.Registry
	collector *collector
	assembler *snapshot.Assembler
	logs      *bytes.Buffer
	now       time.Time
}

func newFixture(t *testing.T, eval evaluator.Evaluator, cfgs ...*tracepoint.Config) *fixture {
	t.Helper()

	f := &fixture{
		reg:       prometheus.NewRegistry(),
		collector: &collector{},
		logs:      &bytes.Buffer{},
		now:       time.UnixMilli(1_700_000_000_000),
	}
	logger := log.NewSyncLogger(log.NewLogfmtLogger(f.logs))
	f.registry = registry.New(logger, f.reg)
	f.registry.ConfigUpdate(1, "h1", cfgs)
	if eval == nil {
		eval = evaluator.NewCUE(logger, f.reg)
	}
	f.assembler = snapshot.NewAssembler(logger, f.reg, f.registry, eval, capture.NewCapturer(nil), f.collector, snapshot.Options{
		Limits: capture.Limits{MaxDepth: 5, MaxNodes: 100},
		Decorators: []snapshot.Decorator{
			decorator{name: "static", attrs: map[string]string{"service": "demo", "env": "test"}},
			decorator{name: "broken", err: errors.New("unavailable")},
			decorator{name: "panicky", panic: true},
			decorator{name: "override", attrs: map[string]string{"env": "prod"}},
		},
		Now: func() time.Time { return f.now },
	})
	return f
}

func mustConfig(t *testing.T, id string, args map[string]string, watches ...string) *tracepoint.Config {
	t.Helper()
	c, err := tracepoint.New(id, "app/handler.go", 42, args, watches)
	require.NoError(t, err)
	return c
}

func results(outcomes []snapshot.Outcome) map[string]snapshot.Result {
	out := map[string]snapshot.Result{}
	for _, o := range outcomes {
		out[o.TracepointID] = o.Result
	}
	return out
}

type order struct {
	ID    int
	Items []string
}

func hit(ids ...string) snapshot.Hit {
	return snapshot.Hit{
		IDs:  ids,
		Path: "app/handler.go",
		Line: 42,
		Bindings: map[string]any{
			"this":  &order{ID: 7, Items: []string{"apple", "pear"}},
			"count": 3,
		},
	}
}

func TestAssemblerMissingConfig(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	outcomes := f.assembler.OnHit(context.Background(), hit("missing", "missing"))

	require.Equal(t, []snapshot.Outcome{{TracepointID: "missing", Result: snapshot.SkippedNoConfig}}, outcomes)
	require.Empty(t, f.collector.all())
}

func TestAssemblerSubmitsSnapshot(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, mustConfig(t, "tp1", map[string]string{
		tracepoint.ArgCondition: "count > 2",
	}, "this.ID * 2", "unknown.field"))

	outcomes := f.assembler.OnHit(context.Background(), hit("tp1"))
	require.Len(t, outcomes, 1)
	require.Equal(t, snapshot.Submitted, outcomes[0].Result)

	snaps := f.collector.all()
	require.Len(t, snaps, 1)
	s := snaps[0]

	require.Equal(t, outcomes[0].SnapshotID, s.ID)
	id, err := uuid.Parse(s.ID)
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), id.Version())

	require.Equal(t, "tp1", s.TracepointID)
	require.Equal(t, "app/handler.go", s.Path)
	require.Equal(t, 42, s.Line)
	require.Equal(t, f.now.UnixNano(), s.TsNanos)

	require.NotEmpty(t, s.Frames)
	require.Contains(t, s.Frames[0].Function, "TestAssemblerSubmitsSnapshot")
	require.True(t, s.Frames[0].Captured)
	require.Len(t, s.Frames[0].Variables, 2)
	require.Equal(t, "this", s.Frames[0].Variables[0].Name)
	require.Equal(t, "*snapshot_test.order", s.VarLookup[s.Frames[0].Variables[0].ID].Type)
	require.Greater(t, len(s.Frames), 1, "full stack by default")
	require.False(t, s.Frames[1].Captured)

	require.Len(t, s.Watches, 2)
	require.Equal(t, "this.ID * 2", s.Watches[0].Expression)
	require.Empty(t, s.Watches[0].Error)
	require.NotNil(t, s.Watches[0].Result)
	require.Equal(t, "14", s.VarLookup[s.Watches[0].Result.ID].Value)
	require.Equal(t, "unknown.field", s.Watches[1].Expression)
	require.NotEmpty(t, s.Watches[1].Error)
	require.Nil(t, s.Watches[1].Result)

	require.Equal(t, "demo", s.Attributes["service"])
	require.Equal(t, "prod", s.Attributes["env"])
	require.Equal(t, "tp1", s.Attributes["tracepoint"])
	require.Equal(t, "1", s.Attributes["fire_count"])

	require.Equal(t, 1.0, outcomeCount(t, f, snapshot.Submitted))
}

func outcomeCount(t *testing.T, f *fixture, r snapshot.Result) float64 {
	t.Helper()
	mfs, err := f.reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != "deep_snapshot_outcomes_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == string(r) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestAssemblerBudget(t *testing.T) {
	t.Parallel()

	cfg := mustConfig(t, "tp", map[string]string{tracepoint.ArgFireCount: "2"})
	f := newFixture(t, nil, cfg)

	require.Equal(t, snapshot.Submitted, results(f.assembler.OnHit(context.Background(), hit("tp")))["tp"])
	// Inside the default fire period.
	f.now = f.now.Add(500 * time.Millisecond)
	require.Equal(t, snapshot.SkippedBudget, results(f.assembler.OnHit(context.Background(), hit("tp")))["tp"])
	f.now = f.now.Add(time.Second)
	require.Equal(t, snapshot.Submitted, results(f.assembler.OnHit(context.Background(), hit("tp")))["tp"])
	f.now = f.now.Add(time.Hour)
	require.Equal(t, snapshot.SkippedBudget, results(f.assembler.OnHit(context.Background(), hit("tp")))["tp"])

	require.Equal(t, uint64(2), cfg.Fires())
	require.Len(t, f.collector.all(), 2)
	require.Equal(t, 2.0, outcomeCount(t, f, snapshot.SkippedBudget))
}

func TestAssemblerConditionDoesNotConsumeBudget(t *testing.T) {
	t.Parallel()

	cfg := mustConfig(t, "tp", map[string]string{tracepoint.ArgCondition: "count > 10"})
	f := newFixture(t, nil, cfg)

	require.Equal(t, snapshot.SkippedCondition, results(f.assembler.OnHit(context.Background(), hit("tp")))["tp"])
	require.Zero(t, cfg.Fires())

	// A broken condition never fires either.
	broken := mustConfig(t, "broken", map[string]string{tracepoint.ArgCondition: "count >"})
	f.registry.ConfigUpdate(2, "h2", []*tracepoint.Config{broken})
	require.Equal(t, snapshot.SkippedCondition, results(f.assembler.OnHit(context.Background(), hit("broken")))["broken"])
	require.Zero(t, broken.Fires())
}

func TestAssemblerNoEvaluator(t *testing.T) {
	t.Parallel()

	f := newFixture(t, evaluator.Nop(log.NewNopLogger()), mustConfig(t, "tp", map[string]string{
		tracepoint.ArgCondition: "count > 10",
	}, "count"))

	require.Equal(t, snapshot.Submitted, results(f.assembler.OnHit(context.Background(), hit("tp")))["tp"])
	s := f.collector.all()[0]
	require.Len(t, s.Watches, 1)
	require.Equal(t, evaluator.ErrNoEvaluator.Error(), s.Watches[0].Error)
}

func TestAssemblerLogPoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil,
		mustConfig(t, "log", map[string]string{
			tracepoint.ArgLogMsg:   "order {this.ID} has {len(this.Items)} items",
			tracepoint.ArgSnapshot: tracepoint.SnapshotNoCollect,
		}),
		mustConfig(t, "both", map[string]string{
			tracepoint.ArgLogMsg: "count={count}",
		}),
	)

	got := results(f.assembler.OnHit(context.Background(), hit("log", "both")))
	require.Equal(t, map[string]snapshot.Result{"log": snapshot.Logged, "both": snapshot.Submitted}, got)
	require.Contains(t, f.logs.String(), "order 7 has 2 items")

	snaps := f.collector.all()
	require.Len(t, snaps, 1)
	require.Equal(t, "both", snaps[0].TracepointID)
	require.Equal(t, "count=3", snaps[0].LogMsg)
}

func TestAssemblerFrameTypes(t *testing.T) {
	t.Parallel()

	t.Run("no frame", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil, mustConfig(t, "tp", map[string]string{
			tracepoint.ArgFrameType: "no_frame",
			tracepoint.ArgStackType: "no_stack",
		}))
		require.Equal(t, snapshot.Submitted, results(f.assembler.OnHit(context.Background(), hit("tp")))["tp"])

		s := f.collector.all()[0]
		require.Len(t, s.Frames, 1)
		require.False(t, s.Frames[0].Captured)
		require.Empty(t, s.Frames[0].Variables)
		require.Empty(t, s.VarLookup)
	})

	t.Run("merged all frame", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t, nil,
			mustConfig(t, "single", map[string]string{tracepoint.ArgStackType: "no_stack"}),
			mustConfig(t, "all", map[string]string{tracepoint.ArgFrameType: "all_frame"}),
		)
		h := hit("single", "all")
		h.CallerBindings = []map[string]any{{"caller": "value"}}
		require.Len(t, f.assembler.OnHit(context.Background(), h), 2)

		snaps := f.collector.all()
		require.Len(t, snaps, 2)
		for _, s := range snaps {
			require.Greater(t, len(s.Frames), 2)
			require.True(t, s.Frames[0].Captured)
			require.True(t, s.Frames[1].Captured)
			require.Equal(t, "caller", s.Frames[1].Variables[0].Name)
			require.Equal(t, "value", s.VarLookup[s.Frames[1].Variables[0].ID].Value)
			require.False(t, s.Frames[2].Captured)
		}
		require.Equal(t, snaps[0].Frames, snaps[1].Frames, "frames are captured once per hit")
	})
}

func TestAssemblerSnapshotsOfOneHitAreIndependent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil,
		mustConfig(t, "first", nil, "count + 1"),
		mustConfig(t, "second", nil, "count * 10"),
	)
	require.Len(t, f.assembler.OnHit(context.Background(), hit("first", "second")), 2)

	byID := map[string]*snapshot.Snapshot{}
	for _, s := range f.collector.all() {
		byID[s.TracepointID] = s
	}
	first, second := byID["first"], byID["second"]
	require.NotNil(t, first)
	require.NotNil(t, second)

	require.Equal(t, first.Frames, second.Frames)
	require.NotSame(t, &first.Frames[0], &second.Frames[0])
	require.NotSame(t, &first.Frames[0].Variables[0], &second.Frames[0].Variables[0])

	own := first.Watches[0].Result.ID
	other := second.Watches[0].Result.ID
	require.Equal(t, "4", first.VarLookup[own].Value)
	require.Equal(t, "30", second.VarLookup[other].Value)
	require.NotContains(t, first.VarLookup, other)
	require.NotContains(t, second.VarLookup, own)

	for _, ref := range first.Frames[0].Variables {
		require.Contains(t, first.VarLookup, ref.ID)
		require.Contains(t, second.VarLookup, ref.ID)
	}
}

func TestAssemblerSkipFrames(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, mustConfig(t, "tp", nil))
	instrumented := func() {
		h := hit("tp")
		h.Skip = 1
		f.assembler.OnHit(context.Background(), h)
	}
	instrumented()

	s := f.collector.all()[0]
	require.True(t, strings.HasSuffix(s.Frames[0].Function, "TestAssemblerSkipFrames"), s.Frames[0].Function)
}

func TestAssemblerCaptureLimits(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, mustConfig(t, "tp", map[string]string{
		tracepoint.ArgMaxVariables: "2",
	}))
	require.Equal(t, snapshot.Submitted, results(f.assembler.OnHit(context.Background(), hit("tp")))["tp"])

	s := f.collector.all()[0]
	require.Len(t, s.VarLookup, 2)
	require.True(t, s.Truncated)
}

func TestAssemblerWatchPastNodeLimit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, mustConfig(t, "tp", map[string]string{
		tracepoint.ArgMaxVariables: "2",
	}, "n + 1", "missing"))

	h := hit("tp")
	h.Bindings = map[string]any{"a": 1, "b": 2, "n": 41}
	require.Equal(t, snapshot.Submitted, results(f.assembler.OnHit(context.Background(), h))["tp"])

	s := f.collector.all()[0]
	require.True(t, s.Truncated)
	require.Len(t, s.Watches, 2)

	w := s.Watches[0]
	require.Empty(t, w.Error)
	require.NotNil(t, w.Result)
	require.Equal(t, "42", s.VarLookup[w.Result.ID].Value)

	require.NotEmpty(t, s.Watches[1].Error)
	require.Nil(t, s.Watches[1].Result)
}

func TestAssemblerSubmitterPanic(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r := registry.New(log.NewNopLogger(), reg)
	r.ConfigUpdate(1, "h", []*tracepoint.Config{mustConfig(t, "tp", nil)})
	a := snapshot.NewAssembler(log.NewNopLogger(), reg, r, nil, nil, snapshot.SubmitterFunc(func(*snapshot.Snapshot) {
		panic("transport exploded")
	}), snapshot.Options{})

	var outcomes []snapshot.Outcome
	require.NotPanics(t, func() {
		outcomes = a.OnHit(context.Background(), hit("tp"))
	})
	require.Equal(t, snapshot.SkippedCaptureError, results(outcomes)["tp"])
}

func TestAssemblerConcurrentHitsRespectBudget(t *testing.T) {
	t.Parallel()

	cfg := mustConfig(t, "tp", map[string]string{
		tracepoint.ArgFireCount:  "5",
		tracepoint.ArgFirePeriod: "0",
	})
	f := newFixture(t, nil, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.assembler.OnHit(context.Background(), hit("tp"))
		}()
	}
	wg.Wait()

	require.Len(t, f.collector.all(), 5)
	require.Equal(t, uint64(5), cfg.Fires())
	require.Equal(t, 45.0, outcomeCount(t, f, snapshot.SkippedBudget))
}
