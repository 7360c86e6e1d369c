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

package agent

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/parca-dev/deep-agent/pkg/collector"
	"github.com/parca-dev/deep-agent/pkg/evaluator"
	"github.com/parca-dev/deep-agent/pkg/settings"
	"github.com/parca-dev/deep-agent/pkg/snapshot"
	"github.com/parca-dev/deep-agent/pkg/tracepoint"
)

type order struct {
	ID    int
	Items []string
}

func newTestAgent(t *testing.T, env map[string]string, c CollectorClient) *Agent {
	t.Helper()

	base := map[string]string{
		"DEEP_PLUGINS":                 "go",
		"DEEP_POLL_TIMER":              "10ms",
		"DEEP_SNAPSHOT_FLUSH_INTERVAL": "10ms",
		"DEEP_ATTRIBUTES":              "env:test",
	}
	for k, v := range env {
		base[k] = v
	}
	s, err := settings.Load(context.Background(), envconfig.MapLookuper(base))
	require.NoError(t, err)

	a, err := New(log.NewNopLogger(), prometheus.NewRegistry(), noop.NewTracerProvider(), s, Options{Collector: c})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })
	return a
}

func install(t *testing.T, a *Agent, cfgs ...*tracepoint.Config) {
	t.Helper()
	a.Registry().ConfigUpdate(time.Now().UnixNano(), "h", cfgs)
}

func mustConfig(t *testing.T, id string, line int, args map[string]string) *tracepoint.Config {
	t.Helper()
	c, err := tracepoint.New(id, "checkout.go", line, args, nil)
	require.NoError(t, err)
	return c
}

func TestAgentHitLocationWithoutCollector(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, nil, nil)
	install(t, a, mustConfig(t, "tp1", 42, nil))

	ctx := context.Background()
	bindings := map[string]any{"o": &order{ID: 7, Items: []string{"book"}}}

	require.Nil(t, a.HitLocation(ctx, "checkout.go", 41, bindings))

	out := a.HitLocation(ctx, "checkout.go", 42, bindings)
	require.Len(t, out, 1)
	require.Equal(t, snapshot.Submitted, out[0].Result)

	s, ok := a.Recent("tp1")
	require.True(t, ok)
	require.Equal(t, out[0].SnapshotID, s.ID)
	require.Equal(t, "test", s.Attributes["env"])
	require.Equal(t, "deep-agent", s.Attributes["service.name"])
	require.NotEmpty(t, s.Attributes["go_version"])
	require.Contains(t, s.Frames[0].Function, "TestAgentHitLocationWithoutCollector")

	// The default fire budget is one snapshot.
	out = a.HitLocation(ctx, "checkout.go", 42, bindings)
	require.Equal(t, snapshot.SkippedBudget, out[0].Result)
}

func TestAgentHitByIDs(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, nil, nil)
	install(t, a,
		mustConfig(t, "tp1", 42, map[string]string{tracepoint.ArgCondition: "o.ID == 7"}),
		mustConfig(t, "tp2", 42, map[string]string{tracepoint.ArgCondition: "o.ID == 8"}),
	)

	out := a.Hit(context.Background(), snapshot.Hit{
		IDs:      []string{"tp1", "tp2", "missing"},
		Path:     "checkout.go",
		Line:     42,
		Bindings: map[string]any{"o": order{ID: 7}},
	})
	results := map[string]snapshot.Result{}
	for _, o := range out {
		results[o.TracepointID] = o.Result
	}
	require.Equal(t, map[string]snapshot.Result{
		"tp1":     snapshot.Submitted,
		"tp2":     snapshot.SkippedCondition,
		"missing": snapshot.SkippedNoConfig,
	}, results)

	s, ok := a.Recent("tp1")
	require.True(t, ok)
	require.Contains(t, s.Frames[0].Function, "TestAgentHitByIDs")
}

func TestAgentDisabled(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, map[string]string{"DEEP_ENABLED": "false"}, nil)
	install(t, a, mustConfig(t, "tp1", 42, nil))

	require.Nil(t, a.HitLocation(context.Background(), "checkout.go", 42, nil))
	require.Nil(t, a.Hit(context.Background(), snapshot.Hit{IDs: []string{"tp1"}, Path: "checkout.go", Line: 42}))
	_, ok := a.Recent("tp1")
	require.False(t, ok)
}

func TestAgentForgetsRecentOfRemovedTracepoints(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, nil, nil)
	install(t, a, mustConfig(t, "tp1", 42, nil))
	a.HitLocation(context.Background(), "checkout.go", 42, nil)
	_, ok := a.Recent("tp1")
	require.True(t, ok)

	install(t, a)
	_, ok = a.Recent("tp1")
	require.False(t, ok)
}

type forgetRecorder struct {
	evaluator.Evaluator
	forgotten [][]string
}

func (r *forgetRecorder) Forget(exprs ...string) {
	r.forgotten = append(r.forgotten, exprs)
}

func TestAgentForgetsUnusedExpressions(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, nil, nil)
	rec := &forgetRecorder{Evaluator: a.evaluator}
	a.evaluator = rec

	tp1, err := tracepoint.New("tp1", "checkout.go", 42, map[string]string{tracepoint.ArgCondition: "x > 1"}, []string{"x", "y"})
	require.NoError(t, err)
	tp2 := mustConfig(t, "tp2", 43, map[string]string{tracepoint.ArgCondition: "x > 1"})

	install(t, a, tp1, tp2)
	require.Empty(t, rec.forgotten)

	install(t, a, tp2)
	require.Equal(t, [][]string{{"x", "y"}}, rec.forgotten, "the shared condition stays compiled")

	install(t, a)
	require.Equal(t, [][]string{{"x", "y"}, {"x > 1"}}, rec.forgotten)
}

func TestAgentNoneEvaluator(t *testing.T) {
	t.Parallel()

	a := newTestAgent(t, map[string]string{"DEEP_EVALUATOR": settings.EvaluatorNone}, nil)
	install(t, a, mustConfig(t, "tp1", 42, map[string]string{tracepoint.ArgCondition: "true"}))

	out := a.HitLocation(context.Background(), "checkout.go", 42, nil)
	require.Equal(t, snapshot.SkippedCondition, out[0].Result)
}

func TestAgentRunPollsAndShips(t *testing.T) {
	t.Parallel()

	c := newFakeCollector(collector.Tracepoint{ID: "tp1", Path: "checkout.go", Line: 42})
	a := newTestAgent(t, nil, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(a.Registry().All()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	out := a.HitLocation(ctx, "checkout.go", 42, map[string]any{"o": order{ID: 1}})
	require.Equal(t, snapshot.Submitted, out[0].Result)

	require.Eventually(t, func() bool {
		return len(c.mem.Snapshots()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, out[0].SnapshotID, c.mem.Snapshots()[0].ID)

	cancel()
	require.NoError(t, <-done)
}
