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

package snapshot

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/deep-agent/pkg/capture"
	"github.com/parca-dev/deep-agent/pkg/evaluator"
	"github.com/parca-dev/deep-agent/pkg/tracepoint"
)

// Result is the terminal state of one tracepoint for one hit.
type Result string

const (
	SkippedNoConfig     Result = "skipped_no_config"
	SkippedBudget       Result = "skipped_budget"
	SkippedCondition    Result = "skipped_condition"
	SkippedCaptureError Result = "skipped_capture_error"
	Logged              Result = "logged"
	Submitted           Result = "submitted"
)

// Outcome reports what happened to one tracepoint of a hit.
type Outcome struct {
	TracepointID string
	Result       Result
	// SnapshotID is set for submitted snapshots.
	SnapshotID string
}

// ConfigSource resolves tracepoint ids to their configs.
type ConfigSource interface {
	LoadByIDs(ids ...string) []*tracepoint.Config
}

type metrics struct {
	outcomes        *prometheus.CounterVec
	captureDuration prometheus.Histogram
	decoratorErrors *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		outcomes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "deep_snapshot_outcomes_total",
			Help: "Total number of tracepoint hits by outcome.",
		}, []string{"outcome"}),
		captureDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "deep_snapshot_capture_duration_seconds",
			Help:    "Time spent capturing the variables of a hit.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		decoratorErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "deep_snapshot_decorator_errors_total",
			Help: "Total number of failed snapshot decorations by plugin.",
		}, []string{"plugin"}),
	}
	for _, r := range []Result{SkippedNoConfig, SkippedBudget, SkippedCondition, SkippedCaptureError, Logged, Submitted} {
		m.outcomes.WithLabelValues(string(r))
	}
	return m
}

// Options configure an Assembler.
type Options struct {
	// Limits apply to every capture unless a tracepoint overrides them.
	Limits     capture.Limits
	Decorators []Decorator
	// Now defaults to time.Now.
	Now func() time.Time
}

// Assembler decides per hit which tracepoints fire and builds their
// snapshots. It runs on the goroutine of the hit and never panics into it.
type Assembler struct {
	logger  log.Logger
	metrics *metrics

	configs    ConfigSource
	evaluator  evaluator.Evaluator
	capturer   *capture.Capturer
	submitter  Submitter
	decorators []Decorator
	limits     capture.Limits
	now        func() time.Time
}

func NewAssembler(
	logger log.Logger,
	reg prometheus.Registerer,
	configs ConfigSource,
	eval evaluator.Evaluator,
	capturer *capture.Capturer,
	submitter Submitter,
	opts Options,
) *Assembler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if eval == nil {
		eval = evaluator.Nop(logger)
	}
	if capturer == nil {
		capturer = capture.NewCapturer(nil)
	}
	return &Assembler{
		logger:     logger,
		metrics:    newMetrics(reg),
		configs:    configs,
		evaluator:  eval,
		capturer:   capturer,
		submitter:  submitter,
		decorators: opts.Decorators,
		limits:     opts.Limits,
		now:        opts.Now,
	}
}

// OnHit processes a hit of the tracepoints in hit.IDs and returns one
// outcome per distinct id.
func (a *Assembler) OnHit(ctx context.Context, hit Hit) (outcomes []Outcome) { //nolint:nonamedreturns
	defer func() {
		if r := recover(); r != nil {
			level.Error(a.logger).Log("msg", "recovered from panic while processing hit", "path", hit.Path, "line", hit.Line, "panic", r)
		}
	}()

	if hit.Context == nil {
		hit.Context = ctx
	}
	now := a.now()
	ts := now.UnixMilli()

	record := func(id string, r Result, snapshotID string) {
		outcomes = append(outcomes, Outcome{TracepointID: id, Result: r, SnapshotID: snapshotID})
		a.metrics.outcomes.WithLabelValues(string(r)).Inc()
	}

	configs := a.configs.LoadByIDs(hit.IDs...)
	found := make(map[string]struct{}, len(configs))
	for _, cfg := range configs {
		found[cfg.ID] = struct{}{}
	}
	missing := make(map[string]struct{})
	for _, id := range hit.IDs {
		if _, ok := found[id]; ok {
			continue
		}
		if _, ok := missing[id]; ok {
			continue
		}
		missing[id] = struct{}{}
		record(id, SkippedNoConfig, "")
	}

	var firing []*tracepoint.Config
	for _, cfg := range configs {
		if !cfg.CanFire(ts) {
			record(cfg.ID, SkippedBudget, "")
			continue
		}
		if cfg.Condition != "" && !a.evaluator.Evaluate(cfg.Condition, hit.Bindings) {
			record(cfg.ID, SkippedCondition, "")
			continue
		}
		// Budget is only consumed once capture begins. Losing the race for
		// the last fire against another goroutine counts as budget.
		if !cfg.TryFire(ts) {
			record(cfg.ID, SkippedBudget, "")
			continue
		}
		firing = append(firing, cfg)
	}
	if len(firing) == 0 {
		return outcomes
	}

	var collecting []*tracepoint.Config
	logs := make(map[string]string, len(firing))
	for _, cfg := range firing {
		if cfg.LogMsg != "" {
			msg := renderLog(a.evaluator, cfg.LogMsg, hit.Bindings)
			level.Info(a.logger).Log("msg", "log point", "tracepoint", cfg.ID, "path", cfg.Path, "line", cfg.Line, "log", msg)
			logs[cfg.ID] = msg
		}
		if !cfg.Collect {
			record(cfg.ID, Logged, "")
			continue
		}
		collecting = append(collecting, cfg)
	}
	if len(collecting) == 0 {
		return outcomes
	}

	start := time.Now()
	c, err := a.capture(hit, collecting)
	duration := time.Since(start)
	a.metrics.captureDuration.Observe(duration.Seconds())
	if err != nil {
		level.Warn(a.logger).Log("msg", "failed to capture hit", "path", hit.Path, "line", hit.Line, "err", err)
		for _, cfg := range collecting {
			record(cfg.ID, SkippedCaptureError, "")
		}
		return outcomes
	}

	attrs := a.decorate(HitContext{
		Context:       hit.Context,
		TracepointIDs: ids(collecting),
		Path:          hit.Path,
		Line:          hit.Line,
		TsNanos:       now.UnixNano(),
	})

	for _, cfg := range collecting {
		frames := cloneFrames(c.frames)
		watches := c.watches[cfg.ID]
		s := &Snapshot{
			ID:            newID(),
			TracepointID:  cfg.ID,
			Path:          hit.Path,
			Line:          hit.Line,
			TsNanos:       now.UnixNano(),
			DurationNanos: duration.Nanoseconds(),
			Frames:        frames,
			VarLookup:     reachable(c.lookup, frames, watches),
			Watches:       watches,
			Attributes:    maps.Clone(attrs),
			LogMsg:        logs[cfg.ID],
			Truncated:     c.truncated,
		}
		if s.Attributes == nil {
			s.Attributes = map[string]string{}
		}
		s.Attributes["tracepoint"] = cfg.ID
		s.Attributes["frame_type"] = cfg.FrameType.String()
		s.Attributes["fire_count"] = strconv.FormatUint(cfg.Fires(), 10)

		if err := a.submit(s); err != nil {
			level.Warn(a.logger).Log("msg", "failed to submit snapshot", "tracepoint", cfg.ID, "err", err)
			record(cfg.ID, SkippedCaptureError, "")
			continue
		}
		record(cfg.ID, Submitted, s.ID)
	}
	return outcomes
}

type captured struct {
	frames    []StackFrame
	lookup    map[capture.VariableID]capture.Variable
	watches   map[string][]WatchResult
	truncated bool
}

// capture collects the frames of a hit once for all collecting tracepoints,
// using the widest frame type, stack and limits among them.
func (a *Assembler) capture(hit Hit, cfgs []*tracepoint.Config) (c captured, err error) { //nolint:nonamedreturns
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	frameType := tracepoint.FrameNone
	fullStack := false
	var limits capture.Limits
	for i, cfg := range cfgs {
		frameType = max(frameType, cfg.FrameType)
		if cfg.StackType != tracepoint.StackNone {
			fullStack = true
		}
		l := a.limitsFor(cfg)
		if i == 0 {
			limits = l
			continue
		}
		limits = limits.Merge(l)
	}

	c.frames = stack(hit, fullStack || frameType == tracepoint.FrameAll)
	session := a.capturer.NewSession(limits)

	switch frameType {
	case tracepoint.FrameAll:
		for i := range c.frames {
			bindings := hit.Bindings
			if i > 0 {
				if i-1 >= len(hit.CallerBindings) {
					break
				}
				bindings = hit.CallerBindings[i-1]
			}
			c.frames[i].Variables = session.Capture(bindings)
			c.frames[i].Captured = true
		}
	case tracepoint.FrameSingle:
		c.frames[0].Variables = session.Capture(hit.Bindings)
		c.frames[0].Captured = true
	}

	c.watches = make(map[string][]WatchResult, len(cfgs))
	for _, cfg := range cfgs {
		for _, expr := range cfg.Watches {
			c.watches[cfg.ID] = append(c.watches[cfg.ID], a.watch(session, expr, hit.Bindings))
		}
	}

	c.lookup = session.Lookup()
	c.truncated = session.Truncated()
	return c, nil
}

func cloneFrames(frames []StackFrame) []StackFrame {
	out := slices.Clone(frames)
	for i := range out {
		out[i].Variables = slices.Clone(out[i].Variables)
	}
	return out
}

// reachable returns the variables of lookup referenced from frames and
// watches, directly or through children. Snapshots of tracepoints that fired
// on the same hit do not see each other's watch values.
func reachable(lookup map[capture.VariableID]capture.Variable, frames []StackFrame, watches []WatchResult) map[capture.VariableID]capture.Variable {
	var pending []capture.VariableID
	for _, f := range frames {
		for _, ref := range f.Variables {
			pending = append(pending, ref.ID)
		}
	}
	for _, w := range watches {
		if w.Result != nil {
			pending = append(pending, w.Result.ID)
		}
	}

	out := make(map[capture.VariableID]capture.Variable, len(lookup))
	for len(pending) > 0 {
		id := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if _, ok := out[id]; ok {
			continue
		}
		v, ok := lookup[id]
		if !ok {
			continue
		}
		v.Children = slices.Clone(v.Children)
		out[id] = v
		for _, ref := range v.Children {
			pending = append(pending, ref.ID)
		}
	}
	return out
}

func (a *Assembler) watch(session *capture.Session, expr string, bindings map[string]any) WatchResult {
	res := WatchResult{Expression: expr}
	v, err := a.evaluator.EvaluateExpression(expr, bindings)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	ref := session.CaptureRoot(expr, v)
	res.Result = &ref
	return res
}

func (a *Assembler) limitsFor(cfg *tracepoint.Config) capture.Limits {
	return a.limits.Override(capture.Limits{
		MaxDepth:          cfg.Limits.MaxVarDepth,
		MaxNodes:          cfg.Limits.MaxVariables,
		MaxCollectionSize: cfg.Limits.MaxCollectionSize,
		MaxStringLength:   cfg.Limits.MaxStringLength,
	})
}

// decorate merges the attributes of all decorators. Later decorators win.
// A failing decorator is skipped.
func (a *Assembler) decorate(hc HitContext) map[string]string {
	attrs := map[string]string{}
	for _, d := range a.decorators {
		got, err := safeDecorate(d, hc)
		if err != nil {
			a.metrics.decoratorErrors.WithLabelValues(d.Name()).Inc()
			level.Debug(a.logger).Log("msg", "decorator failed", "plugin", d.Name(), "err", err)
			continue
		}
		maps.Copy(attrs, got)
	}
	return attrs
}

func safeDecorate(d Decorator, hc HitContext) (attrs map[string]string, err error) { //nolint:nonamedreturns
	defer func() {
		if r := recover(); r != nil {
			attrs, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return d.Decorate(hc)
}

func (a *Assembler) submit(s *Snapshot) (err error) { //nolint:nonamedreturns
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	a.submitter.Submit(s)
	return nil
}

func ids(cfgs []*tracepoint.Config) []string {
	out := make([]string, 0, len(cfgs))
	for _, cfg := range cfgs {
		out = append(out, cfg.ID)
	}
	return out
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
