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

package evaluator

import (
	"errors"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/parser"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/parca-dev/deep-agent/pkg/cache"
)

const (
	defaultCacheSize = 1024
	// The engine interns every label it sees. Starting over with a fresh
	// context bounds that growth.
	defaultContextUses = 10_000
)

type cueMetrics struct {
	evaluations *prometheus.CounterVec
	resets      prometheus.Counter
}

func newCUEMetrics(reg prometheus.Registerer) *cueMetrics {
	return &cueMetrics{
		evaluations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "deep_evaluator_evaluations_total",
			Help: "Total number of expression evaluations by result.",
		}, []string{"result"}),
		resets: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "deep_evaluator_context_resets_total",
			Help: "Total number of times the expression engine context was recreated.",
		}),
	}
}

// program is a parsed and rewritten expression. Syntax errors are kept so
// broken expressions are not parsed again on every hit.
type program struct {
	src string
	err error
	// identifiers the expression mentions; only those bindings are encoded
	idents map[string]struct{}
}

// Option configures the CUE evaluator.
type Option func(*CUE)

// WithMaxBindingDepth bounds how deep bindings are converted for evaluation.
func WithMaxBindingDepth(depth int) Option {
	return func(c *CUE) { c.maxDepth = depth }
}

// WithMaxCollectionSize caps the elements of slices, arrays and maps handed
// to the engine.
func WithMaxCollectionSize(n int) Option {
	return func(c *CUE) { c.maxCollection = n }
}

// WithMaxStringLength caps strings handed to the engine.
func WithMaxStringLength(n int) Option {
	return func(c *CUE) { c.maxString = n }
}

// WithCacheSize sets how many parsed expressions are retained.
func WithCacheSize(size int) Option {
	return func(c *CUE) { c.cacheSize = size }
}

// WithContextUses sets after how many evaluations the engine context is
// replaced.
func WithContextUses(n int) Option {
	return func(c *CUE) { c.contextUses = n }
}

// CUE evaluates expressions with the CUE language. Bindings are visible as
// top level identifiers, builtin packages like strings are available
// without imports.
type CUE struct {
	logger  log.Logger
	metrics *cueMetrics

	maxDepth      int
	maxCollection int
	maxString     int
	cacheSize     int
	contextUses   int

	programs *cache.LoadingCache[program]

	mtx  *sync.Mutex
	ctx  *cue.Context
	uses int
}

var (
	_ Evaluator = (*CUE)(nil)
	_ Forgetter = (*CUE)(nil)
)

func NewCUE(logger log.Logger, reg prometheus.Registerer, opts ...Option) *CUE {
	c := &CUE{
		logger:        logger,
		metrics:       newCUEMetrics(reg),
		maxDepth:      defaultMaxBindingDepth,
		maxCollection: defaultMaxCollectionSize,
		maxString:     defaultMaxStringLength,
		cacheSize:     defaultCacheSize,
		contextUses:   defaultContextUses,
		mtx:           &sync.Mutex{},
		ctx:           cuecontext.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.programs = cache.NewLoadingOnceCache[program](reg, "evaluator_programs", c.cacheSize, compile)
	return c
}

func compile(expr string) (program, error) {
	src := rewriteReceiver(expr)
	x, err := parser.ParseExpr("expression", src)
	if err != nil {
		return program{err: fmt.Errorf("parse %q: %s", expr, restoreReceiver(err.Error()))}, nil
	}

	// Selector labels and struct field names are collected as well. That
	// only means a few extra bindings get encoded.
	idents := map[string]struct{}{}
	ast.Walk(x, func(n ast.Node) bool {
		if id, ok := n.(*ast.Ident); ok {
			idents[id.Name] = struct{}{}
		}
		return true
	}, nil)
	return program{src: src, idents: idents}, nil
}

// Forget drops the compiled form of exprs.
func (c *CUE) Forget(exprs ...string) {
	if n := c.programs.Forget(exprs...); n > 0 {
		level.Debug(c.logger).Log("msg", "forgot compiled expressions", "count", n)
	}
}

func (c *CUE) Evaluate(expr string, bindings map[string]any) bool {
	v, err := c.EvaluateExpression(expr, bindings)
	if err != nil {
		level.Debug(c.logger).Log("msg", "condition evaluation failed", "expr", expr, "err", err)
		return false
	}
	return ToBool(v)
}

func (c *CUE) EvaluateExpression(expr string, bindings map[string]any) (v any, err error) { //nolint:nonamedreturns
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("evaluating %q: panic: %v", expr, r)
		}
		if err != nil {
			c.metrics.evaluations.WithLabelValues("error").Inc()
			return
		}
		c.metrics.evaluations.WithLabelValues("ok").Inc()
	}()

	prog, err := c.programs.Get(expr)
	if err != nil {
		return nil, err
	}
	if prog.err != nil {
		return nil, prog.err
	}

	data := newPlainer(c.maxDepth, c.maxCollection, c.maxString).bindings(rewriteBindings(bindings), prog.idents)
	return c.eval(prog.src, data)
}

func (c *CUE) eval(src string, data map[string]any) (any, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.uses++
	if c.contextUses > 0 && c.uses > c.contextUses {
		c.ctx = cuecontext.New()
		c.uses = 1
		c.metrics.resets.Inc()
	}

	scope := c.ctx.Encode(data)
	if err := scope.Err(); err != nil {
		return nil, fmt.Errorf("encoding bindings: %w", err)
	}

	res := c.ctx.CompileString(src, cue.Scope(scope), cue.InferBuiltins(true))
	if err := res.Err(); err != nil {
		return nil, engineError(err)
	}
	return decode(res)
}

func engineError(err error) error {
	return errors.New(restoreReceiver(cueerrors.Details(err, nil)))
}

func decode(v cue.Value) (any, error) {
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, engineError(err)
	}

	switch v.Kind() {
	case cue.NullKind:
		return nil, nil
	case cue.BoolKind:
		return v.Bool()
	case cue.IntKind:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		// Out of int64 range.
		return v.Float64()
	case cue.FloatKind, cue.NumberKind:
		return v.Float64()
	case cue.StringKind:
		return v.String()
	case cue.BytesKind:
		return v.Bytes()
	}

	var out any
	if err := v.Decode(&out); err != nil {
		return nil, engineError(err)
	}
	return out, nil
}

// Close releases the expression cache.
func (c *CUE) Close() error {
	return c.programs.Close()
}
