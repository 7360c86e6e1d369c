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

// Package evaluator defines how tracepoint conditions, watches and log
// message placeholders are evaluated against the variables visible at a hit.
package evaluator

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ErrNoEvaluator is returned by evaluators that cannot evaluate expressions.
var ErrNoEvaluator = errors.New("no expression evaluator available")

// Evaluator evaluates expressions against a set of named bindings.
// Implementations must be safe for concurrent use.
type Evaluator interface {
	// Evaluate reports whether expr holds. A failing evaluation is false.
	Evaluate(expr string, bindings map[string]any) bool
	// EvaluateExpression returns the value of expr.
	EvaluateExpression(expr string, bindings map[string]any) (any, error)
}

// Forgetter is implemented by evaluators that keep compiled expressions
// around.
type Forgetter interface {
	Forget(exprs ...string)
}

// ToBool coerces an evaluation result into a condition outcome.
func ToBool(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		// Only "true" in any case is true; "1", "t" and "yes" are not.
		return strings.EqualFold(t, "true")
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return ToBool(rv.String())
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return false
		}
	}
	return true
}

type nop struct {
	logger log.Logger
	once   *sync.Once
}

// Nop returns an evaluator used when no expression engine is configured.
// Conditions always hold and expressions always fail.
func Nop(logger log.Logger) Evaluator {
	return &nop{logger: logger, once: &sync.Once{}}
}

func (n *nop) warn() {
	n.once.Do(func() {
		level.Warn(n.logger).Log("msg", "no expression evaluator configured, conditions are ignored and watches fail")
	})
}

func (n *nop) Evaluate(string, map[string]any) bool {
	n.warn()
	return true
}

func (n *nop) EvaluateExpression(string, map[string]any) (any, error) {
	n.warn()
	return nil, ErrNoEvaluator
}
