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

// Package tracepoint holds the parsed configuration of a single installed
// tracepoint together with the policy deciding whether a hit may fire.
package tracepoint

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Known argument keys. Unknown keys are kept in Args untouched.
const (
	ArgFrameType         = "frame_type"
	ArgStackType         = "stack_type"
	ArgCondition         = "condition"
	ArgFireCount         = "fire_count"
	ArgFirePeriod        = "fire_period"
	ArgWindowStart       = "window_start"
	ArgWindowEnd         = "window_end"
	ArgLogMsg            = "log_msg"
	ArgSnapshot          = "snapshot"
	ArgMaxVarDepth       = "max_var_depth"
	ArgMaxVariables      = "max_variables"
	ArgMaxCollectionSize = "max_collection_size"
	ArgMaxStringLength   = "max_string_length"
)

const (
	DefaultFireCount  = 1
	DefaultFirePeriod = 1000 // milliseconds

	// UnboundedFireCount disables the fire budget.
	UnboundedFireCount = -1

	// SnapshotNoCollect turns a tracepoint into a pure log point.
	SnapshotNoCollect = "no_collect"
)

// FrameType selects which frames get their variables captured. The ordinal
// order is used to pick the widest frame type when several tracepoints fire
// on the same hit.
type FrameType int

const (
	FrameNone FrameType = iota
	FrameSingle
	FrameAll
)

var frameTypeNames = map[FrameType]string{
	FrameNone:   "no_frame",
	FrameSingle: "single_frame",
	FrameAll:    "all_frame",
}

func (f FrameType) String() string {
	if s, ok := frameTypeNames[f]; ok {
		return s
	}
	return "frame_type(" + strconv.Itoa(int(f)) + ")"
}

func parseFrameType(s string) (FrameType, error) {
	for ft, name := range frameTypeNames {
		if name == s {
			return ft, nil
		}
	}
	return FrameSingle, fmt.Errorf("unknown frame type %q", s)
}

// StackType selects whether the stack metadata of the hit is collected.
type StackType string

const (
	StackFull StackType = "stack"
	StackNone StackType = "no_stack"
)

// Window is a closed interval of epoch milliseconds. A zero bound is
// unbounded on that side.
type Window struct {
	Start int64
	End   int64
}

// Set reports whether any bound is configured.
func (w Window) Set() bool {
	return w.Start != 0 || w.End != 0
}

// Contains reports whether ts lies within the window.
func (w Window) Contains(ts int64) bool {
	if w.Start != 0 && ts < w.Start {
		return false
	}
	if w.End != 0 && ts > w.End {
		return false
	}
	return true
}

// Limits are per tracepoint overrides of the capture limits. Zero means the
// agent default applies.
type Limits struct {
	MaxVarDepth       int
	MaxVariables      int
	MaxCollectionSize int
	MaxStringLength   int
}

// Config is the configuration of one tracepoint. It is immutable for the
// lifetime of an update cycle, except for its execution stats which are only
// touched through Fired and TryFire.
type Config struct {
	ID      string
	Path    string
	Line    int
	Args    map[string]string
	Watches []string

	FrameType  FrameType
	StackType  StackType
	Condition  string
	FireCount  int64
	FirePeriod int64
	Window     Window
	LogMsg     string
	Collect    bool
	Limits     Limits

	stats *ExecutionStats
}

// New parses args into a Config. The returned Config is always usable; a
// non-nil error lists the args that were malformed and fell back to their
// defaults.
func New(id, path string, line int, args map[string]string, watches []string) (*Config, error) {
	if args == nil {
		args = map[string]string{}
	}

	c := &Config{
		ID:         id,
		Path:       path,
		Line:       line,
		Args:       args,
		Watches:    watches,
		FrameType:  FrameSingle,
		StackType:  StackFull,
		Condition:  strings.TrimSpace(args[ArgCondition]),
		FireCount:  DefaultFireCount,
		FirePeriod: DefaultFirePeriod,
		LogMsg:     args[ArgLogMsg],
		Collect:    args[ArgSnapshot] != SnapshotNoCollect,
		stats:      newExecutionStats(),
	}

	var errs []error
	if v, ok := args[ArgFrameType]; ok {
		ft, err := parseFrameType(v)
		if err != nil {
			errs = append(errs, err)
		}
		c.FrameType = ft
	}
	if v, ok := args[ArgStackType]; ok {
		switch StackType(v) {
		case StackFull, StackNone:
			c.StackType = StackType(v)
		default:
			errs = append(errs, fmt.Errorf("unknown stack type %q", v))
		}
	}

	intArg := func(key string, dst *int64) {
		v, ok := args[key]
		if !ok {
			return
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", key, err))
			return
		}
		*dst = n
	}
	intArg(ArgFireCount, &c.FireCount)
	intArg(ArgFirePeriod, &c.FirePeriod)
	intArg(ArgWindowStart, &c.Window.Start)
	intArg(ArgWindowEnd, &c.Window.End)

	if c.FireCount < UnboundedFireCount {
		errs = append(errs, fmt.Errorf("invalid %s %d", ArgFireCount, c.FireCount))
		c.FireCount = DefaultFireCount
	}
	if c.FirePeriod < 0 {
		errs = append(errs, fmt.Errorf("invalid %s %d", ArgFirePeriod, c.FirePeriod))
		c.FirePeriod = DefaultFirePeriod
	}

	limits := []struct {
		key string
		dst *int
	}{
		{ArgMaxVarDepth, &c.Limits.MaxVarDepth},
		{ArgMaxVariables, &c.Limits.MaxVariables},
		{ArgMaxCollectionSize, &c.Limits.MaxCollectionSize},
		{ArgMaxStringLength, &c.Limits.MaxStringLength},
	}
	for _, l := range limits {
		var n int64
		intArg(l.key, &n)
		if n < 0 {
			errs = append(errs, fmt.Errorf("invalid %s %d", l.key, n))
			continue
		}
		*l.dst = int(n)
	}

	if len(errs) > 0 {
		return c, fmt.Errorf("tracepoint %s: %w", id, errors.Join(errs...))
	}
	return c, nil
}

// Arg returns the raw argument for key, or def when absent.
func (c *Config) Arg(key, def string) string {
	if v, ok := c.Args[key]; ok {
		return v
	}
	return def
}

// Matches reports whether the tracepoint is installed at path:line. Paths are
// matched on whole path segments so a config for "pkg/a.go" matches a hit in
// "/src/repo/pkg/a.go".
func (c *Config) Matches(path string, line int) bool {
	if c.Line != line {
		return false
	}
	if c.Path == path {
		return true
	}
	return strings.HasSuffix(path, "/"+strings.TrimPrefix(c.Path, "/"))
}

// InheritStats makes c share the execution stats of prev, so a tracepoint
// that survives a config update keeps its fire budget and rate limit state.
func (c *Config) InheritStats(prev *Config) {
	if prev == nil || prev.stats == nil {
		return
	}
	c.stats = prev.stats
}
