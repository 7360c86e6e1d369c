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

// Package snapshot assembles snapshots when instrumented code hits one or
// more tracepoints.
package snapshot

import (
	"context"

	"github.com/parca-dev/deep-agent/pkg/capture"
)

// Hit is reported by instrumentation when execution reaches a tracepoint
// location.
type Hit struct {
	// Context of the host code at the hit, if any. Decorators read trace
	// information from it.
	Context context.Context
	// IDs of the tracepoints installed at the location.
	IDs  []string
	Path string
	Line int
	// Bindings are the variables visible in the hit frame. The receiver,
	// if any, is bound as "this".
	Bindings map[string]any
	// CallerBindings are the variables of the calling frames, innermost
	// first. They are only captured for all_frame tracepoints.
	CallerBindings []map[string]any
	// Skip is the number of instrumentation frames above the hit frame
	// that are left out of the stack.
	Skip int
}

// StackFrame is one frame of the hit's stack.
type StackFrame struct {
	Function  string                `json:"function"`
	File      string                `json:"file"`
	Line      int                   `json:"line"`
	Variables []capture.VariableRef `json:"variables,omitempty"`
	// Captured is false for frames whose variables were not requested.
	Captured bool `json:"captured"`
}

// WatchResult is the outcome of one watch expression.
type WatchResult struct {
	Expression string               `json:"expression"`
	Result     *capture.VariableRef `json:"result,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// Snapshot is the captured state for one fired tracepoint.
type Snapshot struct {
	ID           string `json:"id"`
	TracepointID string `json:"tracepointId"`
	Path         string `json:"path"`
	Line         int    `json:"line"`
	// TsNanos is the time of the hit in nanoseconds since the epoch.
	TsNanos       int64                                   `json:"tsNanos"`
	DurationNanos int64                                   `json:"durationNanos"`
	Frames        []StackFrame                            `json:"frames"`
	VarLookup     map[capture.VariableID]capture.Variable `json:"varLookup"`
	Watches       []WatchResult                           `json:"watches,omitempty"`
	Attributes    map[string]string                       `json:"attributes,omitempty"`
	LogMsg        string                                  `json:"logMsg,omitempty"`
	Truncated     bool                                    `json:"truncated,omitempty"`
}

// Submitter takes ownership of assembled snapshots. Submit must not block.
type Submitter interface {
	Submit(s *Snapshot)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(*Snapshot)

func (f SubmitterFunc) Submit(s *Snapshot) { f(s) }

// HitContext is what decorators know about a hit.
type HitContext struct {
	Context       context.Context
	TracepointIDs []string
	Path          string
	Line          int
	TsNanos       int64
}

// Decorator contributes attributes to every snapshot of a hit.
type Decorator interface {
	Name() string
	Decorate(hc HitContext) (map[string]string, error)
}
