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
	"reflect"
	"runtime"
	"strings"
)

const maxStackDepth = 64

var ownPackage = reflect.TypeOf(Assembler{}).PkgPath() + "."

// callers returns the stack of the hit frame. Frames of this package and
// hit.Skip further frames are dropped from the top.
func callers(skip int) []StackFrame {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var (
		out  []StackFrame
		seen bool
	)
	for {
		f, more := frames.Next()
		switch {
		case !seen && strings.HasPrefix(f.Function, ownPackage):
		case skip > 0:
			seen = true
			skip--
		default:
			seen = true
			out = append(out, StackFrame{Function: f.Function, File: f.File, Line: f.Line})
		}
		if !more {
			break
		}
	}
	return out
}

// stack builds the frames of a hit for the given frame type and stack
// request. The top frame always exists, falling back to the hit location.
func stack(hit Hit, full bool) []StackFrame {
	frames := callers(hit.Skip)
	if len(frames) == 0 {
		frames = []StackFrame{{File: hit.Path, Line: hit.Line}}
	}
	if !full {
		frames = frames[:1]
	}
	return frames
}
