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

package capture

// VariableID identifies a captured variable within one snapshot.
type VariableID string

// VariableRef places a captured variable under a name. Several refs may
// point at the same variable when a value is reachable through more than
// one path.
type VariableRef struct {
	ID        VariableID `json:"id"`
	Name      string     `json:"name"`
	Modifiers []string   `json:"modifiers,omitempty"`
}

// Variable is the captured state of one value.
type Variable struct {
	Type      string        `json:"type"`
	Value     string        `json:"value"`
	Hash      string        `json:"hash"`
	Children  []VariableRef `json:"children,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Modifiers attached to struct fields.
const (
	ModifierUnexported = "unexported"
	ModifierEmbedded   = "embedded"
)

// Limits bound a capture. Zero disables a limit.
type Limits struct {
	// MaxDepth stops expanding children below this depth. Bindings are at
	// depth one.
	MaxDepth int
	// MaxNodes stops the whole capture once this many values were visited.
	MaxNodes int
	// MaxCollectionSize caps the elements taken from slices, arrays and maps.
	MaxCollectionSize int
	// MaxStringLength caps rendered string values.
	MaxStringLength int
}

// Merge returns the widest of both limits, treating zero as unbounded.
func (l Limits) Merge(o Limits) Limits {
	return Limits{
		MaxDepth:          widest(l.MaxDepth, o.MaxDepth),
		MaxNodes:          widest(l.MaxNodes, o.MaxNodes),
		MaxCollectionSize: widest(l.MaxCollectionSize, o.MaxCollectionSize),
		MaxStringLength:   widest(l.MaxStringLength, o.MaxStringLength),
	}
}

// Override replaces every limit that o sets.
func (l Limits) Override(o Limits) Limits {
	if o.MaxDepth > 0 {
		l.MaxDepth = o.MaxDepth
	}
	if o.MaxNodes > 0 {
		l.MaxNodes = o.MaxNodes
	}
	if o.MaxCollectionSize > 0 {
		l.MaxCollectionSize = o.MaxCollectionSize
	}
	if o.MaxStringLength > 0 {
		l.MaxStringLength = o.MaxStringLength
	}
	return l
}

func widest(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return max(a, b)
}
