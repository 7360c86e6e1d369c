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

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Frame is the captured form of one set of bindings.
type Frame struct {
	Variables []VariableRef
	Lookup    map[VariableID]Variable
	Truncated bool
}

// Capturer captures bindings with an Expander.
type Capturer struct {
	expand Expander
}

// NewCapturer returns a Capturer. A nil expander uses Expand.
func NewCapturer(expand Expander) *Capturer {
	if expand == nil {
		expand = Expand
	}
	return &Capturer{expand: expand}
}

// Capture captures a single set of bindings.
func (c *Capturer) Capture(bindings map[string]any, limits Limits) Frame {
	s := c.NewSession(limits)
	refs := s.Capture(bindings)
	return Frame{Variables: refs, Lookup: s.Lookup(), Truncated: s.Truncated()}
}

// Session captures several frames into one lookup table. Values reachable
// from more than one frame are captured once. A Session is not safe for
// concurrent use.
type Session struct {
	expand Expander
	limits Limits

	nextID    int
	visited   int
	queued    int
	truncated bool
	vars      map[VariableID]*Variable
	seen      map[identity]VariableID
}

func (c *Capturer) NewSession(limits Limits) *Session {
	return &Session{
		expand: c.expand,
		limits: limits,
		vars:   map[VariableID]*Variable{},
		seen:   map[identity]VariableID{},
	}
}

// sortBindings orders bindings by name with the receiver first.
func sortBindings(bindings map[string]any) []string {
	names := make([]string, 0, len(bindings))
	for name := range bindings {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if (names[i] == "this") != (names[j] == "this") {
			return names[i] == "this"
		}
		return names[i] < names[j]
	})
	return names
}

// Capture captures bindings and returns their refs in binding order.
// Bindings left unvisited because a limit was hit are missing from the
// result.
func (s *Session) Capture(bindings map[string]any) []VariableRef {
	var refs []VariableRef
	if s.limits.MaxNodes > 0 && s.visited >= s.limits.MaxNodes {
		if len(bindings) > 0 {
			s.truncated = true
		}
		return refs
	}

	root := NewRoot("", reflect.Value{}, nil)
	children := make([]*Node, 0, len(bindings))
	for _, name := range sortBindings(bindings) {
		children = append(children, NewNode(name, reflect.ValueOf(bindings[name])))
	}
	root.AddChildren(func(ref VariableRef) { refs = append(refs, ref) }, children...)
	s.queued += len(children)

	BreadthFirst(root, func(n *Node) bool {
		if n == root {
			return true
		}
		s.visit(n)
		if s.limits.MaxNodes > 0 && s.visited >= s.limits.MaxNodes {
			if s.queued > 0 {
				s.truncated = true
			}
			return false
		}
		return true
	})
	return refs
}

// CaptureRoot captures a single named value. The value itself is recorded
// even when MaxNodes is already used up; only its members count against
// the node limit.
func (s *Session) CaptureRoot(name string, v any) VariableRef {
	var ref VariableRef
	root := NewRoot("", reflect.Value{}, nil)
	value := NewNode(name, reflect.ValueOf(v))
	root.AddChildren(func(r VariableRef) { ref = r }, value)
	s.queued++

	BreadthFirst(root, func(n *Node) bool {
		switch {
		case n == root:
			return true
		case n == value:
			s.visit(n)
			return true
		case s.limits.MaxNodes > 0 && s.visited >= s.limits.MaxNodes:
			s.truncated = true
			return false
		}
		s.visit(n)
		return true
	})
	return ref
}

func (s *Session) visit(n *Node) {
	s.visited++
	s.queued--

	v, id := indirect(n.Value)
	if id != nil {
		if existing, ok := s.seen[*id]; ok {
			n.parent(VariableRef{ID: existing, Name: n.Name, Modifiers: n.Modifiers})
			return
		}
	}

	s.nextID++
	vid := VariableID(strconv.Itoa(s.nextID))
	if id != nil {
		s.seen[*id] = vid
	}

	value, truncated := render(v, s.limits.MaxStringLength)
	variable := &Variable{
		Type:      typeName(n.Value),
		Value:     value,
		Hash:      hash(id, n.Value, value),
		Truncated: truncated,
	}
	s.vars[vid] = variable
	n.parent(VariableRef{ID: vid, Name: n.Name, Modifiers: n.Modifiers})

	if !v.IsValid() || !expandable(v) {
		return
	}
	if s.limits.MaxDepth > 0 && n.Depth >= s.limits.MaxDepth {
		variable.Truncated = true
		return
	}

	children, truncated, err := s.safeExpand(v)
	if err != nil {
		variable.Error = err.Error()
		return
	}
	if truncated {
		variable.Truncated = true
	}
	n.AddChildren(func(ref VariableRef) {
		variable.Children = append(variable.Children, ref)
	}, children...)
	s.queued += len(children)
}

func (s *Session) safeExpand(v reflect.Value) (children []*Node, truncated bool, err error) { //nolint:nonamedreturns
	defer func() {
		if r := recover(); r != nil {
			children, truncated, err = nil, false, fmt.Errorf("expanding %s: %v", v.Type(), r)
		}
	}()
	children, truncated = s.expand(v, s.limits)
	return children, truncated, nil
}

// Lookup returns a copy of every variable captured so far.
func (s *Session) Lookup() map[VariableID]Variable {
	out := make(map[VariableID]Variable, len(s.vars))
	for id, v := range s.vars {
		out[id] = *v
	}
	return out
}

// Truncated reports whether the node limit cut the capture short.
func (s *Session) Truncated() bool { return s.truncated }

// Visited returns the number of values visited.
func (s *Session) Visited() int { return s.visited }

func hash(id *identity, v reflect.Value, rendered string) string {
	d := xxhash.New()
	_, _ = d.WriteString(typeName(v))
	if id != nil {
		_, _ = fmt.Fprintf(d, "@%x/%d", id.addr, id.len)
	} else {
		_, _ = d.WriteString("=" + rendered)
	}
	return strconv.FormatUint(d.Sum64(), 16)
}
