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

// Package capture turns live values into a bounded tree of variables. The
// tree is explored breadth first so that limits cut off the deepest and
// latest discovered values first.
package capture

import (
	"reflect"

	"github.com/eapache/queue"
)

// Parent receives the captured form of a child node once the child has been
// visited.
type Parent func(ref VariableRef)

// Node is an element of the capture tree. Children are attached with
// AddChildren and only become part of the output once traversal visits them.
type Node struct {
	Name      string
	Value     reflect.Value
	Modifiers []string
	Depth     int

	parent   Parent
	children []*Node
}

// NewNode returns a detached node.
func NewNode(name string, v reflect.Value, modifiers ...string) *Node {
	return &Node{Name: name, Value: v, Modifiers: modifiers}
}

// NewRoot returns a node at depth zero that reports to parent.
func NewRoot(name string, v reflect.Value, parent Parent) *Node {
	return &Node{Name: name, Value: v, parent: parent}
}

// AddChildren attaches children to n. Each child's depth is set one below n
// and it reports back into insert.
func (n *Node) AddChildren(insert Parent, children ...*Node) {
	for _, c := range children {
		c.Depth = n.Depth + 1
		c.parent = insert
	}
	n.children = append(n.children, children...)
}

func (n *Node) Children() []*Node { return n.children }

// Parent returns the callback the node's captured form is inserted into.
func (n *Node) Parent() Parent { return n.parent }

// BreadthFirst walks the tree starting at root. consume is called for every
// node in level order; the children a node has once consume returns true
// are queued after everything already queued. Returning false stops the
// walk immediately.
func BreadthFirst(root *Node, consume func(*Node) bool) {
	q := queue.New()
	q.Add(root)
	for q.Length() > 0 {
		n := q.Remove().(*Node)
		if !consume(n) {
			return
		}
		for _, c := range n.children {
			q.Add(c)
		}
	}
}
