// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ir

import (
	"strings"
)

// InputRef identifies one producer of a node's input: either another indexed
// node, or a subgraph boundary input with no in-graph producer.
type InputRef struct {
	Node     int
	External bool
}

// External is the boundary-input reference.
var External = InputRef{Node: -1, External: true}

// Adjacency records, for one call node, the indices of its direct producers
// and consumers. An empty input list means the node is the subgraph's first
// node; an empty output list means it is the subgraph's (or graph's) last.
type Adjacency struct {
	Node int
	Ins  []InputRef
	Outs []int
}

func isBoundaryInput(v *Var, boundaryPrefix string) bool {
	return strings.Contains(v.Name, boundaryPrefix) && strings.Contains(v.Name, "_i")
}

// InNodes returns the indices of the producers of node's inputs, in argument
// order. Tuple arguments are flattened recursively in place; a tuple
// projection resolves to its underlying tuple node; a variable matching the
// boundary naming convention resolves to External. Constants and other
// variables are omitted.
func (ni *NodeIndex) InNodes(node Expr, boundaryPrefix string) []InputRef {
	var args []Expr
	switch n := node.(type) {
	case *Call:
		args = n.Args
	case *Tuple:
		args = n.Fields
	}
	var ins []InputRef
	for _, arg := range args {
		switch a := arg.(type) {
		case *Call:
			if idx, ok := ni.Of(a); ok {
				ins = append(ins, InputRef{Node: idx})
			}
		case *TupleGetItem:
			if idx, ok := ni.Of(a.Tuple); ok {
				ins = append(ins, InputRef{Node: idx})
			}
		case *Tuple:
			ins = append(ins, ni.InNodes(a, boundaryPrefix)...)
		case *Var:
			if isBoundaryInput(a, boundaryPrefix) {
				ins = append(ins, External)
			}
		}
	}
	return ins
}

// OutNodes returns the indices of the consumers of node, scanning every
// indexed expression. Tuple projections are transparent: their consumers are
// reported as node's consumers. A consuming tuple with no consumers of its
// own is a terminal output and its own index is reported instead.
func (ni *NodeIndex) OutNodes(node Expr) []int {
	var outs []int
	for _, e := range ni.exprs {
		switch n := e.(type) {
		case *Call:
			for _, arg := range n.Args {
				if arg == node {
					idx, _ := ni.Of(e)
					outs = append(outs, idx)
					break
				}
			}
		case *TupleGetItem:
			if n.Tuple == node {
				outs = append(outs, ni.OutNodes(n)...)
			}
		case *Tuple:
			for _, field := range n.Fields {
				if field != node {
					continue
				}
				tupleOuts := ni.OutNodes(n)
				if len(tupleOuts) == 0 {
					idx, _ := ni.Of(n)
					outs = append(outs, idx)
				} else {
					outs = append(outs, tupleOuts...)
				}
			}
		}
	}
	return outs
}

// InOutNodes composes InNodes and OutNodes into one adjacency record.
func (ni *NodeIndex) InOutNodes(node Expr, boundaryPrefix string) Adjacency {
	idx, _ := ni.Of(node)
	return Adjacency{
		Node: idx,
		Ins:  ni.InNodes(node, boundaryPrefix),
		Outs: ni.OutNodes(node),
	}
}
