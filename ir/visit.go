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

// PostOrder visits every expression reachable from root exactly once, in
// post-order: the arguments or fields of a node are visited before the node
// itself. Shared subexpressions are visited on first encounter only.
func PostOrder(root Expr, visit func(Expr)) {
	seen := make(map[Expr]bool)
	var rec func(Expr)
	rec = func(e Expr) {
		if e == nil || seen[e] {
			return
		}
		seen[e] = true
		switch n := e.(type) {
		case *Call:
			rec(n.Op)
			for _, arg := range n.Args {
				rec(arg)
			}
		case *Tuple:
			for _, field := range n.Fields {
				rec(field)
			}
		case *TupleGetItem:
			rec(n.Tuple)
		case *Function:
			for _, p := range n.Params {
				rec(p)
			}
			rec(n.Body)
		}
		visit(e)
	}
	rec(root)
}

// NodeIndex assigns a dense non-negative integer to every distinct
// expression, in post-order visitation order. Operator identifier nodes are
// never indexed. Indices are contiguous from 0.
type NodeIndex struct {
	exprs []Expr
	index map[Expr]int
}

// NewNodeIndex returns an empty index.
func NewNodeIndex() *NodeIndex {
	return &NodeIndex{index: make(map[Expr]int)}
}

// Index returns the node index of all expressions reachable from root.
func Index(root Expr) *NodeIndex {
	ni := NewNodeIndex()
	ni.Visit(root)
	return ni
}

// Visit indexes every expression reachable from root. Revisiting an
// already-indexed expression is a no-op, so Visit is idempotent over the
// same root.
func (ni *NodeIndex) Visit(root Expr) {
	PostOrder(root, func(e Expr) {
		if _, ok := e.(*Op); ok {
			return
		}
		if _, ok := ni.index[e]; ok {
			return
		}
		ni.index[e] = len(ni.exprs)
		ni.exprs = append(ni.exprs, e)
	})
}

// Of returns the index of an expression.
func (ni *NodeIndex) Of(e Expr) (int, bool) {
	idx, ok := ni.index[e]
	return idx, ok
}

// At returns the expression with the given index.
func (ni *NodeIndex) At(i int) Expr {
	return ni.exprs[i]
}

// Len returns the number of indexed expressions.
func (ni *NodeIndex) Len() int {
	return len(ni.exprs)
}

// Exprs returns all indexed expressions in index order.
func (ni *NodeIndex) Exprs() []Expr {
	return ni.exprs
}
