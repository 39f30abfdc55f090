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

// Package ir is the functional dataflow graph consumed by the TIDL backend.
//
// A graph is a DAG of immutable expressions. Expressions are never mutated
// after construction: every transformation builds a new expression tree with
// structural sharing of unchanged subtrees (see Rewrite).
package ir

import (
	"github.com/gx-org/backend/shape"
)

type (
	// Expr is a node in the dataflow graph.
	Expr interface {
		exprNode()
	}

	// Type is the checked type of an expression.
	Type interface {
		typeNode()
	}

	// TensorType is the type of a single tensor value.
	TensorType struct {
		Shape *shape.Shape
	}

	// TupleType is the type of a tuple value.
	TupleType struct {
		Fields []Type
	}
)

func (*TensorType) typeNode() {}
func (*TupleType) typeNode()  {}

type (
	// Op is an operator identifier, e.g. "nn.conv2d". Operator nodes are
	// pure functions without state and are never indexed.
	Op struct {
		Name string
	}

	// Var is a named placeholder. Subgraph boundary inputs follow the
	// naming convention "<target>_<subgraphID>_i<slot>".
	Var struct {
		Name string
		T    Type
	}

	// Constant is an embedded tensor value.
	Constant struct {
		Value *Tensor
	}

	// Call applies an operator, a function literal, or a global function
	// to an ordered argument list. Attrs is the operator-specific
	// attribute record (see attrs.go), nil for attribute-less operators.
	Call struct {
		Op    Expr
		Args  []Expr
		Attrs any
		T     Type
	}

	// Tuple is an ordered list of expressions.
	Tuple struct {
		Fields []Expr
	}

	// TupleGetItem projects one field out of a tuple expression.
	TupleGetItem struct {
		Tuple Expr
		Index int
	}

	// GlobalVar names a module-level function.
	GlobalVar struct {
		Name string
	}

	// Function is a callable unit. Module-level functions extracted for a
	// compiler carry a "Compiler" attribute; functions produced by pattern
	// matching carry a "Composite" attribute.
	Function struct {
		Params []*Var
		Body   Expr
		Ret    Type
		Attrs  map[string]string
	}
)

func (*Op) exprNode()           {}
func (*Var) exprNode()          {}
func (*Constant) exprNode()     {}
func (*Call) exprNode()         {}
func (*Tuple) exprNode()        {}
func (*TupleGetItem) exprNode() {}
func (*GlobalVar) exprNode()    {}
func (*Function) exprNode()     {}

// Attr returns a function attribute, or "" if absent.
func (f *Function) Attr(key string) string {
	if f.Attrs == nil {
		return ""
	}
	return f.Attrs[key]
}

// WithAttr returns a copy of the function with one attribute set.
func (f *Function) WithAttr(key, value string) *Function {
	attrs := make(map[string]string, len(f.Attrs)+1)
	for k, v := range f.Attrs {
		attrs[k] = v
	}
	attrs[key] = value
	return &Function{Params: f.Params, Body: f.Body, Ret: f.Ret, Attrs: attrs}
}

// TensorOf returns the tensor type of t, or nil if t is not a tensor type.
func TensorOf(t Type) *TensorType {
	tt, ok := t.(*TensorType)
	if !ok {
		return nil
	}
	return tt
}

// NumOutputs returns the number of values an expression of type t produces:
// the field count for a tuple type, 1 otherwise.
func NumOutputs(t Type) int {
	if tt, ok := t.(*TupleType); ok {
		return len(tt.Fields)
	}
	return 1
}
