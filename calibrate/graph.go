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

// Package calibrate captures subgraph boundary tensors, quantizes them to
// fixed point, and drives the external calibration tool that refines
// per-output scale factors.
package calibrate

import (
	"strconv"
	"strings"

	"github.com/mjettp/tidl/ir"
)

// Graph is a calibration graph: the partitioned module's entry function
// rewritten so that every subgraph boundary tensor is an additional graph
// output. It executes without the accelerator, on the host alone.
type Graph struct {
	// Func returns the original outputs followed by every boundary tensor.
	Func *ir.Function
	// NameMap maps an output slot to the boundary-tensor name produced in
	// that slot: "<subgraph>_i<k>" for inputs, "<subgraph>_o<k>" for
	// outputs.
	NameMap map[int]string
	// NumOriginalOutputs is the output count of the entry function before
	// the rewrite; boundary slots start immediately after.
	NumOriginalOutputs int
}

type graphBuilder struct {
	mod        *ir.Module
	compiler   string
	numOrig    int
	additional []ir.Expr
	nameMap    map[int]string
}

// BuildGraph builds the calibration graph of a partitioned module. Calls to
// subgraphs tagged for the given compiler are inlined, with each actual
// argument and each substituted body recorded as an additional output.
func BuildGraph(mod *ir.Module, compiler string) (*Graph, error) {
	main := mod.Main()
	b := &graphBuilder{
		mod:      mod,
		compiler: compiler,
		numOrig:  originalOutputs(main),
		nameMap:  make(map[int]string),
	}
	body := ir.Rewrite(main.Body, b.visit)
	outputs := flattenOutputs(body)
	outputs = append(outputs, b.additional...)
	return &Graph{
		Func:               &ir.Function{Params: main.Params, Body: &ir.Tuple{Fields: outputs}},
		NameMap:            b.nameMap,
		NumOriginalOutputs: b.numOrig,
	}, nil
}

func originalOutputs(main *ir.Function) int {
	if main.Ret != nil {
		return ir.NumOutputs(main.Ret)
	}
	if tuple, ok := main.Body.(*ir.Tuple); ok {
		return len(tuple.Fields)
	}
	return 1
}

func flattenOutputs(body ir.Expr) []ir.Expr {
	if tuple, ok := body.(*ir.Tuple); ok {
		return append([]ir.Expr{}, tuple.Fields...)
	}
	return []ir.Expr{body}
}

func (b *graphBuilder) visit(e ir.Expr) ir.Expr {
	call, ok := e.(*ir.Call)
	if !ok {
		return e
	}
	fn := b.taggedCallee(call)
	if fn == nil {
		return e
	}
	sub := make(map[*ir.Var]ir.Expr, len(fn.Params))
	var subgraphName string
	for i, p := range fn.Params {
		subgraphName = subgraphOf(p.Name)
		sub[p] = call.Args[i]
		b.addOutputs(p.Name, call.Args[i], true)
	}
	body := ir.Substitute(fn.Body, sub)
	b.addOutputs(subgraphName, body, false)
	return body
}

// taggedCallee resolves a call's callee to a subgraph function carrying our
// compiler tag, through either a function literal or a global reference.
func (b *graphBuilder) taggedCallee(call *ir.Call) *ir.Function {
	var fn *ir.Function
	switch op := call.Op.(type) {
	case *ir.Function:
		fn = op
	case *ir.GlobalVar:
		fn = b.mod.Funcs[op.Name]
	}
	if fn == nil || fn.Attr("Compiler") != b.compiler {
		return nil
	}
	return fn
}

// addOutputs records expr as an additional graph output. A tuple expression
// contributes one output per field.
func (b *graphBuilder) addOutputs(name string, expr ir.Expr, wasInput bool) {
	add := func(name string, out ir.Expr) {
		b.nameMap[b.numOrig+len(b.additional)] = name
		b.additional = append(b.additional, out)
	}
	if tuple, ok := expr.(*ir.Tuple); ok {
		for i, field := range tuple.Fields {
			if wasInput {
				add(name+"_"+strconv.Itoa(i), field)
			} else {
				add(name+"_o"+strconv.Itoa(i), field)
			}
		}
		return
	}
	if wasInput {
		add(name, expr)
	} else {
		add(name+"_o0", expr)
	}
}

// subgraphOf extracts the "<target>_<id>" subgraph name from a boundary
// variable name such as "tidl_0_i0".
func subgraphOf(varName string) string {
	parts := strings.Split(varName, "_")
	if len(parts) < 2 {
		return varName
	}
	return strings.Join(parts[:2], "_")
}
