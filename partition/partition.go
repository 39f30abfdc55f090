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

// Package partition extracts and prunes accelerator subgraphs.
//
// The pipeline rewrites a module in stages: parameter binding, redundant
// multiply removal, composite unpacking, arity pruning, and cost-based
// pruning. Generic graph partitioning (target annotation, region merging,
// extraction into global functions) and constant folding are performed by
// external passes injected as Pass values.
package partition

import (
	"sort"
	"strconv"
	"strings"

	"github.com/mjettp/tidl/ir"
)

// Pass is an externally provided whole-module transformation.
type Pass func(*ir.Module) (*ir.Module, error)

// BindParams returns fn with every parameter found in params replaced by an
// embedded constant and removed from the signature, so downstream passes and
// the accelerator importer can read weight buffers directly.
func BindParams(fn *ir.Function, params map[string]*ir.Tensor) *ir.Function {
	if len(params) == 0 {
		return fn
	}
	sub := make(map[*ir.Var]ir.Expr)
	var kept []*ir.Var
	for _, p := range fn.Params {
		if value, ok := params[p.Name]; ok {
			sub[p] = &ir.Constant{Value: value}
		} else {
			kept = append(kept, p)
		}
	}
	if len(sub) == 0 {
		return fn
	}
	return &ir.Function{
		Params: kept,
		Body:   ir.Substitute(fn.Body, sub),
		Ret:    fn.Ret,
		Attrs:  fn.Attrs,
	}
}

// RemoveMultiplyByOne rewrites multiply(x, 1.0) to x when either operand is
// a scalar constant equal to 1.0. Upstream converters leave such multiplies
// behind, and the accelerator importer cannot model them.
func RemoveMultiplyByOne(fn *ir.Function) *ir.Function {
	return ir.Rewrite(fn, func(e ir.Expr) ir.Expr {
		call, ok := e.(*ir.Call)
		if !ok || len(call.Args) != 2 {
			return e
		}
		if op, ok := call.Op.(*ir.Op); !ok || op.Name != "multiply" {
			return e
		}
		if c, ok := call.Args[1].(*ir.Constant); ok && c.Value.IsScalarOne() {
			return call.Args[0]
		}
		if c, ok := call.Args[0].(*ir.Constant); ok && c.Value.IsScalarOne() {
			return call.Args[1]
		}
		return e
	}).(*ir.Function)
}

// UnpackComposites inlines, inside every subgraph tagged for the given
// compiler, any call whose callee is a function literal carrying a non-empty
// "Composite" attribute. The formal parameters are substituted by the actual
// arguments, removing the level of indirection introduced by pattern
// matching upstream.
func UnpackComposites(mod *ir.Module, compiler string) *ir.Module {
	out := &ir.Module{Funcs: make(map[string]*ir.Function, len(mod.Funcs))}
	for name, fn := range mod.Funcs {
		out.Funcs[name] = fn
		if fn.Attr("Compiler") != compiler {
			continue
		}
		out.Funcs[name] = ir.Rewrite(fn, func(e ir.Expr) ir.Expr {
			call, ok := e.(*ir.Call)
			if !ok {
				return e
			}
			callee, ok := call.Op.(*ir.Function)
			if !ok || callee.Attr("Composite") == "" {
				return e
			}
			sub := make(map[*ir.Var]ir.Expr, len(callee.Params))
			for i, p := range callee.Params {
				sub[p] = call.Args[i]
			}
			return ir.Substitute(callee.Body, sub)
		}).(*ir.Function)
	}
	return out
}

// PruneMultiInput removes every subgraph tagged for the given compiler whose
// parameter count is not exactly 1 or whose single parameter has a tuple
// type. The accelerator import path supports exactly one input tensor per
// offloaded subgraph; removed subgraphs are inlined back into their caller.
func PruneMultiInput(mod *ir.Module, compiler string) *ir.Module {
	remove := make(map[string]bool)
	for _, name := range mod.TaggedSubgraphs(compiler) {
		fn := mod.Funcs[name]
		if len(fn.Params) != 1 {
			remove[name] = true
			continue
		}
		if _, isTuple := fn.Params[0].T.(*ir.TupleType); isTuple {
			remove[name] = true
		}
	}
	return removeSubgraphs(mod, remove, compiler)
}

// PruneByCost keeps only the keep highest-cost subgraphs tagged for the
// given compiler, ranked by multiply-accumulate count, and inlines the rest.
// Survivors are renumbered sequentially from 0.
func PruneByCost(mod *ir.Module, compiler string, keep int, macs MACCounter) *ir.Module {
	if macs == nil {
		macs = EstimateMACs
	}
	type cost struct {
		name string
		macs int64
	}
	var costs []cost
	for _, name := range mod.TaggedSubgraphs(compiler) {
		costs = append(costs, cost{name: name, macs: macs(mod.Funcs[name])})
	}
	sort.SliceStable(costs, func(i, j int) bool { return costs[i].macs < costs[j].macs })
	remove := make(map[string]bool)
	if keep < len(costs) {
		for _, c := range costs[:len(costs)-keep] {
			remove[c.name] = true
		}
	}
	return removeSubgraphs(mod, remove, compiler)
}

// removeSubgraphs rewrites the entry function so that calls to removed
// subgraphs are replaced by the subgraph body with arguments substituted for
// parameters. Surviving subgraphs tagged for the compiler are renumbered
// sequentially from 0, with every internal boundary variable renamed to the
// new subgraph name. Subgraphs under another compiler's tag are copied
// through unchanged.
func removeSubgraphs(mod *ir.Module, remove map[string]bool, compiler string) *ir.Module {
	out := &ir.Module{Funcs: make(map[string]*ir.Function)}
	count := 0
	main := ir.Rewrite(mod.Main(), func(e ir.Expr) ir.Expr {
		call, ok := e.(*ir.Call)
		if !ok {
			return e
		}
		gv, ok := call.Op.(*ir.GlobalVar)
		if !ok || gv.Name == ir.MainFunc {
			return e
		}
		fn, ok := mod.Funcs[gv.Name]
		if !ok {
			return e
		}
		if remove[gv.Name] {
			sub := make(map[*ir.Var]ir.Expr, len(fn.Params))
			for i, p := range fn.Params {
				sub[p] = call.Args[i]
			}
			return ir.Substitute(fn.Body, sub)
		}
		if fn.Attr("Compiler") != compiler {
			out.Funcs[gv.Name] = fn
			return e
		}
		newName := strings.Split(gv.Name, "_")[0] + "_" + strconv.Itoa(count)
		count++
		renamed := ir.RenameVars(fn, newName).(*ir.Function)
		out.Funcs[newName] = renamed.WithAttr("global_symbol", newName)
		return &ir.Call{Op: &ir.GlobalVar{Name: newName}, Args: call.Args, Attrs: call.Attrs, T: call.T}
	}).(*ir.Function)
	out.Funcs[ir.MainFunc] = main
	return out
}
