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

// Rewrite returns a new expression in which f has been applied to every
// reachable expression, bottom-up: children are rewritten before f sees
// their parent. Unchanged subtrees are shared between the old and the new
// expression, and shared subexpressions are rewritten once.
//
// Rewrite never mutates its input.
func Rewrite(root Expr, f func(Expr) Expr) Expr {
	memo := make(map[Expr]Expr)
	var rec func(Expr) Expr
	rec = func(e Expr) Expr {
		if e == nil {
			return nil
		}
		if out, ok := memo[e]; ok {
			return out
		}
		rebuilt := e
		switch n := e.(type) {
		case *Call:
			op := rec(n.Op)
			args, argsChanged := rewriteSlice(n.Args, rec)
			if op != n.Op || argsChanged {
				rebuilt = &Call{Op: op, Args: args, Attrs: n.Attrs, T: n.T}
			}
		case *Tuple:
			fields, changed := rewriteSlice(n.Fields, rec)
			if changed {
				rebuilt = &Tuple{Fields: fields}
			}
		case *TupleGetItem:
			tup := rec(n.Tuple)
			if tup != n.Tuple {
				rebuilt = &TupleGetItem{Tuple: tup, Index: n.Index}
			}
		case *Function:
			params := n.Params
			changed := false
			for i, p := range n.Params {
				np := rec(p)
				if np != Expr(p) {
					if !changed {
						params = append([]*Var{}, n.Params...)
						changed = true
					}
					params[i] = np.(*Var)
				}
			}
			body := rec(n.Body)
			if changed || body != n.Body {
				rebuilt = &Function{Params: params, Body: body, Ret: n.Ret, Attrs: n.Attrs}
			}
		}
		out := f(rebuilt)
		memo[e] = out
		return out
	}
	return rec(root)
}

func rewriteSlice(exprs []Expr, rec func(Expr) Expr) ([]Expr, bool) {
	out := exprs
	changed := false
	for i, e := range exprs {
		ne := rec(e)
		if ne != e {
			if !changed {
				out = append([]Expr{}, exprs...)
				changed = true
			}
			out[i] = ne
		}
	}
	return out, changed
}

// Identity is a Rewrite hook that leaves every expression unchanged.
func Identity(e Expr) Expr { return e }

// Substitute returns root with every variable present in sub replaced by its
// mapped expression.
func Substitute(root Expr, sub map[*Var]Expr) Expr {
	return Rewrite(root, func(e Expr) Expr {
		if v, ok := e.(*Var); ok {
			if repl, ok := sub[v]; ok {
				return repl
			}
		}
		return e
	})
}

// RenameVars returns root with every boundary variable renamed to the given
// subgraph name: a variable "<target>_<old>_<suffix>" whose subgraph part
// differs from subgraphName becomes "<subgraphName>_<suffix>".
func RenameVars(root Expr, subgraphName string) Expr {
	return Rewrite(root, func(e Expr) Expr {
		v, ok := e.(*Var)
		if !ok {
			return e
		}
		parts := strings.Split(v.Name, "_")
		if len(parts) < 3 || strings.Join(parts[:2], "_") == subgraphName {
			return e
		}
		return &Var{Name: subgraphName + "_" + parts[2], T: v.T}
	})
}
