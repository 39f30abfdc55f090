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
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/gx-org/backend/dtype"
	"github.com/gx-org/backend/shape"
)

// JSON module format: each function carries a flat node table in post-order;
// nodes reference each other by table position, preserving DAG sharing.

type (
	jsonModule struct {
		Functions map[string]*jsonFunction `json:"functions"`
	}

	jsonFunction struct {
		Params []int             `json:"params"`
		Body   int               `json:"body"`
		Ret    *jsonType         `json:"ret,omitempty"`
		Attrs  map[string]string `json:"attrs,omitempty"`
		Nodes  []*jsonNode       `json:"nodes"`
	}

	jsonType struct {
		DType string      `json:"dtype,omitempty"`
		Dims  []int       `json:"dims,omitempty"`
		Tuple []*jsonType `json:"tuple,omitempty"`
	}

	jsonNode struct {
		Kind   string          `json:"kind"`
		Name   string          `json:"name,omitempty"`   // var, global
		OpName string          `json:"op,omitempty"`     // call on an operator
		Global string          `json:"global,omitempty"` // call on a global function
		Fn     int             `json:"fn,omitempty"`     // call on a function literal
		Args   []int           `json:"args,omitempty"`
		Fields []int           `json:"fields,omitempty"`
		Tuple  int             `json:"tuple,omitempty"`
		Index  int             `json:"index,omitempty"`
		Attrs  json.RawMessage `json:"attrs,omitempty"`
		Type   *jsonType       `json:"type,omitempty"`
		Dims   []int           `json:"dims,omitempty"`
		Data   string          `json:"data,omitempty"`

		Params []int             `json:"params,omitempty"` // function literal
		Body   int               `json:"body,omitempty"`
		FAttrs map[string]string `json:"fattrs,omitempty"`
	}
)

var dtypeNames = map[dtype.DataType]string{
	dtype.Float32: "float32",
	dtype.Float64: "float64",
	dtype.Int32:   "int32",
	dtype.Int64:   "int64",
	dtype.Uint32:  "uint32",
	dtype.Uint64:  "uint64",
	dtype.Bool:    "bool",
}

func dtypeByName(name string) (dtype.DataType, error) {
	for dt, n := range dtypeNames {
		if n == name {
			return dt, nil
		}
	}
	return dtype.Invalid, errors.Errorf("unknown element type %q", name)
}

func typeToJSON(t Type) *jsonType {
	switch tt := t.(type) {
	case *TensorType:
		return &jsonType{DType: dtypeNames[tt.Shape.DType], Dims: tt.Shape.AxisLengths}
	case *TupleType:
		fields := make([]*jsonType, len(tt.Fields))
		for i, f := range tt.Fields {
			fields[i] = typeToJSON(f)
		}
		return &jsonType{Tuple: fields}
	}
	return nil
}

func typeFromJSON(jt *jsonType) (Type, error) {
	if jt == nil {
		return nil, nil
	}
	if jt.Tuple != nil {
		fields := make([]Type, len(jt.Tuple))
		for i, f := range jt.Tuple {
			var err error
			if fields[i], err = typeFromJSON(f); err != nil {
				return nil, err
			}
		}
		return &TupleType{Fields: fields}, nil
	}
	dt, err := dtypeByName(jt.DType)
	if err != nil {
		return nil, err
	}
	return &TensorType{Shape: &shape.Shape{DType: dt, AxisLengths: jt.Dims}}, nil
}

// attrsByOp maps operator names to a decoder for their attribute record.
var attrsByOp = map[string]func(json.RawMessage) (any, error){
	"nn.conv2d":     decodeAttrs[Conv2DAttrs],
	"nn.pad":        decodeAttrs[PadAttrs],
	"nn.batch_norm": decodeAttrs[BatchNormAttrs],
	"nn.avg_pool2d": decodeAttrs[PoolAttrs],
	"nn.max_pool2d": decodeAttrs[PoolAttrs],
	"clip":          decodeAttrs[ClipAttrs],
	"concatenate":   decodeAttrs[ConcatAttrs],
}

func decodeAttrs[T any](raw json.RawMessage) (any, error) {
	attrs := new(T)
	if err := json.Unmarshal(raw, attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// MarshalModule encodes a module to JSON.
func MarshalModule(m *Module) ([]byte, error) {
	jm := &jsonModule{Functions: make(map[string]*jsonFunction, len(m.Funcs))}
	for name, fn := range m.Funcs {
		jfn, err := functionToJSON(fn)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot encode function %q", name)
		}
		jm.Functions[name] = jfn
	}
	return json.MarshalIndent(jm, "", "  ")
}

func functionToJSON(fn *Function) (*jsonFunction, error) {
	ni := Index(fn)
	jfn := &jsonFunction{Attrs: fn.Attrs, Ret: typeToJSON(fn.Ret)}
	var encodeErr error
	ids := func(exprs []Expr) []int {
		out := make([]int, len(exprs))
		for i, e := range exprs {
			out[i], _ = ni.Of(e)
		}
		return out
	}
	for _, e := range ni.Exprs() {
		if e == Expr(fn) {
			continue
		}
		jn := &jsonNode{}
		switch n := e.(type) {
		case *Var:
			jn.Kind = "var"
			jn.Name = n.Name
			jn.Type = typeToJSON(n.T)
		case *Constant:
			jn.Kind = "const"
			jn.Name = dtypeNames[n.Value.Shape.DType]
			jn.Dims = n.Value.Shape.AxisLengths
			jn.Data = base64.StdEncoding.EncodeToString(n.Value.Data)
		case *GlobalVar:
			jn.Kind = "global"
			jn.Name = n.Name
		case *Call:
			jn.Kind = "call"
			jn.Args = ids(n.Args)
			jn.Type = typeToJSON(n.T)
			switch op := n.Op.(type) {
			case *Op:
				jn.OpName = op.Name
			case *GlobalVar:
				jn.Global = op.Name
			case *Function:
				jn.Fn, _ = ni.Of(op)
			}
			if n.Attrs != nil {
				raw, err := json.Marshal(n.Attrs)
				if err != nil {
					encodeErr = err
				}
				jn.Attrs = raw
			}
		case *Tuple:
			jn.Kind = "tuple"
			jn.Fields = ids(n.Fields)
		case *TupleGetItem:
			jn.Kind = "proj"
			jn.Tuple, _ = ni.Of(n.Tuple)
			jn.Index = n.Index
		case *Function:
			jn.Kind = "func"
			params := make([]Expr, len(n.Params))
			for i, p := range n.Params {
				params[i] = p
			}
			jn.Params = ids(params)
			jn.Body, _ = ni.Of(n.Body)
			jn.FAttrs = n.Attrs
			jn.Type = typeToJSON(n.Ret)
		}
		jfn.Nodes = append(jfn.Nodes, jn)
	}
	if encodeErr != nil {
		return nil, encodeErr
	}
	params := make([]Expr, len(fn.Params))
	for i, p := range fn.Params {
		params[i] = p
	}
	jfn.Params = ids(params)
	jfn.Body, _ = ni.Of(fn.Body)
	return jfn, nil
}

// UnmarshalModule decodes a module from JSON.
func UnmarshalModule(data []byte) (*Module, error) {
	jm := &jsonModule{}
	if err := json.Unmarshal(data, jm); err != nil {
		return nil, errors.Wrap(err, "cannot decode module")
	}
	m := &Module{Funcs: make(map[string]*Function, len(jm.Functions))}
	for name, jfn := range jm.Functions {
		fn, err := functionFromJSON(jfn)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot decode function %q", name)
		}
		m.Funcs[name] = fn
	}
	if m.Main() == nil {
		return nil, errors.Errorf("module has no %q function", MainFunc)
	}
	return m, nil
}

func functionFromJSON(jfn *jsonFunction) (*Function, error) {
	exprs := make([]Expr, len(jfn.Nodes))
	at := func(i int) (Expr, error) {
		if i < 0 || i >= len(exprs) || exprs[i] == nil {
			return nil, errors.Errorf("node reference %d is out of range", i)
		}
		return exprs[i], nil
	}
	many := func(idx []int) ([]Expr, error) {
		out := make([]Expr, len(idx))
		for i, id := range idx {
			var err error
			if out[i], err = at(id); err != nil {
				return nil, err
			}
		}
		return out, nil
	}
	vars := func(idx []int) ([]*Var, error) {
		args, err := many(idx)
		if err != nil {
			return nil, err
		}
		out := make([]*Var, len(args))
		for i, a := range args {
			v, ok := a.(*Var)
			if !ok {
				return nil, errors.Errorf("parameter reference %d is not a variable", idx[i])
			}
			out[i] = v
		}
		return out, nil
	}
	for i, jn := range jfn.Nodes {
		var err error
		switch jn.Kind {
		case "var":
			t, terr := typeFromJSON(jn.Type)
			if terr != nil {
				return nil, terr
			}
			exprs[i] = &Var{Name: jn.Name, T: t}
		case "const":
			dt, derr := dtypeByName(jn.Name)
			if derr != nil {
				return nil, derr
			}
			data, derr := base64.StdEncoding.DecodeString(jn.Data)
			if derr != nil {
				return nil, derr
			}
			exprs[i] = &Constant{Value: &Tensor{
				Shape: &shape.Shape{DType: dt, AxisLengths: jn.Dims},
				Data:  data,
			}}
		case "global":
			exprs[i] = &GlobalVar{Name: jn.Name}
		case "call":
			call := &Call{}
			if call.Args, err = many(jn.Args); err != nil {
				return nil, err
			}
			if call.T, err = typeFromJSON(jn.Type); err != nil {
				return nil, err
			}
			switch {
			case jn.OpName != "":
				call.Op = &Op{Name: jn.OpName}
				if jn.Attrs != nil {
					decode, ok := attrsByOp[jn.OpName]
					if !ok {
						return nil, errors.Errorf("operator %q does not take attributes", jn.OpName)
					}
					if call.Attrs, err = decode(jn.Attrs); err != nil {
						return nil, err
					}
				}
			case jn.Global != "":
				call.Op = &GlobalVar{Name: jn.Global}
			default:
				if call.Op, err = at(jn.Fn); err != nil {
					return nil, err
				}
			}
			exprs[i] = call
		case "tuple":
			tuple := &Tuple{}
			if tuple.Fields, err = many(jn.Fields); err != nil {
				return nil, err
			}
			exprs[i] = tuple
		case "proj":
			proj := &TupleGetItem{Index: jn.Index}
			if proj.Tuple, err = at(jn.Tuple); err != nil {
				return nil, err
			}
			exprs[i] = proj
		case "func":
			fn := &Function{Attrs: jn.FAttrs}
			if fn.Params, err = vars(jn.Params); err != nil {
				return nil, err
			}
			if fn.Body, err = at(jn.Body); err != nil {
				return nil, err
			}
			if fn.Ret, err = typeFromJSON(jn.Type); err != nil {
				return nil, err
			}
			exprs[i] = fn
		default:
			return nil, errors.Errorf("unknown node kind %q", jn.Kind)
		}
	}
	fn := &Function{Attrs: jfn.Attrs}
	var err error
	if fn.Params, err = vars(jfn.Params); err != nil {
		return nil, err
	}
	if fn.Body, err = at(jfn.Body); err != nil {
		return nil, err
	}
	if fn.Ret, err = typeFromJSON(jfn.Ret); err != nil {
		return nil, err
	}
	return fn, nil
}
