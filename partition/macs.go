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

package partition

import (
	"github.com/gx-org/backend/shape"

	"github.com/mjettp/tidl/ir"
)

// MACCounter estimates the multiply-accumulate count of a subgraph, used as
// a proxy for its compute cost during pruning.
type MACCounter func(*ir.Function) int64

// EstimateMACs counts multiply-accumulates from checked types: convolutions
// contribute one MAC per output element per kernel tap, dense layers one MAC
// per output element per input feature. Calls without type information
// contribute nothing.
func EstimateMACs(fn *ir.Function) int64 {
	var total int64
	ir.PostOrder(fn, func(e ir.Expr) {
		call, ok := e.(*ir.Call)
		if !ok {
			return
		}
		op, ok := call.Op.(*ir.Op)
		if !ok {
			return
		}
		switch op.Name {
		case "nn.conv2d":
			total += conv2DMACs(call)
		case "nn.dense":
			total += denseMACs(call)
		}
	})
	return total
}

func tensorShape(e ir.Expr) *shape.Shape {
	var t ir.Type
	switch n := e.(type) {
	case *ir.Constant:
		return n.Value.Shape
	case *ir.Var:
		t = n.T
	case *ir.Call:
		t = n.T
	case *ir.TupleGetItem:
		return nil
	}
	if tt := ir.TensorOf(t); tt != nil {
		return tt.Shape
	}
	return nil
}

func conv2DMACs(call *ir.Call) int64 {
	attrs, ok := call.Attrs.(*ir.Conv2DAttrs)
	if !ok || len(call.Args) < 2 {
		return 0
	}
	out := ir.TensorOf(call.T)
	weight := tensorShape(call.Args[1])
	if out == nil || weight == nil {
		return 0
	}
	// The weight's input-channel axis already holds channels-per-group, so
	// grouped and depthwise convolutions need no further division.
	inChannels := inputChannels(weight, attrs.KernelLayout)
	taps := int64(attrs.KernelSize[0]) * int64(attrs.KernelSize[1]) * int64(inChannels)
	return int64(out.Shape.Size()) * taps
}

func inputChannels(weight *shape.Shape, kernelLayout string) int {
	if len(weight.AxisLengths) != 4 {
		return 0
	}
	switch kernelLayout {
	case "HWIO":
		return weight.AxisLengths[2]
	case "HWOI":
		return weight.AxisLengths[3]
	default: // OIHW
		return weight.AxisLengths[1]
	}
}

func denseMACs(call *ir.Call) int64 {
	if len(call.Args) < 2 {
		return 0
	}
	out := ir.TensorOf(call.T)
	weight := tensorShape(call.Args[1])
	if out == nil || weight == nil || len(weight.AxisLengths) != 2 {
		return 0
	}
	return int64(out.Shape.Size()) * int64(weight.AxisLengths[1])
}
