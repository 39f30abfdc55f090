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
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/gx-org/backend/dtype"
	"github.com/gx-org/backend/shape"
)

// Tensor is a host tensor: a shape plus its raw element buffer in row-major
// (C) order.
type Tensor struct {
	Shape *shape.Shape
	Data  []byte
}

// NewFloat32 returns a float32 tensor with the given axis lengths.
func NewFloat32(values []float32, axisLengths ...int) *Tensor {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return &Tensor{
		Shape: &shape.Shape{DType: dtype.Float32, AxisLengths: axisLengths},
		Data:  data,
	}
}

// Scalar returns a rank-0 float32 tensor.
func Scalar(value float32) *Tensor {
	return NewFloat32([]float32{value})
}

// Rank returns the number of axes.
func (t *Tensor) Rank() int {
	return len(t.Shape.AxisLengths)
}

// Float32s returns the elements as a float32 slice.
// The tensor element type must be float32.
func (t *Tensor) Float32s() []float32 {
	return dtype.ToSlice[float32](t.Data)
}

// IsScalarOne reports whether the tensor is a rank-0 float32 tensor with
// value 1.0.
func (t *Tensor) IsScalarOne() bool {
	if t.Rank() != 0 || t.Shape.DType != dtype.Float32 {
		return false
	}
	return t.Float32s()[0] == 1.0
}

// Transpose returns a new tensor with axes permuted: axis i of the result is
// axis perm[i] of t. The element type must be float32.
func (t *Tensor) Transpose(perm ...int) (*Tensor, error) {
	dims := t.Shape.AxisLengths
	if len(perm) != len(dims) {
		return nil, errors.Errorf("transpose permutation %v does not match rank %d", perm, len(dims))
	}
	if t.Shape.DType != dtype.Float32 {
		return nil, errors.Errorf("cannot transpose %s tensor: only float32 is supported", t.Shape.DType.String())
	}
	src := t.Float32s()
	outDims := make([]int, len(dims))
	for i, p := range perm {
		outDims[i] = dims[p]
	}
	// Row-major strides of the source, reordered by the permutation.
	srcStrides := make([]int, len(dims))
	stride := 1
	for i := len(dims) - 1; i >= 0; i-- {
		srcStrides[i] = stride
		stride *= dims[i]
	}
	outStrides := make([]int, len(dims))
	for i, p := range perm {
		outStrides[i] = srcStrides[p]
	}
	out := make([]float32, len(src))
	coord := make([]int, len(outDims))
	for i := range out {
		srcIdx := 0
		for a, c := range coord {
			srcIdx += c * outStrides[a]
		}
		out[i] = src[srcIdx]
		for a := len(coord) - 1; a >= 0; a-- {
			coord[a]++
			if coord[a] < outDims[a] {
				break
			}
			coord[a] = 0
		}
	}
	return NewFloat32(out, outDims...), nil
}
