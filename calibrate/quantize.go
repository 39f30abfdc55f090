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

package calibrate

import (
	"math"

	"github.com/pkg/errors"
	"github.com/gx-org/backend/dtype"

	"github.com/mjettp/tidl"
	"github.com/mjettp/tidl/ir"
)

// Quantized is a captured floating-point tensor converted to 8-bit fixed
// point: integer codes in flattened channel-first order, the scale factor
// mapping tensor values to codes, and the signedness of the codes.
type Quantized struct {
	Codes  []int32
	Scale  float64
	Signed bool
}

// Bytes returns the codes as the raw byte buffer consumed by the
// calibration tool. Signed codes are written in two's complement; the byte
// image is identical either way.
func (q *Quantized) Bytes() []byte {
	out := make([]byte, len(q.Codes))
	for i, c := range q.Codes {
		out[i] = byte(c)
	}
	return out
}

// QuantFlatten converts a float32 tensor to an 8-bit fixed-point vector.
// Only batch 0 is used. Channel-last rank-3 activations are permuted to
// channel-first so the flattened order matches what the accelerator
// consumes. All-non-negative tensors quantize unsigned into [0,255] with
// scale 255/max; otherwise signed into [-128,127] with scale
// 128/max(|min|,|max|). Values are rounded to nearest and clipped.
func QuantFlatten(t *ir.Tensor, layout tidl.Layout) (*Quantized, error) {
	if t.Shape.DType != dtype.Float32 {
		return nil, errors.Errorf("cannot quantize %s tensor: only float32 is supported", t.Shape.DType.String())
	}
	if t.Rank() < 1 {
		return nil, errors.Errorf("cannot quantize a rank-0 tensor")
	}
	// Batch 0 only.
	dims := t.Shape.AxisLengths[1:]
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n == 0 {
		return nil, errors.Errorf("cannot quantize an empty tensor of shape %v", t.Shape.AxisLengths)
	}
	values := t.Float32s()[:n]
	if layout == tidl.NHWC && len(dims) == 3 {
		chanLast := ir.NewFloat32(values, dims...)
		chanFirst, err := chanLast.Transpose(2, 0, 1)
		if err != nil {
			return nil, err
		}
		values = chanFirst.Float32s()
	}
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	q := &Quantized{Codes: make([]int32, len(values))}
	var lo, hi float64
	if min >= 0 {
		lo, hi = 0, 255
		q.Scale = 255.0 / float64(max)
	} else {
		q.Signed = true
		lo, hi = -128, 127
		q.Scale = 128.0 / math.Max(math.Abs(float64(min)), float64(max))
	}
	if math.IsInf(q.Scale, 0) {
		// All-zero tensor: any scale maps it to zero codes.
		q.Scale = 1
	}
	for i, v := range values {
		code := math.RoundToEven(float64(v) * q.Scale)
		q.Codes[i] = int32(math.Min(math.Max(code, lo), hi))
	}
	return q, nil
}
