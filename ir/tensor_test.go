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

package ir_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjettp/tidl/ir"
)

func TestTranspose2D(t *testing.T) {
	m := ir.NewFloat32([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	out, err := m.Transpose(1, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, out.Shape.AxisLengths)
	assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, out.Float32s())
}

func TestTransposeKernelHWIO(t *testing.T) {
	// A 2x2 kernel with 1 input and 2 output channels in HWIO order.
	hwio := ir.NewFloat32([]float32{
		1, 10, // h0 w0, o0 o1
		2, 20, // h0 w1
		3, 30, // h1 w0
		4, 40, // h1 w1
	}, 2, 2, 1, 2)
	oihw, err := hwio.Transpose(3, 2, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 2, 2}, oihw.Shape.AxisLengths)
	assert.Equal(t, []float32{1, 2, 3, 4, 10, 20, 30, 40}, oihw.Float32s())
}

func TestTransposeBadPermutation(t *testing.T) {
	m := ir.NewFloat32([]float32{1, 2}, 2)
	_, err := m.Transpose(0, 1)
	assert.Error(t, err)
}

func TestIsScalarOne(t *testing.T) {
	assert.True(t, ir.Scalar(1).IsScalarOne())
	assert.False(t, ir.Scalar(2).IsScalarOne())
	assert.False(t, ir.NewFloat32([]float32{1}, 1).IsScalarOne())
}
