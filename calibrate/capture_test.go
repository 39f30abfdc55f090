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

package calibrate_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjettp/tidl/calibrate"
	"github.com/mjettp/tidl/ir"
)

type fakeExecutor struct {
	results []*ir.Tensor
	err     error
	gotFn   *ir.Function
}

func (f *fakeExecutor) Run(fn *ir.Function, inputs map[string]*ir.Tensor) ([]*ir.Tensor, error) {
	f.gotFn = fn
	return f.results, f.err
}

func TestCapture(t *testing.T) {
	mod := twoSubgraphModule()
	g, err := calibrate.BuildGraph(mod, "tidl")
	require.NoError(t, err)

	results := make([]*ir.Tensor, g.NumOriginalOutputs+len(g.NameMap))
	for i := range results {
		results[i] = ir.NewFloat32([]float32{float32(i)}, 1, 1)
	}
	exec := &fakeExecutor{results: results}
	tensors, err := calibrate.Capture(exec, g, nil, "")
	require.NoError(t, err)
	assert.Same(t, g.Func, exec.gotFn)

	require.Len(t, tensors, len(g.NameMap))
	for slot, name := range g.NameMap {
		assert.Same(t, results[slot], tensors[name], "slot %d", slot)
	}
}

func TestCaptureExecutionError(t *testing.T) {
	mod := twoSubgraphModule()
	g, err := calibrate.BuildGraph(mod, "tidl")
	require.NoError(t, err)

	exec := &fakeExecutor{err: errors.New("interpreter exploded")}
	_, err = calibrate.Capture(exec, g, nil, "")
	assert.Error(t, err)
}

func TestCaptureDumps(t *testing.T) {
	mod := twoSubgraphModule()
	g, err := calibrate.BuildGraph(mod, "tidl")
	require.NoError(t, err)

	results := make([]*ir.Tensor, g.NumOriginalOutputs+len(g.NameMap))
	for i := range results {
		results[i] = ir.NewFloat32([]float32{1.5}, 1, 1)
	}
	dir := t.TempDir()
	_, err = calibrate.Capture(&fakeExecutor{results: results}, g, nil, dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "graph_output.txt"))
	require.NoError(t, err)
	assert.Equal(t, "   1.50000\n", string(data))
	_, err = os.Stat(filepath.Join(dir, "tidl_0_i0.txt"))
	assert.NoError(t, err)
}

func TestTensorsByPrefix(t *testing.T) {
	tensors := map[string]*ir.Tensor{
		"tidl_0_o10": ir.NewFloat32([]float32{10}, 1),
		"tidl_0_o2":  ir.NewFloat32([]float32{2}, 1),
		"tidl_0_o0":  ir.NewFloat32([]float32{0}, 1),
		"tidl_0_i0":  ir.NewFloat32([]float32{-1}, 1),
		"tidl_1_o0":  ir.NewFloat32([]float32{99}, 1),
	}
	outs := calibrate.TensorsByPrefix(tensors, "tidl_0_o")
	require.Len(t, outs, 3)
	// Shorter names sort first, so o2 precedes o10.
	assert.Equal(t, []float32{0}, outs[0].Float32s())
	assert.Equal(t, []float32{2}, outs[1].Float32s())
	assert.Equal(t, []float32{10}, outs[2].Float32s())

	assert.Empty(t, calibrate.TensorsByPrefix(tensors, "tidl_9_i"))
}
