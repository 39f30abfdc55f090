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

package importer

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gx-org/backend/dtype"
	"github.com/gx-org/backend/shape"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjettp/tidl"
	"github.com/mjettp/tidl/ir"
)

// fakeLib records every export call in order.
type fakeLib struct {
	calls   []string
	cfg     *ConfigParams
	conv    *Conv2DParams
	pool    *PoolingParams
	outData []int
	links   []*NodeLink
	scale   float32
}

var _ Library = (*fakeLib)(nil)

func (f *fakeLib) record(name string) error {
	f.calls = append(f.calls, name)
	return nil
}

func (f *fakeLib) Init(cfg *ConfigParams, layout tidl.Layout) error {
	f.cfg = cfg
	return f.record("init")
}

func (f *fakeLib) Conv2D(p *Conv2DParams) error {
	f.conv = p
	return f.record("conv2d")
}

func (f *fakeLib) Pad(widths []int32) error { return f.record("pad") }
func (f *fakeLib) Add() error               { return f.record("add") }
func (f *fakeLib) BiasAdd(bias []float32) error {
	return f.record("bias_add")
}
func (f *fakeLib) BatchNorm(p *BatchNormParams) error { return f.record("batch_norm") }
func (f *fakeLib) Pooling(p *PoolingParams, kind PoolKind) error {
	f.pool = p
	return f.record("pooling:" + string(kind))
}
func (f *fakeLib) Relu(kind ReluKind) error { return f.record("relu:" + string(kind)) }
func (f *fakeLib) Squeeze() error           { return f.record("squeeze") }
func (f *fakeLib) Reshape() error           { return f.record("reshape") }
func (f *fakeLib) Softmax() error           { return f.record("softmax") }
func (f *fakeLib) Concat(numInputs int) error {
	return f.record("concat")
}
func (f *fakeLib) Dropout() error      { return f.record("dropout") }
func (f *fakeLib) BatchFlatten() error { return f.record("batch_flatten") }
func (f *fakeLib) Mul(scale float32) error {
	f.scale = scale
	return f.record("mul")
}
func (f *fakeLib) Dense(numIn, numOut int, weights []float32) error {
	return f.record("dense")
}

func (f *fakeLib) OutData(numInputs int) error {
	f.outData = append(f.outData, numInputs)
	return f.record("out_data")
}

func (f *fakeLib) LinkNode(link *NodeLink) error {
	f.links = append(f.links, link)
	return f.record("link")
}

func (f *fakeLib) Optimize(netFile, paramsFile string, subgraphID int) error {
	if err := os.WriteFile(netFile, []byte("net"), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(paramsFile, []byte("params"), 0o644); err != nil {
		return err
	}
	return f.record("optimize")
}

func (f *fakeLib) Close() error { return f.record("close") }

func call(op string, args ...ir.Expr) *ir.Call {
	return &ir.Call{Op: &ir.Op{Name: op}, Args: args}
}

func testSession(lib Library, dir string) *Session {
	return NewSession(lib, filepath.Join(dir, "calib.sh"), dir, tidl.NCHW, nil)
}

// writeCalibScript fakes the calibration tool: it prints the dataQ marker
// with one scale per output.
func writeCalibScript(t *testing.T, dir, output string) {
	t.Helper()
	script := "#!/bin/sh\necho \"" + output + "\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "calib.sh"), []byte(script), 0o755))
}

func convSubgraphModule() *ir.Module {
	p := &ir.Var{Name: "tidl_0_i0", T: &ir.TensorType{}}
	weights := &ir.Constant{Value: ir.NewFloat32([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 1, 2, 2)}
	conv := &ir.Call{
		Op:   &ir.Op{Name: "nn.conv2d"},
		Args: []ir.Expr{p, weights},
		Attrs: &ir.Conv2DAttrs{
			Strides:      [2]int{1, 1},
			Dilation:     [2]int{1, 1},
			Padding:      []int{0, 0},
			KernelSize:   [2]int{2, 2},
			Groups:       1,
			DataLayout:   "NCHW",
			KernelLayout: "OIHW",
		},
	}
	fn := &ir.Function{
		Params: []*ir.Var{p},
		Body:   call("nn.relu", conv),
		Attrs:  map[string]string{"Compiler": "tidl", "global_symbol": "tidl_0"},
	}
	data := &ir.Var{Name: "data"}
	mod := ir.NewModule(&ir.Function{
		Params: []*ir.Var{data},
		Body:   &ir.Call{Op: &ir.GlobalVar{Name: "tidl_0"}, Args: []ir.Expr{data}},
	})
	mod.Funcs["tidl_0"] = fn
	return mod
}

func TestImportModule(t *testing.T) {
	dir := t.TempDir()
	writeCalibScript(t, dir, "Number of output dataQ: 1. Output dataQ: 51End of output dataQ")
	lib := &fakeLib{}
	s := testSession(lib, dir)

	mod := convSubgraphModule()
	tensors := map[string]*ir.Tensor{
		"tidl_0_i0": ir.NewFloat32([]float32{0, 1, 2, 3}, 1, 1, 2, 2),
		"tidl_0_o0": ir.NewFloat32([]float32{0, 5}, 1, 2),
	}
	require.NoError(t, s.ImportModule(context.Background(), mod, nil, tensors))

	assert.Equal(t, []string{"init", "conv2d", "link", "relu:Relu", "link", "optimize"}, lib.calls)

	// Input quantization: unsigned, scale 255/3.
	require.NotNil(t, lib.cfg)
	assert.Equal(t, int32(numParamBits), lib.cfg.NumParamBits)
	assert.Equal(t, int32(quantRoundAdd), lib.cfg.QuantRoundAdd)
	assert.Equal(t, int32(0), lib.cfg.InElementType)
	assert.Equal(t, int32(21675), lib.cfg.InQuantFactor) // round(255/3*255)
	assert.Equal(t, int32(1), lib.cfg.InNumChannels)
	assert.Equal(t, int32(2), lib.cfg.InHeight)
	assert.Equal(t, int32(2), lib.cfg.InWidth)

	require.NotNil(t, lib.conv)
	assert.Equal(t, int32(2), lib.conv.NumOutChannels)
	assert.Equal(t, int32(1), lib.conv.NumInChannels)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, lib.conv.Weights)

	// conv links to relu; the boundary input is the -1 sentinel.
	require.Len(t, lib.links, 2)
	assert.Equal(t, []int32{-1}, lib.links[0].Ins)
	require.Len(t, lib.links[0].Outs, 1)
	assert.Equal(t, lib.links[1].Node, lib.links[0].Outs[0])
	assert.Empty(t, lib.links[1].Outs)

	// The config file carries the refined output scale 51/255.
	cfg, err := os.ReadFile(filepath.Join(dir, "subgraph0.cfg"))
	require.NoError(t, err)
	assert.Contains(t, string(cfg), "outScaleF2Q   = 0.20000\n")
	assert.Contains(t, string(cfg), "outIsSigned   = 0\n")
	assert.Contains(t, string(cfg), "inScaleF2Q    = 85.00\n")
}

func TestImportModuleKernelHWIO(t *testing.T) {
	dir := t.TempDir()
	writeCalibScript(t, dir, "Number of output dataQ: 1. Output dataQ: 255End of output dataQ")
	lib := &fakeLib{}
	s := testSession(lib, dir)

	mod := convSubgraphModule()
	conv := mod.Funcs["tidl_0"].Body.(*ir.Call).Args[0].(*ir.Call)
	attrs := *conv.Attrs.(*ir.Conv2DAttrs)
	attrs.KernelLayout = "HWIO"
	conv.Attrs = &attrs
	// The same 2x2 kernel with 1 input and 2 output channels, HWIO order.
	conv.Args[1] = &ir.Constant{Value: ir.NewFloat32([]float32{1, 5, 2, 6, 3, 7, 4, 8}, 2, 2, 1, 2)}

	tensors := map[string]*ir.Tensor{
		"tidl_0_i0": ir.NewFloat32([]float32{0, 1, 2, 3}, 1, 1, 2, 2),
		"tidl_0_o0": ir.NewFloat32([]float32{1}, 1, 1),
	}
	require.NoError(t, s.ImportModule(context.Background(), mod, nil, tensors))
	assert.Equal(t, int32(2), lib.conv.NumOutChannels)
	assert.Equal(t, int32(1), lib.conv.NumInChannels)
	// Delivered in OIHW order regardless of the source layout.
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, lib.conv.Weights)
}

func TestImportModuleBadKernelLayout(t *testing.T) {
	dir := t.TempDir()
	lib := &fakeLib{}
	s := testSession(lib, dir)

	mod := convSubgraphModule()
	conv := mod.Funcs["tidl_0"].Body.(*ir.Call).Args[0].(*ir.Call)
	attrs := *conv.Attrs.(*ir.Conv2DAttrs)
	attrs.KernelLayout = "OHWI"
	conv.Attrs = &attrs

	tensors := map[string]*ir.Tensor{
		"tidl_0_i0": ir.NewFloat32([]float32{1}, 1, 1, 1, 1),
		"tidl_0_o0": ir.NewFloat32([]float32{1}, 1, 1),
	}
	err := s.ImportModule(context.Background(), mod, nil, tensors)
	var unsupported *UnsupportedOperatorError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "nn.conv2d", unsupported.Op)
}

func TestImportNodeUnknownOperator(t *testing.T) {
	lib := &fakeLib{}
	s := testSession(lib, t.TempDir())
	p := &ir.Var{Name: "tidl_0_i0"}
	lrn := call("nn.lrn", p)
	ni := ir.Index(lrn)

	err := s.importNode(ni, lrn, nil)
	var unsupported *UnsupportedOperatorError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "nn.lrn", unsupported.Op)
}

func TestImportNodeAddDispatch(t *testing.T) {
	lib := &fakeLib{}
	s := testSession(lib, t.TempDir())
	p := &ir.Var{Name: "tidl_0_i0"}
	a := call("nn.relu", p)
	b := call("nn.relu", p)

	// Adding a constant is a bias add.
	withConst := call("add", a, &ir.Constant{Value: ir.NewFloat32([]float32{1}, 1)})
	require.NoError(t, s.importNode(ir.Index(withConst), withConst, nil))
	// Adding two nodes is elementwise.
	twoNodes := call("add", a, b)
	require.NoError(t, s.importNode(ir.Index(twoNodes), twoNodes, nil))
	assert.Equal(t, []string{"bias_add", "link", "add", "link"}, lib.calls)
}

func TestImportGlobalPooling(t *testing.T) {
	lib := &fakeLib{}
	s := testSession(lib, t.TempDir())
	p := &ir.Var{Name: "tidl_0_i0"}
	pool := call("nn.global_avg_pool2d", p)

	require.NoError(t, s.importNode(ir.Index(pool), pool, nil))
	assert.Equal(t, []string{"pooling:avg_pool2d", "link"}, lib.calls)
	assert.Equal(t, &PoolingParams{StrideH: 1, StrideW: 1}, lib.pool)
}

func TestImportSinkTupleChunks(t *testing.T) {
	lib := &fakeLib{}
	s := testSession(lib, t.TempDir())
	p := &ir.Var{Name: "tidl_0_i0"}
	fields := make([]ir.Expr, 20)
	for i := range fields {
		fields[i] = call("nn.relu", p)
	}
	sink := &ir.Tuple{Fields: fields}
	ni := ir.Index(sink)

	require.NoError(t, s.importSinkTuple(ni, sink))
	// 20 flattened inputs split into data layers of 16 and 4, with
	// synthetic node indices continuing after the last real one.
	assert.Equal(t, []int{16, 4}, lib.outData)
	require.Len(t, lib.links, 2)
	assert.Equal(t, int32(ni.Len()+1), lib.links[0].Node)
	assert.Equal(t, int32(ni.Len()+2), lib.links[1].Node)
	assert.Len(t, lib.links[0].Ins, 16)
	assert.Len(t, lib.links[1].Ins, 4)
	assert.Empty(t, lib.links[0].Outs)
}

func TestImportSinkTupleWithConsumer(t *testing.T) {
	lib := &fakeLib{}
	s := testSession(lib, t.TempDir())
	p := &ir.Var{Name: "tidl_0_i0"}
	a := call("nn.relu", p)
	tuple := &ir.Tuple{Fields: []ir.Expr{a}}
	proj := &ir.TupleGetItem{Tuple: tuple, Index: 0}
	top := call("nn.relu", proj)
	ni := ir.Index(top)

	// The tuple has a consumer, so it is transparent: no export calls.
	require.NoError(t, s.importSinkTuple(ni, tuple))
	assert.Empty(t, lib.calls)
}

func int32Tensor(values []int32, axisLengths ...int) *ir.Tensor {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(v))
	}
	return &ir.Tensor{
		Shape: &shape.Shape{DType: dtype.Int32, AxisLengths: axisLengths},
		Data:  data,
	}
}

func TestImportDenseNonFloatWeights(t *testing.T) {
	lib := &fakeLib{}
	s := testSession(lib, t.TempDir())
	p := &ir.Var{Name: "tidl_0_i0"}
	dense := call("nn.dense", p, &ir.Constant{Value: int32Tensor([]int32{1, 2}, 1, 2)})

	err := s.importNode(ir.Index(dense), dense, nil)
	var unsupported *UnsupportedOperatorError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "nn.dense", unsupported.Op)
	// The node is neither exported nor linked.
	assert.Empty(t, lib.calls)
}

func TestImportMulNonFloatScale(t *testing.T) {
	lib := &fakeLib{}
	s := testSession(lib, t.TempDir())
	p := &ir.Var{Name: "tidl_0_i0"}
	mul := call("multiply", &ir.Constant{Value: int32Tensor([]int32{2}, 1)}, p)

	err := s.importNode(ir.Index(mul), mul, nil)
	var unsupported *UnsupportedOperatorError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "multiply", unsupported.Op)
	assert.Empty(t, lib.calls)
}

func TestImportModuleMultiInputTensor(t *testing.T) {
	dir := t.TempDir()
	lib := &fakeLib{}
	s := testSession(lib, dir)
	mod := convSubgraphModule()
	tensors := map[string]*ir.Tensor{
		"tidl_0_i0": ir.NewFloat32([]float32{1}, 1, 1),
		"tidl_0_i1": ir.NewFloat32([]float32{1}, 1, 1),
		"tidl_0_o0": ir.NewFloat32([]float32{1}, 1, 1),
	}
	err := s.ImportModule(context.Background(), mod, nil, tensors)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only one is supported")
}
