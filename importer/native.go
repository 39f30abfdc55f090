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

//go:build linux || darwin

package importer

import (
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/pkg/errors"

	"github.com/mjettp/tidl"
)

// C-compatible mirrors of the records crossing the native boundary. Pointer
// fields hold raw addresses of pinned Go buffers; callers keep the buffers
// alive across the call with runtime.KeepAlive.
type (
	cConfigParams struct {
		numParamBits  int32
		quantRoundAdd int32
		inQuantFactor int32
		inElementType int32
		inNumChannels int32
		inHeight      int32
		inWidth       int32
	}

	cConv2DParams struct {
		numInChannels  int32
		numOutChannels int32
		numGroups      int32
		strideH        int32
		strideW        int32
		dilationH      int32
		dilationW      int32
		padT           int32
		padL           int32
		padB           int32
		padR           int32
		kernelH        int32
		kernelW        int32
		_              [4]byte
		kernelLayout   uintptr
		weightsArray   uintptr
		weightsType    uintptr
	}

	cBatchNormParams struct {
		numParams    int32
		_            [4]byte
		paramsDtype  uintptr
		gamma        uintptr
		beta         uintptr
		mean         uintptr
		variance     uintptr
		epsilon      float32
		centerEnable int32
		scaleEnable  int32
		_            [4]byte
	}

	cPoolingParams struct {
		kernelH int32
		kernelW int32
		strideH int32
		strideW int32
		padH    int32
		padW    int32
	}

	cMulParams struct {
		scale float32
	}

	cInOutNodes struct {
		thisNode    int32
		numInNodes  int32
		numOutNodes int32
		_           [4]byte
		inNodes     uintptr
		outNodes    uintptr
	}
)

// NativeLibrary drives the accelerator import library through its dynamic
// symbols. The handle is scoped: Open acquires it, Close releases it, and
// every import session closes the handle on all exit paths.
type NativeLibrary struct {
	handle uintptr

	init         func(unsafe.Pointer, string)
	conv2d       func(unsafe.Pointer, unsafe.Pointer)
	pad          func(int32, unsafe.Pointer)
	add          func()
	biasAdd      func(int32, string, unsafe.Pointer)
	batchNorm    func(unsafe.Pointer, unsafe.Pointer)
	pooling      func(unsafe.Pointer, string)
	relu         func(string)
	squeeze      func()
	reshape      func()
	softmax      func()
	concat       func(int32)
	dropout      func()
	batchFlatten func()
	mul          func(unsafe.Pointer, unsafe.Pointer)
	dense        func(int32, int32, unsafe.Pointer)
	outData      func(int32)
	linkNodes    func(unsafe.Pointer, unsafe.Pointer) int32
	optimize     func(string, string, int32) int32
}

var _ Library = (*NativeLibrary)(nil)

// Open loads the native import library from path.
func Open(path string) (*NativeLibrary, error) {
	handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot load import library %s", path)
	}
	lib := &NativeLibrary{handle: handle}
	purego.RegisterLibFunc(&lib.init, handle, "tidlImportInit")
	purego.RegisterLibFunc(&lib.conv2d, handle, "tidlImportConv2d")
	purego.RegisterLibFunc(&lib.pad, handle, "tidlImportPad")
	purego.RegisterLibFunc(&lib.add, handle, "tidlImportAdd")
	purego.RegisterLibFunc(&lib.biasAdd, handle, "tidlImportBiasAdd")
	purego.RegisterLibFunc(&lib.batchNorm, handle, "tidlImportBatchNorm")
	purego.RegisterLibFunc(&lib.pooling, handle, "tidlImportPooling")
	purego.RegisterLibFunc(&lib.relu, handle, "tidlImportRelu")
	purego.RegisterLibFunc(&lib.squeeze, handle, "tidlImportSqueeze")
	purego.RegisterLibFunc(&lib.reshape, handle, "tidlImportReshape")
	purego.RegisterLibFunc(&lib.softmax, handle, "tidlImportSoftmax")
	purego.RegisterLibFunc(&lib.concat, handle, "tidlImportConcat")
	purego.RegisterLibFunc(&lib.dropout, handle, "tidlImportDropOut")
	purego.RegisterLibFunc(&lib.batchFlatten, handle, "tidlImportBatchFlatten")
	purego.RegisterLibFunc(&lib.mul, handle, "tidlImportMul")
	purego.RegisterLibFunc(&lib.dense, handle, "tidlImportDense")
	purego.RegisterLibFunc(&lib.outData, handle, "tidlImportOutData")
	purego.RegisterLibFunc(&lib.linkNodes, handle, "tidlImportLinkNodes")
	purego.RegisterLibFunc(&lib.optimize, handle, "tidlImportOptimize")
	return lib, nil
}

func floatPtr(s []float32) uintptr {
	if len(s) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s[0]))
}

func cString(s string) []byte {
	return append([]byte(s), 0)
}

func bytePtr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

// Init implements Library.
func (l *NativeLibrary) Init(cfg *ConfigParams, layout tidl.Layout) error {
	c := cConfigParams{
		numParamBits:  cfg.NumParamBits,
		quantRoundAdd: cfg.QuantRoundAdd,
		inQuantFactor: cfg.InQuantFactor,
		inElementType: cfg.InElementType,
		inNumChannels: cfg.InNumChannels,
		inHeight:      cfg.InHeight,
		inWidth:       cfg.InWidth,
	}
	l.init(unsafe.Pointer(&c), string(layout))
	return nil
}

// Conv2D implements Library.
func (l *NativeLibrary) Conv2D(p *Conv2DParams) error {
	layout := cString("OIHW")
	dt := cString("float32")
	c := cConv2DParams{
		numInChannels:  p.NumInChannels,
		numOutChannels: p.NumOutChannels,
		numGroups:      p.NumGroups,
		strideH:        p.StrideH,
		strideW:        p.StrideW,
		dilationH:      p.DilationH,
		dilationW:      p.DilationW,
		padT:           p.PadT,
		padL:           p.PadL,
		padB:           p.PadB,
		padR:           p.PadR,
		kernelH:        p.KernelH,
		kernelW:        p.KernelW,
		kernelLayout:   bytePtr(layout),
		weightsArray:   floatPtr(p.Weights),
		weightsType:    bytePtr(dt),
	}
	l.conv2d(unsafe.Pointer(&c), nil)
	runtime.KeepAlive(layout)
	runtime.KeepAlive(dt)
	runtime.KeepAlive(p.Weights)
	return nil
}

// Pad implements Library.
func (l *NativeLibrary) Pad(widths []int32) error {
	var ptr unsafe.Pointer
	if len(widths) > 0 {
		ptr = unsafe.Pointer(&widths[0])
	}
	l.pad(int32(len(widths)), ptr)
	runtime.KeepAlive(widths)
	return nil
}

// Add implements Library.
func (l *NativeLibrary) Add() error {
	l.add()
	return nil
}

// BiasAdd implements Library.
func (l *NativeLibrary) BiasAdd(bias []float32) error {
	l.biasAdd(int32(len(bias)), "float32", unsafe.Pointer(&bias[0]))
	runtime.KeepAlive(bias)
	return nil
}

// BatchNorm implements Library.
func (l *NativeLibrary) BatchNorm(p *BatchNormParams) error {
	dt := cString("float32")
	c := cBatchNormParams{
		numParams:    p.NumParams,
		paramsDtype:  bytePtr(dt),
		gamma:        floatPtr(p.Gamma),
		beta:         floatPtr(p.Beta),
		mean:         floatPtr(p.Mean),
		variance:     floatPtr(p.Var),
		epsilon:      p.Epsilon,
		centerEnable: p.CenterEnable,
		scaleEnable:  p.ScaleEnable,
	}
	l.batchNorm(unsafe.Pointer(&c), nil)
	runtime.KeepAlive(dt)
	runtime.KeepAlive(p.Gamma)
	runtime.KeepAlive(p.Beta)
	runtime.KeepAlive(p.Mean)
	runtime.KeepAlive(p.Var)
	return nil
}

// Pooling implements Library.
func (l *NativeLibrary) Pooling(p *PoolingParams, kind PoolKind) error {
	c := cPoolingParams{
		kernelH: p.KernelH,
		kernelW: p.KernelW,
		strideH: p.StrideH,
		strideW: p.StrideW,
		padH:    p.PadH,
		padW:    p.PadW,
	}
	l.pooling(unsafe.Pointer(&c), string(kind))
	return nil
}

// Relu implements Library.
func (l *NativeLibrary) Relu(kind ReluKind) error {
	l.relu(string(kind))
	return nil
}

// Squeeze implements Library.
func (l *NativeLibrary) Squeeze() error {
	l.squeeze()
	return nil
}

// Reshape implements Library.
func (l *NativeLibrary) Reshape() error {
	l.reshape()
	return nil
}

// Softmax implements Library.
func (l *NativeLibrary) Softmax() error {
	l.softmax()
	return nil
}

// Concat implements Library.
func (l *NativeLibrary) Concat(numInputs int) error {
	l.concat(int32(numInputs))
	return nil
}

// Dropout implements Library.
func (l *NativeLibrary) Dropout() error {
	l.dropout()
	return nil
}

// BatchFlatten implements Library.
func (l *NativeLibrary) BatchFlatten() error {
	l.batchFlatten()
	return nil
}

// Mul implements Library.
func (l *NativeLibrary) Mul(scale float32) error {
	c := cMulParams{scale: scale}
	l.mul(unsafe.Pointer(&c), nil)
	return nil
}

// Dense implements Library.
func (l *NativeLibrary) Dense(numIn, numOut int, weights []float32) error {
	l.dense(int32(numIn), int32(numOut), unsafe.Pointer(&weights[0]))
	runtime.KeepAlive(weights)
	return nil
}

// OutData implements Library.
func (l *NativeLibrary) OutData(numInputs int) error {
	l.outData(int32(numInputs))
	return nil
}

// LinkNode implements Library.
func (l *NativeLibrary) LinkNode(link *NodeLink) error {
	c := cInOutNodes{
		thisNode:    link.Node,
		numInNodes:  int32(len(link.Ins)),
		numOutNodes: int32(len(link.Outs)),
	}
	if len(link.Ins) > 0 {
		c.inNodes = uintptr(unsafe.Pointer(&link.Ins[0]))
	}
	if len(link.Outs) > 0 {
		c.outNodes = uintptr(unsafe.Pointer(&link.Outs[0]))
	}
	ok := l.linkNodes(unsafe.Pointer(&c), nil)
	runtime.KeepAlive(link.Ins)
	runtime.KeepAlive(link.Outs)
	if ok == 0 {
		return errors.Errorf("cannot link node %d", link.Node)
	}
	return nil
}

// Optimize implements Library.
func (l *NativeLibrary) Optimize(netFile, paramsFile string, subgraphID int) error {
	if l.optimize(netFile, paramsFile, int32(subgraphID)) == 0 {
		return errors.Errorf("optimization of subgraph %d failed", subgraphID)
	}
	return nil
}

// Close implements Library.
func (l *NativeLibrary) Close() error {
	if l.handle == 0 {
		return nil
	}
	err := purego.Dlclose(l.handle)
	l.handle = 0
	if err != nil {
		return errors.Wrap(err, "cannot unload import library")
	}
	return nil
}
