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

// Package importer exports offloaded subgraphs to the native accelerator
// import library, one operator at a time in node-index order, then calibrates
// each subgraph and writes its artifact set.
package importer

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gx-org/backend/dtype"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mjettp/tidl"
	"github.com/mjettp/tidl/calibrate"
	"github.com/mjettp/tidl/ir"
)

// maxSinkInputs is the widest data layer the accelerator supports; a sink
// tuple with more inputs is split into several layers.
const maxSinkInputs = 16

// UnsupportedOperatorError marks a subgraph as not offloadable: an operator
// outside the supported set, or a supported operator with an attribute value
// the accelerator cannot execute.
type UnsupportedOperatorError struct {
	Op     string
	Reason string
}

func (e *UnsupportedOperatorError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("operator %s is not supported", e.Op)
	}
	return fmt.Sprintf("operator %s is not supported: %s", e.Op, e.Reason)
}

// Session imports every tagged subgraph of one partitioned module. It owns no
// native state itself, but the library accumulates per-subgraph state between
// Init and Optimize, so sessions must run subgraphs one at a time.
type Session struct {
	lib          Library
	calibTool    string
	artifactsDir string
	workDir      string
	target       string
	layout       tidl.Layout
	logger       *zap.Logger
}

// NewSession returns a session exporting through lib. The calibration tool is
// run once per subgraph with its scratch files under a tempDir inside the
// artifacts directory.
func NewSession(lib Library, calibTool, artifactsDir string, layout tidl.Layout, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		lib:          lib,
		calibTool:    calibTool,
		artifactsDir: artifactsDir,
		workDir:      filepath.Join(artifactsDir, "tempDir"),
		target:       tidl.Target,
		layout:       layout,
		logger:       logger,
	}
}

// ImportModule imports all tagged subgraphs of mod. Boundary tensors come
// from a calibration run of the full graph; params resolves weights still
// referenced by name. Any failure aborts the whole import: artifacts already
// written for earlier subgraphs must not be trusted.
func (s *Session) ImportModule(ctx context.Context, mod *ir.Module, params map[string]*ir.Tensor, tensors map[string]*ir.Tensor) error {
	subgraphs := mod.TaggedSubgraphs(s.target)
	if len(subgraphs) == 0 {
		return errors.Errorf("no subgraphs to offload")
	}
	for _, name := range subgraphs {
		if err := s.importSubgraph(ctx, mod, name, params, tensors); err != nil {
			return errors.Wrapf(err, "cannot import subgraph %s", name)
		}
	}
	return nil
}

func (s *Session) importSubgraph(ctx context.Context, mod *ir.Module, name string, params, tensors map[string]*ir.Tensor) error {
	id, err := strconv.Atoi(strings.TrimPrefix(name, s.target+"_"))
	if err != nil {
		return errors.Errorf("subgraph name %q does not carry a numeric ID", name)
	}
	inputs := calibrate.TensorsByPrefix(tensors, name+"_i")
	if len(inputs) == 0 {
		return errors.Errorf("no captured input tensor for subgraph %s", name)
	}
	if len(inputs) > 1 {
		return errors.Errorf("subgraph %s has %d input tensors: only one is supported", name, len(inputs))
	}
	quant, err := calibrate.QuantFlatten(inputs[0], s.layout)
	if err != nil {
		return err
	}
	if err := s.importInit(quant, inputs[0].Shape.AxisLengths); err != nil {
		return err
	}

	fn, err := mod.Func(name)
	if err != nil {
		return err
	}
	ni := ir.Index(fn)
	s.logger.Info("importing subgraph",
		zap.String("subgraph", name),
		zap.Int("nodes", ni.Len()))
	for _, e := range ni.Exprs() {
		call, ok := e.(*ir.Call)
		if !ok {
			continue
		}
		if err := s.importNode(ni, call, params); err != nil {
			return err
		}
	}
	// Sink tuples become data layers once every call is exported.
	for _, e := range ni.Exprs() {
		tuple, ok := e.(*ir.Tuple)
		if !ok {
			continue
		}
		if err := s.importSinkTuple(ni, tuple); err != nil {
			return err
		}
	}

	netFile := filepath.Join(s.artifactsDir, tidl.NetBinName(id))
	paramsFile := filepath.Join(s.artifactsDir, tidl.ParamsBinName(id))
	if err := s.lib.Optimize(netFile, paramsFile, id); err != nil {
		return err
	}

	// Calibration refines the network binary in place and reports one
	// integer scale per output.
	outDataQ, err := calibrate.Run(ctx, s.calibTool, quant, netFile, paramsFile, s.workDir)
	if err != nil {
		return err
	}
	outputs := calibrate.TensorsByPrefix(tensors, name+"_o")
	if len(outputs) == 0 {
		return errors.Errorf("no captured output tensor for subgraph %s", name)
	}
	if len(outputs) != len(outDataQ) {
		return errors.Errorf("subgraph %s has %d outputs but calibration reported %d scales",
			name, len(outputs), len(outDataQ))
	}
	sq := &calibrate.SubgraphQuant{
		InScale:    quant.Scale,
		InSigned:   quant.Signed,
		DataLayout: s.layout,
	}
	for i, out := range outputs {
		sq.OutSigned = append(sq.OutSigned, minFloat32(out.Float32s()) < 0)
		sq.OutScales = append(sq.OutScales, float64(outDataQ[i])/quantRange)
	}
	return calibrate.WriteConfig(s.artifactsDir, id, sq)
}

// importInit configures the library for one subgraph: input quantization and
// activation geometry. A rank-2 input is a vector and expands to a unit-sized
// spatial shape in the session layout.
func (s *Session) importInit(quant *calibrate.Quantized, inputShape []int) error {
	var dims []int
	switch len(inputShape) {
	case 2:
		if s.layout == tidl.NCHW {
			dims = []int{inputShape[0], 1, 1, inputShape[1]}
		} else {
			dims = []int{inputShape[0], 1, inputShape[1], 1}
		}
	case 4:
		dims = inputShape
	default:
		return errors.Errorf("subgraph input shape %v is not supported", inputShape)
	}
	var channel, height, width int
	switch s.layout {
	case tidl.NCHW:
		channel, height, width = dims[1], dims[2], dims[3]
	case tidl.NHWC:
		channel, height, width = dims[3], dims[1], dims[2]
	default:
		return errors.Errorf("data layout %s is not supported", s.layout)
	}
	cfg := &ConfigParams{
		NumParamBits:  numParamBits,
		QuantRoundAdd: quantRoundAdd,
		InQuantFactor: int32(math.Round(quant.Scale * quantRange)),
		InElementType: int32(boolBit(quant.Signed)),
		InNumChannels: int32(channel),
		InHeight:      int32(height),
		InWidth:       int32(width),
	}
	return s.lib.Init(cfg, s.layout)
}

// importNode dispatches one call to its operator export, then links the node
// into the native dependency graph.
func (s *Session) importNode(ni *ir.NodeIndex, call *ir.Call, params map[string]*ir.Tensor) error {
	op, ok := call.Op.(*ir.Op)
	if !ok {
		return &UnsupportedOperatorError{Op: fmt.Sprintf("%T", call.Op), Reason: "callee is not an operator"}
	}
	kind, ok := KindOf(op.Name)
	if !ok {
		return &UnsupportedOperatorError{Op: op.Name}
	}
	var err error
	switch kind {
	case OpConv2D:
		err = s.importConv2D(call, params)
	case OpPad:
		err = s.importPad(call)
	case OpAdd:
		// Adding a constant is a bias; adding two nodes is elementwise.
		if _, isConst := call.Args[1].(*ir.Constant); isConst {
			err = s.importBiasAdd(call, params)
		} else {
			err = s.lib.Add()
		}
	case OpBiasAdd:
		err = s.importBiasAdd(call, params)
	case OpClip:
		err = s.lib.Relu(Relu6)
	case OpRelu:
		err = s.lib.Relu(Relu)
	case OpBatchNorm:
		err = s.importBatchNorm(call, params)
	case OpAvgPool2D, OpGlobalAvgPool2D:
		err = s.importPooling(call, op.Name, AvgPool)
	case OpMaxPool2D:
		err = s.importPooling(call, op.Name, MaxPool)
	case OpSqueeze:
		err = s.lib.Squeeze()
	case OpReshape:
		err = s.lib.Reshape()
	case OpSoftmax:
		err = s.lib.Softmax()
	case OpConcatenate:
		err = s.lib.Concat(len(ni.InNodes(call, s.target)))
	case OpDropout:
		err = s.lib.Dropout()
	case OpBatchFlatten:
		err = s.lib.BatchFlatten()
	case OpMultiply:
		err = s.importMul(call)
	case OpDense:
		err = s.importDense(call, params)
	}
	if err != nil {
		return err
	}
	return s.lib.LinkNode(linkOf(ni.InOutNodes(call, s.target)))
}

func (s *Session) importConv2D(call *ir.Call, params map[string]*ir.Tensor) error {
	attrs, ok := call.Attrs.(*ir.Conv2DAttrs)
	if !ok {
		return &UnsupportedOperatorError{Op: "nn.conv2d", Reason: "missing attributes"}
	}
	weights, err := weightTensor(call.Args[1], params)
	if err != nil {
		return err
	}
	if weights.Shape.DType != dtype.Float32 {
		return &UnsupportedOperatorError{
			Op:     "nn.conv2d",
			Reason: fmt.Sprintf("weight type %s", weights.Shape.DType.String()),
		}
	}
	dims := weights.Shape.AxisLengths
	p := &Conv2DParams{
		NumGroups: int32(attrs.Groups),
		StrideH:   int32(attrs.Strides[0]),
		StrideW:   int32(attrs.Strides[1]),
		DilationH: int32(attrs.Dilation[0]),
		DilationW: int32(attrs.Dilation[1]),
		KernelH:   int32(attrs.KernelSize[0]),
		KernelW:   int32(attrs.KernelSize[1]),
	}
	padT, padL, padB, padR, err := padSides(attrs.Padding)
	if err != nil {
		return &UnsupportedOperatorError{Op: "nn.conv2d", Reason: err.Error()}
	}
	p.PadT, p.PadL, p.PadB, p.PadR = padT, padL, padB, padR

	// Kernels are delivered in OIHW order no matter the source layout.
	switch attrs.KernelLayout {
	case "OIHW":
		p.NumOutChannels = int32(dims[0])
		p.NumInChannels = int32(dims[1])
	case "HWIO":
		if weights, err = weights.Transpose(3, 2, 0, 1); err != nil {
			return err
		}
		p.NumInChannels = int32(dims[2])
		p.NumOutChannels = int32(dims[3])
	case "HWOI":
		if weights, err = weights.Transpose(2, 3, 0, 1); err != nil {
			return err
		}
		p.NumOutChannels = int32(dims[2])
		p.NumInChannels = int32(dims[3])
	default:
		return &UnsupportedOperatorError{
			Op:     "nn.conv2d",
			Reason: fmt.Sprintf("kernel layout %s", attrs.KernelLayout),
		}
	}
	p.Weights = weights.Float32s()
	return s.lib.Conv2D(p)
}

func (s *Session) importPad(call *ir.Call) error {
	attrs, ok := call.Attrs.(*ir.PadAttrs)
	if !ok {
		return &UnsupportedOperatorError{Op: "nn.pad", Reason: "missing attributes"}
	}
	widths := make([]int32, 0, 2*len(attrs.PadWidth))
	for _, pair := range attrs.PadWidth {
		widths = append(widths, int32(pair[0]), int32(pair[1]))
	}
	return s.lib.Pad(widths)
}

func (s *Session) importBiasAdd(call *ir.Call, params map[string]*ir.Tensor) error {
	bias, ok := call.Args[1].(*ir.Constant)
	if !ok {
		return &UnsupportedOperatorError{Op: "nn.bias_add", Reason: "bias is not a constant"}
	}
	if bias.Value.Shape.DType != dtype.Float32 {
		return &UnsupportedOperatorError{
			Op:     "nn.bias_add",
			Reason: fmt.Sprintf("bias type %s", bias.Value.Shape.DType.String()),
		}
	}
	return s.lib.BiasAdd(bias.Value.Float32s())
}

func (s *Session) importBatchNorm(call *ir.Call, params map[string]*ir.Tensor) error {
	attrs, ok := call.Attrs.(*ir.BatchNormAttrs)
	if !ok {
		return &UnsupportedOperatorError{Op: "nn.batch_norm", Reason: "missing attributes"}
	}
	var vecs [4]*ir.Tensor
	for i := range vecs {
		t, err := weightTensor(call.Args[i+1], params)
		if err != nil {
			return err
		}
		if t.Shape.DType != dtype.Float32 {
			return &UnsupportedOperatorError{
				Op:     "nn.batch_norm",
				Reason: fmt.Sprintf("parameter type %s", t.Shape.DType.String()),
			}
		}
		vecs[i] = t
	}
	return s.lib.BatchNorm(&BatchNormParams{
		NumParams:    int32(vecs[0].Shape.AxisLengths[0]),
		Gamma:        vecs[0].Float32s(),
		Beta:         vecs[1].Float32s(),
		Mean:         vecs[2].Float32s(),
		Var:          vecs[3].Float32s(),
		Epsilon:      attrs.Epsilon,
		CenterEnable: int32(boolBit(attrs.Center)),
		ScaleEnable:  int32(boolBit(attrs.Scale)),
	})
}

func (s *Session) importPooling(call *ir.Call, opName string, kind PoolKind) error {
	p := &PoolingParams{}
	if opName == "nn.global_avg_pool2d" {
		p.StrideH, p.StrideW = 1, 1
	} else {
		attrs, ok := call.Attrs.(*ir.PoolAttrs)
		if !ok {
			return &UnsupportedOperatorError{Op: opName, Reason: "missing attributes"}
		}
		p.KernelH = int32(attrs.PoolSize[0])
		p.KernelW = int32(attrs.PoolSize[1])
		p.StrideH = int32(attrs.Strides[0])
		p.StrideW = int32(attrs.Strides[1])
		if len(attrs.Padding) == 4 {
			p.PadH, p.PadW = int32(attrs.Padding[2]), int32(attrs.Padding[3])
		} else if len(attrs.Padding) >= 2 {
			p.PadH, p.PadW = int32(attrs.Padding[0]), int32(attrs.Padding[1])
		}
	}
	return s.lib.Pooling(p, kind)
}

func (s *Session) importMul(call *ir.Call) error {
	scale, ok := call.Args[0].(*ir.Constant)
	if !ok {
		return &UnsupportedOperatorError{Op: "multiply", Reason: "scale is not a constant"}
	}
	if scale.Value.Shape.DType != dtype.Float32 {
		return &UnsupportedOperatorError{
			Op:     "multiply",
			Reason: fmt.Sprintf("scale type %s", scale.Value.Shape.DType.String()),
		}
	}
	values := scale.Value.Float32s()
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return s.lib.Mul(max)
}

func (s *Session) importDense(call *ir.Call, params map[string]*ir.Tensor) error {
	weights, err := weightTensor(call.Args[1], params)
	if err != nil {
		return err
	}
	if weights.Shape.DType != dtype.Float32 {
		return &UnsupportedOperatorError{
			Op:     "nn.dense",
			Reason: fmt.Sprintf("weight type %s", weights.Shape.DType.String()),
		}
	}
	dims := weights.Shape.AxisLengths
	if len(dims) != 2 {
		return &UnsupportedOperatorError{
			Op:     "nn.dense",
			Reason: fmt.Sprintf("weight rank %d", len(dims)),
		}
	}
	return s.lib.Dense(dims[1], dims[0], weights.Float32s())
}

// importSinkTuple exports a consumer-less tuple as one or more sink data
// layers of at most maxSinkInputs inputs each, with synthetic node indices
// continuing after the graph's highest index. Tuples with consumers are
// transparent and export nothing.
func (s *Session) importSinkTuple(ni *ir.NodeIndex, tuple *ir.Tuple) error {
	if len(ni.OutNodes(tuple)) > 0 {
		return nil
	}
	ins := ni.InNodes(tuple, s.target)
	flat := make([]int32, len(ins))
	for i, in := range ins {
		if in.External {
			flat[i] = -1
		} else {
			flat[i] = int32(in.Node)
		}
	}
	nodeIdx := int32(ni.Len() + 1)
	for start := 0; start < len(flat); start += maxSinkInputs {
		end := start + maxSinkInputs
		if end > len(flat) {
			end = len(flat)
		}
		chunk := flat[start:end]
		if err := s.lib.OutData(len(chunk)); err != nil {
			return err
		}
		if err := s.lib.LinkNode(&NodeLink{Node: nodeIdx, Ins: chunk}); err != nil {
			return err
		}
		nodeIdx++
	}
	return nil
}

// weightTensor resolves a weight argument: an embedded constant, or a named
// parameter looked up in the explicit parameter map.
func weightTensor(arg ir.Expr, params map[string]*ir.Tensor) (*ir.Tensor, error) {
	switch w := arg.(type) {
	case *ir.Constant:
		return w.Value, nil
	case *ir.Var:
		t, ok := params[w.Name]
		if !ok {
			return nil, errors.Errorf("no parameter named %q", w.Name)
		}
		return t, nil
	}
	return nil, errors.Errorf("weight argument is neither a constant nor a named parameter")
}

func padSides(padding []int) (t, l, b, r int32, err error) {
	switch len(padding) {
	case 1:
		p := int32(padding[0])
		return p, p, p, p, nil
	case 2:
		return int32(padding[0]), int32(padding[1]), int32(padding[0]), int32(padding[1]), nil
	case 4:
		return int32(padding[0]), int32(padding[1]), int32(padding[2]), int32(padding[3]), nil
	}
	return 0, 0, 0, 0, errors.Errorf("padding %v must have 1, 2 or 4 values", padding)
}

func boolBit(b bool) int {
	if b {
		return 1
	}
	return 0
}

func minFloat32(values []float32) float32 {
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min
}
