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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/mjettp/tidl"
)

// SubgraphQuant is the quantization metadata of one subgraph, recorded in
// its text configuration for the embedded runtime. The input scale comes
// from the captured input data range; output scales come from the
// calibration tool.
type SubgraphQuant struct {
	InScale    float64
	InSigned   bool
	OutScales  []float64
	OutSigned  []bool
	DataLayout tidl.Layout
}

// WriteConfig writes subgraphN.cfg for one subgraph: line-oriented
// key=value text in fixed key order, referencing the network and parameter
// binaries by their runtime-relative names.
func WriteConfig(artifactsDir string, subgraphID int, q *SubgraphQuant) error {
	isNCHW := q.DataLayout.IsNCHW()
	var sb strings.Builder
	fmt.Fprintf(&sb, "netBinFile    = ./%s\n", tidl.NetBinName(subgraphID))
	fmt.Fprintf(&sb, "paramsBinFile = ./%s\n", tidl.ParamsBinName(subgraphID))
	fmt.Fprintf(&sb, "inConvType    = 0\n")
	fmt.Fprintf(&sb, "inIsSigned    = %d\n", boolBit(q.InSigned))
	fmt.Fprintf(&sb, "inScaleF2Q    = %.2f\n", q.InScale)
	fmt.Fprintf(&sb, "inIsNCHW      = %d\n", isNCHW)
	fmt.Fprintf(&sb, "outConvType   = %s\n", repeatInt(0, len(q.OutScales)))
	fmt.Fprintf(&sb, "outIsSigned   = %s\n", joinBits(q.OutSigned))
	fmt.Fprintf(&sb, "outScaleF2Q   = %s\n", joinScales(q.OutScales))
	fmt.Fprintf(&sb, "outIsNCHW     = %s\n", repeatInt(isNCHW, len(q.OutScales)))
	path := filepath.Join(artifactsDir, tidl.ConfigName(subgraphID))
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return errors.Wrapf(err, "cannot write subgraph %d config", subgraphID)
	}
	return nil
}

func boolBit(b bool) int {
	if b {
		return 1
	}
	return 0
}

func repeatInt(v, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, " ")
}

func joinBits(bits []bool) string {
	parts := make([]string, len(bits))
	for i, b := range bits {
		parts[i] = fmt.Sprintf("%d", boolBit(b))
	}
	return strings.Join(parts, " ")
}

func joinScales(scales []float64) string {
	parts := make([]string, len(scales))
	for i, s := range scales {
		parts[i] = fmt.Sprintf("%.5f", s)
	}
	return strings.Join(parts, " ")
}
