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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjettp/tidl"
	"github.com/mjettp/tidl/calibrate"
)

func TestWriteConfig(t *testing.T) {
	dir := t.TempDir()
	err := calibrate.WriteConfig(dir, 1, &calibrate.SubgraphQuant{
		InScale:    63.75,
		InSigned:   false,
		OutScales:  []float64{0.39216, 0.78431},
		OutSigned:  []bool{true, false},
		DataLayout: tidl.NCHW,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "subgraph1.cfg"))
	require.NoError(t, err)
	want := "netBinFile    = ./tidl_subgraph1_net.bin\n" +
		"paramsBinFile = ./tidl_subgraph1_params.bin\n" +
		"inConvType    = 0\n" +
		"inIsSigned    = 0\n" +
		"inScaleF2Q    = 63.75\n" +
		"inIsNCHW      = 1\n" +
		"outConvType   = 0 0\n" +
		"outIsSigned   = 1 0\n" +
		"outScaleF2Q   = 0.39216 0.78431\n" +
		"outIsNCHW     = 1 1\n"
	assert.Equal(t, want, string(data))
}

func TestWriteConfigChannelLast(t *testing.T) {
	dir := t.TempDir()
	err := calibrate.WriteConfig(dir, 0, &calibrate.SubgraphQuant{
		InScale:    32,
		InSigned:   true,
		OutScales:  []float64{1},
		OutSigned:  []bool{false},
		DataLayout: tidl.NHWC,
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "subgraph0.cfg"))
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "inIsNCHW      = 0\n")
	assert.Contains(t, text, "outIsNCHW     = 0\n")
	assert.Contains(t, text, "inScaleF2Q    = 32.00\n")
	assert.Contains(t, text, "outScaleF2Q   = 1.00000\n")
	assert.Contains(t, text, "inIsSigned    = 1\n")
}
