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
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutputScales(t *testing.T) {
	stdout := "startup noise\nNumber of output dataQ: 2. Output dataQ: 100, 200End of output dataQ\ndone\n"
	scales, err := parseOutputScales(stdout, "")
	require.NoError(t, err)
	assert.Equal(t, []int{100, 200}, scales)
}

func TestParseOutputScalesLastMarkerWins(t *testing.T) {
	stdout := "Number of output dataQ: 1. Output dataQ: 7End of output dataQ\n" +
		"Number of output dataQ: 2. Output dataQ: 100 200End of output dataQ\n"
	scales, err := parseOutputScales(stdout, "")
	require.NoError(t, err)
	assert.Equal(t, []int{100, 200}, scales)
}

func TestParseOutputScalesToolError(t *testing.T) {
	_, err := parseOutputScales("some ERROR happened", "")
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)

	_, err = parseOutputScales("fine output", "warning on stderr")
	require.ErrorAs(t, err, &toolErr)
	assert.Contains(t, toolErr.Stderr, "warning")
}

func TestParseOutputScalesCountMismatch(t *testing.T) {
	stdout := "Number of output dataQ: 3. Output dataQ: 100, 200End of output dataQ"
	_, err := parseOutputScales(stdout, "")
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
}

func TestParseOutputScalesNoMarker(t *testing.T) {
	_, err := parseOutputScales("nothing of note", "")
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
}

func TestPrepareWorkDir(t *testing.T) {
	base := t.TempDir()
	netFile := filepath.Join(base, "tidl_subgraph0_net.bin")
	paramsFile := filepath.Join(base, "tidl_subgraph0_params.bin")
	require.NoError(t, os.WriteFile(netFile, []byte("netbin"), 0o644))

	workDir := filepath.Join(base, "tempDir")
	q := &Quantized{Codes: []int32{1, 2, 3}, Scale: 10}
	require.NoError(t, prepareWorkDir(q, netFile, paramsFile, workDir))

	raw, err := os.ReadFile(filepath.Join(workDir, "calib_raw_data.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, raw)

	staged, err := os.ReadFile(filepath.Join(workDir, "precalib_net.bin"))
	require.NoError(t, err)
	assert.Equal(t, "netbin", string(staged))

	cfg, err := os.ReadFile(filepath.Join(workDir, "quant_stats_config.txt"))
	require.NoError(t, err)
	text := string(cfg)
	assert.Contains(t, text, "rawImage    = 1\n")
	assert.Contains(t, text, "updateNetWithStats = 1\n")
	assert.Contains(t, text, "outputNetBinFile   = "+netFile+"\n")
	assert.Contains(t, text, "netBinFile         = "+filepath.Join(workDir, "precalib_net.bin")+"\n")

	list, err := os.ReadFile(filepath.Join(workDir, "configFilesList.txt"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(list)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "1 "+filepath.Join(workDir, "quant_stats_config.txt"), lines[0])
	assert.Equal(t, "0", lines[1])
}

func TestRunCrash(t *testing.T) {
	base := t.TempDir()
	netFile := filepath.Join(base, "net.bin")
	require.NoError(t, os.WriteFile(netFile, []byte("net"), 0o644))

	q := &Quantized{Codes: []int32{1}, Scale: 1}
	_, err := Run(context.Background(), filepath.Join(base, "no-such-tool"), q,
		netFile, filepath.Join(base, "params.bin"), filepath.Join(base, "tempDir"))
	var crash *CrashError
	require.ErrorAs(t, err, &crash)
}
