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
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// CrashError reports that the calibration tool could not be launched or did
// not run to completion.
type CrashError struct {
	Err error
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("calibration crashed: %v", e.Err)
}

func (e *CrashError) Unwrap() error {
	return e.Err
}

// ToolError reports that the calibration tool ran but signaled failure
// through its output.
type ToolError struct {
	Reason string
	Stderr string
}

func (e *ToolError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("calibration failed: %s: %s", e.Reason, e.Stderr)
	}
	return "calibration failed: " + e.Reason
}

// outputDataQMarker precedes the refined per-output scales in the tool's
// stdout. The full format is:
//
//	Number of output dataQ: <count>. Output dataQ: <ints>End of output dataQ
const (
	outputDataQMarker = "Number of output dataQ:"
	outputDataQInfix  = ". Output dataQ:"
	outputDataQEnd    = "End of output dataQ"
)

var digitsRE = regexp.MustCompile(`\d+`)

// Run calibrates one imported subgraph: it writes the quantized input and
// the descriptor files the tool expects under workDir, stages a working copy
// of the network binary, and invokes the calibration executable. On success
// it returns the refined integer scale, one per subgraph output, and the
// tool has rewritten netFile in place with refined parameters — that rewrite
// is a required side effect of calibration.
//
// workDir is recreated on every run. The context bounds the subprocess.
func Run(ctx context.Context, tool string, q *Quantized, netFile, paramsFile, workDir string) ([]int, error) {
	if err := prepareWorkDir(q, netFile, paramsFile, workDir); err != nil {
		return nil, err
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, tool, filepath.Join(workDir, "configFilesList.txt"))
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, &CrashError{Err: err}
	}
	if err := cmd.Wait(); err != nil {
		if _, exited := err.(*exec.ExitError); !exited {
			return nil, &CrashError{Err: err}
		}
		// The tool reports failure through its output streams; a bare
		// exit status is interpreted below.
	}
	return parseOutputScales(stdout.String(), stderr.String())
}

func prepareWorkDir(q *Quantized, netFile, paramsFile, workDir string) error {
	if err := os.RemoveAll(workDir); err != nil {
		return errors.Wrap(err, "cannot reset calibration work directory")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return errors.Wrap(err, "cannot create calibration work directory")
	}
	rawFile := filepath.Join(workDir, "calib_raw_data.bin")
	if err := os.WriteFile(rawFile, q.Bytes(), 0o644); err != nil {
		return errors.Wrap(err, "cannot write quantized calibration input")
	}
	staged := filepath.Join(workDir, "precalib_net.bin")
	if err := copyFile(netFile, staged); err != nil {
		return errors.Wrap(err, "cannot stage network binary for calibration")
	}
	quantConfig := filepath.Join(workDir, "quant_stats_config.txt")
	var qc strings.Builder
	fmt.Fprintf(&qc, "rawImage    = 1\n")
	fmt.Fprintf(&qc, "numFrames   = 1\n")
	fmt.Fprintf(&qc, "preProcType = 0\n")
	fmt.Fprintf(&qc, "inData      = %s\n", rawFile)
	fmt.Fprintf(&qc, "outData     = %s\n", filepath.Join(workDir, "stats_tool_out.bin"))
	fmt.Fprintf(&qc, "traceDumpBaseName  = %s\n", filepath.Join(workDir, "trace_dump_"))
	fmt.Fprintf(&qc, "updateNetWithStats = 1\n")
	fmt.Fprintf(&qc, "outputNetBinFile   = %s\n", netFile)
	fmt.Fprintf(&qc, "paramsBinFile      = %s\n", paramsFile)
	fmt.Fprintf(&qc, "netBinFile         = %s\n", staged)
	if err := os.WriteFile(quantConfig, []byte(qc.String()), 0o644); err != nil {
		return errors.Wrap(err, "cannot write quant stats config")
	}
	configList := fmt.Sprintf("1 %s\n0\n", quantConfig)
	listFile := filepath.Join(workDir, "configFilesList.txt")
	if err := os.WriteFile(listFile, []byte(configList), 0o644); err != nil {
		return errors.Wrap(err, "cannot write config file list")
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// parseOutputScales extracts the refined per-output scales from the tool's
// combined output. Failure is signaled by the substrings "error"/"ERROR" in
// stdout or by anything on stderr.
func parseOutputScales(stdout, stderr string) ([]int, error) {
	if strings.Contains(stdout, "error") || strings.Contains(stdout, "ERROR") || stderr != "" {
		return nil, &ToolError{Reason: "tool reported an error", Stderr: strings.TrimSpace(stderr)}
	}
	at := strings.LastIndex(stdout, outputDataQMarker)
	if at < 0 {
		return nil, &ToolError{Reason: "cannot find number of output buffers"}
	}
	rest := stdout[at+len(outputDataQMarker):]
	countStr, rest, ok := strings.Cut(rest, outputDataQInfix)
	if !ok {
		return nil, &ToolError{Reason: "cannot find output dataQ list"}
	}
	count, err := strconv.Atoi(strings.TrimSpace(countStr))
	if err != nil {
		return nil, &ToolError{Reason: "cannot parse output count"}
	}
	quants, _, _ := strings.Cut(rest, outputDataQEnd)
	var scales []int
	for _, digits := range digitsRE.FindAllString(quants, -1) {
		scale, err := strconv.Atoi(digits)
		if err != nil {
			return nil, &ToolError{Reason: "cannot parse output dataQ value"}
		}
		scales = append(scales, scale)
	}
	if count != len(scales) {
		return nil, &ToolError{Reason: fmt.Sprintf("found %d output dataQ values, tool declared %d", len(scales), count)}
	}
	return scales, nil
}
